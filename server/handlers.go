package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/voicemark/db"
	"github.com/onnwee/voicemark/presence"
	"github.com/onnwee/voicemark/queue"
)

// FeedInfo reports the current state of the event feed connection.
type FeedInfo interface {
	SessionID() string
}

// StatusSource aggregates the live views the status endpoint reports on.
type StatusSource struct {
	Store *presence.Store
	Queue *queue.IngestQueue
	Feed  FeedInfo
}

// Handlers carries the dependencies of the HTTP endpoints.
type Handlers struct {
	db     *sql.DB
	status *StatusSource
}

// HandleHealthz responds to liveness probes by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probes with detailed checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
		{"credentials", func() error {
			var count int
			err := h.db.QueryRowContext(r.Context(),
				"SELECT COUNT(*) FROM oauth_tokens WHERE provider = 'twitch'").Scan(&count)
			if err != nil {
				return err
			}
			if count < 1 {
				return fmt.Errorf("missing twitch OAuth token")
			}
			return nil
		}},
		{"feed", func() error {
			if h.status == nil || h.status.Feed == nil || h.status.Feed.SessionID() == "" {
				return fmt.Errorf("event feed not connected")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

type renamedRoom struct {
	RoomID       string `json:"room_id"`
	OriginalName string `json:"original_name"`
}

type statusResponse struct {
	MonitoredUsers int           `json:"monitored_users"`
	LiveStreams    int           `json:"live_streams"`
	RenamedRooms   []renamedRoom `json:"renamed_rooms"`
	QueueDepth     int           `json:"queue_depth"`
	FeedSessionID  string        `json:"feed_session_id,omitempty"`
	StartedAt      string        `json:"started_at,omitempty"`
}

// HandleStatus reports what the watcher is doing right now: monitored user
// count, how many are live, which rooms carry the live name, queue depth,
// and the feed session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{RenamedRooms: []renamedRoom{}}
	if h.status != nil {
		if h.status.Store != nil {
			resp.MonitoredUsers = h.status.Store.UserCount()
			resp.LiveStreams = h.status.Store.LiveCount()
			for _, rn := range h.status.Store.RenamedRooms() {
				resp.RenamedRooms = append(resp.RenamedRooms, renamedRoom{RoomID: rn.RoomID, OriginalName: rn.OriginalName})
			}
		}
		if h.status.Queue != nil {
			resp.QueueDepth = h.status.Queue.Len()
		}
		if h.status.Feed != nil {
			resp.FeedSessionID = h.status.Feed.SessionID()
		}
	}
	if h.db != nil {
		if v, err := db.GetKV(r.Context(), h.db, "last_start"); err == nil {
			resp.StartedAt = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
