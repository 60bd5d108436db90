package twitchapi

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/voicemark/testutil"
)

func newHelix(mock *testutil.MockTwitchServer) *HelixClient {
	tokens := &UserTokenSource{
		ClientID: "cid",
		Store:    &memStore{access: "tok", refresh: "ref", expiry: time.Now().Add(time.Hour)},
	}
	return &HelixClient{Tokens: tokens, ClientID: "cid", BaseURL: mock.URL}
}

func TestListEventSubSubscriptionsPaginated(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["GET /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Client-Id"); got != "cid" {
			t.Errorf("Client-Id = %q, want cid", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("after") {
		case "":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data":       []map[string]interface{}{testutil.Sub("a", SubStreamOnline, "t1")},
				"pagination": map[string]string{"cursor": "page2"},
			})
		case "page2":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"data":       []map[string]interface{}{testutil.Sub("b", SubStreamOffline, "t2")},
				"pagination": map[string]string{},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("after"))
			w.WriteHeader(http.StatusBadRequest)
		}
	}

	subs, err := newHelix(mock).ListEventSubSubscriptions(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d subscriptions, want 2", len(subs))
	}
	if subs[0].ID != "a" || subs[0].Type != SubStreamOnline || subs[0].BroadcasterUserID != "t1" {
		t.Errorf("subs[0] = %+v", subs[0])
	}
	if subs[1].ID != "b" || subs[1].Type != SubStreamOffline || subs[1].BroadcasterUserID != "t2" {
		t.Errorf("subs[1] = %+v", subs[1])
	}
}

func TestListEventSubSubscriptionsError(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["GET /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}
	if _, err := newHelix(mock).ListEventSubSubscriptions(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestCreateEventSubSubscription(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	var body struct {
		Type      string `json:"type"`
		Version   string `json:"version"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
		Transport struct {
			Method    string `json:"method"`
			SessionID string `json:"session_id"`
		} `json:"transport"`
	}
	mock.Handlers["POST /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}

	err := newHelix(mock).CreateEventSubSubscription(context.Background(), SubStreamOnline, "t1", "sess-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if body.Type != SubStreamOnline || body.Version != "1" {
		t.Errorf("type/version = %q/%q", body.Type, body.Version)
	}
	if body.Condition.BroadcasterUserID != "t1" {
		t.Errorf("broadcaster = %q, want t1", body.Condition.BroadcasterUserID)
	}
	if body.Transport.Method != "websocket" || body.Transport.SessionID != "sess-1" {
		t.Errorf("transport = %+v", body.Transport)
	}
}

func TestCreateEventSubSubscriptionRejected(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["POST /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}
	err := newHelix(mock).CreateEventSubSubscription(context.Background(), SubStreamOnline, "t1", "sess-1")
	if err == nil {
		t.Fatal("expected error on non-202 status")
	}
}

func TestDeleteEventSubSubscription(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	var gotID string
	mock.Handlers["DELETE /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		gotID = r.URL.Query().Get("id")
		w.WriteHeader(http.StatusNoContent)
	}

	if err := newHelix(mock).DeleteEventSubSubscription(context.Background(), "sub-7"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotID != "sub-7" {
		t.Fatalf("deleted id = %q, want sub-7", gotID)
	}
}

func TestDeleteEventSubSubscriptionMissing(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.Handlers["DELETE /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}
	if err := newHelix(mock).DeleteEventSubSubscription(context.Background(), "gone"); err == nil {
		t.Fatal("expected error on 404")
	}
}
