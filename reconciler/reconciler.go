// Package reconciler turns stream status changes and voice-state updates
// into voice-channel rename and restore decisions. Decisions are applied
// one at a time: the ingest queue has a single consumer, voice updates
// arrive on the gateway task, and a mutex keeps the two from ever deciding
// concurrently against the same store.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/voicemark/presence"
	"github.com/onnwee/voicemark/queue"
	"github.com/onnwee/voicemark/telemetry"
)

// RoomEditor applies a name/topic change to a voice room. reason is a
// human-readable audit note carried to the chat platform.
type RoomEditor interface {
	EditRoom(ctx context.Context, roomID, name, topic, reason string) error
}

// RoomCache exposes the chat gateway's cached view: room metadata by id and
// voice occupancy by (guild, user).
type RoomCache interface {
	Room(roomID string) (name, topic string, ok bool)
	VoiceRoom(guildID, chatUserID string) (roomID string, ok bool)
}

// Reconciler consumes status messages and voice updates and drives the
// rename/restore algorithm against the presence store.
type Reconciler struct {
	Store  *presence.Store
	Editor RoomEditor
	Cache  RoomCache

	Guilds    []string // guild scopes searched by the slow-path discovery
	LiveName  string
	LiveTopic string

	mu sync.Mutex // serializes decisions across the two event sources
}

// Run consumes the ingest queue until ctx is done. Each message is fully
// processed, including any room edit, before the next is popped.
func (r *Reconciler) Run(ctx context.Context, q *queue.IngestQueue) error {
	for {
		msg, err := q.Pop(ctx)
		if err != nil {
			return err
		}
		r.HandleStatus(ctx, msg)
	}
}

// HandleStatus applies one stream status change. Unknown broadcaster ids are
// logged and dropped with no state mutation.
func (r *Reconciler) HandleStatus(ctx context.Context, msg queue.StatusMessage) {
	user, ok := r.Store.ByStreamID(msg.StreamUserID)
	if !ok {
		telemetry.UnknownStreamUsers.Inc()
		slog.Warn("notification for unknown stream user",
			slog.String("stream_user_id", msg.StreamUserID),
			slog.String("login", msg.StreamUserLogin))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	goingLive := msg.Kind == queue.StreamOnline
	if !r.Store.SetLive(user.ChatUserID, goingLive) {
		slog.Debug("stream status unchanged",
			slog.String("chat_user_id", user.ChatUserID),
			slog.Bool("live", goingLive))
		return
	}

	roomID := r.roomFor(user.ChatUserID)
	if roomID == "" {
		slog.Debug("user not in a voice room", slog.String("chat_user_id", user.ChatUserID))
		return
	}

	sctx, span := telemetry.StartSpan(ctx, "reconciler", "rename-decision",
		attribute.String("chat_user_id", user.ChatUserID),
		attribute.Bool("going_live", goingLive))
	defer span.End()
	r.apply(sctx, user.ChatUserID, roomID, goingLive)
}

// HandleVoiceState records a voice-state update (roomID empty when the user
// left voice) and, when a live user changed rooms, restores the vacated room
// and renames the new one under the usual skip rules.
func (r *Reconciler) HandleVoiceState(ctx context.Context, chatUserID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.Store.ByChatID(chatUserID)
	if !ok {
		// Not monitored; silently ignored.
		return
	}
	prevRoom := ""
	if prev.SeenPresence {
		prevRoom = prev.RoomID
	}
	r.Store.MarkPresence(chatUserID, roomID)

	user, _ := r.Store.ByChatID(chatUserID)
	if !user.Live() || prevRoom == roomID {
		return
	}

	sctx, span := telemetry.StartSpan(ctx, "reconciler", "room-move",
		attribute.String("chat_user_id", chatUserID))
	defer span.End()
	// Restore the vacated room first, then rename the new one; each side
	// applies its own skip rules.
	if prevRoom != "" {
		r.apply(sctx, chatUserID, prevRoom, false)
	}
	if roomID != "" {
		r.apply(sctx, chatUserID, roomID, true)
	}
}

// roomFor resolves the user's current voice room. The cached value is used
// once a presence event has been observed; otherwise all configured guild
// voice caches are scanned, and a hit is memoized so the scan runs at most
// once per user until a real presence event arrives.
func (r *Reconciler) roomFor(chatUserID string) string {
	user, ok := r.Store.ByChatID(chatUserID)
	if !ok {
		return ""
	}
	if user.SeenPresence {
		return user.RoomID
	}
	slog.Debug("searching voice room the slow way", slog.String("chat_user_id", chatUserID))
	for _, guildID := range r.Guilds {
		if roomID, ok := r.Cache.VoiceRoom(guildID, chatUserID); ok && roomID != "" {
			r.Store.MarkPresence(chatUserID, roomID)
			return roomID
		}
	}
	return ""
}

// apply runs the rename/restore decision for one (user, room, direction)
// tuple. Callers hold r.mu.
func (r *Reconciler) apply(ctx context.Context, chatUserID, roomID string, goingLive bool) {
	renamed := r.Store.Renamed(roomID)

	otherLive := false
	for _, u := range r.Store.UsersInRoom(roomID) {
		if u.ChatUserID != chatUserID && u.Live() {
			otherLive = true
			break
		}
	}
	// The room is already carrying the live name for another streamer in it;
	// neither direction may touch it.
	if otherLive && renamed {
		slog.Debug("room busy with another live streamer", slog.String("room_id", roomID))
		return
	}

	if goingLive {
		if renamed {
			slog.Info("room already renamed", slog.String("room_id", roomID))
			return
		}
		name, topic, ok := r.Cache.Room(roomID)
		if !ok {
			slog.Error("room missing from gateway cache", slog.String("room_id", roomID))
			return
		}
		r.Store.RecordRename(roomID, name, topic)
		telemetry.RenamesTotal.Inc()
		reason := fmt.Sprintf("user %s is streaming", chatUserID)
		r.edit(ctx, roomID, r.LiveName, r.LiveTopic, reason)
		return
	}

	// Restoring: nothing to do unless this room carries the live name.
	name, topic, ok := r.Store.ClearRename(roomID)
	if !ok {
		return
	}
	telemetry.RestoresTotal.Inc()
	reason := fmt.Sprintf("user %s has stopped streaming", chatUserID)
	r.edit(ctx, roomID, name, topic, reason)
}

// edit performs the remote room edit. Failures are logged and swallowed; the
// local rename bookkeeping already reflects the attempted action and there
// is no retry layer.
func (r *Reconciler) edit(ctx context.Context, roomID, name, topic, reason string) {
	slog.Debug("editing room",
		slog.String("room_id", roomID),
		slog.String("name", name),
		slog.String("reason", reason))
	if err := r.Editor.EditRoom(ctx, roomID, name, topic, reason); err != nil {
		telemetry.EditFailures.Inc()
		slog.Error("room edit failed", slog.String("room_id", roomID), slog.Any("err", err))
	}
}
