// Package presence holds the shared state of monitored users: which voice
// room they are known to occupy, whether they are live, and which rooms
// currently carry the live name. The Store is the single synchronization
// point between the Discord gateway task and the feed consumer; callers only
// ever see value copies, never shared references.
package presence

import (
	"sync"

	"github.com/onnwee/voicemark/telemetry"
)

// User is a monitored pairing of one Discord account and one Twitch
// broadcaster. The set of users is fixed at startup; room and live state
// mutate during the run, only through Store methods.
type User struct {
	ChatUserID   string
	StreamUserID string

	// RoomID is the last known voice room ("" when not in voice).
	RoomID string
	// SeenPresence is true once a real voice-state event (or a successful
	// slow-path scan) established RoomID, so the guild scan never reruns.
	SeenPresence bool

	liveKnown bool
	live      bool
}

// Live reports whether the user is known to be live. It is false until the
// first status event arrives.
func (u User) Live() bool { return u.liveKnown && u.live }

// Rename records the original metadata of a room that currently carries the
// live name. At most one record exists per room.
type Rename struct {
	RoomID        string
	OriginalName  string
	OriginalTopic string
}

// Store owns all monitored-user and renamed-room state.
type Store struct {
	mu       sync.RWMutex
	byChat   map[string]*User
	byTwitch map[string]*User
	renamed  map[string]Rename
}

// NewStore builds a store over the configured user set. Mappings must be
// one-to-one; config validation enforces that before this point.
func NewStore(users []User) *Store {
	s := &Store{
		byChat:   make(map[string]*User, len(users)),
		byTwitch: make(map[string]*User, len(users)),
		renamed:  make(map[string]Rename),
	}
	for i := range users {
		u := users[i]
		cp := &User{ChatUserID: u.ChatUserID, StreamUserID: u.StreamUserID}
		s.byChat[cp.ChatUserID] = cp
		s.byTwitch[cp.StreamUserID] = cp
	}
	return s
}

// ByChatID returns a copy of the user with the given Discord id.
func (s *Store) ByChatID(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byChat[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// ByStreamID returns a copy of the user with the given Twitch id.
func (s *Store) ByStreamID(id string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byTwitch[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// UsersInRoom returns copies of all monitored users whose known room is roomID.
func (s *Store) UsersInRoom(roomID string) []User {
	if roomID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []User
	for _, u := range s.byChat {
		if u.RoomID == roomID {
			out = append(out, *u)
		}
	}
	return out
}

// MarkPresence records the user's current voice room (empty when leaving
// voice) and marks presence as observed so the slow-path scan stays off.
// It reports whether the chat id is monitored.
func (s *Store) MarkPresence(chatID, roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byChat[chatID]
	if !ok {
		return false
	}
	u.RoomID = roomID
	u.SeenPresence = true
	return true
}

// SetLive atomically compares and sets the live flag. It returns false and
// mutates nothing when the flag already holds isLive, making duplicate
// notifications idempotent. SetLive is the only writer of the flag.
func (s *Store) SetLive(chatID string, isLive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byChat[chatID]
	if !ok {
		return false
	}
	if u.liveKnown && u.live == isLive {
		return false
	}
	u.liveKnown = true
	u.live = isLive
	telemetry.SetLiveStreams(s.liveCountLocked())
	return true
}

// LiveCount reports how many monitored users are currently live.
func (s *Store) LiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveCountLocked()
}

func (s *Store) liveCountLocked() int {
	n := 0
	for _, u := range s.byChat {
		if u.liveKnown && u.live {
			n++
		}
	}
	return n
}

// UserCount reports the size of the monitored set.
func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byChat)
}

// StreamUserIDs returns the Twitch ids of all monitored users, the desired
// set driving subscription reconciliation.
func (s *Store) StreamUserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.byTwitch))
	for id := range s.byTwitch {
		ids = append(ids, id)
	}
	return ids
}

// RecordRename stores the original name/topic of a room before it takes the
// live name. A second record for the same room overwrites the first; callers
// check Renamed first.
func (s *Store) RecordRename(roomID, originalName, originalTopic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renamed[roomID] = Rename{RoomID: roomID, OriginalName: originalName, OriginalTopic: originalTopic}
	telemetry.SetRenamedRooms(len(s.renamed))
}

// ClearRename removes the room's rename record and returns the stored
// original name/topic. ok is false when no record exists.
func (s *Store) ClearRename(roomID string) (name, topic string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renamed[roomID]
	if !ok {
		return "", "", false
	}
	delete(s.renamed, roomID)
	telemetry.SetRenamedRooms(len(s.renamed))
	return r.OriginalName, r.OriginalTopic, true
}

// Renamed reports whether the room currently carries the live name.
func (s *Store) Renamed(roomID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.renamed[roomID]
	return ok
}

// RenamedRooms returns a copy of all current rename records.
func (s *Store) RenamedRooms() []Rename {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rename, 0, len(s.renamed))
	for _, r := range s.renamed {
		out = append(out, r)
	}
	return out
}
