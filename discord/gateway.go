package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway opcodes used by this client.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// GUILDS | GUILD_VOICE_STATES: everything the watcher needs, nothing privileged.
const intents = 1<<0 | 1<<7

// DefaultGatewayRetry is the wait between gateway session attempts.
const DefaultGatewayRetry = 5 * time.Second

type payload struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type channelInfo struct {
	name  string
	topic string
}

// Gateway is a compact Discord gateway client. It keeps the channel and
// voice-occupancy caches current from dispatch events and forwards
// voice-state updates to OnVoiceState. It implements reconciler.RoomCache.
//
// TODO: implement session resume (op 6); reconnects currently re-identify,
// which costs a session start against the identify rate limit.
type Gateway struct {
	Token      string
	REST       *REST
	Dialer     *websocket.Dialer
	RetryDelay time.Duration // defaults to DefaultGatewayRetry

	// OnVoiceState is called on the gateway task for every voice-state
	// update; roomID is empty when the user left voice.
	OnVoiceState func(ctx context.Context, chatUserID, roomID string)

	mu       sync.RWMutex
	channels map[string]channelInfo
	voice    map[string]map[string]string // guild -> user -> channel

	writeMu sync.Mutex
	seq     int64
}

func (g *Gateway) dialer() *websocket.Dialer {
	if g.Dialer != nil {
		return g.Dialer
	}
	return websocket.DefaultDialer
}

func (g *Gateway) retry() time.Duration {
	if g.RetryDelay > 0 {
		return g.RetryDelay
	}
	return DefaultGatewayRetry
}

// Room returns the cached name/topic of a channel.
func (g *Gateway) Room(roomID string) (name, topic string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ch, ok := g.channels[roomID]
	if !ok {
		return "", "", false
	}
	return ch.name, ch.topic, true
}

// VoiceRoom returns the cached voice channel of a user within a guild.
func (g *Gateway) VoiceRoom(guildID, chatUserID string) (roomID string, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	states, ok := g.voice[guildID]
	if !ok {
		return "", false
	}
	roomID, ok = states[chatUserID]
	return roomID, ok
}

// Run connects and processes gateway sessions until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		url, err := g.REST.GatewayURL(ctx)
		if err != nil {
			slog.Warn("gateway url lookup failed", slog.Any("err", err))
		} else if err := g.session(ctx, url+"?v=10&encoding=json"); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("gateway session ended", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.retry()):
		}
	}
}

// session runs one gateway connection: hello, identify, heartbeats, dispatch.
func (g *Gateway) session(ctx context.Context, url string) error {
	conn, resp, err := g.dialer().DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	// Unblock blocking reads when ctx ends.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stopWatch:
		}
	}()

	var hello payload
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	var helloData struct {
		HeartbeatInterval int `json:"heartbeat_interval"`
	}
	if err := json.Unmarshal(hello.D, &helloData); err != nil {
		return fmt.Errorf("decode hello: %w", err)
	}

	identify := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.Token,
			"intents": intents,
			"properties": map[string]string{
				"os":      "linux",
				"browser": "voicemark",
				"device":  "voicemark",
			},
		},
	}
	if err := g.writeJSON(conn, identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go g.heartbeatLoop(ctx, conn, time.Duration(helloData.HeartbeatInterval)*time.Millisecond, stop)

	for {
		var p payload
		if err := conn.ReadJSON(&p); err != nil {
			return err
		}
		switch p.Op {
		case opDispatch:
			if p.S != nil {
				g.writeMu.Lock()
				g.seq = *p.S
				g.writeMu.Unlock()
			}
			g.dispatch(ctx, p.T, p.D)
		case opHeartbeat:
			if err := g.sendHeartbeat(conn); err != nil {
				return err
			}
		case opReconnect:
			return fmt.Errorf("gateway requested reconnect")
		case opInvalidSession:
			return fmt.Errorf("gateway invalidated session")
		case opHeartbeatACK:
			// expected; nothing to do
		default:
			slog.Debug("ignoring gateway op", slog.Int("op", p.Op))
		}
	}
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 41250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(conn); err != nil {
				slog.Warn("gateway heartbeat failed", slog.Any("err", err))
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) error {
	g.writeMu.Lock()
	seq := g.seq
	g.writeMu.Unlock()
	var d any
	if seq > 0 {
		d = seq
	}
	return g.writeJSON(conn, map[string]any{"op": opHeartbeat, "d": d})
}

// writeJSON serializes writes; the websocket connection allows one
// concurrent writer and heartbeats race with identify otherwise.
func (g *Gateway) writeJSON(conn *websocket.Conn, v any) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (g *Gateway) dispatch(ctx context.Context, event string, data json.RawMessage) {
	switch event {
	case "READY":
		var d struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		}
		if err := json.Unmarshal(data, &d); err == nil {
			slog.Info("gateway ready", slog.String("user", d.User.Username))
		}
	case "GUILD_CREATE":
		g.handleGuildCreate(data)
	case "CHANNEL_CREATE", "CHANNEL_UPDATE":
		g.handleChannelUpsert(data)
	case "CHANNEL_DELETE":
		g.handleChannelDelete(data)
	case "VOICE_STATE_UPDATE":
		g.handleVoiceState(ctx, data)
	default:
		// Plenty of dispatch types arrive under these intents; only the
		// cache-relevant ones matter here.
	}
}

func (g *Gateway) handleGuildCreate(data json.RawMessage) {
	var d struct {
		ID       string `json:"id"`
		Channels []struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Topic string `json:"topic"`
		} `json:"channels"`
		VoiceStates []struct {
			UserID    string `json:"user_id"`
			ChannelID string `json:"channel_id"`
		} `json:"voice_states"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		slog.Warn("bad GUILD_CREATE payload", slog.Any("err", err))
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channels == nil {
		g.channels = make(map[string]channelInfo)
	}
	if g.voice == nil {
		g.voice = make(map[string]map[string]string)
	}
	for _, ch := range d.Channels {
		g.channels[ch.ID] = channelInfo{name: ch.Name, topic: ch.Topic}
	}
	states := make(map[string]string, len(d.VoiceStates))
	for _, vs := range d.VoiceStates {
		if vs.ChannelID != "" {
			states[vs.UserID] = vs.ChannelID
		}
	}
	g.voice[d.ID] = states
	slog.Info("guild cached",
		slog.String("guild_id", d.ID),
		slog.Int("channels", len(d.Channels)),
		slog.Int("voice_states", len(states)))
}

func (g *Gateway) handleChannelUpsert(data json.RawMessage) {
	var d struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.ID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channels == nil {
		g.channels = make(map[string]channelInfo)
	}
	g.channels[d.ID] = channelInfo{name: d.Name, topic: d.Topic}
}

func (g *Gateway) handleChannelDelete(data json.RawMessage) {
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &d); err != nil || d.ID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.channels, d.ID)
}

func (g *Gateway) handleVoiceState(ctx context.Context, data json.RawMessage) {
	var d struct {
		GuildID   string `json:"guild_id"`
		ChannelID string `json:"channel_id"`
		UserID    string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		slog.Warn("bad VOICE_STATE_UPDATE payload", slog.Any("err", err))
		return
	}
	g.mu.Lock()
	if g.voice == nil {
		g.voice = make(map[string]map[string]string)
	}
	states := g.voice[d.GuildID]
	if states == nil {
		states = make(map[string]string)
		g.voice[d.GuildID] = states
	}
	if d.ChannelID == "" {
		delete(states, d.UserID)
	} else {
		states[d.UserID] = d.ChannelID
	}
	g.mu.Unlock()

	if g.OnVoiceState != nil {
		g.OnVoiceState(ctx, d.UserID, d.ChannelID)
	}
}
