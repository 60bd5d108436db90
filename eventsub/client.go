package eventsub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/voicemark/presence"
	"github.com/onnwee/voicemark/queue"
	"github.com/onnwee/voicemark/telemetry"
	"github.com/onnwee/voicemark/twitchapi"
)

// DefaultURL is the public EventSub websocket endpoint.
const DefaultURL = "wss://eventsub.wss.twitch.tv/ws"

// DefaultReconnectDelay is the fixed wait before reconnecting after a
// transport failure other than a reset without a close handshake.
const DefaultReconnectDelay = 30 * time.Second

// Client maintains the EventSub websocket session for the monitored user
// set. On every welcome or reconnect it reconciles the remote subscription
// list against the desired set, then streams status notifications onto the
// ingest queue. Run loops for the process lifetime; all transport failures
// resolve to reconnect-and-continue.
type Client struct {
	Queue          *queue.IngestQueue
	Store          *presence.Store
	Helix          *twitchapi.HelixClient
	URL            string        // defaults to DefaultURL
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration // defaults to DefaultReconnectDelay

	mu         sync.Mutex
	sessionID  string
	connectURL string
}

func (c *Client) dialer() *websocket.Dialer {
	if c.Dialer != nil {
		return c.Dialer
	}
	return websocket.DefaultDialer
}

func (c *Client) delay() time.Duration {
	if c.ReconnectDelay > 0 {
		return c.ReconnectDelay
	}
	return DefaultReconnectDelay
}

// SessionID returns the current feed session id ("" when disconnected).
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) currentURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectURL != "" {
		return c.connectURL
	}
	if c.URL != "" {
		return c.URL
	}
	return DefaultURL
}

// Run connects and processes the feed until ctx is done. Each connect
// attempt gets its own correlation id for log grouping.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cctx := telemetry.WithCorrelation(ctx, uuid.New().String())
		log := telemetry.LoggerWithCorr(cctx)

		url := c.currentURL()
		conn, resp, err := c.dialer().DialContext(ctx, url, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			log.Warn("feed connect failed", slog.String("url", url), slog.Any("err", err))
			if werr := c.wait(ctx); werr != nil {
				return werr
			}
			continue
		}
		log.Info("connected to event feed", slog.String("url", url))

		// Unblock the read loop when ctx ends; ReadMessage only fails on a
		// closed connection.
		stopWatch := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stopWatch:
			}
		}()

		err = c.readLoop(cctx, conn)
		close(stopWatch)
		_ = conn.Close()
		c.mu.Lock()
		c.sessionID = ""
		c.mu.Unlock()
		telemetry.FeedReconnects.Inc()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isResetWithoutClose(err) {
			log.Warn("feed connection reset without close handshake; reconnecting immediately", slog.Any("err", err))
			continue
		}
		log.Warn("feed stream ended; waiting before reconnect", slog.Duration("delay", c.delay()), slog.Any("err", err))
		if werr := c.wait(ctx); werr != nil {
			return werr
		}
	}
}

func (c *Client) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.delay()):
		return nil
	}
}

// readLoop processes frames until the transport fails; the returned error is
// the transport error that ended the session.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	log := telemetry.LoggerWithCorr(ctx)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := Parse(data)
		if err != nil {
			log.Warn("unparseable feed message", slog.Any("err", err))
			continue
		}
		switch msg.Type {
		case TypeWelcome, TypeReconnect:
			c.handleWelcome(ctx, msg)
		case TypeNotification:
			if err := c.handleNotification(ctx, msg); err != nil {
				return err
			}
		case TypeRevocation:
			log.Info("subscription revoked",
				slog.String("subscription_id", msg.Revocation.ID),
				slog.String("type", msg.Revocation.Type),
				slog.String("status", msg.Revocation.Status))
		case TypeKeepalive:
			// Healthy silence; not an error.
		default:
			log.Debug("ignoring unknown feed message", slog.String("message_id", msg.ID))
		}
	}
}

func (c *Client) handleWelcome(ctx context.Context, msg Message) {
	log := telemetry.LoggerWithCorr(ctx)
	c.mu.Lock()
	c.sessionID = msg.Session.ID
	if msg.Session.ReconnectURL != "" {
		c.connectURL = msg.Session.ReconnectURL
	}
	sid := c.sessionID
	c.mu.Unlock()
	log.Info("feed session established", slog.String("session_id", sid))

	sctx, span := telemetry.StartSpan(ctx, "eventsub", "subscription-reconcile")
	defer span.End()
	if err := c.reconcile(sctx, sid); err != nil {
		telemetry.RecordError(span, err)
		telemetry.ReconcileFailures.Inc()
		// The pass failed; the next session re-derives the full diff from a
		// fresh list, so no partial mismatch outlives this connection.
		log.Error("subscription reconciliation failed", slog.Any("err", err))
		return
	}
	telemetry.ReconcilePasses.Inc()
}

type subKey struct {
	subType     string
	broadcaster string
}

// reconcile converges the remote subscription set onto the desired set:
// delete extras, create missing bound to the current session, leave matches
// untouched. Any single create/delete failure fails the whole pass.
func (c *Client) reconcile(ctx context.Context, sessionID string) error {
	desired := make(map[subKey]bool)
	for _, id := range c.Store.StreamUserIDs() {
		desired[subKey{twitchapi.SubStreamOnline, id}] = true
		desired[subKey{twitchapi.SubStreamOffline, id}] = true
	}

	existing, err := c.Helix.ListEventSubSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range existing {
		k := subKey{sub.Type, sub.BroadcasterUserID}
		if desired[k] {
			desired[k] = false // matched; no create needed
			continue
		}
		if err := c.Helix.DeleteEventSubSubscription(ctx, sub.ID); err != nil {
			return fmt.Errorf("delete subscription %s: %w", sub.ID, err)
		}
		telemetry.SubscriptionDeletes.Inc()
	}
	for k, missing := range desired {
		if !missing {
			continue
		}
		if err := c.Helix.CreateEventSubSubscription(ctx, k.subType, k.broadcaster, sessionID); err != nil {
			return fmt.Errorf("create subscription %s/%s: %w", k.subType, k.broadcaster, err)
		}
		telemetry.SubscriptionCreates.Inc()
	}
	return nil
}

// handleNotification maps a stream status notification to a queue message.
// The push blocks when the queue is full; that backpressure is what bounds
// the feed against a stalled consumer.
func (c *Client) handleNotification(ctx context.Context, msg Message) error {
	log := telemetry.LoggerWithCorr(ctx)
	switch msg.SubscriptionType {
	case twitchapi.SubStreamOnline:
		telemetry.StatusOnline.Inc()
		log.Info("stream online", slog.String("login", msg.Event.BroadcasterUserLogin))
		return c.Queue.Push(ctx, queue.StatusMessage{
			Kind:            queue.StreamOnline,
			StreamUserID:    msg.Event.BroadcasterUserID,
			StreamUserLogin: msg.Event.BroadcasterUserLogin,
		})
	case twitchapi.SubStreamOffline:
		telemetry.StatusOffline.Inc()
		log.Info("stream offline", slog.String("login", msg.Event.BroadcasterUserLogin))
		return c.Queue.Push(ctx, queue.StatusMessage{
			Kind:            queue.StreamOffline,
			StreamUserID:    msg.Event.BroadcasterUserID,
			StreamUserLogin: msg.Event.BroadcasterUserLogin,
		})
	default:
		log.Debug("ignoring notification", slog.String("subscription_type", msg.SubscriptionType))
		return nil
	}
}

// isResetWithoutClose reports whether the transport died without a close
// handshake (abrupt TCP reset or truncated stream). These reconnect
// immediately instead of waiting out the fixed delay.
func isResetWithoutClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == websocket.CloseAbnormalClosure
}
