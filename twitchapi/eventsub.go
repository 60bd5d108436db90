package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Subscription types the watcher manages.
const (
	SubStreamOnline  = "stream.online"
	SubStreamOffline = "stream.offline"
)

// Subscription is one server-side EventSub registration, keyed by
// (Type, BroadcasterUserID) with an opaque remote id.
type Subscription struct {
	ID                string
	Type              string
	Status            string
	BroadcasterUserID string
}

// HelixClient provides the EventSub subscription surface used for
// per-session reconciliation.
type HelixClient struct {
	Tokens     *UserTokenSource
	ClientID   string
	HTTPClient *http.Client
	BaseURL    string // defaults to https://api.twitch.tv/helix
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return "https://api.twitch.tv/helix"
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	tok, err := hc.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	return req, nil
}

// ListEventSubSubscriptions returns all current subscriptions, following
// pagination cursors.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context) ([]Subscription, error) {
	var out []Subscription
	after := ""
	for {
		req, err := hc.newRequest(ctx, http.MethodGet, hc.base()+"/eventsub/subscriptions", nil)
		if err != nil {
			return nil, err
		}
		if after != "" {
			q := req.URL.Query()
			q.Set("after", after)
			req.URL.RawQuery = q.Encode()
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		var body struct {
			Data []struct {
				ID        string `json:"id"`
				Type      string `json:"type"`
				Status    string `json:"status"`
				Condition struct {
					BroadcasterUserID string `json:"broadcaster_user_id"`
				} `json:"condition"`
			} `json:"data"`
			Pagination struct {
				Cursor string `json:"cursor"`
			} `json:"pagination"`
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			closeBody(resp)
			return nil, fmt.Errorf("list eventsub subscriptions failed: %s: %s", resp.Status, string(b))
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			closeBody(resp)
			return nil, err
		}
		closeBody(resp)
		for _, d := range body.Data {
			out = append(out, Subscription{ID: d.ID, Type: d.Type, Status: d.Status, BroadcasterUserID: d.Condition.BroadcasterUserID})
		}
		if body.Pagination.Cursor == "" {
			return out, nil
		}
		after = body.Pagination.Cursor
	}
}

// CreateEventSubSubscription registers subType for broadcasterID on the
// websocket transport of the given session.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, broadcasterID, sessionID string) error {
	payload := map[string]any{
		"type":    subType,
		"version": "1",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
		},
		"transport": map[string]string{
			"method":     "websocket",
			"session_id": sessionID,
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := hc.newRequest(ctx, http.MethodPost, hc.base()+"/eventsub/subscriptions", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("create eventsub subscription %s/%s failed: %s: %s", subType, broadcasterID, resp.Status, string(b))
	}
	return nil
}

// DeleteEventSubSubscription removes the subscription with the given remote id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	req, err := hc.newRequest(ctx, http.MethodDelete, hc.base()+"/eventsub/subscriptions", nil)
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("id", id)
	req.URL.RawQuery = q.Encode()
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete eventsub subscription %s failed: %s: %s", id, resp.Status, string(b))
	}
	return nil
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
