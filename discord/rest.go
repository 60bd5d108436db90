// Package discord implements the chat-platform collaborators: a REST client
// for channel edits and a compact gateway websocket client that maintains
// the guild/channel/voice cache and forwards voice-state updates.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// DefaultAPIBase is the Discord REST endpoint.
const DefaultAPIBase = "https://discord.com/api/v10"

// REST is a minimal Discord REST client. It implements reconciler.RoomEditor.
type REST struct {
	Token      string
	HTTPClient *http.Client
	BaseURL    string // defaults to DefaultAPIBase
}

func (r *REST) base() string {
	if r.BaseURL != "" {
		return r.BaseURL
	}
	return DefaultAPIBase
}

func (r *REST) http() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

// EditRoom renames a voice channel (and its topic when non-empty), carrying
// reason into the guild audit log.
func (r *REST) EditRoom(ctx context.Context, roomID, name, topic, reason string) error {
	payload := map[string]any{"name": name}
	if topic != "" {
		payload["topic"] = topic
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, r.base()+"/channels/"+roomID, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+r.Token)
	req.Header.Set("Content-Type", "application/json")
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", reason)
	}
	resp, err := r.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("edit channel %s failed: %s: %s", roomID, resp.Status, string(b))
	}
	return nil
}

// GatewayURL resolves the websocket URL to connect the gateway to.
func (r *REST) GatewayURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base()+"/gateway", nil)
	if err != nil {
		return "", err
	}
	resp, err := r.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gateway lookup failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.URL == "" {
		return "", fmt.Errorf("gateway lookup returned empty url")
	}
	return body.URL, nil
}
