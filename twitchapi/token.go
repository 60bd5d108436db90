// Package twitchapi contains minimal helpers to interact with the Twitch id
// and Helix APIs: user token validation/refresh and EventSub subscription
// management. The watcher requires a user token (not an app token) because
// websocket EventSub subscriptions are bound to the authorizing user.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// TokenStore persists the user access/refresh token pair across restarts.
type TokenStore interface {
	Get(ctx context.Context) (access, refresh string, expiry time.Time, scope string, err error)
	Put(ctx context.Context, access, refresh string, expiry time.Time, scope string) error
}

// UserTokenSource produces a currently-valid Twitch user access token. It
// loads the stored pair, validates it against the id service, refreshes via
// the refresh-token grant when rejected or expired, and persists every
// rotation back to the store.
type UserTokenSource struct {
	ClientID     string
	ClientSecret string
	Store        TokenStore
	HTTPClient   *http.Client
	AuthBase     string // defaults to https://id.twitch.tv

	mu        sync.Mutex
	access    string
	expiresAt time.Time
}

func (ts *UserTokenSource) authBase() string {
	if ts.AuthBase != "" {
		return ts.AuthBase
	}
	return "https://id.twitch.tv"
}

func (ts *UserTokenSource) http() *http.Client {
	if ts.HTTPClient != nil {
		return ts.HTTPClient
	}
	return http.DefaultClient
}

// Bootstrap loads and validates the stored token pair, refreshing once when
// the access token is rejected. An empty store or an irrecoverable pair is
// an error; the caller treats that as fatal.
func (ts *UserTokenSource) Bootstrap(ctx context.Context) error {
	if ts.Store == nil {
		return errors.New("twitch token store not configured")
	}
	access, refresh, expiry, scope, err := ts.Store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load stored twitch token: %w", err)
	}
	if access == "" && refresh == "" {
		return errors.New("no stored twitch token; seed the oauth_tokens row before starting")
	}
	if access != "" {
		ok, ttl, err := ts.validate(ctx, access)
		if err != nil {
			return fmt.Errorf("validate twitch token: %w", err)
		}
		// The id service reports the real remaining lifetime; prefer it over
		// whatever expiry the store carries.
		exp := expiry
		if ttl > 0 {
			exp = time.Now().Add(ttl)
		}
		if ok && (refresh == "" || time.Until(exp) > 60*time.Second) {
			slog.Debug("stored twitch token is valid", slog.Time("expires_at", exp))
			ts.mu.Lock()
			ts.access = access
			ts.expiresAt = exp
			ts.mu.Unlock()
			return nil
		}
	}
	if refresh == "" {
		return errors.New("stored twitch token rejected and no refresh token available")
	}
	slog.Info("stored twitch token rejected or near expiry; refreshing")
	if _, _, _, err := ts.refreshAndPersist(ctx, refresh, scope); err != nil {
		return fmt.Errorf("refresh twitch token: %w", err)
	}
	return nil
}

// Token returns a currently-valid access token, refreshing through the store
// when the cached one is about to expire.
func (ts *UserTokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	if ts.access != "" && time.Until(ts.expiresAt) > 60*time.Second {
		tok := ts.access
		ts.mu.Unlock()
		return tok, nil
	}
	ts.mu.Unlock()

	// The background refresher may have rotated the pair already.
	access, refresh, expiry, scope, err := ts.Store.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("load stored twitch token: %w", err)
	}
	if access != "" && time.Until(expiry) > 60*time.Second {
		ts.mu.Lock()
		ts.access = access
		ts.expiresAt = expiry
		ts.mu.Unlock()
		return access, nil
	}
	if refresh == "" {
		return "", errors.New("twitch token expired and no refresh token available")
	}
	access, _, _, err = ts.refreshAndPersist(ctx, refresh, scope)
	return access, err
}

// Refresh forces a refresh-token grant and persists the rotated pair,
// regardless of how much lifetime the current access token has left. The
// background refresher calls this ahead of expiry.
func (ts *UserTokenSource) Refresh(ctx context.Context, refreshToken string) (access, refresh string, expiry time.Time, scope string, err error) {
	_, _, _, scope, err = ts.Store.Get(ctx)
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("load stored twitch token: %w", err)
	}
	access, refresh, expiry, err = ts.refreshAndPersist(ctx, refreshToken, scope)
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	return access, refresh, expiry, scope, nil
}

// validate checks the access token against GET /oauth2/validate. A 401 means
// invalid; other non-200 statuses are transport errors. On success the
// reported remaining lifetime is returned (0 when the body omits it).
func (ts *UserTokenSource) validate(ctx context.Context, access string) (bool, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.authBase()+"/oauth2/validate", nil)
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+access)
	resp, err := ts.http().Do(req)
	if err != nil {
		return false, 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	switch resp.StatusCode {
	case http.StatusOK:
		var body struct {
			ExpiresIn int `json:"expires_in"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.ExpiresIn > 0 {
			return true, time.Duration(body.ExpiresIn) * time.Second, nil
		}
		return true, 0, nil
	case http.StatusUnauthorized:
		return false, 0, nil
	default:
		return false, 0, fmt.Errorf("twitch validate failed: %s", resp.Status)
	}
}

// refreshAndPersist exchanges the refresh token for a new pair and stores it.
func (ts *UserTokenSource) refreshAndPersist(ctx context.Context, refresh, scope string) (string, string, time.Time, error) {
	conf := &oauth2.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  ts.authBase() + "/oauth2/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	rctx := context.WithValue(ctx, oauth2.HTTPClient, ts.http())
	tok, err := conf.TokenSource(rctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", "", time.Time{}, err
	}
	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refresh
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(60 * time.Minute)
	}
	if err := ts.Store.Put(ctx, tok.AccessToken, newRefresh, expiry, scope); err != nil {
		return "", "", time.Time{}, fmt.Errorf("persist refreshed twitch token: %w", err)
	}
	ts.mu.Lock()
	ts.access = tok.AccessToken
	ts.expiresAt = expiry
	ts.mu.Unlock()
	slog.Info("twitch token refreshed", slog.Time("expires_at", expiry))
	return tok.AccessToken, newRefresh, expiry, nil
}
