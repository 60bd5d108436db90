// Package testutil provides shared test doubles: a mock Twitch API server
// and a TEST_PG_DSN-gated Postgres setup.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockTwitchServer mocks the Twitch id and Helix API endpoints used by the watcher.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockValidateResponse adds a handler for GET /oauth2/validate.
func (m *MockTwitchServer) MockValidateResponse(status int) {
	m.Handlers["GET /oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}
}

// MockValidateExpiry adds a GET /oauth2/validate handler that accepts the
// token and reports its remaining lifetime in seconds.
func (m *MockTwitchServer) MockValidateExpiry(expiresIn int) {
	m.Handlers["GET /oauth2/validate"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"expires_in": expiresIn}) //nolint:errcheck // test mock response
	}
}

// MockRefreshResponse adds a handler for POST /oauth2/token.
func (m *MockTwitchServer) MockRefreshResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handlers["POST /oauth2/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token":  accessToken,
			"refresh_token": refreshToken,
			"expires_in":    expiresIn,
			"token_type":    "bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockSubscriptionList adds a handler for GET /eventsub/subscriptions
// returning the given subscriptions in one page.
func (m *MockTwitchServer) MockSubscriptionList(subs []map[string]interface{}) {
	m.Handlers["GET /eventsub/subscriptions"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"data":       subs,
			"pagination": map[string]string{},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// Sub builds one subscription entry for MockSubscriptionList.
func Sub(id, subType, broadcasterID string) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"type":   subType,
		"status": "enabled",
		"condition": map[string]string{
			"broadcaster_user_id": broadcasterID,
		},
	}
}
