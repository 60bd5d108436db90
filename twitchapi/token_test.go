package twitchapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/voicemark/testutil"
)

type memStore struct {
	access  string
	refresh string
	expiry  time.Time
	scope   string
	puts    int
}

func (m *memStore) Get(ctx context.Context) (string, string, time.Time, string, error) {
	return m.access, m.refresh, m.expiry, m.scope, nil
}

func (m *memStore) Put(ctx context.Context, access, refresh string, expiry time.Time, scope string) error {
	m.access, m.refresh, m.expiry, m.scope = access, refresh, expiry, scope
	m.puts++
	return nil
}

func newSource(store *memStore, mock *testutil.MockTwitchServer) *UserTokenSource {
	return &UserTokenSource{
		ClientID:     "cid",
		ClientSecret: "csec",
		Store:        store,
		AuthBase:     mock.URL,
	}
}

func TestBootstrapValidToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateResponse(200)
	store := &memStore{access: "good", refresh: "ref", expiry: time.Now().Add(time.Hour)}
	ts := newSource(store, mock)

	if err := ts.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	tok, err := ts.Token(context.Background())
	if err != nil || tok != "good" {
		t.Fatalf("Token = %q, %v; want good", tok, err)
	}
	if store.puts != 0 {
		t.Fatalf("store written %d times, want 0", store.puts)
	}
}

func TestBootstrapRefreshesRejectedToken(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateResponse(401)
	mock.MockRefreshResponse("fresh", "ref2", 3600)
	store := &memStore{access: "stale", refresh: "ref1", scope: "user:read:email"}
	ts := newSource(store, mock)

	if err := ts.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if store.access != "fresh" || store.refresh != "ref2" {
		t.Fatalf("store = %q/%q, want fresh/ref2", store.access, store.refresh)
	}
	if store.scope != "user:read:email" {
		t.Fatalf("scope = %q, want preserved", store.scope)
	}
	tok, err := ts.Token(context.Background())
	if err != nil || tok != "fresh" {
		t.Fatalf("Token = %q, %v; want fresh", tok, err)
	}
}

func TestBootstrapHonorsValidateExpiry(t *testing.T) {
	// The store carries a stale expiry, but the id service reports plenty of
	// remaining lifetime; the token is accepted without a refresh.
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateExpiry(7200)
	store := &memStore{access: "good", refresh: "ref", expiry: time.Now().Add(10 * time.Second)}
	ts := newSource(store, mock)

	if err := ts.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if store.puts != 0 {
		t.Fatalf("store written %d times, want 0", store.puts)
	}
	tok, err := ts.Token(context.Background())
	if err != nil || tok != "good" {
		t.Fatalf("Token = %q, %v; want good served from the validated cache", tok, err)
	}
}

func TestBootstrapRefreshesNearExpiryToken(t *testing.T) {
	// Still valid but about to lapse; Bootstrap rotates instead of caching a
	// token that will 401 mid-run.
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateResponse(200)
	mock.MockRefreshResponse("fresh", "ref2", 3600)
	store := &memStore{access: "old", refresh: "ref1", expiry: time.Now().Add(30 * time.Second)}
	ts := newSource(store, mock)

	if err := ts.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if store.access != "fresh" || store.refresh != "ref2" {
		t.Fatalf("store = %q/%q, want fresh/ref2", store.access, store.refresh)
	}
}

func TestBootstrapEmptyStore(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	ts := newSource(&memStore{}, mock)
	err := ts.Bootstrap(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no stored twitch token") {
		t.Fatalf("err = %v, want no stored twitch token", err)
	}
}

func TestBootstrapRejectedWithoutRefresh(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockValidateResponse(401)
	ts := newSource(&memStore{access: "stale"}, mock)
	err := ts.Bootstrap(context.Background())
	if err == nil || !strings.Contains(err.Error(), "no refresh token") {
		t.Fatalf("err = %v, want no refresh token", err)
	}
}

func TestTokenReloadsFromStore(t *testing.T) {
	// The background refresher may rotate the pair; Token picks the stored
	// value up without any HTTP traffic.
	mock := testutil.NewMockTwitchServer(t)
	store := &memStore{access: "rotated", refresh: "ref", expiry: time.Now().Add(time.Hour)}
	ts := newSource(store, mock)

	tok, err := ts.Token(context.Background())
	if err != nil || tok != "rotated" {
		t.Fatalf("Token = %q, %v; want rotated", tok, err)
	}
}

func TestTokenRefreshesExpiredStore(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockRefreshResponse("fresh", "", 3600)
	store := &memStore{access: "stale", refresh: "ref1", expiry: time.Now().Add(-time.Minute)}
	ts := newSource(store, mock)

	tok, err := ts.Token(context.Background())
	if err != nil || tok != "fresh" {
		t.Fatalf("Token = %q, %v; want fresh", tok, err)
	}
	// The provider omitted a new refresh token; the old one is kept.
	if store.refresh != "ref1" {
		t.Fatalf("refresh = %q, want ref1 retained", store.refresh)
	}
	if store.puts != 1 {
		t.Fatalf("store written %d times, want 1", store.puts)
	}
}

func TestRefreshRotatesAheadOfExpiry(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockRefreshResponse("fresh", "ref2", 3600)
	store := &memStore{access: "old", refresh: "ref1", expiry: time.Now().Add(5 * time.Minute), scope: "s"}
	ts := newSource(store, mock)

	// Token alone serves the stored pair while it still has lifetime left.
	tok, err := ts.Token(context.Background())
	if err != nil || tok != "old" {
		t.Fatalf("Token = %q, %v; want old", tok, err)
	}
	if store.puts != 0 {
		t.Fatalf("Token rotated the pair %d times, want 0", store.puts)
	}

	// The refresher hook must rotate unconditionally.
	access, refresh, expiry, scope, err := ts.Refresh(context.Background(), "ref1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if access != "fresh" || refresh != "ref2" || scope != "s" {
		t.Fatalf("Refresh = %q/%q/%q, want fresh/ref2/s", access, refresh, scope)
	}
	if time.Until(expiry) < 50*time.Minute {
		t.Fatalf("expiry = %v, want roughly an hour out", expiry)
	}
	if store.puts != 1 {
		t.Fatalf("store written %d times, want 1", store.puts)
	}
	// The cache picked the rotation up.
	tok, err = ts.Token(context.Background())
	if err != nil || tok != "fresh" {
		t.Fatalf("Token after Refresh = %q, %v; want fresh", tok, err)
	}
}

func TestTokenNoRefreshAvailable(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	store := &memStore{access: "stale", expiry: time.Now().Add(-time.Minute)}
	ts := newSource(store, mock)
	if _, err := ts.Token(context.Background()); err == nil {
		t.Fatal("expected error when expired with no refresh token")
	}
}
