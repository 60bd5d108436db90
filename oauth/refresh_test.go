package oauth_test

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/voicemark/db"
	"github.com/onnwee/voicemark/oauth"
	"github.com/onnwee/voicemark/testutil"
)

func TestRefresherRotatesExpiringToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Token well inside the refresh window.
	if err := db.UpsertOAuthToken(ctx, database, "refresher_test", "old", "ref1", time.Now().Add(time.Minute), "s"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	oauth.StartRefresher(ctx, database, "refresher_test", 20*time.Millisecond, time.Hour,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			if refreshToken != "ref1" {
				t.Errorf("refresh token = %q, want ref1", refreshToken)
			}
			return "new", "ref2", time.Now().Add(time.Hour), "", nil
		})

	deadline := time.Now().Add(5 * time.Second)
	for {
		access, refresh, _, scope, err := db.GetOAuthToken(ctx, database, "refresher_test")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if access == "new" {
			if refresh != "ref2" {
				t.Fatalf("refresh = %q, want ref2", refresh)
			}
			// Empty scope from the refresh keeps the stored one.
			if scope != "s" {
				t.Fatalf("scope = %q, want s retained", scope)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("token never rotated")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRefresherSkipsFreshToken(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.UpsertOAuthToken(ctx, database, "refresher_skip", "keep", "ref", time.Now().Add(24*time.Hour), ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	called := make(chan struct{}, 1)
	oauth.StartRefresher(ctx, database, "refresher_skip", 20*time.Millisecond, time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			select {
			case called <- struct{}{}:
			default:
			}
			return "", "", time.Time{}, "", nil
		})

	select {
	case <-called:
		t.Fatal("refresh ran for a token far from expiry")
	case <-time.After(300 * time.Millisecond):
	}
	access, _, _, _, err := db.GetOAuthToken(ctx, database, "refresher_skip")
	if err != nil || access != "keep" {
		t.Fatalf("access = %q, %v; want keep", access, err)
	}
}
