// Command voicemark watches monitored Twitch streams and marks the Discord
// voice channels of their streamers. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Bootstraps the Twitch user token (fatal on failure) and starts the
//     background token refresher.
//   - Runs the Discord gateway loop, the EventSub feed loop, and the
//     reconciler that renames/restores voice channels.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/voicemark/config"
	"github.com/onnwee/voicemark/db"
	"github.com/onnwee/voicemark/discord"
	"github.com/onnwee/voicemark/eventsub"
	"github.com/onnwee/voicemark/oauth"
	"github.com/onnwee/voicemark/presence"
	"github.com/onnwee/voicemark/queue"
	"github.com/onnwee/voicemark/reconciler"
	"github.com/onnwee/voicemark/server"
	"github.com/onnwee/voicemark/telemetry"
	"github.com/onnwee/voicemark/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateWatcherReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdown, err := telemetry.InitTracing("voicemark", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx, database); err != nil {
		cancel()
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}
	if err := db.SetKV(migrateCtx, database, "last_start", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("failed to record start marker", slog.Any("err", err))
	}
	cancel()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch token bootstrap. An invalid or missing credential set is fatal:
	// nothing downstream can work without a user token.
	tokens := &twitchapi.UserTokenSource{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		Store:        &db.TokenStoreAdapter{DB: database, Provider: "twitch"},
	}
	bootCtx, cancelBoot := context.WithTimeout(ctx, 15*time.Second)
	if err := tokens.Bootstrap(bootCtx); err != nil {
		cancelBoot()
		slog.Error("twitch token bootstrap failed", slog.Any("err", err))
		os.Exit(1)
	}
	cancelBoot()

	// Background token refresher rotates the stored pair ahead of expiry.
	oauth.StartRefresher(ctx, database, "twitch", 5*time.Minute, 15*time.Minute, tokens.Refresh)

	// Shared state and the queue between the two loops.
	users := make([]presence.User, 0, len(cfg.Watcher.Users))
	for _, m := range cfg.Watcher.Users {
		users = append(users, presence.User{ChatUserID: m.DiscordUserID, StreamUserID: m.TwitchUserID})
	}
	store := presence.NewStore(users)
	q := queue.New(cfg.QueueSize)

	rest := &discord.REST{Token: cfg.DiscordToken}
	gateway := &discord.Gateway{Token: cfg.DiscordToken, REST: rest}
	rec := &reconciler.Reconciler{
		Store:     store,
		Editor:    rest,
		Cache:     gateway,
		Guilds:    cfg.Watcher.Guilds,
		LiveName:  cfg.Watcher.LiveName,
		LiveTopic: cfg.Watcher.LiveTopic,
	}
	gateway.OnVoiceState = rec.HandleVoiceState

	feed := &eventsub.Client{
		Queue:          q,
		Store:          store,
		Helix:          &twitchapi.HelixClient{Tokens: tokens, ClientID: cfg.TwitchClientID},
		ReconnectDelay: cfg.ReconnectDelay,
	}

	if cfg.Watcher.Enabled {
		slog.Info("starting watcher",
			slog.Int("monitored_users", len(users)),
			slog.Int("guilds", len(cfg.Watcher.Guilds)))
		go func() {
			if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("gateway loop exited", slog.Any("err", err))
			}
		}()
		go func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("feed loop exited", slog.Any("err", err))
			}
		}()
		go func() {
			if err := rec.Run(ctx, q); err != nil && ctx.Err() == nil {
				slog.Error("reconciler loop exited", slog.Any("err", err))
			}
		}()
	} else {
		slog.Info("watcher disabled by config; serving HTTP only")
	}

	// HTTP server (health/readiness/status/metrics)
	status := &server.StatusSource{Store: store, Queue: q, Feed: feed}
	go func() {
		if err := server.Start(ctx, database, status, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
