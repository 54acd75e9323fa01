package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"

	"github.com/ryakhovskiy/zchat-relay/internal/config"
	"github.com/ryakhovskiy/zchat-relay/internal/domain"
	"github.com/ryakhovskiy/zchat-relay/internal/httpserver"
	"github.com/ryakhovskiy/zchat-relay/internal/presence"
	"github.com/ryakhovskiy/zchat-relay/internal/ratelimit"
	"github.com/ryakhovskiy/zchat-relay/internal/security"
	"github.com/ryakhovskiy/zchat-relay/internal/service"
	"github.com/ryakhovskiy/zchat-relay/internal/store/postgres"
	"github.com/ryakhovskiy/zchat-relay/internal/store/sqlite"
	"github.com/ryakhovskiy/zchat-relay/internal/ws"
)

const pongWait = 60 * time.Second

type repositories struct {
	chats    domain.ChatRepository
	members  domain.MemberRepository
	messages domain.MessageRepository
	users    domain.UserRepository
}

func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, repositories, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, repositories{}, err
		}
		return db, repositories{
			chats:    postgres.NewChatRepo(db),
			members:  postgres.NewMemberRepo(db),
			messages: postgres.NewMessageRepo(db),
			users:    postgres.NewUserRepo(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, repositories{}, err
		}
		if err := sqlite.Migrate(ctx, db); err != nil {
			db.Close()
			return nil, repositories{}, err
		}
		return db, repositories{
			chats:    sqlite.NewChatRepo(db),
			members:  sqlite.NewMemberRepo(db),
			messages: sqlite.NewMessageRepo(db),
			users:    sqlite.NewUserRepo(db),
		}, nil
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	// Initialize database
	db, repos, err := openStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.DBDriver, "error", err)
		os.Exit(1)
	}

	// Delivery components
	tokens := security.NewTokenService(cfg.JWTSecret, 24*time.Hour)
	registry := presence.NewRegistry(logger.With("component", "presence"))
	limits := ratelimit.NewPerConnection(cfg.RateLimitWindow)
	hub := ws.NewHub()
	dispatcher := ws.NewDispatcher(hub, logger.With("component", "dispatcher"))

	chats := service.NewChatService(repos.chats, repos.members, repos.messages, repos.users, cfg.HistoryPageSize)
	messages := service.NewMessageService(
		repos.chats, repos.messages, limits, registry, dispatcher,
		chats.SenderOf, cfg.MaxMessageLength, logger.With("component", "ingest"),
	)
	manager := ws.NewManager(hub, dispatcher, chats, messages, registry, limits, ws.Options{
		OutboundQueueSize: cfg.OutboundQueueSize,
		WriteTimeout:      10 * time.Second,
		PingInterval:      pongWait * 9 / 10,
	}, logger.With("component", "ws"))

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		registry.Run(sweepCtx, cfg.SweepInterval, cfg.PresenceInactivity)
	}()

	// Build HTTP router
	router := httpserver.NewRouter(httpserver.RouterDeps{
		CORSOrigins: cfg.CORSOrigins,
		Tokens:      tokens,
		Chats:       chats,
		Presence:    registry,
		Connections: manager,
		WS: ws.MakeHandler(manager, tokens, ws.HandlerConfig{
			AllowedOrigins: cfg.CORSOrigins,
			AuthRequired:   cfg.WSAuthRequired,
			PongWait:       pongWait,
			Profiles:       chats,
		}, logger.With("component", "ws")),
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("starting chat relay", "addr", cfg.HTTPAddr(), "env", cfg.Env, "db", cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Stop accepting, let in-flight sends finish, close connections, then
	// stop the sweeper and the database. The steps depend on each other so
	// they run as one operation.
	wait := gfshutdown.GracefulShutdown(context.Background(), cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"chat-relay": func(ctx context.Context) error {
			logger.Info("shutting down")
			var errs []error
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
			if err := manager.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("connections: %w", err))
			}
			stopSweep()
			<-sweepDone
			if err := db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("database: %w", err))
			}
			return errors.Join(errs...)
		},
	})

	exitCode := <-wait
	logger.Info("chat relay stopped", "exit_code", exitCode)
	os.Exit(exitCode)
}
