package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go-groupchat/internal/cache"
	"go-groupchat/internal/chat"
	"go-groupchat/internal/config"
	"go-groupchat/internal/db"
	myMiddleware "go-groupchat/internal/middleware"
	"go-groupchat/internal/store"
	"go-groupchat/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	cmd := &cli.Command{
		Name:  "groupchat",
		Usage: "real-time group chat server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config.toml",
				Usage:   "path to the TOML config file",
				Sources: cli.EnvVars("CHAT_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP and websocket server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "addr", Usage: "http service address (overrides server.addr)"},
				},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create the database schema and exit",
				Action: migrate,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func load(cmd *cli.Command) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return cfg, nil, err
	}
	if addr := cmd.String("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	logger, err := cfg.Logger()
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func migrate(ctx context.Context, cmd *cli.Command) error {
	cfg, log, err := load(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Database.DSN == "" {
		return errors.New("DB_DSN is not set")
	}
	database, err := db.NewDatabase(cfg.Database.DSN, db.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return fmt.Errorf("failed to connect to DB: %w", err)
	}
	defer database.Close()
	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("✅ Database Schema Initialized")
	return nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	// 1. Config & Logging
	cfg, log, err := load(cmd)
	if err != nil {
		return err
	}
	defer log.Sync()
	if err := cfg.Validate(); err != nil {
		return err
	}

	// 2. Storage (Platform Layer)
	var (
		repo      chat.Repository
		userStore user.Store
	)
	if cfg.Database.DSN != "" {
		database, err := db.NewDatabase(cfg.Database.DSN, db.Options{MaxOpenConns: cfg.Database.MaxOpenConns})
		if err != nil {
			return fmt.Errorf("failed to connect to DB: %w", err)
		}
		defer database.Close()
		log.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		log.Info("✅ Database Schema Initialized")
		repo = store.NewPostgres(database.Conn)
		userStore = user.NewRepository(database.Conn)
	} else {
		mem := store.NewMemory()
		repo, userStore = mem, mem
		log.Warn("⚠️ DB_DSN is not set, keeping all state in memory")
	}

	// 3. Redis (revocation + presence shared across instances)
	var (
		revoker  user.Revoker
		presence chat.Presence
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		shared := cache.New(redisClient, cfg.PresenceTTL())
		if err := shared.Ping(ctx); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Info("✅ Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		revoker, presence = shared, shared
	}

	// 4. User Feature
	userService := user.NewService(userStore, revoker, cfg.Auth.JWTSecret, cfg.TokenTTL())
	userHandler := user.NewHandler(userService)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	// 5. Chat Feature
	hub := chat.NewHub(cfg.HubConfig(), repo, userService, presence, log.Named("chat"))
	chatHandler := chat.NewHandler(hub)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	hubDone := make(chan struct{})
	go func() {
		hub.Run(runCtx)
		close(hubDone)
	}()

	// 6. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", hub.Metrics().Handler())

	// WebSocket authenticates its own handshake so refusals never upgrade.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Post("/logout", userHandler.Logout)
		r.Get("/api/users/search", userHandler.SearchUsers)
		chatHandler.Mount(r)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		stop()
		<-hubDone
		return err
	case <-runCtx.Done():
	}

	log.Info("🛑 Shutting down")
	<-hubDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
