package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"outlet-hub/internal/auth"
	"outlet-hub/internal/config"
	"outlet-hub/internal/energy"
	"outlet-hub/internal/httpapi"
	"outlet-hub/internal/relay"
	"outlet-hub/internal/scheduler"
	"outlet-hub/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"gorm.io/gorm"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if cfg.Secret == "" {
		slog.Error("SECRET is required")
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	authSvc := auth.New(cfg.Secret)
	energySvc := energy.New(repo)
	hub := relay.NewHub(repo, energySvc, authSvc, relay.Options{
		RequireAuth:          cfg.RequireAuth,
		CancelTimerOnReplace: cfg.TimerCancelOnReplace,
	})

	sched := scheduler.New(repo, energySvc, hub)
	if err := sched.Start(); err != nil {
		slog.Error("scheduler start failed", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	srv := httpapi.NewServer(repo, energySvc, authSvc, hub)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv.RegisterRoutes(r)

	httpSrv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("outlet-hub started", "port", cfg.Port, "driver", cfg.DBDriver)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}

	slog.Info("outlet-hub stopped")
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	if strings.EqualFold(cfg.DBDriver, "sqlite") {
		return store.OpenSQLite(cfg.SQLitePath)
	}
	return store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
