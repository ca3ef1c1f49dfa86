// Command slated runs the in-process collaboration dev server: the canvas
// REST API, the per-canvas change feed, and the presence echo hub. It is
// development and test tooling, not the production backend.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slateboard/slate/dbopen"
	"github.com/slateboard/slate/devserver"
	"github.com/slateboard/slate/reconcile"
)

func main() {
	listen := env("LISTEN", ":8090")
	dbPath := env("DB_PATH", "slated.db")
	configPath := env("CONFIG", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// A config file is optional; it exists so slated and the engine clients
	// it serves can share one file.
	if configPath != "" {
		cfg, err := reconcile.LoadConfig(configPath)
		if err != nil {
			slog.Error("load config", "path", configPath, "error", err)
			os.Exit(1)
		}
		if dbPath == "slated.db" && cfg.OutboxPath != "" {
			dbPath = cfg.OutboxPath
		}
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(dbPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "path", dbPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	srv, err := devserver.New(db, devserver.WithServerLogger(logger))
	if err != nil {
		slog.Error("init server", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("slated listening", "addr", listen, "db", dbPath)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server", "error", err)
		os.Exit(1)
	}
	slog.Info("slated stopped")
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
