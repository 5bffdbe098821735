// Package main provides the doce engine server entry point: the durable
// job queue, its worker pool and the admin HTTP API in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pablopunk/doce.dev-sub000/internal/db"
	"github.com/pablopunk/doce.dev-sub000/pkg/server"
)

func main() {
	var (
		listenAddr   string
		databaseType string
		databaseDSN  string
		logLevel     string
	)

	flag.StringVar(&listenAddr, "listen", ":8080", "Address to listen on")
	flag.StringVar(&databaseType, "db-type", "", "Database type (sqlite, postgres or mysql; default sqlite)")
	flag.StringVar(&databaseDSN, "db-dsn", "", "Database connection string (default doce.db for sqlite)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	if databaseType == "" {
		databaseType = os.Getenv("DATABASE_TYPE")
	}
	if databaseDSN == "" {
		databaseDSN = os.Getenv("DATABASE_DSN")
	}

	logger.Info("starting doce server", "listen", listenAddr, "dbType", databaseType)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	gormDB, err := db.Connect(databaseType, databaseDSN, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	srv := server.New(server.Options{DB: gormDB, Logger: logger})
	if err := srv.Init(); err != nil {
		logger.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	router := srv.MountRoutes()
	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: router,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	logger.Info("doce server ready", "listen", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", "error", err)
	}

	logger.Info("doce server stopped")
}

func parseLevel(s string) slog.Level {
	switch s {
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
