package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"termbroker/internal/auth"
	"termbroker/internal/config"
	"termbroker/internal/gateway"
	"termbroker/internal/server"
	"termbroker/internal/session"
	"termbroker/internal/store"
	"termbroker/internal/terminal"
	"termbroker/internal/watcher"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	gin.SetMode(cfg.GinMode)

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, cfg.DatabasePath)
	if err != nil {
		log.Error("open store", "error", err)
		os.Exit(1)
	}

	authSvc := auth.NewService(st, auth.TokenConfig{
		Secret: cfg.TokenSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "termbroker",
	}, cfg.MaxDevicesPerUser, log)

	registry := session.NewRegistry(st, &terminal.PTYSpawner{}, log)
	fw := watcher.New(log)

	gw := gateway.New(gateway.Deps{
		Auth:      authSvc,
		Sessions:  registry,
		Watcher:   fw,
		Heartbeat: cfg.HeartbeatInterval,
		Log:       log,
	})
	gw.Start()

	router := server.NewRouter(server.Deps{
		Auth:     authSvc,
		Sessions: registry,
		Gateway:  gw,
		Store:    st,
		Config:   cfg,
	})
	srv := server.NewHTTPServer(cfg, router)

	sweepDone := make(chan struct{})
	go runSweeps(cfg, registry, st, log, sweepDone)

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port)
		errCh <- server.Run(cfg, srv)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server", "error", err)
			os.Exit(1)
		}
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	}

	// The hard cap: if graceful shutdown stalls, exit non-gracefully rather
	// than hang.
	force := time.AfterFunc(cfg.ShutdownTimeout, func() {
		slog.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	})
	defer force.Stop()

	close(sweepDone)
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gw.Close()
	fw.Close()
	registry.Shutdown(shutdownCtx)
	if err := st.Close(); err != nil {
		log.Warn("store close", "error", err)
	}
	log.Info("shutdown complete")
}

// runSweeps drives the periodic reclamation work: idle sessions every minute,
// retention cleanup and vacuum once a day.
func runSweeps(cfg config.Config, registry *session.Registry, st store.Store, log *slog.Logger, done <-chan struct{}) {
	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()
	retentionTicker := time.NewTicker(24 * time.Hour)
	defer retentionTicker.Stop()

	for {
		select {
		case <-done:
			return
		case <-idleTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if n, err := registry.CleanupInactiveSessions(ctx, cfg.SessionIdle); err != nil {
				log.Warn("idle sweep failed", "error", err)
			} else if n > 0 {
				log.Info("idle sweep", "reclaimed", n)
			}
			cancel()
		case <-retentionTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if n, err := st.CleanupOldSessions(ctx, cfg.RetentionDays); err != nil {
				log.Warn("retention sweep failed", "error", err)
			} else if n > 0 {
				log.Info("retention sweep", "deleted", n)
			}
			if err := st.Vacuum(ctx); err != nil {
				log.Warn("vacuum failed", "error", err)
			}
			cancel()
		}
	}
}
