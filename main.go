package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/frostwatch/syncplay/internal/authstore"
	"github.com/frostwatch/syncplay/internal/catalog"
	"github.com/frostwatch/syncplay/internal/config"
	"github.com/frostwatch/syncplay/internal/httpapi"
	"github.com/frostwatch/syncplay/internal/synchub"
	"github.com/frostwatch/syncplay/internal/syncstate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	// ── Logger ──────────────────────────────────────────
	logLevel := parseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// ── AuthStore ───────────────────────────────────────
	auth := authstore.New(cfg.OperatorPassword, cfg.ViewerPassword, cfg.SessionTTL)

	// ── VideoCatalog ────────────────────────────────────
	encoder := catalog.ExecEncoder{Bin: cfg.EncoderBin}
	cat := catalog.New(cfg.VideoRoot, encoder)

	// ── StateCore + SyncHub ─────────────────────────────
	// The two are mutually referential (StateCore raises events that
	// SyncHub delivers; SyncHub reads snapshots and viewer tables that
	// StateCore owns), so SyncHub is built first with a nil StateCore
	// and wired in immediately after via BindState.
	hub := synchub.New(nil, auth, cat)
	state := syncstate.New(syncstate.Params{
		DriftLow:        cfg.DriftLow,
		DriftHigh:       cfg.DriftHigh,
		MinSyncInterval: cfg.MinSyncInterval,
		MaxSyncInterval: cfg.MaxSyncInterval,
		SyncStep:        cfg.SyncStep,
		RateStep:        cfg.RateStep,
		BehindThreshold: cfg.BehindThreshold,
	}, hub.Observer())
	hub.BindState(state)

	// ── HTTP surface ────────────────────────────────────
	router := httpapi.NewRouter(httpapi.Deps{
		Auth:      auth,
		Catalog:   cat,
		Hub:       hub,
		StaticDir: "static",
		StartedAt: time.Now(),
	})

	srv := &http.Server{
		Addr:         portAddr(cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // message-channel connections need unbounded write time
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Background loops ────────────────────────────────
	sweepDone := make(chan struct{})
	go authstore.RunSweeper(sweepDone, cfg.SessionSweepInterval, auth)

	if err := cat.StartScan(ctx, everySchedule(cfg.ScanInterval)); err != nil {
		slog.Error("failed to start catalog scan loop", "component", "catalog", "error", err)
		os.Exit(1)
	}

	hub.StartHeartbeatLoop(ctx)

	go func() {
		t := time.NewTicker(cfg.LogSummaryEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				slog.Info("rollup",
					"component", "server",
					"connections", hub.ConnectionCount(),
					"clients", state.ClientCount(),
					"sessions", auth.Count(),
					"encodesInFlight", cat.InFlightCount(),
				)
			}
		}
	}()

	// ── Serve ───────────────────────────────────────────
	go func() {
		slog.Info("http server starting", "component", "server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "component", "server", "error", err)
			os.Exit(1)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	slog.Info("shutting down", "component", "server")

	cancel()
	close(sweepDone)
	cat.StopScan()
	state.Shutdown()
	hub.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
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

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}

// everySchedule renders a time.Duration as a robfig/cron "@every"
// expression.
func everySchedule(d time.Duration) string {
	return "@every " + d.String()
}
