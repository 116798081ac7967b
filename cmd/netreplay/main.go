package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/netreplay/internal/api"
	"github.com/dgnsrekt/netreplay/internal/browser"
	"github.com/dgnsrekt/netreplay/internal/cdp"
	"github.com/dgnsrekt/netreplay/internal/config"
	"github.com/dgnsrekt/netreplay/internal/controller"
	"github.com/dgnsrekt/netreplay/internal/feed"
	"github.com/dgnsrekt/netreplay/internal/netutil"
	"github.com/dgnsrekt/netreplay/internal/storage"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("netreplay config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"command_timeout_ms", cfg.CommandTimeoutMS,
		"store_driver", cfg.StoreDriver,
		"data_dir", cfg.DataDir,
		"journal", cfg.Journal,
		"default_filters", cfg.DefaultFilters,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.BindAddr, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			Headless:   cfg.Headless,
		})
		if err := launcher.Launch(context.Background()); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	store, err := storage.Open(cfg.StoreDriver, cfg.DataDir, cfg.SQLiteDSN)
	if err != nil {
		slog.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Debug("store close failed", "error", err)
		}
	}()

	var journal *storage.Journal
	if cfg.Journal {
		journal = storage.NewJournal(cfg.JournalDir(), cfg.JournalBuffer, cfg.JournalMaxSizeMB)
		defer func() {
			if err := journal.Close(); err != nil {
				slog.Debug("journal close failed", "error", err)
			}
		}()
	}

	cdpClient := cdp.NewClient(cfg.CDPURL(), cfg.TabURLFilter, cfg.CommandTimeout())
	if err := cdpClient.Connect(context.Background()); err != nil {
		// Operations reconnect lazily, so a browser started later still works.
		slog.Warn("CDP not reachable yet", "cdp_url", cfg.CDPURL(), "error", err)
	}
	defer func() {
		if err := cdpClient.Close(); err != nil {
			slog.Debug("CDP client close failed", "error", err)
		}
	}()

	events := feed.NewBroker()
	svc := controller.NewService(cdpClient, store, controller.Options{
		DefaultFilters:      cfg.DefaultFilters,
		Journal:             journal,
		JournalMaxBodyBytes: cfg.JournalMaxBodyBytes,
		Feed:                events,
	})
	// Cancelled before shutdown so open event streams end.
	baseCtx, stopStreams := context.WithCancel(context.Background())
	srv := &http.Server{
		Handler:           api.NewServer(svc, events),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	go func() {
		slog.Info("netreplay listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("netreplay server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopStreams()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("netreplay shutdown failed", "error", err)
	}
	// A capture in progress is finalized and saved before exit.
	svc.Shutdown(ctx)
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
