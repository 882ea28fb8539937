package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"slotwall/internal/auth"
	"slotwall/internal/config"
	"slotwall/internal/fsutil"
	"slotwall/internal/httpserver"
	"slotwall/internal/hub"
	"slotwall/internal/metrics"
	"slotwall/internal/slots"
	"slotwall/internal/upload"
)

const shutdownTimeout = 10 * time.Second

func main() {
	app := &cli.App{
		Name:  "slotwall",
		Usage: "fixed-slot photo wall with live updates",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the gallery server",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "slotwall.yaml", Usage: "path to YAML config (optional)"},
					&cli.StringFlag{Name: "addr", Usage: "listen address, overrides config"},
				},
				Action: serveCmd,
			},
			{
				Name:  "passwd",
				Usage: "print a bcrypt hash for admin.bcrypt / ADMIN_PASSWORD_BCRYPT",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "password", Aliases: []string{"p"}, Required: true},
					&cli.IntFlag{Name: "cost", Value: bcrypt.DefaultCost},
				},
				Action: passwdCmd,
			},
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "slotwall:", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func serveCmd(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	if cfg.ImagesDir, err = filepath.Abs(cfg.ImagesDir); err != nil {
		return fmt.Errorf("abs images dir: %w", err)
	}
	if cfg.StateDir, err = filepath.Abs(cfg.StateDir); err != nil {
		return fmt.Errorf("abs state dir: %w", err)
	}
	tempDir := filepath.Join(cfg.StateDir, "uploads")
	for _, dir := range []string{cfg.ImagesDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir: %w", err)
		}
	}

	// Nothing is in flight yet, so every leftover temp file is garbage.
	if n, err := fsutil.CleanTemp(tempDir, 0); err != nil {
		log.Warn("clean temp uploads", "dir", tempDir, "error", err)
	} else if n > 0 {
		log.Info("removed stale temp uploads", "count", n)
	}

	store := slots.NewStore(cfg.SlotCount)
	found, err := slots.Scan(store, cfg.ImagesDir)
	if err != nil {
		return fmt.Errorf("scan images: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	events := hub.New(hub.Options{Buffer: cfg.Events.Buffer, Logger: log, Metrics: m})
	pipe, err := upload.New(upload.Options{
		ImagesDir: cfg.ImagesDir,
		TempDir:   tempDir,
		MaxBytes:  cfg.MaxUploadBytes,
		Store:     store,
		Publisher: events,
		Logger:    log,
		Metrics:   m,
	})
	if err != nil {
		return err
	}

	password, err := auth.NewPassword(cfg.Admin.Password, cfg.Admin.Bcrypt)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessions(cfg.Session.Secret, cfg.Session.TTL, cfg.Session.Secure)
	if err != nil {
		return err
	}

	srv, err := httpserver.New(httpserver.Options{
		Config:   cfg,
		Store:    store,
		Pipeline: pipe,
		Hub:      events,
		Sessions: sessions,
		Password: password,
		Gatherer: reg,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	ln = netutil.LimitListener(ln, cfg.HTTP.MaxConns)

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() { errc <- httpSrv.Serve(ln) }()

	log.Info("slotwall listening",
		"addr", ln.Addr().String(),
		"images", cfg.ImagesDir,
		"slots", cfg.SlotCount,
		"present", found,
	)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	// Closing the hub ends every event stream so Shutdown does not wait on them.
	events.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func passwdCmd(c *cli.Context) error {
	cost := c.Int("cost")
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return fmt.Errorf("invalid cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(c.String("password")), cost)
	if err != nil {
		return fmt.Errorf("bcrypt: %w", err)
	}
	fmt.Fprintln(c.App.Writer, string(h))
	return nil
}
