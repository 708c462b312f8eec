package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatsafe/internal/admission"
	"chatsafe/internal/events"
	"chatsafe/internal/httpapi"
	"chatsafe/internal/metrics"
	"chatsafe/internal/orchestrator"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat-completions gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(*configPath)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	if err := enforceLoopback(cfg.Addr); err != nil {
		return err
	}

	reg, err := resolveRegistry(cfg)
	if err != nil {
		return err
	}
	entry := reg.Default()
	logger.Info().Str("model_id", entry.ID).Str("family", entry.Family).Msg("model registry resolved")

	digest := metrics.New()

	client, proc, err := buildClient(cfg, entry, logger, digest.EventSink())
	if err != nil {
		return err
	}
	if proc != nil {
		sr := proc.SanityCheck()
		logger.Info().
			Bool("binary_found", sr.BinaryFound).
			Str("binary_path", sr.BinaryPath).
			Bool("model_found", sr.ModelFound).
			Str("error", sr.Error).
			Msg("backend sanity check")
	}

	admCtl := admission.New(admission.Config{
		PerKeyCapacity:      cfg.PerIPCapacity,
		PerKeyRefillPerSec:  cfg.PerIPRefillPerSec,
		GlobalCapacity:      cfg.GlobalCapacity,
		GlobalRefillPerSec:  cfg.GlobalRefillPerSec,
		MaxConcurrentPerKey: cfg.MaxConcurrentPerIP,
		IdleEvictAfter:      durationOrDefault(cfg.IdleEvictAfter, 5*time.Minute),
		Publisher:           digest.EventSink(),
	})
	defer admCtl.Close()

	orc := orchestrator.New(orchestrator.Config{
		Registry:       reg,
		Client:         client,
		Admission:      admCtl,
		Digest:         digest,
		Publisher:      events.NoOp{},
		BufferSize:     cfg.StreamBufferFrames,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Orchestrator: orc,
		Registry:     reg,
		Digest:       digest,
		Process:      proc,
		Version:      version,
		MaxBodyBytes: cfg.MaxBodyBytes,
		CORSEnabled:  cfg.CORSEnabled,
		CORSOrigins:  cfg.CORSOrigins,
		Logger:       logger,
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("model_id", entry.ID).Msg("chatsafed listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown error")
	}
	if proc != nil {
		if err := proc.Stop(); err != nil {
			logger.Error().Err(err).Msg("backend stop error")
		}
	}
	return nil
}

// enforceLoopback rejects a configured listen address that is not bound
// to loopback. This gateway is local-only; it must never listen on a
// reachable interface.
func enforceLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("listen address %q must bind to a loopback host explicitly (e.g. 127.0.0.1:8080)", addr)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		if strings.EqualFold(host, "localhost") {
			return nil
		}
		return fmt.Errorf("resolve listen host %q: %w", host, err)
	}
	for _, ip := range ips {
		if !ip.IsLoopback() {
			return fmt.Errorf("listen address %q is not loopback-only; refusing to bind a non-local interface", addr)
		}
	}
	return nil
}

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"
