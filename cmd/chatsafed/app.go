package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"chatsafe/internal/config"
	"chatsafe/internal/events"
	"chatsafe/internal/inference"
	"chatsafe/internal/process"
	"chatsafe/internal/registry"
)

// newLogger builds the process-wide zerolog.Logger at the configured
// level, writing structured JSON to stderr.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// resolveRegistry builds the process-wide model Registry from config.
func resolveRegistry(cfg config.Config) (*registry.Registry, error) {
	entry, err := registry.Resolve(cfg.ModelPath, cfg.ModelsDir, cfg.ModelID, cfg.RegistryManifest)
	if err != nil {
		return nil, fmt.Errorf("resolve model registry: %w", err)
	}
	return registry.New(entry), nil
}

// buildClient constructs the inference.Client named by cfg.Backend. For
// "subprocess" it also returns the process.Manager supervising the child,
// so the caller can wire it into /healthz and shut it down on exit; for
// the other backends proc is nil.
func buildClient(cfg config.Config, entry registry.Entry, logger zerolog.Logger, pub events.Publisher) (inference.Client, *process.Manager, error) {
	switch cfg.Backend {
	case "", "subprocess":
		procCfg := process.Config{
			Bin:          cfg.LlamaBin,
			Host:         cfg.LlamaHost,
			ModelPath:    entry.Path,
			CtxSize:      cfg.LlamaCtxSize,
			Threads:      cfg.LlamaThreads,
			NGL:          cfg.LlamaNGL,
			BatchSize:    cfg.LlamaBatch,
			ReadyTimeout: cfg.ReadyTimeout,
			DrainTimeout: cfg.DrainTimeout,
			Publisher:    pub,
			Logger:       logger,
		}
		if cfg.LlamaPort != 0 {
			procCfg.PortRangeLo, procCfg.PortRangeHi = cfg.LlamaPort, cfg.LlamaPort
		}
		proc := process.New(procCfg)
		return inference.NewSubprocessClient(proc, logger, pub), proc, nil
	case "external":
		if cfg.ExternalBaseURL == "" {
			return nil, nil, fmt.Errorf("backend=external requires external_base_url")
		}
		return inference.NewExternalClient(cfg.ExternalBaseURL, logger, pub), nil, nil
	case "cgo":
		c, err := inference.NewCGOClient(entry.Path, cfg.LlamaCtxSize, cfg.LlamaThreads)
		if err != nil {
			return nil, nil, fmt.Errorf("load in-process model: %w", err)
		}
		return c, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q (want subprocess, external, or cgo)", cfg.Backend)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func durationOrDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
