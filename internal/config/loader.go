// Package config loads chatsafed's configuration from a YAML, JSON, or TOML
// file, dispatched by file extension, the way the loader this one was
// generalized from does it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable this spec exposes. Zero values mean
// "unspecified"; Load layers the file contents over Defaults().
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`

	// Model selection. ModelPath wins when set; otherwise ModelsDir is
	// scanned and must contain exactly one *.gguf file.
	ModelPath        string `json:"model_path" yaml:"model_path" toml:"model_path"`
	ModelsDir        string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	ModelID          string `json:"model_id" yaml:"model_id" toml:"model_id"`
	RegistryManifest string `json:"registry_manifest" yaml:"registry_manifest" toml:"registry_manifest"`

	// Backend selects which inference.Client implementation serves
	// generations: "subprocess" (default, managed child), "external" (a
	// llama-server the operator already runs), or "cgo" (in-process,
	// requires a binary built with the "llama" tag).
	Backend         string `json:"backend" yaml:"backend" toml:"backend"`
	ExternalBaseURL string `json:"external_base_url" yaml:"external_base_url" toml:"external_base_url"`

	// Child process.
	LlamaBin     string        `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaHost    string        `json:"llama_host" yaml:"llama_host" toml:"llama_host"`
	LlamaPort    int           `json:"llama_port" yaml:"llama_port" toml:"llama_port"`
	LlamaCtxSize int           `json:"llama_ctx_size" yaml:"llama_ctx_size" toml:"llama_ctx_size"`
	LlamaThreads int           `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	LlamaNGL     int           `json:"llama_ngl" yaml:"llama_ngl" toml:"llama_ngl"`
	LlamaBatch   int           `json:"llama_batch_size" yaml:"llama_batch_size" toml:"llama_batch_size"`
	ReadyTimeout time.Duration `json:"ready_timeout" yaml:"ready_timeout" toml:"ready_timeout"`
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`

	// Admission controller.
	PerIPCapacity      float64       `json:"per_ip_capacity" yaml:"per_ip_capacity" toml:"per_ip_capacity"`
	PerIPRefillPerSec  float64       `json:"per_ip_refill_per_sec" yaml:"per_ip_refill_per_sec" toml:"per_ip_refill_per_sec"`
	GlobalCapacity     float64       `json:"global_capacity" yaml:"global_capacity" toml:"global_capacity"`
	GlobalRefillPerSec float64       `json:"global_refill_per_sec" yaml:"global_refill_per_sec" toml:"global_refill_per_sec"`
	MaxConcurrentPerIP int           `json:"max_concurrent_per_ip" yaml:"max_concurrent_per_ip" toml:"max_concurrent_per_ip"`
	IdleEvictAfter     time.Duration `json:"idle_evict_after" yaml:"idle_evict_after" toml:"idle_evict_after"`

	// Stream pipeline.
	StreamBufferFrames int           `json:"stream_buffer_frames" yaml:"stream_buffer_frames" toml:"stream_buffer_frames"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`

	// HTTP surface.
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// Defaults: per-IP 60 tokens / 1 per second refill, global 600 / 10 per
// second, 5 concurrent requests per IP, a 32-frame stream buffer, and a
// 30s readiness deadline for the child process (60 probes at 500ms,
// folded into one timeout here).
func Defaults() Config {
	return Config{
		Addr:               "127.0.0.1:8080",
		ModelsDir:          "~/models/llm",
		Backend:            "subprocess",
		LlamaHost:          "127.0.0.1",
		ReadyTimeout:       30 * time.Second,
		DrainTimeout:       3 * time.Second,
		PerIPCapacity:      60,
		PerIPRefillPerSec:  1,
		GlobalCapacity:     600,
		GlobalRefillPerSec: 10,
		MaxConcurrentPerIP: 5,
		IdleEvictAfter:     300 * time.Second,
		StreamBufferFrames: 32,
		RequestTimeout:     120 * time.Second,
		MaxBodyBytes:       1 << 20,
		LogLevel:           "info",
	}
}

// Load reads a configuration file based on its extension and layers it
// over Defaults(). Supports: .yaml/.yml, .json, .toml. An empty path
// returns Defaults() unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
