package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTemp(t, "cfg.yaml", "addr: \":9090\"\nmodel_path: /models/a.gguf\nper_ip_capacity: 10\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.ModelPath != "/models/a.gguf" {
		t.Errorf("ModelPath = %q", cfg.ModelPath)
	}
	if cfg.PerIPCapacity != 10 {
		t.Errorf("PerIPCapacity = %v, want 10 (overridden)", cfg.PerIPCapacity)
	}
	if cfg.GlobalCapacity != 600 {
		t.Errorf("GlobalCapacity = %v, want default 600", cfg.GlobalCapacity)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTemp(t, "cfg.json", `{"addr":":7070","max_concurrent_per_ip":9}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.MaxConcurrentPerIP != 9 {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTemp(t, "cfg.toml", "addr = \":6060\"\nllama_bin = \"/usr/bin/llama-server\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":6060" || cfg.LlamaBin != "/usr/bin/llama-server" {
		t.Errorf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadUnsupportedExtension(t *testing.T) {
	p := writeTemp(t, "cfg.ini", "addr=:1234")
	if _, err := Load(p); err == nil {
		t.Fatal("expected error for unsupported extension")
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\"): %v", err)
	}
	want := Defaults()
	if cfg.Addr != want.Addr || cfg.PerIPCapacity != want.PerIPCapacity || cfg.StreamBufferFrames != want.StreamBufferFrames {
		t.Errorf("Load(\"\") = %+v, want Defaults() = %+v", cfg, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/cfg.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
