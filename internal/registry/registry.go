// Package registry resolves the single model this gateway serves: either
// an explicit model file, a directory scanned for exactly one *.gguf file,
// or a richer YAML manifest carrying template/stop-sequence/generation
// defaults for that one model.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"chatsafe/internal/apierr"
	"chatsafe/pkg/types"
)

// ModelDefaults are per-model generation defaults, merged with a request's
// explicit overrides by ApplyOverrides: a nil Override field falls back to
// these, a non-nil one (zero included) replaces them. The HTTP request
// path builds its Override without zero fields, so there a zero-valued
// request field also falls back to these.
type ModelDefaults struct {
	Temperature   float64 `yaml:"temperature"`
	TopP          float64 `yaml:"top_p"`
	TopK          int     `yaml:"top_k"`
	RepeatPenalty float64 `yaml:"repeat_penalty"`
	MaxTokens     int     `yaml:"max_tokens"`
}

// withFallback fills any zero-valued field of d from fallback, so an
// unset manifest field inherits the built-in default.
func (d ModelDefaults) withFallback(fallback ModelDefaults) ModelDefaults {
	if d.Temperature == 0 {
		d.Temperature = fallback.Temperature
	}
	if d.TopP == 0 {
		d.TopP = fallback.TopP
	}
	if d.TopK == 0 {
		d.TopK = fallback.TopK
	}
	if d.RepeatPenalty == 0 {
		d.RepeatPenalty = fallback.RepeatPenalty
	}
	if d.MaxTokens == 0 {
		d.MaxTokens = fallback.MaxTokens
	}
	return d
}

// builtinDefaults is what an entry falls back to when neither a manifest
// nor a request supplies a value, so apply_overrides never has to divide
// by a zero top_k or reject a temperature-less request outright.
var builtinDefaults = ModelDefaults{
	Temperature:   0.7,
	TopP:          0.9,
	TopK:          40,
	RepeatPenalty: 1.1,
	MaxTokens:     512,
}

// Entry is the resolved configuration of the one model this process serves.
type Entry struct {
	ID            string
	Path          string
	Family        string
	ContextWindow int
	StopSequences []string
	Defaults      ModelDefaults
}

// manifest is the on-disk shape of an optional registry manifest file.
type manifest struct {
	ID            string        `yaml:"id"`
	Path          string        `yaml:"path"`
	Family        string        `yaml:"family"`
	ContextWindow int           `yaml:"context_window"`
	StopSequences []string      `yaml:"stop_sequences"`
	Defaults      ModelDefaults `yaml:"defaults"`
}

// Resolve determines the single served model from explicit path, a
// directory scan, and an optional manifest overlay. Exactly one of
// modelPath or modelsDir should be meaningful; modelPath wins when set.
func Resolve(modelPath, modelsDir, modelID, manifestPath string) (Entry, error) {
	path := strings.TrimSpace(modelPath)
	if path == "" {
		found, err := scanSingle(modelsDir)
		if err != nil {
			return Entry{}, err
		}
		path = found
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return Entry{}, fmt.Errorf("abs path: %w", err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Entry{}, fmt.Errorf("model file: %w", err)
	}

	id := modelID
	if id == "" {
		id = filepath.Base(abs)
	}
	e := Entry{ID: id, Path: abs, Family: "llama3", ContextWindow: 4096, Defaults: builtinDefaults}

	if manifestPath != "" {
		m, err := loadManifest(manifestPath)
		if err != nil {
			return Entry{}, err
		}
		if m.ID != "" {
			e.ID = m.ID
		}
		if m.Family != "" {
			e.Family = m.Family
		}
		if m.ContextWindow > 0 {
			e.ContextWindow = m.ContextWindow
		}
		e.StopSequences = m.StopSequences
		e.Defaults = m.Defaults.withFallback(builtinDefaults)
	}
	return e, nil
}

// Registry is the read-only, process-wide catalog of the one model this
// gateway serves. It is built once at startup by Resolve and shared by
// immutable reference across every request task thereafter.
type Registry struct {
	entry Entry
}

// New wraps a resolved Entry as the process's model catalog.
func New(e Entry) *Registry { return &Registry{entry: e} }

// Default returns the single configured model.
func (r *Registry) Default() Entry { return r.entry }

// Lookup resolves id against the catalog. This gateway only ever has
// one model loaded: an empty id or the default model's own id resolves
// to it; anything else is model_not_found.
func (r *Registry) Lookup(id string) (Entry, error) {
	if id == "" || id == r.entry.ID {
		return r.entry, nil
	}
	return Entry{}, apierr.ModelNotFound("model not found: %s", id)
}

// Override carries a request's explicit sampling fields. A pointer-typed
// field left nil means "not supplied by the client", distinct from an
// explicit zero, so a request can legitimately ask for top_k against the
// model's own default temperature without that zero looking like "unset".
type Override struct {
	Temperature   *float64
	MaxTokens     *int
	TopP          *float64
	TopK          *int
	RepeatPenalty *float64
	Stop          []string
}

// ApplyOverrides merges a request's explicit fields over the named
// model's defaults and range-checks the merged result, returning
// invalid_parameter naming the first offending field.
func (r *Registry) ApplyOverrides(id string, o Override) (types.GenerationParams, error) {
	entry, err := r.Lookup(id)
	if err != nil {
		return types.GenerationParams{}, err
	}
	d := entry.Defaults

	temperature := d.Temperature
	if o.Temperature != nil {
		temperature = *o.Temperature
	}
	maxTokens := d.MaxTokens
	if o.MaxTokens != nil {
		maxTokens = *o.MaxTokens
	}
	topP := d.TopP
	if o.TopP != nil {
		topP = *o.TopP
	}
	topK := d.TopK
	if o.TopK != nil {
		topK = *o.TopK
	}
	repeatPenalty := d.RepeatPenalty
	if o.RepeatPenalty != nil {
		repeatPenalty = *o.RepeatPenalty
	}

	ctx := entry.ContextWindow
	if ctx <= 0 {
		ctx = 4096
	}

	switch {
	case temperature < 0 || temperature > 2:
		return types.GenerationParams{}, apierr.InvalidParameter("temperature must be between 0 and 2")
	case maxTokens < 1 || maxTokens > ctx:
		return types.GenerationParams{}, apierr.InvalidParameter("max_tokens must be between 1 and %d", ctx)
	case topP < 0 || topP > 1:
		return types.GenerationParams{}, apierr.InvalidParameter("top_p must be between 0 and 1")
	case topK < 1 || topK > 1000:
		return types.GenerationParams{}, apierr.InvalidParameter("top_k must be between 1 and 1000")
	case repeatPenalty < 0.1 || repeatPenalty > 2:
		return types.GenerationParams{}, apierr.InvalidParameter("repeat_penalty must be between 0.1 and 2")
	}

	return types.GenerationParams{
		Temperature:   float32(temperature),
		TopP:          float32(topP),
		TopK:          topK,
		MaxTokens:     maxTokens,
		Stop:          append(append([]string{}, entry.StopSequences...), o.Stop...),
		RepeatPenalty: float32(repeatPenalty),
	}, nil
}

// AsModel projects an Entry into the wire Model shape for GET /v1/models.
func (e Entry) AsModel(createdUnix int64) types.Model {
	return types.Model{
		ID:      e.ID,
		Path:    e.Path,
		Family:  e.Family,
		Object:  "model",
		Created: createdUnix,
	}
}

func loadManifest(path string) (manifest, error) {
	var m manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// scanSingle scans dir for *.gguf files and requires exactly one.
func scanSingle(dir string) (string, error) {
	base, err := expandHome(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("read dir: %w", err)
	}
	var found []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			found = append(found, filepath.Join(abs, e.Name()))
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no *.gguf file found in %s", abs)
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("multiple *.gguf files found in %s, set model_path explicitly", abs)
	}
}

// expandHome expands a leading '~' so models_dir can be configured the
// way operators actually write it.
func expandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}
