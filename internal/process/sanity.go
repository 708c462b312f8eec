package process

import (
	"os"
	"os/exec"
)

// SanityReport describes whether the configured inference backend is
// actually usable: binary resolvable, model file present.
type SanityReport struct {
	BinaryFound bool   `json:"binary_found"`
	BinaryPath  string `json:"binary_path,omitempty"`
	ModelFound  bool   `json:"model_found"`
	Error       string `json:"error,omitempty"`
}

// SanityCheck validates the configured binary and model file. It does
// not mutate state and is safe to call at any time.
func (m *Manager) SanityCheck() SanityReport {
	var r SanityReport
	if m.cfg.Bin == "" {
		r.Error = "no inference binary configured"
		return r
	}
	path, err := exec.LookPath(m.cfg.Bin)
	if err != nil {
		r.BinaryPath = m.cfg.Bin
		r.Error = err.Error()
	} else {
		r.BinaryFound = true
		r.BinaryPath = path
	}
	if fi, statErr := os.Stat(m.cfg.ModelPath); statErr == nil && !fi.IsDir() {
		r.ModelFound = true
	} else if r.Error == "" && statErr != nil {
		r.Error = statErr.Error()
	}
	return r
}
