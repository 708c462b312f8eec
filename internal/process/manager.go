// Package process manages the llama.cpp server child process: spawning
// it with a free or configured port, polling its health endpoint until
// ready, draining its stdout/stderr so it never blocks on a full pipe,
// and terminating it gracefully (SIGTERM, then SIGKILL after a grace
// period) on shutdown.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatsafe/internal/events"
)

// State is the child process lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
)

// Config configures how the child process is spawned and supervised.
type Config struct {
	Bin          string
	Host         string
	PortRangeLo  int
	PortRangeHi  int
	ModelPath    string
	CtxSize      int
	Threads      int
	NGL          int
	BatchSize    int
	ExtraArgs    []string
	ReadyTimeout time.Duration
	DrainTimeout time.Duration
	Publisher    events.Publisher
	Logger       zerolog.Logger
}

// Manager supervises exactly one llama-server child process.
type Manager struct {
	cfg Config

	// spawnMu serializes spawn attempts so two concurrent EnsureReady
	// callers never race to start two children.
	spawnMu sync.Mutex

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	waitCh  chan error
	baseURL string
	pid     int

	httpClient *http.Client
}

// New constructs a process Manager. Defaults are filled in for any zero
// Config fields.
func New(cfg Config) *Manager {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 3 * time.Second
	}
	if cfg.Publisher == nil {
		cfg.Publisher = events.NoOp{}
	}
	return &Manager{
		cfg:        cfg,
		state:      StateStopped,
		httpClient: &http.Client{Timeout: 0},
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BaseURL returns the child's HTTP base URL, valid once State is Ready.
func (m *Manager) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseURL
}

// PID returns the child's process id, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// EnsureReady starts the child process if it is not already running and
// blocks until its health endpoint responds, or ctx/ReadyTimeout elapses.
// It is safe to call concurrently; one caller spawns and the rest wait.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if m.readyAndHealthy() {
		return nil
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	// Another caller may have finished the spawn while we waited.
	if m.readyAndHealthy() {
		return nil
	}

	m.mu.Lock()
	if m.state == StateDraining {
		m.mu.Unlock()
		return fmt.Errorf("process manager: draining, refusing to start a new instance")
	}
	m.mu.Unlock()

	return m.spawnAndWait(ctx)
}

func (m *Manager) readyAndHealthy() bool {
	m.mu.Lock()
	state, base := m.state, m.baseURL
	m.mu.Unlock()
	return state == StateReady && m.isHealthy(base, time.Second)
}

func (m *Manager) isHealthy(baseURL string, timeout time.Duration) bool {
	if baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (m *Manager) spawnAndWait(ctx context.Context) error {
	// Reap any previous child still on the books (e.g. one that went
	// unhealthy without exiting) before starting its replacement.
	m.mu.Lock()
	prev, prevWait := m.cmd, m.waitCh
	m.mu.Unlock()
	if prev != nil && prev.Process != nil {
		m.killAndReap(prev, prevWait)
	}

	host := m.cfg.Host
	port, err := m.pickPort()
	if err != nil {
		return fmt.Errorf("pick port: %w", err)
	}
	baseURL := fmt.Sprintf("http://%s:%d", host, port)

	args := []string{
		"--model", m.cfg.ModelPath,
		"--host", host,
		"--port", strconv.Itoa(port),
	}
	if m.cfg.CtxSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(m.cfg.CtxSize))
	}
	if m.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(m.cfg.Threads))
	}
	args = append(args, "--n-gpu-layers", strconv.Itoa(m.cfg.NGL))
	if m.cfg.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(m.cfg.BatchSize))
	}
	args = append(args, m.cfg.ExtraArgs...)

	cmd := exec.Command(m.cfg.Bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", m.cfg.Bin, err)
	}
	pid := cmd.Process.Pid
	m.cfg.Logger.Info().Int("pid", pid).Str("host", host).Int("port", port).Msg("process starting")
	m.cfg.Publisher.Publish(events.Event{Name: "spawn_start", ModelID: m.cfg.ModelPath, Fields: map[string]any{"pid": pid, "port": port}})

	waitCh := make(chan error, 1)

	m.mu.Lock()
	m.cmd = cmd
	m.waitCh = waitCh
	m.baseURL = baseURL
	m.pid = pid
	m.state = StateStarting
	m.mu.Unlock()

	m.drain(stdout, "stdout")
	m.drain(stderr, "stderr")

	go func() { waitCh <- cmd.Wait() }()

	deadline := time.Now().Add(m.cfg.ReadyTimeout)
	for {
		if ctx.Err() != nil {
			m.killAndReap(cmd, waitCh)
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			m.killAndReap(cmd, waitCh)
			m.cfg.Logger.Error().Int("pid", pid).Msg("process not ready in time")
			m.cfg.Publisher.Publish(events.Event{Name: "spawn_timeout", ModelID: m.cfg.ModelPath, Fields: map[string]any{"pid": pid}})
			return fmt.Errorf("process not ready after %s", m.cfg.ReadyTimeout)
		}
		select {
		case werr := <-waitCh:
			m.reset()
			m.cfg.Logger.Error().Int("pid", pid).Err(werr).Msg("process exited before ready")
			m.cfg.Publisher.Publish(events.Event{Name: "spawn_exit", ModelID: m.cfg.ModelPath, Fields: map[string]any{"pid": pid, "before_ready": true}})
			if werr != nil {
				return fmt.Errorf("process exited before ready: %w", werr)
			}
			return fmt.Errorf("process exited before ready")
		default:
		}
		if m.isHealthy(baseURL, 500*time.Millisecond) {
			m.mu.Lock()
			m.state = StateReady
			m.mu.Unlock()
			m.cfg.Logger.Info().Int("pid", pid).Str("url", baseURL).Msg("process ready")
			m.cfg.Publisher.Publish(events.Event{Name: "spawn_ready", ModelID: m.cfg.ModelPath, Fields: map[string]any{"pid": pid, "url": baseURL}})
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// drain reads from r in the background so the child never blocks writing
// to a pipe no one is reading from, logging each line for diagnostics.
func (m *Manager) drain(r io.Reader, stream string) {
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			m.cfg.Logger.Debug().Str("stream", stream).Str("line", sc.Text()).Msg("child output")
		}
	}()
}

// Stop gracefully terminates the process: SIGTERM, then SIGKILL after
// DrainTimeout if it has not exited. The child is always reaped.
func (m *Manager) Stop() error {
	m.mu.Lock()
	cmd := m.cmd
	waitCh := m.waitCh
	pid := m.pid
	if cmd == nil || cmd.Process == nil {
		m.mu.Unlock()
		return nil
	}
	m.state = StateDraining
	m.mu.Unlock()

	m.killAndReap(cmd, waitCh)
	m.cfg.Publisher.Publish(events.Event{Name: "spawn_stop", ModelID: m.cfg.ModelPath, Fields: map[string]any{"pid": pid}})
	return nil
}

// killAndReap terminates cmd gracefully, escalating to SIGKILL after
// DrainTimeout, and always consumes the single cmd.Wait result so the
// child never lingers as a zombie.
func (m *Manager) killAndReap(cmd *exec.Cmd, waitCh chan error) {
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(m.cfg.DrainTimeout):
		_ = cmd.Process.Kill()
		<-waitCh
	}
	m.reset()
}

func (m *Manager) reset() {
	m.mu.Lock()
	m.state = StateStopped
	m.cmd = nil
	m.waitCh = nil
	m.baseURL = ""
	m.pid = 0
	m.mu.Unlock()
}

// pickPort chooses the child's listen port. A configured range is probed
// in order; an occupied configured port is first offered a chance to be
// freed by terminating a stale instance of the same binary left behind
// by an abruptly killed parent.
func (m *Manager) pickPort() (int, error) {
	if m.cfg.PortRangeLo > 0 && m.cfg.PortRangeHi >= m.cfg.PortRangeLo {
		for p := m.cfg.PortRangeLo; p <= m.cfg.PortRangeHi; p++ {
			if m.portFree(p) {
				return p, nil
			}
			if terminateStaleListener(m.cfg.Bin, p, m.cfg.Logger) && m.portFree(p) {
				return p, nil
			}
		}
		return 0, fmt.Errorf("no free port in range %d-%d", m.cfg.PortRangeLo, m.cfg.PortRangeHi)
	}
	l, err := net.Listen("tcp", m.cfg.Host+":0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().String()
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("unexpected addr: %s", addr)
	}
	return strconv.Atoi(addr[idx+1:])
}

func (m *Manager) portFree(p int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", m.cfg.Host, p))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
