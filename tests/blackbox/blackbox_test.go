// Package blackbox builds the real chatsafed binary and a fake llama.cpp
// backend, then drives the gateway over HTTP exactly as an external
// client would.
package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T, pkg, name string) string {
	t.Helper()
	root := projectRoot(t)
	outDir := t.TempDir()
	binPath := filepath.Join(outDir, name)
	cmd := exec.Command("go", "build", "-o", binPath, pkg)
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, out)
	}
	return binPath
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port
}

func writeFakeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "fake.gguf")
	if err := os.WriteFile(p, []byte("not a real model"), 0o644); err != nil {
		t.Fatalf("write fake model: %v", err)
	}
	return dir
}

type harness struct {
	cmd  *exec.Cmd
	base string
}

func startGateway(t *testing.T, fakeServerBin string, extra map[string]any) *harness {
	t.Helper()
	bin := buildBinary(t, "./cmd/chatsafed", "chatsafed")
	modelsDir := writeFakeModel(t)
	port := freePort(t)
	llamaPort := freePort(t)

	cfg := map[string]any{
		"addr":                  fmt.Sprintf("127.0.0.1:%d", port),
		"models_dir":            modelsDir,
		"backend":               "subprocess",
		"llama_bin":             fakeServerBin,
		"llama_port":            llamaPort,
		"ready_timeout":         int64(5 * time.Second),
		"per_ip_capacity":       float64(3),
		"per_ip_refill_per_sec": float64(0.001),
		"global_capacity":       float64(1000),
		"global_refill_per_sec": float64(1000),
		"max_concurrent_per_ip": 10,
	}
	for k, v := range extra {
		cfg[k] = v
	}
	cfgPath := filepath.Join(t.TempDir(), "chatsafed.json")
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(cfgPath, b, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := exec.Command(bin, "serve", "--config", cfgPath)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start gateway: %v", err)
	}
	h := &harness{cmd: cmd, base: fmt.Sprintf("http://127.0.0.1:%d", port)}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _, _ = cmd.Process.Wait() })

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(h.base + "/v1/models")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("gateway did not start listening in time: %v", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	return h
}

func postJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestChatCompletionStripsRolePollution(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	resp, body := postJSON(t, h.base+"/v1/chat/completions", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "say hi"}},
		"stream":   false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	var out struct {
		Choices []struct {
			Message struct{ Content string } `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode: %v, body=%s", err, body)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "Hi there" {
		t.Fatalf("expected role-pollution-free %q, got body=%s", "Hi there", body)
	}
}

func TestChatCompletionRejectsEmptyMessages(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	resp, body := postJSON(t, h.base+"/v1/chat/completions", map[string]any{"messages": []any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, body)
	}
}

func TestChatCompletionRejectsInvalidTemperature(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	resp, body := postJSON(t, h.base+"/v1/chat/completions", map[string]any{
		"messages":    []map[string]string{{"role": "user", "content": "hi"}},
		"temperature": 9.9,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%s", resp.StatusCode, body)
	}
}

func TestChatCompletionStreamingEndsWithDone(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	resp, body := postJSON(t, h.base+"/v1/chat/completions", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}
	s := string(body)
	if !strings.Contains(s, "data: ") || !strings.HasSuffix(strings.TrimSpace(s), "data: [DONE]") {
		t.Fatalf("unexpected SSE body: %q", s)
	}
}

func TestAdmissionRejectsBurstBeyondCapacity(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	var sawRateLimited bool
	for i := 0; i < 10; i++ {
		resp, _ := postJSON(t, h.base+"/v1/chat/completions", map[string]any{
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
			"stream":   false,
		})
		if resp.StatusCode == http.StatusTooManyRequests {
			if resp.Header.Get("Retry-After") == "" {
				t.Fatal("429 response missing Retry-After header")
			}
			sawRateLimited = true
			break
		}
	}
	if !sawRateLimited {
		t.Fatal("expected at least one 429 once the per-IP bucket's burst capacity is exhausted")
	}
}

func TestHealthzBecomesReadyAfterFirstGeneration(t *testing.T) {
	fake := buildBinary(t, "./tests/blackbox/testdata/fake_llama_server.go", "fake-llama-server")
	h := startGateway(t, fake, nil)

	resp, _ := http.Get(h.base + "/healthz")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("healthz before startup = %d, want 503", resp.StatusCode)
	}

	postJSON(t, h.base+"/v1/chat/completions", map[string]any{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   false,
	})

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, _ := http.Get(h.base + "/healthz")
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("healthz never became ready")
		}
		time.Sleep(50 * time.Millisecond)
	}
}
