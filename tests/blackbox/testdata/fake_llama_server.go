// Command fake_llama_server stands in for a real llama.cpp server in
// blackbox tests: it answers /health and streams a small, deterministic
// completion from /v1/completions in the llama.cpp-native SSE frame
// shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func main() {
	var model, host, port string
	flag.StringVar(&model, "model", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	// Accept and ignore the rest of process.Manager's spawn flags.
	flag.String("ctx-size", "", "context size")
	flag.String("threads", "", "threads")
	flag.String("n-gpu-layers", "", "gpu layers")
	flag.String("batch-size", "", "batch size")
	flag.Parse()

	addr := fmt.Sprintf("%s:%s", host, port)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/completions", handleCompletions)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

type completionRequest struct {
	Prompt string `json:"prompt"`
}

// handleCompletions emits "Assistant: Hi there" across two fragments so a
// test can assert the role-pollution prefix is stripped from the final
// cleaned text, then a terminating stop frame.
func handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	if strings.Contains(req.Prompt, "malformed") {
		fmt.Fprintf(w, "data: not json at all\n\n")
		flusher.Flush()
	}

	writeFrame(w, "Assistant: Hi")
	flusher.Flush()
	writeFrame(w, " there")
	flusher.Flush()
	fmt.Fprintf(w, "data: %s\n\n", `{"content":"","stop":true}`)
	flusher.Flush()
}

func writeFrame(w http.ResponseWriter, content string) {
	b, _ := json.Marshal(map[string]any{"content": content, "stop": false})
	fmt.Fprintf(w, "data: %s\n\n", b)
}
