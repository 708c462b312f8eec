//go:build linux

package process

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// terminateStaleListener looks for a leftover instance of the same
// inference binary still bound to port, left behind when a previous
// parent was killed without draining, and terminates it. Returns true if
// a stale process was found and signalled.
func terminateStaleListener(bin string, port int, logger zerolog.Logger) bool {
	binBase := filepath.Base(bin)
	portArg := strconv.Itoa(port)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == os.Getpid() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		argv := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		if len(argv) == 0 || filepath.Base(argv[0]) != binBase {
			continue
		}
		if !hasPortArg(argv, portArg) {
			continue
		}
		logger.Warn().Int("stale_pid", pid).Int("port", port).Msg("terminating stale inference process")
		_ = syscall.Kill(pid, syscall.SIGTERM)
		for i := 0; i < 20; i++ {
			if syscall.Kill(pid, 0) != nil {
				return true
			}
			time.Sleep(100 * time.Millisecond)
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return true
	}
	return false
}

func hasPortArg(argv []string, port string) bool {
	for i, a := range argv {
		if (a == "--port" || a == "-p") && i+1 < len(argv) && argv[i+1] == port {
			return true
		}
		if strings.HasPrefix(a, "--port=") && strings.TrimPrefix(a, "--port=") == port {
			return true
		}
	}
	return false
}
