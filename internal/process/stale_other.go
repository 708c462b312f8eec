//go:build !linux

package process

import "github.com/rs/zerolog"

// terminateStaleListener is a no-op off Linux; without procfs there is no
// safe way to attribute the occupied port to a prior instance, so the
// port scan just moves on.
func terminateStaleListener(bin string, port int, logger zerolog.Logger) bool {
	return false
}
