package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

const (
	// DefaultPort is the port the bridge prefers and the proxy falls back to.
	DefaultPort = 8890
	// DefaultMaxAttempts bounds the sequential probe.
	DefaultMaxAttempts = 100

	maxPort = 65535
)

// ErrNoPortAvailable is returned when every probed port is taken.
var ErrNoPortAvailable = errors.New("no available port")

// FindAvailablePort returns the first port in [preferred, preferred+maxAttempts)
// that can be bound on the loopback interface. Each probe listener is closed
// before the next one is tried, so the returned port can still be claimed by
// another process before the caller binds it.
func FindAvailablePort(preferred int, maxAttempts int) (int, error) {
	if preferred < 1 || preferred > maxPort {
		return 0, fmt.Errorf("invalid preferred port: %d", preferred)
	}
	if maxAttempts < 1 {
		return 0, fmt.Errorf("invalid max attempts: %d", maxAttempts)
	}

	last := maxPort
	if maxAttempts <= maxPort-preferred {
		last = preferred + maxAttempts - 1
	}
	for p := preferred; p <= last; p++ {
		if IsAvailable(p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, preferred, last)
}

// IsAvailable reports whether port can be bound on 127.0.0.1 right now.
func IsAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
