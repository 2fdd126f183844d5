package port

import (
	"errors"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenLoopback(t *testing.T) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("loopback sockets unavailable: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestFindAvailablePortSkipsBoundPort(t *testing.T) {
	ln, busy := listenLoopback(t)
	defer ln.Close()
	if busy >= maxPort {
		t.Skip("ephemeral port at top of range")
	}

	got, err := FindAvailablePort(busy, 10)
	require.NoError(t, err)
	assert.Greater(t, got, busy)
	assert.Less(t, got, busy+10)
}

func TestFindAvailablePortReturnsPreferredWhenFree(t *testing.T) {
	ln, free := listenLoopback(t)
	ln.Close()

	got, err := FindAvailablePort(free, 1)
	if err != nil {
		t.Skipf("port %d was reclaimed: %v", free, err)
	}
	assert.Equal(t, free, got)
}

func TestFindAvailablePortExhausted(t *testing.T) {
	ln, busy := listenLoopback(t)
	defer ln.Close()

	_, err := FindAvailablePort(busy, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPortAvailable), "got %v", err)
}

func TestFindAvailablePortValidatesInput(t *testing.T) {
	tests := []struct {
		name      string
		preferred int
		attempts  int
	}{
		{name: "zero port", preferred: 0, attempts: 1},
		{name: "port too large", preferred: 70000, attempts: 1},
		{name: "no attempts", preferred: DefaultPort, attempts: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FindAvailablePort(tt.preferred, tt.attempts)
			require.Error(t, err)
			assert.False(t, errors.Is(err, ErrNoPortAvailable))
		})
	}
}

func TestFindAvailablePortStopsAtMaxPort(t *testing.T) {
	got, err := FindAvailablePort(maxPort, DefaultMaxAttempts)
	if err != nil {
		assert.True(t, errors.Is(err, ErrNoPortAvailable))
		return
	}
	assert.Equal(t, maxPort, got)
}

func TestFindAvailablePortHugeAttempts(t *testing.T) {
	got, err := FindAvailablePort(maxPort, math.MaxInt)
	if err != nil {
		assert.True(t, errors.Is(err, ErrNoPortAvailable))
		assert.Contains(t, err.Error(), "in range 65535-65535")
		return
	}
	assert.Equal(t, maxPort, got)
}
