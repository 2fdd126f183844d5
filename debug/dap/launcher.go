package dap

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/port"
)

// DefaultAdapterPort is where the search for a free dlv dap port starts.
const DefaultAdapterPort = 38697

// Adapter is a connected debug adapter.
type Adapter struct {
	Conn    io.ReadWriteCloser
	Address string
	// Stop releases the adapter process, if one was started. May be nil.
	Stop func() error
}

// Launcher provides a fresh adapter connection per debug session.
type Launcher interface {
	Name() string
	Launch(ctx context.Context) (*Adapter, error)
}

// DialFunc opens a connection to an adapter address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

func defaultDial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// DlvLauncher starts `dlv dap` on a free loopback port for every session.
type DlvLauncher struct {
	// Path of the dlv binary. Defaults to "dlv" on PATH.
	Path string
	// BasePort is where the free port search starts.
	BasePort    int
	Dial        DialFunc
	Logger      log.Logger
	DialRetries uint
	RetryDelay  time.Duration
}

func (l *DlvLauncher) Name() string { return "dlv" }

func (l *DlvLauncher) Launch(ctx context.Context) (*Adapter, error) {
	path := l.Path
	if path == "" {
		path = "dlv"
	}
	basePort := l.BasePort
	if basePort == 0 {
		basePort = DefaultAdapterPort
	}
	logger := l.Logger
	if logger == nil {
		logger = log.Nop()
	}

	p, err := port.FindAvailablePort(basePort, port.DefaultMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("no port for debug adapter: %w", err)
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(p))

	cmd := exec.Command(path, "dap", "--listen="+addr)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start Delve DAP server: %w", err)
	}
	logger.Infow("started debug adapter", "path", path, "address", addr, "pid", cmd.Process.Pid)

	stop := func() error {
		if cmd.Process == nil {
			return nil
		}
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil
	}

	conn, err := dialWithRetry(ctx, l.Dial, addr, l.DialRetries, l.RetryDelay, logger)
	if err != nil {
		stop()
		return nil, fmt.Errorf("failed to connect to DAP server: %w", err)
	}
	return &Adapter{Conn: conn, Address: addr, Stop: stop}, nil
}

// RemoteLauncher connects to an adapter that is already listening.
type RemoteLauncher struct {
	Address string
	Dial    DialFunc
	Logger  log.Logger
}

func (l *RemoteLauncher) Name() string { return "remote" }

func (l *RemoteLauncher) Launch(ctx context.Context) (*Adapter, error) {
	if l.Address == "" {
		return nil, fmt.Errorf("remote adapter requires an address")
	}
	dial := l.Dial
	if dial == nil {
		dial = defaultDial
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := dial(dialCtx, "tcp", l.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DAP server at %s: %w", l.Address, err)
	}
	return &Adapter{Conn: conn, Address: l.Address}, nil
}

// dialWithRetry waits for a freshly started adapter to accept connections.
func dialWithRetry(ctx context.Context, dial DialFunc, addr string, attempts uint, delay time.Duration, logger log.Logger) (net.Conn, error) {
	if dial == nil {
		dial = defaultDial
	}
	if attempts == 0 {
		attempts = 50
	}
	if delay == 0 {
		delay = 100 * time.Millisecond
	}

	var conn net.Conn
	err := retry.Do(
		func() error {
			c, err := dial(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debugw("adapter not ready", "address", addr, "attempt", n+1, "error", err)
		}),
	)
	return conn, err
}
