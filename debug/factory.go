package debug

import (
	"fmt"
	"time"

	"github.com/uber-go/tally"

	"github.com/xhd2015/debug-bridge-mcp/debug/common"
	"github.com/xhd2015/debug-bridge-mcp/debug/dap"
	"github.com/xhd2015/debug-bridge-mcp/log"
)

const (
	AdapterDlv    = "dlv"
	AdapterRemote = "remote"
)

// Options selects and configures the debug adapter.
type Options struct {
	// Adapter is "dlv" (default) or "remote".
	Adapter string
	// AdapterAddress is the host:port of a running adapter, for "remote".
	AdapterAddress string
	// DlvPath overrides the dlv binary, for "dlv".
	DlvPath        string
	RequestTimeout time.Duration
	Logger         log.Logger
	Stats          tally.Scope
	// Dial replaces the network dialer. Used by tests.
	Dial dap.DialFunc
}

// NewSessionManager creates a new session manager based on the adapter type
func NewSessionManager(opts Options) (common.SessionManager, error) {
	var launcher dap.Launcher
	switch opts.Adapter {
	case "", AdapterDlv:
		launcher = &dap.DlvLauncher{Path: opts.DlvPath, Dial: opts.Dial, Logger: opts.Logger}
	case AdapterRemote:
		if opts.AdapterAddress == "" {
			return nil, fmt.Errorf("adapter %q requires an adapter address", opts.Adapter)
		}
		launcher = &dap.RemoteLauncher{Address: opts.AdapterAddress, Dial: opts.Dial, Logger: opts.Logger}
	default:
		return nil, fmt.Errorf("unsupported adapter type: %s", opts.Adapter)
	}

	return dap.NewSessionManager(dap.ManagerOptions{
		Launcher:       launcher,
		Logger:         opts.Logger,
		Stats:          opts.Stats,
		RequestTimeout: opts.RequestTimeout,
	}), nil
}
