package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/xhd2015/debug-bridge-mcp/discovery"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/port"
	"github.com/xhd2015/debug-bridge-mcp/proxy"
	"github.com/xhd2015/debug-bridge-mcp/registry"
)

// install: go install ./cmd/debug-bridge-proxy
const help = `
debug-bridge-proxy serves a running debug bridge over stdio

Usage: debug-bridge-proxy [OPTIONS]

Without options the bridge is discovered from the current directory
(walking up to the workspace heartbeat file), then from the instance
registry, and finally port 8890 is assumed.

Options:
  --domain=<url>      Base URL of the bridge (default: http://localhost)
  --port=<port>       Port of the bridge, 1-65535; disables discovery
  --no-auto           Disable discovery and use port 8890
  -h, --help          show help message

Examples:
  debug-bridge-proxy                  # discover the bridge
  debug-bridge-proxy --port=8891      # use port 8891
`

const (
	defaultDomain  = "http://localhost"
	connectRetries = 3
	retryDelay     = 2 * time.Second
)

var errHelp = errors.New("help requested")

type options struct {
	domain string
	port   int
	noAuto bool
}

func main() {
	if err := handle(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handle(args []string) error {
	opts, err := parseArgs(args)
	if errors.Is(err, errHelp) {
		fmt.Println(strings.TrimSpace(help))
		return nil
	}
	if err != nil {
		return err
	}

	zl, err := log.New(log.Options{Level: os.Getenv("DEBUG_BRIDGE_PROXY_LOG_LEVEL")})
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Named("proxy")

	p := resolvePort(opts, discoverBridge(logger), logger)
	url := fmt.Sprintf("%s:%d/mcp", strings.TrimRight(opts.domain, "/"), p)
	logger.Infow("connecting to debug bridge", "url", url)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	px, err := connect(ctx, url, connectRetries, retryDelay, logger, func(ctx context.Context, url string) (*proxy.Proxy, error) {
		return proxy.New(ctx, url, proxy.WithLogger(logger))
	})
	if err != nil {
		return err
	}
	defer px.Close()
	logger.Infow("proxy ready", "tools", len(px.Tools()), "resources", len(px.Resources()))

	stdio := server.NewStdioServer(px.Server())
	stdio.SetErrorLogger(zap.NewStdLog(zl.Desugar()))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

func parseArgs(args []string) (*options, error) {
	opts := &options{domain: defaultDomain}
	n := len(args)
	for i := 0; i < n; i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		switch name {
		case "-h", "--help":
			return nil, errHelp
		case "--no-auto":
			opts.noAuto = true
		case "--domain", "--port":
			if !hasValue {
				if i+1 >= n {
					return nil, fmt.Errorf("%s requires arg", name)
				}
				i++
				value = args[i]
			}
			if name == "--domain" {
				if value == "" {
					return nil, fmt.Errorf("--domain requires a non-empty url")
				}
				opts.domain = value
				continue
			}
			p, err := strconv.Atoi(value)
			if err != nil || p < 1 || p > 65535 {
				return nil, fmt.Errorf("invalid port %q: must be between 1 and 65535", value)
			}
			opts.port = p
		default:
			return nil, fmt.Errorf("unrecognized option: %s", arg)
		}
	}
	return opts, nil
}

// resolvePort applies the port precedence: explicit port, then discovery
// unless disabled, then the default port.
func resolvePort(opts *options, discover func() (*discovery.Result, error), logger log.Logger) int {
	if opts.port != 0 {
		return opts.port
	}
	if !opts.noAuto {
		result, err := discover()
		switch {
		case err != nil:
			logger.Warnw("discovery failed, using default port", "error", err)
		case result == nil:
			logger.Infow("no running bridge discovered, using default port", "port", port.DefaultPort)
		default:
			logger.Infow("bridge discovered", "port", result.Port, "workspace", result.Workspace, "source", result.Source)
			return result.Port
		}
	}
	return port.DefaultPort
}

func discoverBridge(logger log.Logger) func() (*discovery.Result, error) {
	return func() (*discovery.Result, error) {
		opts := discovery.Options{Logger: logger}
		reg, err := registry.New(registry.WithLogger(logger))
		if err != nil {
			logger.Warnw("instance registry unavailable", "error", err)
		} else {
			opts.Registry = reg
		}
		return discovery.Discover(opts)
	}
}

// connect retries dial a fixed number of times with a fixed delay.
func connect(ctx context.Context, url string, attempts uint, delay time.Duration, logger log.Logger, dial func(context.Context, string) (*proxy.Proxy, error)) (*proxy.Proxy, error) {
	var px *proxy.Proxy
	err := retry.Do(
		func() error {
			p, err := dial(ctx, url)
			if err != nil {
				return err
			}
			px = p
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warnw("connection attempt failed", "attempt", n+1, "of", attempts, "url", url, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot reach the debug bridge at %s after %d attempts (is the bridge running?): %w", url, attempts, err)
	}
	return px, nil
}
