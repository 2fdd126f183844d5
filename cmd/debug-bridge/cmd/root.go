package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xhd2015/debug-bridge-mcp/bridge"
	"github.com/xhd2015/debug-bridge-mcp/debug"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/port"
	"github.com/xhd2015/debug-bridge-mcp/registry"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
)

const (
	CustomConfigLocation = "config"
	EnvPrefix            = "DEBUG_BRIDGE"

	DefaultLogFile  = "~/.mcp-debug-tools/debug-bridge.log"
	shutdownTimeout = 5 * time.Second
)

// envKeyReplacer maps flag names to environment names: log-level reads DEBUG_BRIDGE_LOG_LEVEL.
var envKeyReplacer = strings.NewReplacer("-", "_")

// Config is the resolved command line, environment and config file settings.
type Config struct {
	Workspace             string
	WorkspaceName         string
	Host                  string
	Port                  int
	LogLevel              string
	LogFile               string
	Adapter               string
	AdapterAddress        string
	DlvPath               string
	RequestTimeout        time.Duration
	HeartbeatInterval     time.Duration
	RegistrySweepInterval time.Duration
	RegistryPath          string
	Stdio                 bool
}

func RootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:          "debug-bridge",
		SilenceUsage: true,
		Short:        "Serve debugger tools for one workspace over HTTP",
		Long: `debug-bridge exposes debugger tools to MCP clients at http://<host>:<port>/mcp.

It writes a heartbeat file into the workspace and registers itself in
~/.mcp-debug-tools/active-configs.json so debug-bridge-proxy can find it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}

	addFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.Flags())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	return cmd
}

func addFlags(fs *pflag.FlagSet) {
	fs.String(CustomConfigLocation, "", "Path of a config file (yaml, json or toml)")
	fs.String("workspace", "", "Workspace directory served by this bridge (default: current directory)")
	fs.String("workspace-name", "", "Display name of the workspace (default: directory name)")
	fs.String("host", bridge.DefaultHost, "Address to listen on")
	fs.Int("port", port.DefaultPort, "Preferred port; the next free port is used when it is taken")
	fs.String("log-level", "info", "Log level: debug, info, warn or error")
	fs.String("log-file", DefaultLogFile, "Log file; empty logs to stderr")
	fs.String("adapter", debug.AdapterDlv, "Debug adapter: dlv or remote")
	fs.String("adapter-address", "", "host:port of a running debug adapter, for --adapter=remote")
	fs.String("dlv-path", "", "Path of the dlv binary (default: dlv on PATH)")
	fs.Duration("request-timeout", 0, "Timeout of a single debug adapter request (default: 10s)")
	fs.Duration("heartbeat-interval", workspace.DefaultInterval, "How often the heartbeat file is refreshed")
	fs.Duration("registry-sweep-interval", registry.DefaultSweepInterval, "How often stale registry entries are removed")
	fs.String("registry-path", "", "Instance registry file (default: ~/.mcp-debug-tools/active-configs.json)")
	fs.Bool("stdio", false, "Also serve the protocol on stdin/stdout")
}

// LoadConfig merges the config file named by --config under flags and
// DEBUG_BRIDGE_* environment variables.
func LoadConfig(v *viper.Viper) (*Config, error) {
	if path := v.GetString(CustomConfigLocation); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Workspace:             v.GetString("workspace"),
		WorkspaceName:         v.GetString("workspace-name"),
		Host:                  v.GetString("host"),
		Port:                  v.GetInt("port"),
		LogLevel:              v.GetString("log-level"),
		LogFile:               v.GetString("log-file"),
		Adapter:               v.GetString("adapter"),
		AdapterAddress:        v.GetString("adapter-address"),
		DlvPath:               v.GetString("dlv-path"),
		RequestTimeout:        v.GetDuration("request-timeout"),
		HeartbeatInterval:     v.GetDuration("heartbeat-interval"),
		RegistrySweepInterval: v.GetDuration("registry-sweep-interval"),
		RegistryPath:          v.GetString("registry-path"),
		Stdio:                 v.GetBool("stdio"),
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if cfg.Workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.Workspace = wd
	}
	for _, p := range []*string{&cfg.Workspace, &cfg.LogFile, &cfg.RegistryPath, &cfg.DlvPath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *Config, stdin io.Reader, stdout io.Writer) error {
	zl, err := log.New(log.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer zl.Sync()
	logger := zl.Named("bridge")

	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "debug_bridge"}, time.Second)
	defer closer.Close()

	srv, err := bridge.New(bridge.Config{
		Workspace:             cfg.Workspace,
		WorkspaceName:         cfg.WorkspaceName,
		Host:                  cfg.Host,
		Port:                  cfg.Port,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		RegistrySweepInterval: cfg.RegistrySweepInterval,
		RegistryPath:          cfg.RegistryPath,
		Debug: debug.Options{
			Adapter:        cfg.Adapter,
			AdapterAddress: cfg.AdapterAddress,
			DlvPath:        cfg.DlvPath,
			RequestTimeout: cfg.RequestTimeout,
		},
		Logger: logger,
		Stats:  scope,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	info := srv.Info()
	logger.Infow("debug bridge listening",
		"url", info.URL,
		"workspace", info.WorkspacePath,
		"instanceId", info.InstanceID,
	)
	if info.Port != info.PreferredPort {
		logger.Warnw("preferred port taken", "preferred", info.PreferredPort, "port", info.Port)
	}

	var g errgroup.Group
	if cfg.Stdio {
		stdio := server.NewStdioServer(srv.MCPServer())
		stdio.SetErrorLogger(zap.NewStdLog(zl.Desugar()))
		g.Go(func() error {
			// the bridge exits with its stdio client
			defer stop()
			err := stdio.Listen(ctx, stdin, stdout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stdio server: %w", err)
			}
			return nil
		})
	}

	<-ctx.Done()
	logger.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return multierr.Append(srv.Stop(shutdownCtx), g.Wait())
}
