package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhd2015/debug-bridge-mcp/discovery"
	"github.com/xhd2015/debug-bridge-mcp/log"
	"github.com/xhd2015/debug-bridge-mcp/proxy"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *options
		wantErr string
	}{
		{"defaults", nil, &options{domain: defaultDomain}, ""},
		{"port", []string{"--port=8891"}, &options{domain: defaultDomain, port: 8891}, ""},
		{"port separate", []string{"--port", "9000"}, &options{domain: defaultDomain, port: 9000}, ""},
		{"domain", []string{"--domain=http://127.0.0.1"}, &options{domain: "http://127.0.0.1"}, ""},
		{"no auto", []string{"--no-auto"}, &options{domain: defaultDomain, noAuto: true}, ""},
		{"port zero", []string{"--port=0"}, nil, "invalid port"},
		{"port too large", []string{"--port=65536"}, nil, "invalid port"},
		{"port not a number", []string{"--port=abc"}, nil, "invalid port"},
		{"port missing value", []string{"--port"}, nil, "requires arg"},
		{"empty domain", []string{"--domain="}, nil, "non-empty"},
		{"unknown", []string{"--verbose"}, nil, "unrecognized option"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArgs(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHelp(t *testing.T) {
	for _, arg := range []string{"-h", "--help"} {
		_, err := parseArgs([]string{"--port=1", arg})
		assert.ErrorIs(t, err, errHelp)
		assert.NoError(t, handle([]string{arg}))
	}
}

func TestHandleRejectsBadPort(t *testing.T) {
	assert.Error(t, handle([]string{"--port=70000"}))
}

func TestResolvePort(t *testing.T) {
	found := func() (*discovery.Result, error) {
		return &discovery.Result{Port: 8893, Source: discovery.SourceRegistry}, nil
	}
	missing := func() (*discovery.Result, error) { return nil, nil }
	broken := func() (*discovery.Result, error) { return nil, errors.New("corrupt registry") }
	unexpected := func() (*discovery.Result, error) {
		t.Fatal("discovery must not run")
		return nil, nil
	}
	logger := log.Nop()

	assert.Equal(t, 9000, resolvePort(&options{port: 9000}, unexpected, logger))
	assert.Equal(t, 8890, resolvePort(&options{noAuto: true}, unexpected, logger))
	assert.Equal(t, 8893, resolvePort(&options{}, found, logger))
	assert.Equal(t, 8890, resolvePort(&options{}, missing, logger))
	assert.Equal(t, 8890, resolvePort(&options{}, broken, logger))
}

func TestConnectRetriesThenFails(t *testing.T) {
	calls := 0
	dial := func(ctx context.Context, url string) (*proxy.Proxy, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	start := time.Now()
	_, err := connect(context.Background(), "http://localhost:1/mcp", 3, 10*time.Millisecond, log.Nop(), dial)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "connection refused")
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestConnectSucceedsAfterRetry(t *testing.T) {
	calls := 0
	want := &proxy.Proxy{}
	dial := func(ctx context.Context, url string) (*proxy.Proxy, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("connection refused")
		}
		return want, nil
	}

	got, err := connect(context.Background(), "http://localhost:1/mcp", 3, time.Millisecond, log.Nop(), dial)
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 2, calls)
}
