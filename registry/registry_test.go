package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhd2015/debug-bridge-mcp/jsonfile"
	"github.com/xhd2015/debug-bridge-mcp/workspace"
	clocktesting "k8s.io/utils/clock/testing"
)

var testStart = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

type fixture struct {
	registry *Registry
	clock    *clocktesting.FakeClock
	alive    map[int]bool
	path     string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: clocktesting.NewFakeClock(testStart),
		alive: map[int]bool{},
		path:  filepath.Join(t.TempDir(), "registry", "active-configs.json"),
	}
	all := append([]Option{
		WithPath(f.path),
		WithClock(f.clock),
		WithProcessExists(func(pid int) bool { return f.alive[pid] }),
	}, opts...)
	r, err := New(all...)
	require.NoError(t, err)
	f.registry = r
	return f
}

func (f *fixture) entry(id string, ws string, port int, pid int) Entry {
	f.alive[pid] = true
	return Entry{
		InstanceID:    id,
		WorkspacePath: ws,
		WorkspaceName: filepath.Base(ws),
		ConfigPath:    workspace.ConfigPath(ws),
		Port:          port,
		PID:           pid,
		LastHeartbeat: f.clock.Now().UnixMilli(),
	}
}

func TestRegisterAndGetActiveInstances(t *testing.T) {
	f := newFixture(t)
	e := f.entry("bridge-1", "/work/a", 9100, 101)

	require.NoError(t, f.registry.RegisterInstance(e))

	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, e, active[0])
}

func TestRegisterReplacesSameWorkspace(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-2", "/work/b", 9101, 102)))
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-3", "/work/a", 9102, 103)))

	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "bridge-2", active[0].InstanceID)
	assert.Equal(t, "bridge-3", active[1].InstanceID)
}

func TestUnregisterInstance(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))
	require.NoError(t, f.registry.UnregisterInstance("bridge-1"))

	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMissingFileIsEmpty(t *testing.T) {
	f := newFixture(t)
	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	assert.Empty(t, active)

	entry, err := f.registry.FindByWorkspace("/work/a")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCorruptFilePropagates(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(f.path), 0755))
	require.NoError(t, os.WriteFile(f.path, []byte("{"), 0644))

	_, err := f.registry.GetActiveInstances()
	require.Error(t, err)
	require.Error(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))
}

func TestDeadProcessExcluded(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-2", "/work/b", 9101, 102)))

	f.alive[101] = false

	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "bridge-2", active[0].InstanceID)

	// the file still holds both until a sweep
	var doc File
	_, err = jsonfile.Read(f.path, &doc)
	require.NoError(t, err)
	assert.Len(t, doc.ActiveInstances, 2)
}

func TestStaleHeartbeatExcludedAndRefreshed(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))

	f.clock.Step(DefaultMaxAge)
	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, f.registry.UpdateHeartbeat("bridge-1"))
	active, err = f.registry.GetActiveInstances()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, f.clock.Now().UnixMilli(), active[0].LastHeartbeat)
}

func TestUpdateHeartbeatUnknownID(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.UpdateHeartbeat("nope"))
	_, err := os.Stat(f.path)
	assert.True(t, os.IsNotExist(err))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-2", "/work/b", 9101, 102)))

	t.Run("nothing stale leaves file alone", func(t *testing.T) {
		before, err := os.ReadFile(f.path)
		require.NoError(t, err)
		f.clock.Step(time.Second)

		removed, err := f.registry.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 0, removed)

		after, err := os.ReadFile(f.path)
		require.NoError(t, err)
		assert.Equal(t, string(before), string(after))
	})

	t.Run("drops dead entries", func(t *testing.T) {
		f.alive[102] = false
		removed, err := f.registry.Sweep()
		require.NoError(t, err)
		assert.Equal(t, 1, removed)

		var doc File
		_, err = jsonfile.Read(f.path, &doc)
		require.NoError(t, err)
		require.Len(t, doc.ActiveInstances, 1)
		assert.Equal(t, "bridge-1", doc.ActiveInstances[0].InstanceID)
		assert.Equal(t, f.clock.Now().UnixMilli(), doc.LastUpdated)
	})
}

func TestPeriodicSweep(t *testing.T) {
	f := newFixture(t, WithSweepInterval(time.Minute))
	require.NoError(t, f.registry.RegisterInstance(f.entry("bridge-1", "/work/a", 9100, 101)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.registry.Initialize(ctx))
	defer f.registry.Close()

	f.alive[101] = false
	f.clock.Step(time.Minute)

	require.Eventually(t, func() bool {
		var doc File
		_, err := jsonfile.Read(f.path, &doc)
		return err == nil && len(doc.ActiveInstances) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEntryFromConfig(t *testing.T) {
	cfg := &workspace.Config{
		InstanceID:    "bridge-1",
		Port:          9100,
		PID:           10,
		WorkspacePath: "/work/a",
		WorkspaceName: "a",
		LastHeartbeat: 123,
	}
	e := EntryFromConfig(cfg, "/work/a/.mcp-debug-tools/config.json")
	assert.Equal(t, Entry{
		InstanceID:    "bridge-1",
		WorkspacePath: "/work/a",
		WorkspaceName: "a",
		ConfigPath:    "/work/a/.mcp-debug-tools/config.json",
		Port:          9100,
		PID:           10,
		LastHeartbeat: 123,
	}, e)
}

func TestEntriesIncludesStale(t *testing.T) {
	f := newFixture(t)
	live := f.entry("bridge-1", "/work/a", 9100, 101)
	dead := f.entry("bridge-2", "/work/b", 9101, 102)
	require.NoError(t, f.registry.RegisterInstance(live))
	require.NoError(t, f.registry.RegisterInstance(dead))
	f.alive[102] = false

	all, err := f.registry.Entries()
	require.NoError(t, err)
	assert.Equal(t, []Entry{live, dead}, all)

	active, err := f.registry.GetActiveInstances()
	require.NoError(t, err)
	assert.Equal(t, []Entry{live}, active)
}
