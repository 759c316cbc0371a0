package runtime

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/isolation"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/registry"
)

func testManifest(id string) plugin.Manifest {
	return plugin.Manifest{
		ID:         id,
		Name:       id,
		Version:    "1.0.0",
		EntryPoint: "/opt/plugins/" + id,
		Sandbox:    plugin.SandboxConfig{Enabled: true, Type: plugin.SandboxProcess},
	}
}

func newTestRuntime(t *testing.T, mutate func(*Config)) (*Runtime, *isolation.Memory) {
	t.Helper()
	backend := isolation.NewMemory()
	cfg := Config{
		Backend:        backend,
		StopTimeout:    50 * time.Millisecond,
		SampleInterval: time.Hour,
		HealthInterval: time.Hour,
		HealthCheck:    plugin.HealthCheckConfig{Timeout: 200 * time.Millisecond},
		RecoveryWindow: time.Second,
		WorkerPoolSize: 8,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	return rt, backend
}

func register(t *testing.T, rt *Runtime, m plugin.Manifest) {
	t.Helper()
	_, err := rt.RegisterPlugin(context.Background(), m)
	require.NoError(t, err)
}

// assertInvariant checks that an id is governed and monitored exactly when
// the supervisor holds it in a non-terminal state.
func assertInvariant(t *testing.T, rt *Runtime) {
	t.Helper()
	live := make(map[string]bool)
	for _, inst := range rt.sup.List() {
		if inst.State.IsTerminal() {
			continue
		}
		live[inst.ID] = true
		assert.True(t, rt.resources.Has(inst.ID), "%s (%s) missing from governor", inst.ID, inst.State)
		assert.True(t, rt.health.Has(inst.ID), "%s (%s) missing from monitor", inst.ID, inst.State)
	}
	for _, id := range rt.resources.IDs() {
		assert.True(t, live[id], "governor holds orphan %s", id)
	}
	for _, id := range rt.health.IDs() {
		assert.True(t, live[id], "monitor holds orphan %s", id)
	}
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestCreateStartStop(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))

	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)
	assertInvariant(t, rt)
	assert.Equal(t, 1, backend.SandboxCount())

	entry, err := rt.GetPlugin("core")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, entry.InstanceIDs)
	require.NotNil(t, entry.Validation, "validation is cached")
	assert.True(t, entry.Validation.Passed)

	require.NoError(t, rt.StartInstance(ctx, id))
	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, inst.State)
	assert.NotEmpty(t, inst.SandboxID)
	assert.Len(t, backend.Live(), 1)

	require.NoError(t, rt.StopInstance(ctx, id))
	_, err = rt.GetInstance(id)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assertInvariant(t, rt)
	assert.Empty(t, backend.Live())
	assert.Equal(t, 0, backend.SandboxCount())

	entry, err = rt.GetPlugin("core")
	require.NoError(t, err)
	assert.Empty(t, entry.InstanceIDs)
}

func TestCreateInstanceAppliesLimitOverrides(t *testing.T) {
	rt, _ := newTestRuntime(t, func(c *Config) {
		c.DefaultLimits = plugin.ResourceLimits{MaxThreads: plugin.Uint64(64)}
	})
	m := testManifest("core")
	m.ResourceLimits.MaxMemoryBytes = plugin.Uint64(1 << 30)
	register(t, rt, m)

	id, err := rt.CreateInstance(context.Background(), "core", plugin.CreateOptions{
		Limits: &plugin.ResourceLimits{MaxMemoryBytes: plugin.Uint64(1 << 20)},
	})
	require.NoError(t, err)

	limits, err := rt.resources.GetLimits(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), *limits.MaxMemoryBytes)
	assert.Equal(t, uint64(64), *limits.MaxThreads)
}

func TestCreateInstanceAutoStart(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	register(t, rt, testManifest("core"))

	id, err := rt.CreateInstance(context.Background(), "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)
	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, inst.State)

	backend.FailSpawn("core", errors.New("exec format error"))
	id, err = rt.CreateInstance(context.Background(), "core", plugin.CreateOptions{AutoStart: true})
	require.ErrorIs(t, err, apperrors.ErrStartFailed)
	inst, err = rt.GetInstance(id)
	require.NoError(t, err, "a failed auto-start keeps the instance")
	assert.Equal(t, plugin.StateError, inst.State)
	assertInvariant(t, rt)
}

func TestCreateInstanceRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown plugin", func(t *testing.T) {
		rt, _ := newTestRuntime(t, nil)
		_, err := rt.CreateInstance(ctx, "missing", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("disabled plugin", func(t *testing.T) {
		rt, _ := newTestRuntime(t, nil)
		register(t, rt, testManifest("core"))
		require.NoError(t, rt.registry.UpdateStatus(ctx, "core", plugin.StatusDisabled))
		_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	})

	t.Run("failed validation", func(t *testing.T) {
		rt, backend := newTestRuntime(t, nil)
		m := testManifest("raw")
		m.Capabilities = []plugin.Capability{{Type: plugin.CapabilitySystemCalls, Syscalls: []string{"ptrace"}}}
		register(t, rt, m)

		_, err := rt.CreateInstance(ctx, "raw", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrValidationFailed)
		_, err = rt.CreateInstance(ctx, "raw", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrValidationFailed, "cached result still fails")
		assert.Equal(t, 0, backend.SandboxCount())
		assert.Equal(t, uint64(1), rt.SecurityMetrics().Validations)
	})

	t.Run("spawn denied at strict level", func(t *testing.T) {
		rt, _ := newTestRuntime(t, nil)
		m := testManifest("tools")
		m.Capabilities = []plugin.Capability{
			{Type: plugin.CapabilityToolExecution, Name: "git"},
			{Type: plugin.CapabilityNetwork, AllowedHosts: []string{"example.com"}},
		}
		register(t, rt, m)

		_, err := rt.CreateInstance(ctx, "tools", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrPermissionDenied)
		assert.Empty(t, rt.ListInstances())
	})

	t.Run("sandbox failure", func(t *testing.T) {
		rt, backend := newTestRuntime(t, nil)
		register(t, rt, testManifest("core"))
		backend.FailSandbox("core", errors.New("no namespaces"))

		_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
		assert.ErrorIs(t, err, apperrors.ErrSandboxFailed)
		assertInvariant(t, rt)
		assert.Empty(t, rt.ListInstances())
	})
}

func TestCreateInstanceRollsBack(t *testing.T) {
	ctx := context.Background()
	orig := newInstanceID
	t.Cleanup(func() { newInstanceID = orig })
	newInstanceID = func() string { return "fixed-id" }

	t.Run("governor rejects the id", func(t *testing.T) {
		rt, backend := newTestRuntime(t, nil)
		register(t, rt, testManifest("core"))
		require.NoError(t, rt.resources.RegisterInstance("fixed-id", nil, plugin.ResourceLimits{}))

		_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
		require.ErrorIs(t, err, apperrors.ErrRegistration)
		assert.Equal(t, 0, backend.SandboxCount(), "sandbox destroyed")
		assert.False(t, rt.health.Has("fixed-id"))
		assert.Equal(t, 0, rt.sup.Count())
	})

	t.Run("monitor rejects the id", func(t *testing.T) {
		rt, backend := newTestRuntime(t, nil)
		register(t, rt, testManifest("core"))
		require.NoError(t, rt.health.RegisterInstance("fixed-id", "other", plugin.HealthCheckConfig{}))

		_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
		require.ErrorIs(t, err, apperrors.ErrRegistration)
		assert.Equal(t, 0, backend.SandboxCount())
		assert.False(t, rt.resources.Has("fixed-id"), "governor registration undone")
		assert.Equal(t, 0, rt.sup.Count())

		entry, err := rt.GetPlugin("core")
		require.NoError(t, err)
		assert.Empty(t, entry.InstanceIDs)
	})
}

func TestCapacityCeiling(t *testing.T) {
	rt, _ := newTestRuntime(t, func(c *Config) { c.MaxInstances = 2 })
	ctx := context.Background()
	register(t, rt, testManifest("core"))

	first, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)
	_, err = rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)

	_, err = rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	assert.ErrorIs(t, err, apperrors.ErrCapacity)

	require.NoError(t, rt.RemoveInstance(ctx, first))
	_, err = rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	assert.NoError(t, err)
}

func TestRemoveInstanceNeedsNoHandle(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))

	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)
	assert.ErrorIs(t, rt.RemoveInstance(ctx, id), apperrors.ErrInvalidTransition)

	require.NoError(t, rt.PauseInstance(ctx, id))
	require.NoError(t, rt.ResumeInstance(ctx, id))
	require.NoError(t, rt.RestartInstance(ctx, id))
	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.RestartCount)
}

func TestSendMessage(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))
	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)

	msg, err := plugin.NewMessage(plugin.MessageRequest, "", "", map[string]string{"op": "ping"})
	require.NoError(t, err)
	msg.Priority = plugin.PriorityCritical

	_, err = rt.SendMessage(ctx, id, msg)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "created instances take no messages")

	require.NoError(t, rt.StartInstance(ctx, id))
	resp, err := rt.SendMessage(ctx, id, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.CorrelationID, resp.CorrelationID)
	assert.Equal(t, plugin.PriorityCritical, resp.Priority)
	assert.Equal(t, Source, resp.Target)

	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), inst.Stats.Successful)
}

func TestHealthCheckGoesThroughTransport(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))
	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)

	res, err := rt.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthHealthy, res.Status)
	assert.Equal(t, "ok", res.Details["status"])

	backend.SetResponder(func(req plugin.Message) (plugin.Message, error) {
		return plugin.NewResponse(req, map[string]string{"status": "degraded"})
	})
	res, err = rt.CheckHealth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthUnhealthy, res.Status)
	assert.Equal(t, plugin.HealthUnhealthy, rt.GetSystemHealth().Status)

	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthUnhealthy, inst.Health)
}

func TestCrashIsRecoveredAutomatically(t *testing.T) {
	rt, backend := newTestRuntime(t, func(c *Config) { c.Policy.AutoRecover = true })
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	register(t, rt, testManifest("core"))

	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)
	inst, err := rt.GetInstance(id)
	require.NoError(t, err)

	health := rt.SubscribeHealth()
	defer health.Unsubscribe()
	require.NoError(t, backend.Exit(inst.Handle.ID, 139))

	require.Eventually(t, func() bool {
		inst, err := rt.GetInstance(id)
		return err == nil && inst.State == plugin.StateRunning && inst.Health == plugin.HealthHealthy
	}, 3*time.Second, 10*time.Millisecond)

	inst, err = rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.RestartCount, "one for the crash, one for the restart")
	require.NotNil(t, inst.Error)
	assert.Equal(t, apperrors.CodeInstanceCrashed, inst.Error.Code)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-health.Events():
			if e, ok := ev.(plugin.HealthEvent); ok && e.Type == plugin.HealthRecoveryAttempted {
				assert.True(t, e.Recovered)
				return
			}
		case <-deadline:
			t.Fatal("no recovery event")
		}
	}
}

func TestLimitViolationStopsInstance(t *testing.T) {
	rt, backend := newTestRuntime(t, func(c *Config) { c.Policy.AutoStop = true })
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	register(t, rt, testManifest("hog"))

	id, err := rt.CreateInstance(ctx, "hog", plugin.CreateOptions{
		AutoStart: true,
		Limits:    &plugin.ResourceLimits{MaxMemoryBytes: plugin.Uint64(100)},
	})
	require.NoError(t, err)
	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	require.NoError(t, backend.SetUsage(inst.Handle.ID, plugin.ResourceUsage{MemoryBytes: 200}))

	rt.resources.SampleOnce(ctx)

	require.Eventually(t, func() bool {
		_, err := rt.GetInstance(id)
		return errors.Is(err, apperrors.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, backend.Live())
	assertInvariant(t, rt)
}

func TestStartStopIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, func(c *Config) { c.Policy = Policy{AutoRecover: true, AutoStop: true} })
	ctx := context.Background()

	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Stop(ctx))
	require.NoError(t, rt.Start(ctx))
	require.NoError(t, rt.Close(ctx))
	require.NoError(t, rt.Close(ctx))
	assert.Error(t, rt.Start(ctx), "closed runtimes stay closed")
}

func TestCloseStopsInstances(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	require.NoError(t, rt.Start(ctx))
	register(t, rt, testManifest("core"))
	for i := 0; i < 3; i++ {
		_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
		require.NoError(t, err)
	}
	require.Len(t, backend.Live(), 3)

	require.NoError(t, rt.Close(ctx))
	assert.Empty(t, backend.Live())
	assertInvariant(t, rt)
}

func TestSubscribeStreams(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()

	regSub := rt.SubscribeRegistry()
	instSub := rt.SubscribeInstance()
	secSub := rt.SubscribeSecurity()
	defer regSub.Unsubscribe()
	defer instSub.Unsubscribe()
	defer secSub.Unsubscribe()

	register(t, rt, testManifest("core"))
	_, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)

	reg := receive(t, regSub, 1)[0].(plugin.RegistryEvent)
	assert.Equal(t, plugin.PluginRegistered, reg.Type)

	created := receive(t, instSub, 1)[0].(plugin.InstanceEvent)
	assert.Equal(t, plugin.InstanceCreated, created.Type)

	for _, ev := range receive(t, secSub, 2) {
		assert.Equal(t, plugin.KindSecurity, ev.Kind())
	}
}

type staticLoader []plugin.ScanResult

func (l staticLoader) Scan(context.Context, []string) []plugin.ScanResult { return l }

func TestDiscoverPlugins(t *testing.T) {
	good := testManifest("found")
	rt, _ := newTestRuntime(t, func(c *Config) {
		c.Loader = staticLoader{
			{Path: "/plugins/found/plugin.yaml", Manifest: &good},
			{Path: "/plugins/broken/plugin.yaml", Err: errors.New("yaml: line 3: did not find expected key")},
		}
	})
	ctx := context.Background()

	ids, err := rt.DiscoverPlugins(ctx)
	assert.Equal(t, []string{"found"}, ids)
	assert.ErrorIs(t, err, apperrors.ErrParseFailed)

	entry, gerr := rt.GetPlugin("found")
	require.NoError(t, gerr)
	assert.Equal(t, "/plugins/found/plugin.yaml", entry.InstallPath)

	ids, err = rt.DiscoverPlugins(ctx)
	assert.Empty(t, ids, "known plugins are skipped")
	assert.ErrorIs(t, err, apperrors.ErrParseFailed)
	assert.Len(t, rt.ListPlugins(), 1)
}

func TestUnregisterPlugin(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))

	running, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)
	_, err = rt.CreateInstance(ctx, "core", plugin.CreateOptions{})
	require.NoError(t, err)

	assert.ErrorIs(t, rt.UnregisterPlugin(ctx, "core", false), apperrors.ErrHasActiveInstances)
	_, err = rt.GetInstance(running)
	require.NoError(t, err)

	require.NoError(t, rt.UnregisterPlugin(ctx, "core", true))
	assert.Empty(t, rt.ListInstances())
	assert.Empty(t, rt.ListPlugins())
	assert.Empty(t, backend.Live())
	assertInvariant(t, rt)
}

// TestInvariantUnderRandomInterleavings drives random operations from
// several goroutines over a shared set of instances and checks that the
// governor and monitor tables always match the supervisor once they settle.
func TestInvariantUnderRandomInterleavings(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("alpha"))
	register(t, rt, testManifest("beta"))
	backend.FailSpawn("beta", nil)

	var idsMu sync.Mutex
	var ids []string
	pick := func(rng *rand.Rand) (string, bool) {
		idsMu.Lock()
		defer idsMu.Unlock()
		if len(ids) == 0 {
			return "", false
		}
		return ids[rng.Intn(len(ids))], true
	}

	const workers, steps = 6, 60
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < steps; i++ {
				op := rng.Intn(9)
				if op == 0 {
					pluginID := "alpha"
					if rng.Intn(2) == 0 {
						pluginID = "beta"
					}
					if id, err := rt.CreateInstance(ctx, pluginID, plugin.CreateOptions{}); err == nil {
						idsMu.Lock()
						ids = append(ids, id)
						idsMu.Unlock()
					}
					continue
				}
				id, ok := pick(rng)
				if !ok {
					continue
				}
				switch op {
				case 1, 2:
					_ = rt.StartInstance(ctx, id)
				case 3:
					_ = rt.StopInstance(ctx, id)
				case 4:
					_ = rt.RestartInstance(ctx, id)
				case 5:
					_ = rt.PauseInstance(ctx, id)
				case 6:
					_ = rt.ResumeInstance(ctx, id)
				case 7:
					_ = rt.RemoveInstance(ctx, id)
				case 8:
					if inst, err := rt.GetInstance(id); err == nil && inst.Handle != nil {
						_ = backend.Exit(inst.Handle.ID, 1)
					}
				}
			}
		}(int64(w + 1))
	}

	// a spawn failure mode flips halfway through so Error states show up
	time.AfterFunc(20*time.Millisecond, func() { backend.FailSpawn("beta", errors.New("flaky")) })
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, inst := range rt.sup.List() {
			if inst.State.IsTransient() {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assertInvariant(t, rt)

	// late crash reports can still move a running instance to Crashed
	require.Eventually(t, func() bool {
		for _, inst := range rt.ListInstances() {
			if inst.State.CanStop() {
				_ = rt.StopInstance(ctx, inst.ID)
			} else {
				_ = rt.RemoveInstance(ctx, inst.ID)
			}
		}
		return len(rt.ListInstances()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assertInvariant(t, rt)
	assert.Empty(t, rt.ListInstances())
	assert.Empty(t, backend.Live())
	assert.Equal(t, 0, backend.SandboxCount())
}

func TestRecoveryAfterRestartIsOneTransition(t *testing.T) {
	rt, backend := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))
	id, err := rt.CreateInstance(ctx, "core", plugin.CreateOptions{AutoStart: true})
	require.NoError(t, err)

	backend.SetResponder(func(req plugin.Message) (plugin.Message, error) {
		return plugin.NewResponse(req, map[string]string{"status": "degraded"})
	})
	res, err := rt.CheckHealth(ctx, id)
	require.NoError(t, err)
	require.Equal(t, plugin.HealthUnhealthy, res.Status)

	sub := rt.SubscribeHealth()
	defer sub.Unsubscribe()
	backend.SetResponder(nil)

	ok, err := rt.AttemptRecovery(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	var changes []plugin.HealthEvent
	for _, ev := range receive(t, sub, 2) {
		e := ev.(plugin.HealthEvent)
		if e.Type == plugin.HealthStatusChanged {
			changes = append(changes, e)
		}
	}
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event after recovery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	require.Len(t, changes, 1)
	assert.Equal(t, plugin.HealthUnhealthy, changes[0].OldStatus)
	assert.Equal(t, plugin.HealthHealthy, changes[0].NewStatus)

	inst, err := rt.GetInstance(id)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.RestartCount)
	assert.Equal(t, plugin.HealthHealthy, inst.Health)
}

func TestRegisterPluginValidatesOnce(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	m := testManifest("open")
	m.SecurityLevel = plugin.SecurityNone
	register(t, rt, m)

	entry, err := rt.GetPlugin("open")
	require.NoError(t, err)
	require.NotNil(t, entry.Validation, "cached at registration")
	assert.True(t, entry.Validation.Passed)
	assert.Equal(t, plugin.SecurityBasic, entry.Validation.Level)

	level, set := rt.security.SecurityLevel("open")
	assert.True(t, set)
	assert.Equal(t, plugin.SecurityBasic, level)
	assert.True(t, rt.security.CheckPermission("open", plugin.PermissionIPC), "no instance needed")

	_, err = rt.CreateInstance(ctx, "open", plugin.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rt.SecurityMetrics().Validations)
}

func TestCreateInstanceKeepsLevelOverride(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	register(t, rt, testManifest("core"))
	rt.security.SetSecurityLevel("core", plugin.SecurityNone)

	_, err := rt.CreateInstance(context.Background(), "core", plugin.CreateOptions{})
	require.NoError(t, err)
	level, _ := rt.security.SecurityLevel("core")
	assert.Equal(t, plugin.SecurityNone, level)
}

func TestDiscoveredPluginsAreValidated(t *testing.T) {
	m := testManifest("found")
	m.Capabilities = []plugin.Capability{{Type: plugin.CapabilityNetwork, AllowedHosts: []string{"example.com"}}}
	rt, _ := newTestRuntime(t, func(c *Config) {
		c.Loader = staticLoader{{Path: "/plugins/found/plugin.yaml", Manifest: &m}}
	})

	_, err := rt.DiscoverPlugins(context.Background())
	require.NoError(t, err)

	entry, err := rt.GetPlugin("found")
	require.NoError(t, err)
	require.NotNil(t, entry.Validation)
	assert.Equal(t, plugin.SecurityStrict, entry.Validation.Level)
	level, set := rt.security.SecurityLevel("found")
	assert.True(t, set)
	assert.Equal(t, plugin.SecurityStrict, level)
}

func TestStartRestoresCachedLevels(t *testing.T) {
	store := registry.NewMemoryStore()
	first, _ := newTestRuntime(t, func(c *Config) { c.Store = store })
	m := testManifest("tools")
	m.Capabilities = []plugin.Capability{{Type: plugin.CapabilityNetwork, AllowedHosts: []string{"example.com"}}}
	register(t, first, m)

	second, _ := newTestRuntime(t, func(c *Config) { c.Store = store })
	require.NoError(t, second.Start(context.Background()))

	level, set := second.security.SecurityLevel("tools")
	assert.True(t, set)
	assert.Equal(t, plugin.SecurityStrict, level)
	assert.Zero(t, second.SecurityMetrics().Validations, "cached result reused")
}

func TestUpgradePluginRevalidates(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	ctx := context.Background()
	register(t, rt, testManifest("core"))
	assert.True(t, rt.security.CheckPermission("core", plugin.PermissionNetworkOutbound))

	next := testManifest("core")
	next.Version = "1.1.0"
	next.Capabilities = []plugin.Capability{{Type: plugin.CapabilityNetwork, AllowedHosts: []string{"example.com"}}}
	require.NoError(t, rt.UpgradePlugin(ctx, next))

	entry, err := rt.GetPlugin("core")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", entry.Manifest.Version)
	require.NotNil(t, entry.Validation)
	assert.Equal(t, plugin.SecurityStrict, entry.Validation.Level)
	assert.False(t, rt.security.CheckPermission("core", plugin.PermissionNetworkOutbound))

	assert.ErrorIs(t, rt.UpgradePlugin(ctx, testManifest("missing")), apperrors.ErrNotFound)
}
