package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/isolation"
	"github.com/leeforge/plugind/plugin"
)

type instanceEvents struct {
	mu     sync.Mutex
	events []plugin.InstanceEvent
}

func (r *instanceEvents) Publish(e plugin.Event) {
	if ev, ok := e.(plugin.InstanceEvent); ok {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	}
}

func (r *instanceEvents) ofType(t plugin.InstanceEventType) []plugin.InstanceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []plugin.InstanceEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *instanceEvents) states() []plugin.InstanceState {
	var out []plugin.InstanceState
	for _, e := range r.ofType(plugin.InstanceStateChanged) {
		out = append(out, e.To)
	}
	return out
}

type fakeHealth struct {
	mu       sync.Mutex
	statuses map[string]plugin.HealthStatus
}

func (f *fakeHealth) SetStatus(id string, status plugin.HealthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]plugin.HealthStatus)
	}
	f.statuses[id] = status
	return nil
}

func (f *fakeHealth) status(id string) plugin.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type fakeTracker struct {
	mu       sync.Mutex
	attached map[string]plugin.Handle
}

func (f *fakeTracker) AttachHandle(id string, h plugin.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attached == nil {
		f.attached = make(map[string]plugin.Handle)
	}
	f.attached[id] = h
	return nil
}

func (f *fakeTracker) DetachHandle(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.attached, id)
	return nil
}

func (f *fakeTracker) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.attached[id]
	return ok
}

type fixture struct {
	sup     *Supervisor
	backend *isolation.Memory
	events  *instanceEvents
	health  *fakeHealth
	tracker *fakeTracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		backend: isolation.NewMemory(),
		events:  &instanceEvents{},
		health:  &fakeHealth{},
		tracker: &fakeTracker{},
	}
	sup, err := New(Config{
		Backend:     f.backend,
		Health:      f.health,
		Resources:   f.tracker,
		StopTimeout: 50 * time.Millisecond,
		Publisher:   f.events,
	})
	require.NoError(t, err)
	t.Cleanup(sup.Close)
	f.sup = sup
	return f
}

func (f *fixture) create(t *testing.T, pluginID string) string {
	t.Helper()
	inst, err := f.sup.Create(Spec{
		Manifest:  plugin.Manifest{ID: pluginID, Name: pluginID, Version: "1.0.0", EntryPoint: "/bin/" + pluginID},
		SandboxID: "sb-" + pluginID,
	})
	require.NoError(t, err)
	return inst.ID
}

func TestNewRequiresBackend(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateCreated, inst.State)
	assert.Nil(t, inst.Handle)
	assert.Len(t, f.events.ofType(plugin.InstanceCreated), 1)

	require.NoError(t, f.sup.Start(ctx, id))
	inst, err = f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, inst.State)
	require.NotNil(t, inst.Handle)
	assert.Equal(t, "sb-core", inst.Handle.SandboxID)
	assert.Greater(t, inst.PID(), 0)
	assert.True(t, f.tracker.has(id))

	require.NoError(t, f.sup.Pause(id))
	require.NoError(t, f.sup.Resume(id))
	require.NoError(t, f.sup.Stop(ctx, id))

	inst, err = f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateStopped, inst.State)
	assert.Nil(t, inst.Handle)
	assert.False(t, f.tracker.has(id))
	assert.Empty(t, f.backend.Live())

	assert.Equal(t, []plugin.InstanceState{
		plugin.StateStarting, plugin.StateRunning,
		plugin.StatePaused, plugin.StateRunning,
		plugin.StateStopping, plugin.StateStopped,
	}, f.events.states())
	assert.Empty(t, f.events.ofType(plugin.InstanceError))
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")

	assert.ErrorIs(t, f.sup.Stop(ctx, id), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, f.sup.Pause(id), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, f.sup.Resume(id), apperrors.ErrInvalidTransition)

	require.NoError(t, f.sup.Start(ctx, id))
	assert.ErrorIs(t, f.sup.Start(ctx, id), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, f.sup.Resume(id), apperrors.ErrInvalidTransition)
	assert.ErrorIs(t, f.sup.Remove(id), apperrors.ErrInvalidTransition)

	assert.ErrorIs(t, f.sup.Start(ctx, "missing"), apperrors.ErrNotFound)
	_, err := f.sup.Get("missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStartFailureEntersError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	f.backend.FailSpawn("core", errors.New("exec format error"))

	err := f.sup.Start(ctx, id)
	require.ErrorIs(t, err, apperrors.ErrStartFailed)
	require.ErrorIs(t, f.sup.Start(ctx, id), apperrors.ErrStartFailed, "Error allows another start")

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateError, inst.State)
	assert.Equal(t, 0, inst.RestartCount)
	require.NotNil(t, inst.Error)
	assert.Equal(t, apperrors.CodeStartFailed, inst.Error.Code)
	assert.Equal(t, 2, inst.Error.Count)
	assert.Len(t, f.events.ofType(plugin.InstanceError), 2)

	f.backend.FailSpawn("core", nil)
	require.NoError(t, f.sup.Start(ctx, id))
}

func TestStopEscalatesToKill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "stubborn")
	f.backend.IgnoreStop("stubborn", true)

	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.Stop(ctx, id))

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateStopped, inst.State)
	assert.Empty(t, f.backend.Live())
	assert.Empty(t, f.events.ofType(plugin.InstanceError))
}

func TestStopReleaseErrorIsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "leaky")
	f.backend.FailRelease("leaky", errors.New("zombie"))

	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.Stop(ctx, id))

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateStopped, inst.State)

	errs := f.events.ofType(plugin.InstanceError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Reason, "zombie")
}

func TestRestartCountsEveryCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, id))

	require.NoError(t, f.sup.Restart(ctx, id))
	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, inst.State)
	assert.Equal(t, 1, inst.RestartCount)
	assert.Len(t, f.backend.Live(), 1)

	f.backend.FailSpawn("core", errors.New("boom"))
	assert.ErrorIs(t, f.sup.Restart(ctx, id), apperrors.ErrStartFailed)
	inst, err = f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateError, inst.State)
	assert.Equal(t, 2, inst.RestartCount)

	restarts := f.events.ofType(plugin.InstanceRestarted)
	require.Len(t, restarts, 2)
	assert.Equal(t, 2, restarts[1].RestartCount)
	assert.NotEmpty(t, restarts[1].Reason)
}

func TestUnexpectedExitIsACrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, id))

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	require.NoError(t, f.backend.Exit(inst.Handle.ID, 2))

	require.Eventually(t, func() bool {
		inst, err := f.sup.Get(id)
		return err == nil && inst.State == plugin.StateCrashed
	}, time.Second, 5*time.Millisecond)

	inst, err = f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 1, inst.RestartCount)
	assert.Equal(t, uint64(1), inst.Stats.Failed)
	assert.Equal(t, plugin.HealthUnhealthy, inst.Health)
	require.NotNil(t, inst.Error)
	assert.Equal(t, apperrors.CodeInstanceCrashed, inst.Error.Code)
	assert.Nil(t, inst.Handle)
	assert.Equal(t, plugin.HealthUnhealthy, f.health.status(id))
	assert.False(t, f.tracker.has(id))

	require.NoError(t, f.sup.Restart(ctx, id))
	inst, err = f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateRunning, inst.State)
	assert.Equal(t, 2, inst.RestartCount)
	assert.Equal(t, plugin.HealthUnhealthy, f.health.status(id), "a restart leaves the verdict to the next check")
}

func TestRequestedStopIsNotACrash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.Stop(ctx, id))

	// give a misbehaving watcher the chance to fire
	time.Sleep(20 * time.Millisecond)
	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateStopped, inst.State)
	assert.Equal(t, 0, inst.RestartCount)
}

func TestMarkCrashed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, id))

	require.NoError(t, f.sup.MarkCrashed(id, "segfault"))
	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.MarkCrashed(id, "segfault"))

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, plugin.StateCrashed, inst.State)
	assert.Equal(t, 2, inst.Error.Count)
	assert.Equal(t, "segfault", inst.Error.Message)
	assert.Empty(t, f.backend.Live(), "crashed handles are killed")
	assert.ErrorIs(t, f.sup.MarkCrashed(id, "again"), apperrors.ErrInvalidTransition)
}

func TestMarkCrashedNeedsALiveInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created := f.create(t, "core")
	assert.ErrorIs(t, f.sup.MarkCrashed(created, "never ran"), apperrors.ErrInvalidTransition)

	f.backend.FailSpawn("broken", errors.New("exec format error"))
	broken := f.create(t, "broken")
	require.Error(t, f.sup.Start(ctx, broken))
	assert.ErrorIs(t, f.sup.MarkCrashed(broken, "spawn failed"), apperrors.ErrInvalidTransition)

	paused := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, paused))
	require.NoError(t, f.sup.Pause(paused))
	require.NoError(t, f.sup.MarkCrashed(paused, "lost while paused"))

	for id, want := range map[string]plugin.InstanceState{
		created: plugin.StateCreated,
		broken:  plugin.StateError,
		paused:  plugin.StateCrashed,
	} {
		inst, err := f.sup.Get(id)
		require.NoError(t, err)
		assert.Equal(t, want, inst.State, id)
	}
}

func TestRecordExecution(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, "core")

	require.NoError(t, f.sup.RecordExecution(id, 10*time.Millisecond, true, 100))
	require.NoError(t, f.sup.RecordExecution(id, 30*time.Millisecond, false, 300))
	require.NoError(t, f.sup.RecordExecution(id, 20*time.Millisecond, true, 200))

	inst, err := f.sup.Get(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), inst.Stats.Total)
	assert.Equal(t, uint64(2), inst.Stats.Successful)
	assert.Equal(t, uint64(1), inst.Stats.Failed)
	assert.Equal(t, 20*time.Millisecond, inst.Stats.AvgExecutionTime)
	assert.Equal(t, uint64(300), inst.Stats.PeakMemoryBytes)

	assert.ErrorIs(t, f.sup.RecordExecution("missing", time.Second, true, 0), apperrors.ErrNotFound)
}

func TestRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.create(t, "core")
	require.NoError(t, f.sup.Start(ctx, id))
	require.NoError(t, f.sup.Stop(ctx, id))

	require.NoError(t, f.sup.Remove(id))
	assert.Equal(t, 0, f.sup.Count())
	assert.ErrorIs(t, f.sup.Remove(id), apperrors.ErrNotFound)
	assert.Len(t, f.events.ofType(plugin.InstanceRemoved), 1)
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.Create(Spec{ID: "fixed", Manifest: plugin.Manifest{ID: "core"}})
	require.NoError(t, err)
	_, err = f.sup.Create(Spec{ID: "fixed", Manifest: plugin.Manifest{ID: "core"}})
	assert.ErrorIs(t, err, apperrors.ErrRegistration)
}

func TestSameIDOperationsAreSerialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetSpawnDelay(5 * time.Millisecond)
	id := f.create(t, "core")

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.sup.Start(ctx, id) == nil {
				started.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), started.Load())
	assert.Len(t, f.backend.Live(), 1)
}

func TestDifferentIDsRunConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetSpawnDelay(50 * time.Millisecond)

	ids := make([]string, 10)
	for i := range ids {
		ids[i] = f.create(t, "core")
	}

	begin := time.Now()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			assert.NoError(t, f.sup.Start(ctx, id))
		}(id)
	}
	wg.Wait()

	assert.Less(t, time.Since(begin), 400*time.Millisecond)
	assert.Len(t, f.backend.Live(), 10)
	assert.Len(t, f.sup.List(), 10)
}
