// Package supervisor owns the live instance table and drives each instance
// through its lifecycle state machine against an isolation backend.
package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

const (
	DefaultStartTimeout = 30 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// HealthSink receives health overrides from crash detection.
type HealthSink interface {
	SetStatus(id string, status plugin.HealthStatus) error
}

// HandleTracker is told which handle to sample while an instance runs.
type HandleTracker interface {
	AttachHandle(id string, handle plugin.Handle) error
	DetachHandle(id string) error
}

// Config holds Supervisor collaborators. Health and Resources are optional.
type Config struct {
	Backend      plugin.IsolationBackend
	Health       HealthSink
	Resources    HandleTracker
	StartTimeout time.Duration
	StopTimeout  time.Duration
	Publisher    plugin.Publisher
	Logger       logging.Logger
}

// Spec describes a new instance.
type Spec struct {
	// ID is generated when empty.
	ID        string
	Manifest  plugin.Manifest
	Limits    plugin.ResourceLimits
	Sandbox   plugin.SandboxConfig
	SandboxID string
}

type record struct {
	inst     plugin.Instance
	manifest plugin.Manifest
	sandbox  plugin.SandboxConfig

	// stopping is set before a requested release so the exit watcher does
	// not report the exit as a crash.
	stopping bool
	exited   chan struct{}
}

// Supervisor is the live instance table. Operations on the same id are
// serialized; different ids proceed concurrently.
type Supervisor struct {
	mu        sync.RWMutex
	instances map[string]*record
	ops       cmap.ConcurrentMap[string, *sync.Mutex]

	backend      plugin.IsolationBackend
	health       HealthSink
	resources    HandleTracker
	startTimeout time.Duration
	stopTimeout  time.Duration
	pub          plugin.Publisher
	logger       logging.Logger

	watchCtx    context.Context
	stopWatches context.CancelFunc
	watchers    sync.WaitGroup
}

// New creates a Supervisor. Backend is required.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Backend == nil {
		return nil, apperrors.NewInternal("supervisor requires an isolation backend")
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = plugin.NopPublisher
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		instances:    make(map[string]*record),
		ops:          cmap.New[*sync.Mutex](),
		backend:      cfg.Backend,
		health:       cfg.Health,
		resources:    cfg.Resources,
		startTimeout: cfg.StartTimeout,
		stopTimeout:  cfg.StopTimeout,
		pub:          cfg.Publisher,
		logger:       logging.OrNop(cfg.Logger).Named("supervisor"),
		watchCtx:     ctx,
		stopWatches:  cancel,
	}, nil
}

// lock acquires the operation lock of id and returns its unlock function.
func (s *Supervisor) lock(id string) func() {
	mu := s.ops.Upsert(id, nil, func(exist bool, old, _ *sync.Mutex) *sync.Mutex {
		if exist {
			return old
		}
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}

// Create adds an instance in state Created. Nothing is spawned.
func (s *Supervisor) Create(spec Spec) (plugin.Instance, error) {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	now := time.Now()
	rec := &record{
		inst: plugin.Instance{
			ID:           spec.ID,
			PluginID:     spec.Manifest.ID,
			State:        plugin.StateCreated,
			CreatedAt:    now,
			LastActivity: now,
			Limits:       spec.Limits,
			SandboxID:    spec.SandboxID,
			Health:       plugin.HealthUnknown,
		},
		manifest: spec.Manifest,
		sandbox:  spec.Sandbox,
	}

	s.mu.Lock()
	if _, ok := s.instances[spec.ID]; ok {
		s.mu.Unlock()
		return plugin.Instance{}, apperrors.NewRegistrationFailed(spec.ID, "instance id already in use")
	}
	s.instances[spec.ID] = rec
	out := rec.inst.Clone()
	s.mu.Unlock()

	s.pub.Publish(plugin.InstanceEvent{
		Type:       plugin.InstanceCreated,
		InstanceID: spec.ID,
		PluginID:   spec.Manifest.ID,
		To:         plugin.StateCreated,
		Timestamp:  now,
	})
	s.logger.Debug("instance created", logging.InstanceID(spec.ID), logging.PluginID(spec.Manifest.ID))
	return out, nil
}

// Start spawns the instance. It is valid from Created, Stopped, Error and
// Crashed. A failed spawn leaves the instance in Error; there is no retry.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.start(ctx, id)
}

func (s *Supervisor) start(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	if !rec.inst.State.CanStart() {
		from := rec.inst.State
		s.mu.Unlock()
		return apperrors.NewInvalidTransition(id, from.String(), "start")
	}
	ev := s.setState(rec, plugin.StateStarting, "")
	manifest := rec.manifest
	sandbox := spawnSandbox(rec)
	s.mu.Unlock()
	s.pub.Publish(ev)

	log := s.logger.With(logging.InstanceID(id), logging.PluginID(manifest.ID))

	sctx, cancel := context.WithTimeout(ctx, s.startTimeout)
	handle, err := s.backend.Spawn(sctx, manifest, sandbox)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		err = apperrors.NewTimeout("spawn", err)
	}
	if err != nil {
		startErr := apperrors.NewStartFailed(id, err)
		s.mu.Lock()
		rec.inst.Error = rec.inst.Error.Record(startErr.Code, startErr.Error(), "", time.Now())
		ev := s.setState(rec, plugin.StateError, err.Error())
		s.mu.Unlock()
		s.pub.Publish(ev)
		s.publishError(id, manifest.ID, plugin.StateError, startErr.Error())
		log.Warn("instance failed to start", zap.Error(err))
		return startErr
	}

	exited := make(chan struct{})
	s.mu.Lock()
	h := handle
	rec.inst.Handle = &h
	rec.inst.LastActivity = time.Now()
	rec.stopping = false
	rec.exited = exited
	rec.inst.Health = plugin.HealthUnknown
	ev = s.setState(rec, plugin.StateRunning, "")
	s.mu.Unlock()
	s.pub.Publish(ev)

	if s.resources != nil {
		if err := s.resources.AttachHandle(id, handle); err != nil {
			log.Debug("resource governor did not take the handle", zap.Error(err))
		}
	}

	s.watchers.Add(1)
	go s.watch(id, handle, exited)

	log.Info("instance running", zap.String("handle", handle.ID), zap.Int("pid", handle.PID))
	return nil
}

// spawnSandbox copies the sandbox request and adds the instance identity to
// its environment. Callers hold s.mu.
func spawnSandbox(rec *record) plugin.SandboxConfig {
	out := rec.sandbox
	env := make(map[string]string, len(rec.sandbox.Environment)+3)
	for k, v := range rec.sandbox.Environment {
		env[k] = v
	}
	env[plugin.EnvInstanceID] = rec.inst.ID
	env[plugin.EnvPluginID] = rec.inst.PluginID
	if rec.inst.SandboxID != "" {
		env[plugin.EnvSandboxID] = rec.inst.SandboxID
	}
	out.Environment = env
	return out
}

// watch waits for the handle to exit. An exit that nobody asked for while
// the instance holds this handle is a crash.
func (s *Supervisor) watch(id string, handle plugin.Handle, exited chan struct{}) {
	defer s.watchers.Done()
	defer apperrors.Recover(func(err *apperrors.AppError) {
		s.logger.Error("exit watcher panicked", logging.InstanceID(id), zap.Error(err))
	})

	status, err := s.backend.Wait(s.watchCtx, handle)
	if err != nil {
		if s.watchCtx.Err() == nil {
			s.logger.Warn("waiting for handle failed", logging.InstanceID(id), zap.Error(err))
		}
		return
	}
	close(exited)

	s.mu.RLock()
	rec, ok := s.instances[id]
	expected := !ok || rec.stopping
	s.mu.RUnlock()
	if expected {
		return
	}

	reason := "process exited"
	if status.Err != nil {
		reason = status.Err.Error()
	}
	unlock := s.lock(id)
	defer unlock()
	if err := s.markCrashed(id, handle.ID, reason); err != nil {
		s.logger.Debug("exit not reported as crash", logging.InstanceID(id), zap.Error(err))
	}
}

// Stop releases the handle: a graceful signal, then Kill once the stop
// timeout passes. The instance always ends Stopped; release errors are
// logged and published but do not fail the call.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.stop(ctx, id)
}

func (s *Supervisor) stop(ctx context.Context, id string) error {
	s.mu.Lock()
	rec, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	if !rec.inst.State.CanStop() {
		from := rec.inst.State
		s.mu.Unlock()
		return apperrors.NewInvalidTransition(id, from.String(), "stop")
	}
	rec.stopping = true
	handle := *rec.inst.Handle
	exited := rec.exited
	pluginID := rec.inst.PluginID
	ev := s.setState(rec, plugin.StateStopping, "")
	s.mu.Unlock()
	s.pub.Publish(ev)

	log := s.logger.With(logging.InstanceID(id), logging.PluginID(pluginID))
	if err := s.release(ctx, handle, exited); err != nil {
		stopErr := apperrors.NewStopFailed(id, err)
		log.Warn("instance release reported an error", zap.Error(err))
		s.publishError(id, pluginID, plugin.StateStopping, stopErr.Error())
	}

	s.mu.Lock()
	rec.inst.Handle = nil
	rec.inst.LastActivity = time.Now()
	ev = s.setState(rec, plugin.StateStopped, "")
	s.mu.Unlock()
	s.pub.Publish(ev)

	if s.resources != nil {
		_ = s.resources.DetachHandle(id)
	}
	log.Info("instance stopped")
	return nil
}

// release signals Stop, waits for the exit watcher and escalates to Kill.
func (s *Supervisor) release(ctx context.Context, handle plugin.Handle, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	default:
	}

	var errs []error
	if err := s.signal(ctx, handle, plugin.SignalStop); err != nil {
		errs = append(errs, err)
	}
	if waitExit(ctx, exited, s.stopTimeout) {
		return errors.Join(errs...)
	}

	s.logger.Warn("graceful stop timed out, killing", zap.String("handle", handle.ID))
	if err := s.signal(ctx, handle, plugin.SignalKill); err != nil {
		errs = append(errs, err)
	}
	if !waitExit(ctx, exited, s.stopTimeout) {
		errs = append(errs, apperrors.NewTimeout("kill", nil))
	}
	return errors.Join(errs...)
}

func (s *Supervisor) signal(ctx context.Context, handle plugin.Handle, sig plugin.Signal) error {
	sctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()
	err := s.backend.Signal(sctx, handle, sig)
	if errors.Is(err, apperrors.ErrNotFound) {
		// already reaped
		return nil
	}
	return err
}

func waitExit(ctx context.Context, exited <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-exited:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Pause marks a Running instance Paused. The handle is kept.
func (s *Supervisor) Pause(id string) error {
	return s.toggle(id, plugin.StateRunning, plugin.StatePaused, "pause")
}

// Resume returns a Paused instance to Running.
func (s *Supervisor) Resume(id string) error {
	return s.toggle(id, plugin.StatePaused, plugin.StateRunning, "resume")
}

func (s *Supervisor) toggle(id string, from, to plugin.InstanceState, op string) error {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	if rec.inst.State != from {
		cur := rec.inst.State
		s.mu.Unlock()
		return apperrors.NewInvalidTransition(id, cur.String(), op)
	}
	rec.inst.LastActivity = time.Now()
	ev := s.setState(rec, to, "")
	s.mu.Unlock()
	s.pub.Publish(ev)
	return nil
}

// Restart stops the instance if it is stoppable, then starts it.
// RestartCount grows by one per call whatever the start outcome.
func (s *Supervisor) Restart(ctx context.Context, id string) error {
	unlock := s.lock(id)
	defer unlock()

	s.mu.Lock()
	rec, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	rec.inst.RestartCount++
	count := rec.inst.RestartCount
	pluginID := rec.inst.PluginID
	stoppable := rec.inst.State.CanStop()
	s.mu.Unlock()

	if stoppable {
		if err := s.stop(ctx, id); err != nil {
			return err
		}
	}
	err := s.start(ctx, id)

	ev := plugin.InstanceEvent{
		Type:         plugin.InstanceRestarted,
		InstanceID:   id,
		PluginID:     pluginID,
		RestartCount: count,
		Timestamp:    time.Now(),
	}
	if err != nil {
		ev.Reason = err.Error()
	}
	s.pub.Publish(ev)
	return err
}

// MarkCrashed forces a running or paused instance into Crashed. Its handle
// is killed and detached.
func (s *Supervisor) MarkCrashed(id, reason string) error {
	unlock := s.lock(id)
	defer unlock()
	return s.markCrashed(id, "", reason)
}

// markCrashed is a no-op error when handleID is set and no longer matches
// the instance's handle, so a late watcher cannot crash a restarted instance.
func (s *Supervisor) markCrashed(id, handleID, reason string) error {
	s.mu.Lock()
	rec, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	if handleID != "" && (rec.inst.Handle == nil || rec.inst.Handle.ID != handleID) {
		s.mu.Unlock()
		return apperrors.NewInvalidTransition(id, rec.inst.State.String(), "crash stale handle")
	}
	if !rec.inst.State.CanStop() {
		cur := rec.inst.State
		s.mu.Unlock()
		return apperrors.NewInvalidTransition(id, cur.String(), "crash")
	}

	var handle *plugin.Handle
	if rec.inst.Handle != nil {
		h := *rec.inst.Handle
		handle = &h
	}
	now := time.Now()
	rec.stopping = true
	rec.inst.Handle = nil
	rec.inst.RestartCount++
	rec.inst.Stats.Total++
	rec.inst.Stats.Failed++
	rec.inst.Health = plugin.HealthUnhealthy
	rec.inst.LastActivity = now
	rec.inst.Error = rec.inst.Error.Record(apperrors.CodeInstanceCrashed, reason, "", now)
	pluginID := rec.inst.PluginID
	ev := s.setState(rec, plugin.StateCrashed, reason)
	s.mu.Unlock()

	s.pub.Publish(ev)
	s.publishError(id, pluginID, plugin.StateCrashed, reason)

	if handle != nil {
		if err := s.signal(context.Background(), *handle, plugin.SignalKill); err != nil {
			s.logger.Debug("kill after crash failed", logging.InstanceID(id), zap.Error(err))
		}
		if s.resources != nil {
			_ = s.resources.DetachHandle(id)
		}
	}
	if s.health != nil {
		_ = s.health.SetStatus(id, plugin.HealthUnhealthy)
	}
	s.logger.Warn("instance crashed", logging.InstanceID(id), logging.PluginID(pluginID), zap.String("reason", reason))
	return nil
}

// RecordExecution folds one unit of work into the instance's stats.
func (s *Supervisor) RecordExecution(id string, d time.Duration, success bool, memoryBytes uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	rec.inst.Stats.Record(d, success, memoryBytes)
	rec.inst.LastActivity = time.Now()
	return nil
}

// RecordError accumulates an error on the instance without changing its state.
func (s *Supervisor) RecordError(id string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.CodeInternalError
	}
	rec.inst.Error = rec.inst.Error.Record(code, err.Error(), "", time.Now())
	return nil
}

// Remove deletes an instance that holds no handle.
func (s *Supervisor) Remove(id string) error {
	return s.RemoveWith(id, nil)
}

// RemoveWith deletes an instance that holds no handle. release runs first,
// under the instance's operation lock; the instance stays when it fails.
func (s *Supervisor) RemoveWith(id string, release func(plugin.Instance) error) error {
	unlock := s.lock(id)
	defer unlock()

	s.mu.RLock()
	rec, ok := s.instances[id]
	var inst plugin.Instance
	if ok {
		inst = rec.inst.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	if inst.Handle != nil || inst.State.IsTransient() {
		return apperrors.NewInvalidTransition(id, inst.State.String(), "remove")
	}
	if release != nil {
		if err := release(inst); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.instances, id)
	s.mu.Unlock()

	s.ops.Remove(id)
	s.pub.Publish(plugin.InstanceEvent{
		Type:       plugin.InstanceRemoved,
		InstanceID: id,
		PluginID:   inst.PluginID,
		From:       inst.State,
		To:         inst.State,
		Timestamp:  time.Now(),
	})
	return nil
}

// Get returns a copy of the instance.
func (s *Supervisor) Get(id string) (plugin.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return plugin.Instance{}, apperrors.NewNotFound("instance", id)
	}
	return rec.inst.Clone(), nil
}

// Handle returns the backend handle of a running or paused instance.
func (s *Supervisor) Handle(id string) (plugin.Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.instances[id]
	if !ok {
		return plugin.Handle{}, apperrors.NewNotFound("instance", id)
	}
	if rec.inst.Handle == nil {
		return plugin.Handle{}, apperrors.NewInvalidTransition(id, rec.inst.State.String(), "reach")
	}
	return *rec.inst.Handle, nil
}

// List returns copies of every instance ordered by creation time.
func (s *Supervisor) List() []plugin.Instance {
	s.mu.RLock()
	out := make([]plugin.Instance, 0, len(s.instances))
	for _, rec := range s.instances {
		out = append(out, rec.inst.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of instances in the table.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

// Close stops the exit watchers. Instances are left as they are.
func (s *Supervisor) Close() {
	s.stopWatches()
	s.watchers.Wait()
}

// setState moves rec to state and returns the event to publish once s.mu
// is released. Callers hold s.mu.
func (s *Supervisor) setState(rec *record, to plugin.InstanceState, reason string) plugin.InstanceEvent {
	from := rec.inst.State
	rec.inst.State = to
	return plugin.InstanceEvent{
		Type:         plugin.InstanceStateChanged,
		InstanceID:   rec.inst.ID,
		PluginID:     rec.inst.PluginID,
		From:         from,
		To:           to,
		RestartCount: rec.inst.RestartCount,
		Reason:       reason,
		Timestamp:    time.Now(),
	}
}

func (s *Supervisor) publishError(id, pluginID string, state plugin.InstanceState, reason string) {
	s.pub.Publish(plugin.InstanceEvent{
		Type:       plugin.InstanceError,
		InstanceID: id,
		PluginID:   pluginID,
		From:       state,
		To:         state,
		Reason:     reason,
		Timestamp:  time.Now(),
	})
}
