// Package runtime is the orchestrator façade: the single entry point that
// sequences workflows across the registry, security manager, resource
// governor, health monitor and supervisor, and owns their background loops.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/concurrency"
	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/health"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/registry"
	"github.com/leeforge/plugind/resource"
	"github.com/leeforge/plugind/security"
	"github.com/leeforge/plugind/supervisor"
	"github.com/leeforge/plugind/tracing"
)

// Source is the sender id of messages the orchestrator originates.
const Source = "plugind"

// Policy toggles automatic reactions to bus events.
type Policy struct {
	// AutoRecover runs AttemptRecovery when an instance turns Unhealthy.
	AutoRecover bool
	// AutoStop stops an instance when it crosses a resource limit.
	AutoStop bool
}

// Config holds the collaborators and tunables of a Runtime. Backend is
// required; Sandbox and Transport default to Backend when it implements them.
type Config struct {
	Backend   plugin.IsolationBackend
	Sandbox   plugin.SandboxProvider
	Transport plugin.MessageTransport
	Loader    plugin.Loader
	Store     registry.Store
	Dirs      []string

	MaxInstances   int
	EventBuffer    int
	WorkerPoolSize int

	SampleInterval time.Duration
	HealthInterval time.Duration
	HealthCheck    plugin.HealthCheckConfig
	RecoveryWindow time.Duration
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	SandboxTimeout time.Duration
	DefaultLimits  plugin.ResourceLimits
	Policy         Policy

	Tracer trace.Tracer
	Logger logging.Logger
}

// Runtime is the orchestrator façade.
type Runtime struct {
	bus       *EventBus
	pool      *concurrency.Pool
	registry  *registry.Registry
	security  *security.Manager
	resources *resource.Governor
	health    *health.Monitor
	sup       *supervisor.Supervisor
	transport plugin.MessageTransport

	maxInstances  int
	defaultLimits plugin.ResourceLimits
	policy        Policy
	tracer        trace.Tracer
	logger        logging.Logger

	// capMu guards reserved, the creations in flight counted against MaxInstances.
	capMu    sync.Mutex
	reserved int

	recovering sync.Map

	runMu      sync.Mutex
	running    bool
	loaded     bool
	closed     bool
	policyStop context.CancelFunc
	policyDone chan struct{}
}

// New wires every subsystem. Nothing runs until Start.
func New(cfg Config) (*Runtime, error) {
	if cfg.Backend == nil {
		return nil, apperrors.NewInternal("runtime requires an isolation backend")
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox, _ = cfg.Backend.(plugin.SandboxProvider)
	}
	if cfg.Transport == nil {
		cfg.Transport, _ = cfg.Backend.(plugin.MessageTransport)
	}
	logger := logging.OrNop(cfg.Logger)

	pool, err := concurrency.NewPool(cfg.WorkerPoolSize, logger)
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		bus:           NewEventBus(cfg.EventBuffer, logger),
		pool:          pool,
		transport:     cfg.Transport,
		maxInstances:  cfg.MaxInstances,
		defaultLimits: cfg.DefaultLimits,
		policy:        cfg.Policy,
		tracer:        tracing.OrGlobal(cfg.Tracer),
		logger:        logger.Named("runtime"),
	}

	r.registry = registry.New(registry.Config{
		Store:     cfg.Store,
		Loader:    cfg.Loader,
		Dirs:      cfg.Dirs,
		Publisher: r.bus,
		Logger:    logger,
	})
	r.security, err = security.NewManager(security.Config{
		Sandbox:   cfg.Sandbox,
		Timeout:   cfg.SandboxTimeout,
		Publisher: r.bus,
		Logger:    logger,
	})
	if err != nil {
		_ = pool.Release(time.Second)
		return nil, err
	}
	r.resources = resource.NewGovernor(resource.Config{
		Sampler:   cfg.Backend,
		Interval:  cfg.SampleInterval,
		Publisher: r.bus,
		Logger:    logger,
	})
	r.health = health.NewMonitor(health.Config{
		Prober:         plugin.ProberFunc(r.probe),
		Recoverer:      plugin.RecovererFunc(r.restart),
		Pool:           pool,
		Interval:       cfg.HealthInterval,
		Defaults:       cfg.HealthCheck,
		RecoveryWindow: cfg.RecoveryWindow,
		Publisher:      r.bus,
		Logger:         logger,
	})
	r.sup, err = supervisor.New(supervisor.Config{
		Backend:      cfg.Backend,
		Health:       r.health,
		Resources:    r.resources,
		StartTimeout: cfg.StartTimeout,
		StopTimeout:  cfg.StopTimeout,
		Publisher:    r.bus,
		Logger:       logger,
	})
	if err != nil {
		_ = pool.Release(time.Second)
		return nil, err
	}
	return r, nil
}

// Start loads the persisted registry once, then starts the sampling and
// health loops and the policy reactions. Calling Start again is a no-op.
func (r *Runtime) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.closed {
		return apperrors.NewInternal("runtime is closed")
	}
	if r.running {
		return nil
	}
	if !r.loaded {
		if err := r.registry.Load(ctx); err != nil {
			return err
		}
		r.loaded = true
		r.restoreLevels(ctx)
	}

	r.resources.Start(context.Background())
	r.health.Start(context.Background())
	if r.policy.AutoRecover || r.policy.AutoStop {
		pctx, cancel := context.WithCancel(context.Background())
		r.policyStop = cancel
		r.policyDone = make(chan struct{})
		go r.react(pctx, r.bus.Subscribe(plugin.KindHealth, plugin.KindResource), r.policyDone)
	}
	r.running = true
	r.logger.Info("runtime started",
		zap.Bool("auto_recover", r.policy.AutoRecover),
		zap.Bool("auto_stop", r.policy.AutoStop))
	return nil
}

// Stop cancels the background loops and waits for them. Instances keep
// running and in-flight operations complete. Calling Stop again is a no-op.
func (r *Runtime) Stop(_ context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false
	if r.policyStop != nil {
		r.policyStop()
		<-r.policyDone
		r.policyStop = nil
	}
	r.resources.Stop()
	r.health.Stop()
	r.logger.Info("runtime stopped")
	return nil
}

// Close stops the loops, stops every running instance and releases the
// worker pool and the event bus. The runtime cannot be started again.
func (r *Runtime) Close(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		return err
	}

	r.runMu.Lock()
	if r.closed {
		r.runMu.Unlock()
		return nil
	}
	r.closed = true
	r.runMu.Unlock()

	stopErr := r.StopAll(ctx)
	r.sup.Close()
	if err := r.pool.Release(5 * time.Second); err != nil {
		r.logger.Warn("worker pool did not drain", zap.Error(err))
	}
	_ = r.bus.Close()
	return stopErr
}

// react applies the configured policy to health and resource events.
func (r *Runtime) react(ctx context.Context, sub *Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Unsubscribe()
	defer apperrors.Recover(func(err *apperrors.AppError) {
		r.logger.Error("policy reactions panicked", zap.Error(err))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case plugin.HealthEvent:
				if r.policy.AutoRecover && e.Type == plugin.HealthStatusChanged && e.NewStatus == plugin.HealthUnhealthy {
					r.submit(func() { r.autoRecover(ctx, e.InstanceID) })
				}
			case plugin.ResourceEvent:
				if r.policy.AutoStop && e.Type == plugin.LimitExceeded {
					r.submit(func() { r.autoStop(ctx, e) })
				}
			}
		}
	}
}

func (r *Runtime) submit(task func()) {
	if err := r.pool.Submit(task); err != nil {
		r.logger.Warn("policy task dropped", zap.Error(err))
	}
}

func (r *Runtime) autoRecover(ctx context.Context, id string) {
	if _, busy := r.recovering.LoadOrStore(id, struct{}{}); busy {
		return
	}
	defer r.recovering.Delete(id)

	ok, err := r.AttemptRecovery(ctx, id)
	log := r.logger.With(logging.InstanceID(id))
	switch {
	case err != nil:
		log.Warn("automatic recovery failed", zap.Error(err))
	case ok:
		log.Info("instance recovered automatically")
	default:
		log.Warn("instance still unhealthy after automatic recovery")
	}
}

func (r *Runtime) autoStop(ctx context.Context, e plugin.ResourceEvent) {
	err := r.StopInstance(ctx, e.InstanceID)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) && !errors.Is(err, apperrors.ErrInvalidTransition) {
		r.logger.Warn("automatic stop failed", logging.InstanceID(e.InstanceID), zap.Error(err))
		return
	}
	r.logger.Info("instance stopped for exceeding its limit",
		logging.InstanceID(e.InstanceID),
		zap.String("resource", string(e.ResourceType)),
		zap.Float64("current", e.Current),
		zap.Float64("limit", e.Limit))
}

// reserve claims a capacity slot for a creation in flight.
func (r *Runtime) reserve() (release func(), err error) {
	r.capMu.Lock()
	defer r.capMu.Unlock()
	if r.maxInstances > 0 && r.sup.Count()+r.reserved >= r.maxInstances {
		return nil, apperrors.NewCapacityExceeded(r.maxInstances)
	}
	r.reserved++
	return func() {
		r.capMu.Lock()
		r.reserved--
		r.capMu.Unlock()
	}, nil
}

// CreateInstance validates the plugin, allocates a sandbox, registers the
// new id with the governor and the monitor and creates the supervisor
// record. Every completed step is rolled back when a later one fails.
func (r *Runtime) CreateInstance(ctx context.Context, pluginID string, opts plugin.CreateOptions) (id string, err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "CreateInstance", tracing.PluginID(pluginID))
	defer func() { tracing.End(span, err) }()

	release, err := r.reserve()
	if err != nil {
		return "", err
	}
	defer release()

	entry, err := r.registry.Get(pluginID)
	if err != nil {
		return "", err
	}
	if !entry.Status.Enabled() {
		return "", apperrors.New(apperrors.ErrorTypeInvalidState, apperrors.CodeInvalidTransition,
			fmt.Sprintf("plugin %q is %s", pluginID, entry.Status)).WithDetail("plugin_id", pluginID)
	}
	manifest := entry.Manifest

	validation, err := r.validation(ctx, entry)
	if err != nil {
		return "", err
	}
	if _, set := r.security.SecurityLevel(pluginID); !set {
		r.security.SetSecurityLevel(pluginID, validation.Level)
	}
	if manifest.HasCapability(plugin.CapabilityToolExecution) || manifest.HasCapability(plugin.CapabilityScriptExecution) {
		if !r.security.EnforceSecurityPolicy(pluginID, "spawn") {
			return "", apperrors.NewPermissionDenied(pluginID, plugin.PermissionExecute)
		}
	}

	sandboxCfg := manifest.Sandbox
	if opts.Sandbox != nil {
		sandboxCfg = *opts.Sandbox
	}
	limits := manifest.ResourceLimits.Merge(r.defaultLimits)
	if opts.Limits != nil {
		limits = opts.Limits.Merge(limits)
	}
	hc := manifest.HealthCheck
	if opts.HealthCheck != nil {
		hc = *opts.HealthCheck
	}

	var undo []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}()

	sandboxID, err := r.security.CreateSandbox(ctx, pluginID, sandboxCfg)
	if err != nil {
		return "", err
	}
	if sandboxID != "" {
		undo = append(undo, func() {
			if derr := r.security.DestroySandbox(context.Background(), sandboxID); derr != nil {
				r.logger.Warn("rollback: sandbox not destroyed", logging.SandboxID(sandboxID), zap.Error(derr))
			}
		})
	}

	id = newInstanceID()
	if err = r.resources.RegisterInstance(id, nil, limits); err != nil {
		return "", err
	}
	undo = append(undo, func() { _ = r.resources.UnregisterInstance(id) })

	if err = r.health.RegisterInstance(id, pluginID, hc); err != nil {
		return "", err
	}
	undo = append(undo, func() { _ = r.health.UnregisterInstance(id) })

	if _, err = r.sup.Create(supervisor.Spec{
		ID:        id,
		Manifest:  manifest,
		Limits:    limits,
		Sandbox:   sandboxCfg,
		SandboxID: sandboxID,
	}); err != nil {
		return "", err
	}
	undo = append(undo, func() { _ = r.sup.Remove(id) })

	if err = r.registry.AttachInstance(ctx, pluginID, id); err != nil {
		return "", err
	}
	undo = nil

	log := r.logger.With(logging.InstanceID(id), logging.PluginID(pluginID))
	log.Info("instance created", logging.SandboxID(sandboxID))

	if opts.AutoStart {
		// a failed auto-start leaves the instance in Error; it is not rolled back
		if serr := r.sup.Start(ctx, id); serr != nil {
			log.Warn("auto-start failed", zap.Error(serr))
			return id, serr
		}
	}
	return id, nil
}

// validation returns the result cached at registration, computing and
// caching it when the entry has none. A failed validation is a security
// error.
func (r *Runtime) validation(ctx context.Context, entry plugin.RegistryEntry) (plugin.ValidationResult, error) {
	pluginID := entry.Manifest.ID
	var result plugin.ValidationResult
	if entry.Validation != nil {
		result = *entry.Validation
	} else {
		result = r.security.ValidatePluginSecurity(entry.Manifest)
		if err := r.registry.SetValidation(ctx, pluginID, result); err != nil {
			r.logger.Warn("validation result not cached", logging.PluginID(pluginID), zap.Error(err))
		}
	}
	if !result.Passed {
		issues := make([]string, 0, len(result.Issues))
		for _, is := range result.Issues {
			issues = append(issues, fmt.Sprintf("[%s] %s", is.Severity, is.Description))
		}
		return result, apperrors.NewValidationFailed(pluginID, issues)
	}
	return result, nil
}

// StartInstance spawns a created, stopped, errored or crashed instance.
func (r *Runtime) StartInstance(ctx context.Context, id string) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "StartInstance", tracing.InstanceID(id))
	defer func() { tracing.End(span, err) }()
	return r.sup.Start(ctx, id)
}

// StopInstance is the two-phase teardown: the supervisor releases the
// handle, then the id is unregistered from the governor and the monitor,
// its sandbox destroyed, and only then removed from the live table.
func (r *Runtime) StopInstance(ctx context.Context, id string) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "StopInstance", tracing.InstanceID(id))
	defer func() { tracing.End(span, err) }()

	inst, err := r.sup.Get(id)
	if err != nil {
		return err
	}
	if inst.State.CanStop() {
		if err := r.sup.Stop(ctx, id); err != nil {
			return err
		}
	} else if inst.State != plugin.StateStopped {
		return apperrors.NewInvalidTransition(id, inst.State.String(), "stop")
	}
	return r.teardown(ctx, id)
}

// RemoveInstance tears down an instance that holds no handle: one that
// was never started, failed to start or crashed.
func (r *Runtime) RemoveInstance(ctx context.Context, id string) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "RemoveInstance", tracing.InstanceID(id))
	defer func() { tracing.End(span, err) }()

	inst, err := r.sup.Get(id)
	if err != nil {
		return err
	}
	if inst.Handle != nil || inst.State.IsTransient() {
		return apperrors.NewInvalidTransition(id, inst.State.String(), "remove")
	}
	return r.teardown(ctx, id)
}

func (r *Runtime) teardown(ctx context.Context, id string) error {
	var pluginID string
	err := r.sup.RemoveWith(id, func(inst plugin.Instance) error {
		pluginID = inst.PluginID
		if err := r.resources.UnregisterInstance(id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if err := r.health.UnregisterInstance(id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		if inst.SandboxID != "" {
			if err := r.security.DestroySandbox(ctx, inst.SandboxID); err != nil {
				r.logger.Warn("sandbox not destroyed cleanly",
					logging.InstanceID(id), logging.SandboxID(inst.SandboxID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	log := r.logger.With(logging.InstanceID(id), logging.PluginID(pluginID))
	if err := r.registry.DetachInstance(ctx, pluginID, id); err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("registry back-reference not removed", zap.Error(err))
	}
	log.Info("instance removed")
	return nil
}

// RestartInstance stops the instance if needed and starts it again.
func (r *Runtime) RestartInstance(ctx context.Context, id string) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "RestartInstance", tracing.InstanceID(id))
	defer func() { tracing.End(span, err) }()
	return r.sup.Restart(ctx, id)
}

// PauseInstance suspends a running instance.
func (r *Runtime) PauseInstance(_ context.Context, id string) error {
	return r.sup.Pause(id)
}

// ResumeInstance continues a paused instance.
func (r *Runtime) ResumeInstance(_ context.Context, id string) error {
	return r.sup.Resume(id)
}

// GetInstance returns the instance with its current health.
func (r *Runtime) GetInstance(id string) (plugin.Instance, error) {
	inst, err := r.sup.Get(id)
	if err != nil {
		return plugin.Instance{}, err
	}
	if h, err := r.health.GetInstanceHealth(id); err == nil {
		inst.Health = h.Status
	}
	return inst, nil
}

// ListInstances returns every live instance with its current health.
func (r *Runtime) ListInstances() []plugin.Instance {
	out := r.sup.List()
	for i := range out {
		if h, err := r.health.GetInstanceHealth(out[i].ID); err == nil {
			out[i].Health = h.Status
		}
	}
	return out
}

// RecordExecution folds one unit of work into the instance's stats.
func (r *Runtime) RecordExecution(id string, d time.Duration, success bool, memoryBytes uint64) error {
	return r.sup.RecordExecution(id, d, success, memoryBytes)
}

// GetResourceUsage returns the last sample taken for id.
func (r *Runtime) GetResourceUsage(id string) (plugin.ResourceUsage, error) {
	return r.resources.GetInstanceUsage(id)
}

// GetGlobalUsage sums the last samples of every governed instance.
func (r *Runtime) GetGlobalUsage() plugin.ResourceUsage {
	return r.resources.GetGlobalUsage()
}

// ResourceMetrics returns the governor's sampling and violation counters.
func (r *Runtime) ResourceMetrics() resource.Metrics {
	return r.resources.GetMetrics()
}

// EnforceLimits reports whether id currently exceeds a limit. It does not
// stop the instance.
func (r *Runtime) EnforceLimits(id string) bool {
	return r.resources.EnforceLimits(id)
}

// GetInstanceHealth returns the monitor's record for id.
func (r *Runtime) GetInstanceHealth(id string) (plugin.InstanceHealth, error) {
	return r.health.GetInstanceHealth(id)
}

// GetSystemHealth aggregates the health of every monitored instance.
func (r *Runtime) GetSystemHealth() plugin.SystemHealth {
	return r.health.GetSystemHealth()
}

// CheckHealth probes id now instead of waiting for the loop.
func (r *Runtime) CheckHealth(ctx context.Context, id string) (plugin.HealthCheckResult, error) {
	return r.health.PerformHealthCheck(ctx, id)
}

// AttemptRecovery restarts an unhealthy instance and reports whether it is
// healthy afterwards.
func (r *Runtime) AttemptRecovery(ctx context.Context, id string) (ok bool, err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "AttemptRecovery", tracing.InstanceID(id))
	defer func() { tracing.End(span, err) }()
	return r.health.AttemptRecovery(ctx, id)
}

// SecurityMetrics returns validation, violation and sandbox counters.
func (r *Runtime) SecurityMetrics() security.Metrics {
	return r.security.Metrics()
}

// EventStats returns the bus publish and drop counters.
func (r *Runtime) EventStats() (published, dropped uint64) {
	return r.bus.Stats()
}

// HealthHandler serves liveness and readiness probes of the orchestrator.
func (r *Runtime) HealthHandler() http.Handler {
	return r.health.Handler()
}

// ListPlugins returns every registry entry.
func (r *Runtime) ListPlugins() []plugin.RegistryEntry {
	return r.registry.List()
}

// GetPlugin returns the registry entry of pluginID.
func (r *Runtime) GetPlugin(pluginID string) (plugin.RegistryEntry, error) {
	return r.registry.Get(pluginID)
}

// RegisterPlugin adds a manifest to the registry and validates it. The
// validation result is cached on the entry and its level applied to
// permission checks. A plugin that fails validation stays registered but
// cannot be instantiated.
func (r *Runtime) RegisterPlugin(ctx context.Context, m plugin.Manifest) (id string, err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "RegisterPlugin", tracing.PluginID(m.ID))
	defer func() { tracing.End(span, err) }()

	id, err = r.registry.Register(ctx, m)
	if err != nil {
		return "", err
	}
	r.admit(ctx, m)
	return id, nil
}

// UpgradePlugin replaces the manifest of a registered plugin and validates
// it again. Running instances keep the manifest they were created with.
func (r *Runtime) UpgradePlugin(ctx context.Context, m plugin.Manifest) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "UpgradePlugin", tracing.PluginID(m.ID))
	defer func() { tracing.End(span, err) }()

	if err = r.registry.Upgrade(ctx, m); err != nil {
		return err
	}
	r.admit(ctx, m)
	return nil
}

// admit validates m, caches the result on its entry and applies the level.
func (r *Runtime) admit(ctx context.Context, m plugin.Manifest) plugin.ValidationResult {
	result := r.security.ValidatePluginSecurity(m)
	log := r.logger.With(logging.PluginID(m.ID))
	if err := r.registry.SetValidation(ctx, m.ID, result); err != nil {
		log.Warn("validation result not cached", zap.Error(err))
	}
	r.security.SetSecurityLevel(m.ID, result.Level)
	if !result.Passed {
		log.Warn("plugin failed security validation", zap.Int("issues", len(result.Issues)))
	}
	return result
}

// restoreLevels applies the cached levels of a loaded registry. Entries
// saved without a result are validated now.
func (r *Runtime) restoreLevels(ctx context.Context) {
	for _, entry := range r.registry.List() {
		if _, set := r.security.SecurityLevel(entry.Manifest.ID); set {
			continue
		}
		if entry.Validation == nil {
			r.admit(ctx, entry.Manifest)
			continue
		}
		r.security.SetSecurityLevel(entry.Manifest.ID, entry.Validation.Level)
	}
}

// UnregisterPlugin removes a plugin. With force, its instances are
// stopped and torn down first.
func (r *Runtime) UnregisterPlugin(ctx context.Context, pluginID string, force bool) (err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "UnregisterPlugin", tracing.PluginID(pluginID))
	defer func() { tracing.End(span, err) }()

	entry, err := r.registry.Get(pluginID)
	if err != nil {
		return err
	}
	if force {
		for _, id := range entry.InstanceIDs {
			inst, gerr := r.sup.Get(id)
			if gerr != nil {
				continue
			}
			if inst.State.CanStop() {
				err = r.StopInstance(ctx, id)
			} else {
				err = r.RemoveInstance(ctx, id)
			}
			if err != nil {
				return err
			}
		}
	}
	if err = r.registry.Unregister(ctx, pluginID, force); err != nil {
		return err
	}
	r.security.ForgetPlugin(pluginID)
	return nil
}

// DiscoverPlugins scans the configured directories and registers every
// manifest not yet known. Files that fail to parse are reported in the
// returned error and as events; registered ids are returned either way.
func (r *Runtime) DiscoverPlugins(ctx context.Context) (ids []string, err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "DiscoverPlugins")
	defer func() { tracing.End(span, err) }()

	found, scanErr := r.registry.Discover(ctx)
	chain := apperrors.NewErrorChain()
	if scanErr != nil {
		var ec *apperrors.ErrorChain
		if errors.As(scanErr, &ec) {
			for _, e := range ec.Errors() {
				chain.Add(e)
			}
		} else {
			chain.Add(apperrors.FromError(scanErr))
		}
	}

	for _, res := range found {
		id, rerr := r.registry.RegisterFrom(ctx, *res.Manifest, res.Path)
		switch {
		case rerr == nil:
			r.admit(ctx, *res.Manifest)
			ids = append(ids, id)
		case errors.Is(rerr, apperrors.ErrDuplicateID):
			r.logger.Debug("plugin already registered", logging.PluginID(res.Manifest.ID))
		default:
			chain.Add(apperrors.FromError(rerr))
		}
	}
	return ids, chain.ErrOrNil()
}

// SendMessage delivers msg to a running instance and returns its reply.
func (r *Runtime) SendMessage(ctx context.Context, id string, msg plugin.Message) (resp plugin.Message, err error) {
	ctx, span := tracing.Start(ctx, r.tracer, "SendMessage",
		tracing.InstanceID(id), tracing.MessageType(string(msg.Type)))
	defer func() { tracing.End(span, err) }()

	if r.transport == nil {
		return plugin.Message{}, apperrors.New(apperrors.ErrorTypeProcess, apperrors.CodeTransportUnavailable,
			"no message transport configured")
	}
	inst, err := r.sup.Get(id)
	if err != nil {
		return plugin.Message{}, err
	}
	if inst.State != plugin.StateRunning {
		return plugin.Message{}, apperrors.NewInvalidTransition(id, inst.State.String(), "send message to")
	}
	handle, err := r.sup.Handle(id)
	if err != nil {
		return plugin.Message{}, err
	}
	if msg.Source == "" {
		msg.Source = Source
	}
	if msg.Target == "" {
		msg.Target = id
	}

	start := time.Now()
	resp, err = r.transport.Deliver(ctx, handle, msg)
	if rerr := r.sup.RecordExecution(id, time.Since(start), err == nil, 0); rerr != nil {
		r.logger.Debug("execution not recorded", logging.InstanceID(id), zap.Error(rerr))
	}
	if err != nil {
		_ = r.sup.RecordError(id, err)
		return plugin.Message{}, err
	}
	return resp, nil
}

// probe asks a running instance whether it is healthy. Instances that are
// not running are skipped so crash detection keeps its verdict.
func (r *Runtime) probe(ctx context.Context, id string) (map[string]string, error) {
	inst, err := r.sup.Get(id)
	if err != nil {
		return nil, err
	}
	if inst.State != plugin.StateRunning {
		return nil, plugin.ErrProbeSkipped
	}
	details := map[string]string{"state": inst.State.String()}
	if r.transport == nil {
		return details, nil
	}
	handle, err := r.sup.Handle(id)
	if err != nil {
		return nil, err
	}

	msg, err := plugin.NewMessage(plugin.MessageHealthCheck, Source, id, nil)
	if err != nil {
		return nil, err
	}
	msg.Priority = plugin.PriorityHigh
	resp, err := r.transport.Deliver(ctx, handle, msg)
	if err != nil {
		return details, err
	}
	var body map[string]string
	if err := resp.DecodePayload(&body); err != nil {
		return details, apperrors.NewCheckFailed(id, err)
	}
	for k, v := range body {
		details[k] = v
	}
	if status, ok := body["status"]; ok && status != "ok" && status != string(plugin.HealthHealthy) {
		return details, apperrors.NewCheckFailed(id, fmt.Errorf("instance reported %q", status))
	}
	return details, nil
}

// restart is the monitor's recovery action.
func (r *Runtime) restart(ctx context.Context, id string) error {
	return r.sup.Restart(ctx, id)
}

// Subscribe returns a subscription to the given event kinds, or to every
// kind when none is given.
func (r *Runtime) Subscribe(kinds ...plugin.EventKind) *Subscription {
	return r.bus.Subscribe(kinds...)
}

// SubscribeRegistry streams plugin registration and status events.
func (r *Runtime) SubscribeRegistry() *Subscription { return r.bus.Subscribe(plugin.KindRegistry) }

// SubscribeInstance streams instance lifecycle events.
func (r *Runtime) SubscribeInstance() *Subscription { return r.bus.Subscribe(plugin.KindInstance) }

// SubscribeResource streams usage samples and limit violations.
func (r *Runtime) SubscribeResource() *Subscription { return r.bus.Subscribe(plugin.KindResource) }

// SubscribeSecurity streams validations, level changes and violations.
func (r *Runtime) SubscribeSecurity() *Subscription { return r.bus.Subscribe(plugin.KindSecurity) }

// SubscribeHealth streams status changes and recovery attempts.
func (r *Runtime) SubscribeHealth() *Subscription { return r.bus.Subscribe(plugin.KindHealth) }

var newInstanceID = uuid.NewString

// Bus exposes the event bus for collectors that need its counters.
func (r *Runtime) Bus() *EventBus {
	return r.bus
}
