// Package health tracks per-instance health, runs periodic checks over the
// shared worker pool and drives recovery.
package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/leeforge/plugind/concurrency"
	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

const (
	DefaultInterval           = 30 * time.Second
	DefaultTimeout            = 5 * time.Second
	DefaultUnhealthyThreshold = 1
	DefaultRecoveryWindow     = 2 * time.Second
)

// Config holds Monitor collaborators. Prober is required for checks to
// succeed; Recoverer for AttemptRecovery.
type Config struct {
	Prober    plugin.Prober
	Recoverer plugin.Recoverer
	Pool      *concurrency.Pool
	// Interval is the loop tick. Instances with a longer configured
	// interval are checked less often.
	Interval time.Duration
	Defaults plugin.HealthCheckConfig
	// RecoveryWindow bounds the re-check after a recovery action.
	RecoveryWindow time.Duration
	Publisher      plugin.Publisher
	Logger         logging.Logger
}

type entry struct {
	health plugin.InstanceHealth
	cfg    plugin.HealthCheckConfig
}

// Monitor owns the health table.
type Monitor struct {
	mu        sync.RWMutex
	instances map[string]*entry

	prober         plugin.Prober
	recoverer      plugin.Recoverer
	pool           *concurrency.Pool
	interval       time.Duration
	defaults       plugin.HealthCheckConfig
	recoveryWindow time.Duration
	pub            plugin.Publisher
	logger         logging.Logger

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a Monitor with defaults filled in.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Defaults.Interval <= 0 {
		cfg.Defaults.Interval = cfg.Interval
	}
	if cfg.Defaults.Timeout <= 0 {
		cfg.Defaults.Timeout = DefaultTimeout
	}
	if cfg.Defaults.UnhealthyThreshold <= 0 {
		cfg.Defaults.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = DefaultRecoveryWindow
	}
	if cfg.Publisher == nil {
		cfg.Publisher = plugin.NopPublisher
	}
	return &Monitor{
		instances:      make(map[string]*entry),
		prober:         cfg.Prober,
		recoverer:      cfg.Recoverer,
		pool:           cfg.Pool,
		interval:       cfg.Interval,
		defaults:       cfg.Defaults,
		recoveryWindow: cfg.RecoveryWindow,
		pub:            cfg.Publisher,
		logger:         logging.OrNop(cfg.Logger).Named("health"),
	}
}

func (m *Monitor) withDefaults(cfg plugin.HealthCheckConfig) plugin.HealthCheckConfig {
	if cfg.Interval <= 0 {
		cfg.Interval = m.defaults.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.defaults.Timeout
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = m.defaults.UnhealthyThreshold
	}
	return cfg
}

// RegisterInstance starts tracking id with status Unknown.
func (m *Monitor) RegisterInstance(id, pluginID string, cfg plugin.HealthCheckConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; ok {
		return apperrors.NewRegistrationFailed(id, "already registered with the health monitor")
	}
	m.instances[id] = &entry{
		health: plugin.InstanceHealth{
			InstanceID: id,
			PluginID:   pluginID,
			Status:     plugin.HealthUnknown,
		},
		cfg: m.withDefaults(cfg),
	}
	m.logger.Debug("instance registered", logging.InstanceID(id), logging.PluginID(pluginID))
	return nil
}

// UnregisterInstance forgets id.
func (m *Monitor) UnregisterInstance(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return apperrors.NewNotFound("instance", id)
	}
	delete(m.instances, id)
	m.logger.Debug("instance unregistered", logging.InstanceID(id))
	return nil
}

// Has reports whether id is tracked.
func (m *Monitor) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.instances[id]
	return ok
}

// IDs returns the tracked instance ids, sorted.
func (m *Monitor) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PerformHealthCheck probes id once, bounded by its timeout. A probe error
// or timeout counts as a failure; the status turns Unhealthy once the
// failure count reaches the threshold. A skipped probe keeps the status.
func (m *Monitor) PerformHealthCheck(ctx context.Context, id string) (plugin.HealthCheckResult, error) {
	m.mu.RLock()
	e, ok := m.instances[id]
	var cfg plugin.HealthCheckConfig
	var previous plugin.HealthStatus
	if ok {
		cfg = e.cfg
		previous = e.health.Status
	}
	m.mu.RUnlock()
	if !ok {
		return plugin.HealthCheckResult{}, apperrors.NewNotFound("instance", id)
	}

	start := time.Now()
	details, err := m.probe(ctx, id, cfg.Timeout)
	result := plugin.HealthCheckResult{
		InstanceID: id,
		Timestamp:  time.Now(),
		Latency:    time.Since(start),
		Details:    details,
	}

	if errors.Is(err, plugin.ErrProbeSkipped) {
		result.Status = previous
		return result, nil
	}

	m.mu.Lock()
	e, ok = m.instances[id]
	if !ok {
		m.mu.Unlock()
		return result, apperrors.NewNotFound("instance", id)
	}
	next := e.health.Status
	if err != nil {
		e.health.ConsecutiveFailures++
		if result.Details == nil {
			result.Details = make(map[string]string, 1)
		}
		result.Details["error"] = err.Error()
		if e.health.ConsecutiveFailures >= e.cfg.UnhealthyThreshold {
			next = plugin.HealthUnhealthy
		}
	} else {
		e.health.ConsecutiveFailures = 0
		next = plugin.HealthHealthy
	}
	result.Status = next
	last := result
	e.health.LastCheck = &last
	change := m.transition(e, next)
	m.mu.Unlock()

	m.publishChange(change)
	if err != nil {
		m.logger.Debug("health check failed", logging.InstanceID(id), zap.Error(err))
	}
	return result, nil
}

func (m *Monitor) probe(ctx context.Context, id string, timeout time.Duration) (details map[string]string, err error) {
	if m.prober == nil {
		return nil, apperrors.NewCheckFailed(id, errors.New("no prober configured"))
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type probeResult struct {
		details map[string]string
		err     error
	}
	done := make(chan probeResult, 1)
	go func() {
		defer apperrors.Recover(func(err *apperrors.AppError) {
			done <- probeResult{err: err}
		})
		d, err := m.prober.Probe(pctx, id)
		done <- probeResult{details: d, err: err}
	}()

	select {
	case r := <-done:
		return r.details, r.err
	case <-pctx.Done():
		return nil, apperrors.NewTimeout("health probe", pctx.Err())
	}
}

// transition sets the status and returns the event to publish, if any.
// Callers hold m.mu.
func (m *Monitor) transition(e *entry, next plugin.HealthStatus) *plugin.HealthEvent {
	old := e.health.Status
	if old == next {
		return nil
	}
	e.health.Status = next
	return &plugin.HealthEvent{
		Type:       plugin.HealthStatusChanged,
		InstanceID: e.health.InstanceID,
		PluginID:   e.health.PluginID,
		OldStatus:  old,
		NewStatus:  next,
		Timestamp:  time.Now(),
	}
}

func (m *Monitor) publishChange(ev *plugin.HealthEvent) {
	if ev == nil {
		return
	}
	m.logger.Info("health status changed",
		logging.InstanceID(ev.InstanceID),
		zap.String("from", string(ev.OldStatus)),
		zap.String("to", string(ev.NewStatus)))
	m.pub.Publish(*ev)
}

// SetStatus overrides the status of id, e.g. after a detected crash.
func (m *Monitor) SetStatus(id string, status plugin.HealthStatus) error {
	m.mu.Lock()
	e, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return apperrors.NewNotFound("instance", id)
	}
	change := m.transition(e, status)
	m.mu.Unlock()

	m.publishChange(change)
	return nil
}

// GetInstanceHealth returns a copy of the record for id.
func (m *Monitor) GetInstanceHealth(id string) (plugin.InstanceHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.instances[id]
	if !ok {
		return plugin.InstanceHealth{}, apperrors.NewNotFound("instance", id)
	}
	h := e.health
	if h.LastCheck != nil {
		c := *h.LastCheck
		h.LastCheck = &c
	}
	return h, nil
}

// GetSystemHealth aggregates all tracked instances: Healthy when all are
// healthy (or there are none), Degraded when some are, Unhealthy otherwise.
func (m *Monitor) GetSystemHealth() plugin.SystemHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sh := plugin.SystemHealth{Total: len(m.instances), CheckedAt: time.Now()}
	for _, e := range m.instances {
		switch e.health.Status {
		case plugin.HealthHealthy:
			sh.Healthy++
		case plugin.HealthUnhealthy:
			sh.Unhealthy++
		default:
			sh.Unknown++
		}
	}
	switch {
	case sh.Healthy == sh.Total:
		sh.Status = plugin.HealthHealthy
	case sh.Healthy > 0:
		sh.Status = plugin.HealthDegraded
	default:
		sh.Status = plugin.HealthUnhealthy
	}
	return sh
}

// AttemptRecovery runs one recovery action for id and re-checks it with a
// short bounded backoff. It reports whether id is Healthy afterwards. A
// Healthy instance is left alone.
func (m *Monitor) AttemptRecovery(ctx context.Context, id string) (bool, error) {
	current, err := m.GetInstanceHealth(id)
	if err != nil {
		return false, err
	}
	if current.Status == plugin.HealthHealthy {
		return true, nil
	}
	if m.recoverer == nil {
		return false, apperrors.NewRecoveryFailed(id, errors.New("no recoverer configured"))
	}

	m.logger.Info("attempting recovery", logging.InstanceID(id), zap.String("status", string(current.Status)))
	actionErr := m.runRecoverer(ctx, id)

	recovered := false
	if actionErr == nil {
		recovered = m.recheck(ctx, id)
	}

	m.mu.Lock()
	if e, ok := m.instances[id]; ok {
		e.health.LastRecovery = time.Now()
	}
	m.mu.Unlock()

	m.pub.Publish(plugin.HealthEvent{
		Type:       plugin.HealthRecoveryAttempted,
		InstanceID: id,
		PluginID:   current.PluginID,
		Recovered:  recovered,
		Timestamp:  time.Now(),
	})

	if actionErr != nil {
		m.logger.Warn("recovery action failed", logging.InstanceID(id), zap.Error(actionErr))
		return false, apperrors.NewRecoveryFailed(id, actionErr)
	}
	m.logger.Info("recovery finished", logging.InstanceID(id), zap.Bool("recovered", recovered))
	return recovered, nil
}

func (m *Monitor) runRecoverer(ctx context.Context, id string) (err error) {
	defer apperrors.Recover(func(appErr *apperrors.AppError) { err = appErr })
	return m.recoverer.Recover(ctx, id)
}

func (m *Monitor) recheck(ctx context.Context, id string) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = m.recoveryWindow

	op := func() error {
		res, err := m.PerformHealthCheck(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if res.Status != plugin.HealthHealthy {
			return apperrors.NewCheckFailed(id, errors.New(string(res.Status)))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx)) == nil
}

// CheckAll checks every instance whose interval has elapsed, fanned out
// over the worker pool when one is configured.
func (m *Monitor) CheckAll(ctx context.Context) {
	now := time.Now()
	var due []string
	m.mu.RLock()
	for id, e := range m.instances {
		if last := e.health.LastCheck; last == nil || now.Sub(last.Timestamp) >= e.cfg.Interval {
			due = append(due, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(due)

	tasks := make([]func(context.Context), 0, len(due))
	for _, id := range due {
		id := id
		tasks = append(tasks, func(ctx context.Context) {
			if _, err := m.PerformHealthCheck(ctx, id); err != nil {
				m.logger.Debug("health check skipped", logging.InstanceID(id), zap.Error(err))
			}
		})
	}

	if m.pool == nil {
		for _, task := range tasks {
			task(ctx)
		}
		return
	}
	if err := m.pool.Run(ctx, tasks); err != nil && ctx.Err() == nil {
		m.logger.Warn("health fan-out failed", zap.Error(err))
	}
}

// Start launches the periodic check loop. It is a no-op when running.
func (m *Monitor) Start(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()

	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)
	m.logger.Info("health loop started", zap.Duration("interval", m.interval))
}

// Stop cancels the loop and waits for in-flight checks.
func (m *Monitor) Stop() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("health loop stopped")
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer apperrors.Recover(func(err *apperrors.AppError) {
					m.logger.Error("health loop panicked", zap.Error(err))
				})
				m.CheckAll(ctx)
			}()
		}
	}
}
