// Package resource tracks per-instance usage against limits and reports
// violations as events. It never stops an instance itself.
package resource

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

// DefaultSampleInterval is used when Config.Interval is zero.
const DefaultSampleInterval = 5 * time.Second

// Sampler reads the current usage of a running handle.
type Sampler interface {
	SampleUsage(ctx context.Context, handle plugin.Handle) (plugin.ResourceUsage, error)
}

// Config holds Governor collaborators.
type Config struct {
	Sampler       Sampler
	Interval      time.Duration
	SampleTimeout time.Duration
	Publisher     plugin.Publisher
	Logger        logging.Logger
}

// Metrics is a snapshot of governed usage.
type Metrics struct {
	Total       plugin.ResourceUsage            `json:"total"`
	PerInstance map[string]plugin.ResourceUsage `json:"perInstance"`
	Violations  uint64                          `json:"violations"`
	LastUpdated time.Time                       `json:"lastUpdated"`
}

type tracked struct {
	handle   *plugin.Handle
	limits   plugin.ResourceLimits
	usage    plugin.ResourceUsage
	exceeded map[plugin.ResourceType]bool
}

// Governor owns the per-instance usage table.
type Governor struct {
	mu          sync.RWMutex
	instances   map[string]*tracked
	lastUpdated time.Time
	violations  atomic.Uint64

	sampler       Sampler
	interval      time.Duration
	sampleTimeout time.Duration
	pub           plugin.Publisher
	logger        logging.Logger

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewGovernor creates a Governor. Without a Sampler the loop only enforces
// limits on usage recorded through RecordUsage.
func NewGovernor(cfg Config) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = cfg.Interval
	}
	if cfg.Publisher == nil {
		cfg.Publisher = plugin.NopPublisher
	}
	return &Governor{
		instances:     make(map[string]*tracked),
		sampler:       cfg.Sampler,
		interval:      cfg.Interval,
		sampleTimeout: cfg.SampleTimeout,
		pub:           cfg.Publisher,
		logger:        logging.OrNop(cfg.Logger).Named("resource"),
	}
}

// RegisterInstance starts tracking id. handle may be nil until the instance runs.
func (g *Governor) RegisterInstance(id string, handle *plugin.Handle, limits plugin.ResourceLimits) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.instances[id]; ok {
		return apperrors.NewRegistrationFailed(id, "already registered with the resource governor")
	}
	t := &tracked{limits: limits, exceeded: make(map[plugin.ResourceType]bool)}
	if handle != nil {
		h := *handle
		t.handle = &h
	}
	g.instances[id] = t
	g.logger.Debug("instance registered", logging.InstanceID(id))
	return nil
}

// AttachHandle sets the handle sampled for id.
func (g *Governor) AttachHandle(id string, handle plugin.Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	t.handle = &handle
	return nil
}

// DetachHandle stops sampling id while keeping its record.
func (g *Governor) DetachHandle(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	t.handle = nil
	return nil
}

// UnregisterInstance forgets id.
func (g *Governor) UnregisterInstance(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.instances[id]; !ok {
		return apperrors.NewNotFound("instance", id)
	}
	delete(g.instances, id)
	g.logger.Debug("instance unregistered", logging.InstanceID(id))
	return nil
}

// UpdateLimits replaces the caps of id. Violation state is re-evaluated on
// the next EnforceLimits.
func (g *Governor) UpdateLimits(id string, limits plugin.ResourceLimits) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	t.limits = limits
	return nil
}

// RecordUsage stores a usage sample for id.
func (g *Governor) RecordUsage(id string, usage plugin.ResourceUsage) error {
	if usage.SampledAt.IsZero() {
		usage.SampledAt = time.Now()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.instances[id]
	if !ok {
		return apperrors.NewNotFound("instance", id)
	}
	t.usage = usage
	g.lastUpdated = usage.SampledAt
	return nil
}

// GetInstanceUsage returns the latest sample for id.
func (g *Governor) GetInstanceUsage(id string) (plugin.ResourceUsage, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.instances[id]
	if !ok {
		return plugin.ResourceUsage{}, apperrors.NewNotFound("instance", id)
	}
	return t.usage, nil
}

// GetLimits returns the caps of id.
func (g *Governor) GetLimits(id string) (plugin.ResourceLimits, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, ok := g.instances[id]
	if !ok {
		return plugin.ResourceLimits{}, apperrors.NewNotFound("instance", id)
	}
	return t.limits, nil
}

// GetGlobalUsage sums the latest sample of every tracked instance.
func (g *Governor) GetGlobalUsage() plugin.ResourceUsage {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total plugin.ResourceUsage
	for _, t := range g.instances {
		total = total.Add(t.usage)
	}
	return total
}

// GetMetrics returns a snapshot of all usage.
func (g *Governor) GetMetrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m := Metrics{
		PerInstance: make(map[string]plugin.ResourceUsage, len(g.instances)),
		Violations:  g.violations.Load(),
		LastUpdated: g.lastUpdated,
	}
	for id, t := range g.instances {
		m.PerInstance[id] = t.usage
		m.Total = m.Total.Add(t.usage)
	}
	return m
}

// Has reports whether id is tracked.
func (g *Governor) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.instances[id]
	return ok
}

// IDs returns the tracked instance ids in sorted order.
func (g *Governor) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.instances))
	for id := range g.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EnforceLimits compares the latest sample of id against its caps and
// reports whether any cap is exceeded now. A LimitExceeded event is published
// only when a resource type crosses its cap; it re-arms once usage is back at
// or below the cap, which publishes LimitCleared.
func (g *Governor) EnforceLimits(id string) bool {
	var events []plugin.ResourceEvent

	g.mu.Lock()
	t, ok := g.instances[id]
	if !ok {
		g.mu.Unlock()
		return false
	}

	exceeded := false
	now := time.Now()
	for _, rt := range plugin.ResourceTypes {
		limit, capped := t.limits.Limit(rt)
		current := t.usage.Value(rt)
		over := capped && current > limit

		switch {
		case over && !t.exceeded[rt]:
			t.exceeded[rt] = true
			g.violations.Add(1)
			events = append(events, plugin.ResourceEvent{
				Type:         plugin.LimitExceeded,
				InstanceID:   id,
				ResourceType: rt,
				Current:      current,
				Limit:        limit,
				Timestamp:    now,
			})
		case !over && t.exceeded[rt]:
			delete(t.exceeded, rt)
			events = append(events, plugin.ResourceEvent{
				Type:         plugin.LimitCleared,
				InstanceID:   id,
				ResourceType: rt,
				Current:      current,
				Limit:        limit,
				Timestamp:    now,
			})
		}
		exceeded = exceeded || over
	}
	g.mu.Unlock()

	for _, ev := range events {
		if ev.Type == plugin.LimitExceeded {
			g.logger.Warn("resource limit exceeded",
				logging.InstanceID(id),
				zap.String("resource", string(ev.ResourceType)),
				zap.Float64("current", ev.Current),
				zap.Float64("limit", ev.Limit))
		}
		g.pub.Publish(ev)
	}
	return exceeded
}

// Start launches the sampling loop. Calling Start on a running loop is a no-op.
func (g *Governor) Start(ctx context.Context) {
	g.loopMu.Lock()
	defer g.loopMu.Unlock()

	if g.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	go g.loop(loopCtx, g.done)
	g.logger.Info("sampling loop started", zap.Duration("interval", g.interval))
}

// Stop cancels the sampling loop and waits for it to exit.
func (g *Governor) Stop() {
	g.loopMu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	g.logger.Info("sampling loop stopped")
}

func (g *Governor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.SampleOnce(ctx)
		}
	}
}

// SampleOnce samples every attached handle and enforces limits on every
// tracked instance.
func (g *Governor) SampleOnce(ctx context.Context) {
	defer apperrors.Recover(func(err *apperrors.AppError) {
		g.logger.Error("sampling panicked", zap.Error(err))
	})

	type target struct {
		id     string
		handle plugin.Handle
	}
	var targets []target
	g.mu.RLock()
	for id, t := range g.instances {
		if t.handle != nil {
			targets = append(targets, target{id: id, handle: *t.handle})
		}
	}
	g.mu.RUnlock()

	if g.sampler != nil {
		for _, tg := range targets {
			sctx, cancel := context.WithTimeout(ctx, g.sampleTimeout)
			usage, err := g.sampler.SampleUsage(sctx, tg.handle)
			cancel()
			if err != nil {
				g.logger.Debug("usage sample failed", logging.InstanceID(tg.id), zap.Error(err))
				continue
			}
			// the instance may have been unregistered meanwhile
			_ = g.RecordUsage(tg.id, usage)
		}
	}

	for _, id := range g.IDs() {
		g.EnforceLimits(id)
	}
}
