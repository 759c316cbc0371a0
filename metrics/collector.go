// Package metrics exports orchestrator state as Prometheus metrics. The
// collector reads a fresh snapshot from its Source on every scrape.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap/zapcore"

	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/resource"
	"github.com/leeforge/plugind/security"
)

const (
	namespace = "plugind"
	levels    = int(zapcore.FatalLevel-zapcore.DebugLevel) + 1
)

// Source is the read side of the runtime the collector scrapes.
type Source interface {
	ListInstances() []plugin.Instance
	GetSystemHealth() plugin.SystemHealth
	ResourceMetrics() resource.Metrics
	SecurityMetrics() security.Metrics
	EventStats() (published, dropped uint64)
}

var instanceStates = []plugin.InstanceState{
	plugin.StateCreated,
	plugin.StateStarting,
	plugin.StateRunning,
	plugin.StatePaused,
	plugin.StateStopping,
	plugin.StateStopped,
	plugin.StateError,
	plugin.StateCrashed,
}

// Collector implements prometheus.Collector over a Source.
type Collector struct {
	mu  sync.RWMutex
	src Source

	instances       *prometheus.Desc
	restarts        *prometheus.Desc
	executions      *prometheus.Desc
	health          *prometheus.Desc
	usage           *prometheus.Desc
	violations      *prometheus.Desc
	validations     *prometheus.Desc
	validationFails *prometheus.Desc
	sandboxes       *prometheus.Desc
	securityDenials *prometheus.Desc
	eventsPublished *prometheus.Desc
	eventsDropped   *prometheus.Desc
	logEntries      *prometheus.Desc

	logCounts [levels]atomic.Uint64
}

// NewCollector returns a collector reading from src. src may be nil and
// attached later.
func NewCollector(src Source) *Collector {
	d := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		src:             src,
		instances:       d("instances", "Instances by lifecycle state.", "state"),
		restarts:        d("instance_restarts_total", "Restarts and crashes per plugin.", "plugin_id"),
		executions:      d("executions_total", "Executions recorded per plugin and outcome.", "plugin_id", "outcome"),
		health:          d("instances_health", "Tracked instances by health status.", "status"),
		usage:           d("resource_usage", "Aggregate resource usage of tracked instances.", "resource"),
		violations:      d("resource_violations_total", "Resource limit violations."),
		validations:     d("security_validations_total", "Manifest security validations."),
		validationFails: d("security_validation_failures_total", "Failed manifest security validations."),
		sandboxes:       d("sandboxes_active", "Sandboxes not yet destroyed."),
		securityDenials: d("security_violations_total", "Denied permission and policy checks."),
		eventsPublished: d("events_published_total", "Events published on the bus."),
		eventsDropped:   d("events_dropped_total", "Events dropped for slow subscribers."),
		logEntries:      d("log_entries_total", "Log entries written by level.", "level"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.instances, c.restarts, c.executions, c.health, c.usage,
		c.violations, c.validations, c.validationFails, c.sandboxes,
		c.securityDenials, c.eventsPublished, c.eventsDropped, c.logEntries,
	} {
		ch <- desc
	}
}

// Attach sets the source read by Collect. Log counters collected before
// are kept.
func (c *Collector) Attach(src Source) {
	c.mu.Lock()
	c.src = src
	c.mu.Unlock()
}

// Collect implements prometheus.Collector. Without a source only the log
// counters are exported.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i := range c.logCounts {
		level := zapcore.DebugLevel + zapcore.Level(i)
		ch <- prometheus.MustNewConstMetric(c.logEntries, prometheus.CounterValue,
			float64(c.logCounts[i].Load()), level.String())
	}

	c.mu.RLock()
	src := c.src
	c.mu.RUnlock()
	if src == nil {
		return
	}
	c.collectInstances(ch, src)

	sh := src.GetSystemHealth()
	for status, n := range map[plugin.HealthStatus]int{
		plugin.HealthHealthy:   sh.Healthy,
		plugin.HealthUnhealthy: sh.Unhealthy,
		plugin.HealthUnknown:   sh.Unknown,
	} {
		ch <- prometheus.MustNewConstMetric(c.health, prometheus.GaugeValue, float64(n), string(status))
	}

	rm := src.ResourceMetrics()
	for _, rt := range plugin.ResourceTypes {
		ch <- prometheus.MustNewConstMetric(c.usage, prometheus.GaugeValue, rm.Total.Value(rt), string(rt))
	}
	ch <- prometheus.MustNewConstMetric(c.violations, prometheus.CounterValue, float64(rm.Violations))

	sm := src.SecurityMetrics()
	ch <- prometheus.MustNewConstMetric(c.validations, prometheus.CounterValue, float64(sm.Validations))
	ch <- prometheus.MustNewConstMetric(c.validationFails, prometheus.CounterValue, float64(sm.ValidationFailures))
	ch <- prometheus.MustNewConstMetric(c.sandboxes, prometheus.GaugeValue, float64(sm.ActiveSandboxes))
	ch <- prometheus.MustNewConstMetric(c.securityDenials, prometheus.CounterValue, float64(sm.Violations))

	published, dropped := src.EventStats()
	ch <- prometheus.MustNewConstMetric(c.eventsPublished, prometheus.CounterValue, float64(published))
	ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(dropped))
}

type pluginTotals struct {
	restarts           uint64
	successful, failed uint64
}

func (c *Collector) collectInstances(ch chan<- prometheus.Metric, src Source) {
	byState := make(map[plugin.InstanceState]int, len(instanceStates))
	byPlugin := make(map[string]*pluginTotals)
	for _, inst := range src.ListInstances() {
		byState[inst.State]++
		t, ok := byPlugin[inst.PluginID]
		if !ok {
			t = &pluginTotals{}
			byPlugin[inst.PluginID] = t
		}
		t.restarts += uint64(inst.RestartCount)
		t.successful += inst.Stats.Successful
		t.failed += inst.Stats.Failed
	}

	for _, s := range instanceStates {
		ch <- prometheus.MustNewConstMetric(c.instances, prometheus.GaugeValue, float64(byState[s]), s.String())
	}
	for id, t := range byPlugin {
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(t.restarts), id)
		ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(t.successful), id, "success")
		ch <- prometheus.MustNewConstMetric(c.executions, prometheus.CounterValue, float64(t.failed), id, "failure")
	}
}

// LogHook counts every written entry by level. Install it with
// logging.WithHooks.
func (c *Collector) LogHook() logging.Hook {
	return func(entry zapcore.Entry) error {
		i := int(entry.Level - zapcore.DebugLevel)
		if i >= 0 && i < len(c.logCounts) {
			c.logCounts[i].Add(1)
		}
		return nil
	}
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}
