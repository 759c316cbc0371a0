package plugin

import "time"

// EventKind identifies which subsystem stream an event belongs to.
type EventKind string

const (
	KindRegistry EventKind = "registry"
	KindInstance EventKind = "instance"
	KindResource EventKind = "resource"
	KindSecurity EventKind = "security"
	KindHealth   EventKind = "health"
)

// Event is implemented by the five event structs below. Events carry ids and
// deltas only; consumers query current state separately.
type Event interface {
	Kind() EventKind
	OccurredAt() time.Time
}

// Publisher accepts events for fan-out. Publish never blocks on subscribers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(Event)

func (f PublisherFunc) Publish(e Event) { f(e) }

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}

// NopPublisher discards every event.
var NopPublisher Publisher = nopPublisher{}

// --- Registry ---

type RegistryEventType string

const (
	PluginRegistered    RegistryEventType = "plugin_registered"
	PluginUnregistered  RegistryEventType = "plugin_unregistered"
	PluginStatusChanged RegistryEventType = "plugin_status_changed"
	DiscoveryFailed     RegistryEventType = "discovery_failed"
)

type RegistryEvent struct {
	Type      RegistryEventType `json:"type"`
	PluginID  string            `json:"pluginId,omitempty"`
	OldStatus PluginStatus      `json:"oldStatus,omitempty"`
	NewStatus PluginStatus      `json:"newStatus,omitempty"`
	Path      string            `json:"path,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e RegistryEvent) Kind() EventKind       { return KindRegistry }
func (e RegistryEvent) OccurredAt() time.Time { return e.Timestamp }

// --- Instance ---

type InstanceEventType string

const (
	InstanceCreated      InstanceEventType = "instance_created"
	InstanceStateChanged InstanceEventType = "instance_state_changed"
	InstanceRestarted    InstanceEventType = "instance_restarted"
	InstanceError        InstanceEventType = "instance_error"
	InstanceRemoved      InstanceEventType = "instance_removed"
)

type InstanceEvent struct {
	Type         InstanceEventType `json:"type"`
	InstanceID   string            `json:"instanceId"`
	PluginID     string            `json:"pluginId"`
	From         InstanceState     `json:"from"`
	To           InstanceState     `json:"to"`
	RestartCount int               `json:"restartCount,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (e InstanceEvent) Kind() EventKind       { return KindInstance }
func (e InstanceEvent) OccurredAt() time.Time { return e.Timestamp }

// --- Resource ---

type ResourceEventType string

const (
	LimitExceeded ResourceEventType = "limit_exceeded"
	LimitCleared  ResourceEventType = "limit_cleared"
)

type ResourceEvent struct {
	Type         ResourceEventType `json:"type"`
	InstanceID   string            `json:"instanceId"`
	ResourceType ResourceType      `json:"resourceType"`
	Current      float64           `json:"current"`
	Limit        float64           `json:"limit"`
	Timestamp    time.Time         `json:"timestamp"`
}

func (e ResourceEvent) Kind() EventKind       { return KindResource }
func (e ResourceEvent) OccurredAt() time.Time { return e.Timestamp }

// --- Security ---

type SecurityEventType string

const (
	SecurityViolation   SecurityEventType = "security_violation"
	SecurityValidated   SecurityEventType = "security_validated"
	SandboxCreated      SecurityEventType = "sandbox_created"
	SandboxDestroyed    SecurityEventType = "sandbox_destroyed"
	SecurityLevelChange SecurityEventType = "security_level_changed"
)

type SecurityEvent struct {
	Type      SecurityEventType `json:"type"`
	PluginID  string            `json:"pluginId,omitempty"`
	SandboxID string            `json:"sandboxId,omitempty"`
	Violation string            `json:"violation,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	Level     SecurityLevel     `json:"level"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e SecurityEvent) Kind() EventKind       { return KindSecurity }
func (e SecurityEvent) OccurredAt() time.Time { return e.Timestamp }

// --- Health ---

type HealthEventType string

const (
	HealthStatusChanged     HealthEventType = "health_status_changed"
	HealthRecoveryAttempted HealthEventType = "health_recovery_attempted"
)

type HealthEvent struct {
	Type       HealthEventType `json:"type"`
	InstanceID string          `json:"instanceId"`
	PluginID   string          `json:"pluginId"`
	OldStatus  HealthStatus    `json:"oldStatus,omitempty"`
	NewStatus  HealthStatus    `json:"newStatus,omitempty"`
	Recovered  bool            `json:"recovered,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (e HealthEvent) Kind() EventKind       { return KindHealth }
func (e HealthEvent) OccurredAt() time.Time { return e.Timestamp }
