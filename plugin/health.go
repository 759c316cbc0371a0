package plugin

import "time"

// HealthStatus is the health of one instance, or of the whole system.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	// HealthDegraded is only used for the system aggregate.
	HealthDegraded HealthStatus = "degraded"
)

// HealthCheckConfig tunes checks for one instance. Zero values take monitor defaults.
type HealthCheckConfig struct {
	Interval           time.Duration `json:"interval" yaml:"interval"`
	Timeout            time.Duration `json:"timeout" yaml:"timeout"`
	UnhealthyThreshold int           `json:"unhealthyThreshold" yaml:"unhealthy_threshold" validate:"gte=0"`
}

// HealthCheckResult is the outcome of one probe.
type HealthCheckResult struct {
	InstanceID string            `json:"instanceId"`
	Status     HealthStatus      `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Latency    time.Duration     `json:"latency"`
	Details    map[string]string `json:"details,omitempty"`
}

// InstanceHealth is the monitor's record for one instance.
type InstanceHealth struct {
	InstanceID          string             `json:"instanceId"`
	PluginID            string             `json:"pluginId"`
	Status              HealthStatus       `json:"status"`
	ConsecutiveFailures int                `json:"consecutiveFailures"`
	LastCheck           *HealthCheckResult `json:"lastCheck,omitempty"`
	LastRecovery        time.Time          `json:"lastRecovery,omitempty"`
}

// SystemHealth aggregates every registered instance.
type SystemHealth struct {
	Status    HealthStatus `json:"status"`
	Total     int          `json:"total"`
	Healthy   int          `json:"healthy"`
	Unhealthy int          `json:"unhealthy"`
	Unknown   int          `json:"unknown"`
	CheckedAt time.Time    `json:"checkedAt"`
}
