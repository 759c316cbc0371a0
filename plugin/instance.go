package plugin

import "time"

// ErrorInfo accumulates failures for one instance. Repeated failures bump
// Count instead of replacing the record.
type ErrorInfo struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Stack     string    `json:"stack,omitempty"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Record folds a new failure into e and returns the result. A nil e starts a new record.
func (e *ErrorInfo) Record(code, message, stack string, at time.Time) *ErrorInfo {
	if e == nil {
		return &ErrorInfo{Code: code, Message: message, Stack: stack, Count: 1, FirstSeen: at, LastSeen: at}
	}
	out := *e
	out.Code = code
	out.Message = message
	if stack != "" {
		out.Stack = stack
	}
	out.Count++
	out.LastSeen = at
	return &out
}

// ExecutionStats tracks work done by an instance.
type ExecutionStats struct {
	Total            uint64        `json:"total"`
	Successful       uint64        `json:"successful"`
	Failed           uint64        `json:"failed"`
	AvgExecutionTime time.Duration `json:"avgExecutionTime"`
	PeakMemoryBytes  uint64        `json:"peakMemoryBytes"`
}

// Record adds one execution, keeping a running average of its duration.
func (s *ExecutionStats) Record(d time.Duration, success bool, memoryBytes uint64) {
	s.Total++
	if success {
		s.Successful++
	} else {
		s.Failed++
	}
	s.AvgExecutionTime += (d - s.AvgExecutionTime) / time.Duration(s.Total)
	if memoryBytes > s.PeakMemoryBytes {
		s.PeakMemoryBytes = memoryBytes
	}
}

// SuccessRate is Successful/Total, or 0 when nothing ran.
func (s ExecutionStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total)
}

// Instance is one execution of a manifest, owned by the supervisor.
type Instance struct {
	ID           string         `json:"id"`
	PluginID     string         `json:"pluginId"`
	State        InstanceState  `json:"state"`
	Handle       *Handle        `json:"handle,omitempty"`
	RestartCount int            `json:"restartCount"`
	CreatedAt    time.Time      `json:"createdAt"`
	LastActivity time.Time      `json:"lastActivity"`
	Error        *ErrorInfo     `json:"error,omitempty"`
	Stats        ExecutionStats `json:"stats"`
	Limits       ResourceLimits `json:"limits"`
	SandboxID    string         `json:"sandboxId,omitempty"`
	Health       HealthStatus   `json:"health,omitempty"`
}

// PID returns the backend process id, or 0 when no handle is held.
func (i Instance) PID() int {
	if i.Handle == nil {
		return 0
	}
	return i.Handle.PID
}

// Clone returns a copy that shares no pointers with i.
func (i Instance) Clone() Instance {
	out := i
	if i.Handle != nil {
		h := *i.Handle
		out.Handle = &h
	}
	if i.Error != nil {
		e := *i.Error
		out.Error = &e
	}
	return out
}

// CreateOptions customises a new instance.
type CreateOptions struct {
	// Limits overrides the manifest's default limits field by field.
	Limits *ResourceLimits
	// HealthCheck overrides the manifest's health check settings.
	HealthCheck *HealthCheckConfig
	// Sandbox overrides the manifest's sandbox request.
	Sandbox *SandboxConfig
	// AutoStart starts the instance before CreateInstance returns.
	AutoStart bool
}
