package plugin

import (
	"context"
	"errors"
	"time"
)

// ErrProbeSkipped is returned by a Prober when the instance is not in a state
// that can be probed. The monitor keeps the previous status.
var ErrProbeSkipped = errors.New("probe skipped")

// --- Manifest loading ---

// ScanResult is one manifest file found by a Loader: either Manifest or Err is set.
type ScanResult struct {
	Path     string
	Manifest *Manifest
	Err      error
}

// Loader enumerates and parses manifest files. The orchestrator never parses files itself.
type Loader interface {
	Scan(ctx context.Context, dirs []string) []ScanResult
}

// --- Isolation ---

// Handle references a spawned unit inside the isolation backend.
type Handle struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid,omitempty"`
	SandboxID string    `json:"sandboxId,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// Signal asks the backend to release a handle.
type Signal int

const (
	SignalStop Signal = iota // graceful
	SignalKill               // forced
)

func (s Signal) String() string {
	if s == SignalKill {
		return "kill"
	}
	return "stop"
}

// ExitStatus reports how a handle ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Err      error
}

// Environment variables set for every spawned unit.
const (
	EnvInstanceID = "PLUGIND_INSTANCE_ID"
	EnvPluginID   = "PLUGIND_PLUGIN_ID"
	EnvSandboxID  = "PLUGIND_SANDBOX_ID"
)

// IsolationBackend spawns and governs units. It is the only component that
// touches OS primitives.
type IsolationBackend interface {
	Spawn(ctx context.Context, manifest Manifest, sandbox SandboxConfig) (Handle, error)
	Signal(ctx context.Context, handle Handle, sig Signal) error
	// Wait blocks until the handle exits or ctx is done.
	Wait(ctx context.Context, handle Handle) (ExitStatus, error)
	SampleUsage(ctx context.Context, handle Handle) (ResourceUsage, error)
}

// SandboxProvider creates the isolation context an instance runs in.
type SandboxProvider interface {
	CreateSandbox(ctx context.Context, pluginID string, cfg SandboxConfig) (string, error)
	DestroySandbox(ctx context.Context, sandboxID string) error
}

// --- Health and messaging ---

// Prober checks one instance. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context, instanceID string) (map[string]string, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, instanceID string) (map[string]string, error)

func (f ProberFunc) Probe(ctx context.Context, instanceID string) (map[string]string, error) {
	return f(ctx, instanceID)
}

// Recoverer runs one recovery action for an unhealthy instance.
type Recoverer interface {
	Recover(ctx context.Context, instanceID string) error
}

// RecovererFunc adapts a function to Recoverer.
type RecovererFunc func(ctx context.Context, instanceID string) error

func (f RecovererFunc) Recover(ctx context.Context, instanceID string) error {
	return f(ctx, instanceID)
}

// MessageTransport delivers an envelope to a running instance and returns its reply.
type MessageTransport interface {
	Deliver(ctx context.Context, handle Handle, msg Message) (Message, error)
}
