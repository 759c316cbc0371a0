// Package isolation provides the backends that spawn and confine plugin
// units: an os/exec process backend and an in-memory backend for tests and
// dry runs.
package isolation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/plugin"
)

type memUnit struct {
	handle   plugin.Handle
	pluginID string
	usage    plugin.ResourceUsage
	exited   chan struct{}
	status   plugin.ExitStatus
	once     sync.Once
}

func (u *memUnit) done() bool {
	select {
	case <-u.exited:
		return true
	default:
		return false
	}
}

func (u *memUnit) exit(status plugin.ExitStatus) {
	u.once.Do(func() {
		u.status = status
		close(u.exited)
	})
}

// Memory is an IsolationBackend and SandboxProvider that spawns nothing.
// Units live until signalled or until Exit is called, which lets tests
// script crashes, spawn failures and release errors per plugin. Exited
// units are kept so late Wait calls still see their status.
type Memory struct {
	mu        sync.Mutex
	units     map[string]*memUnit
	sandboxes map[string]string
	nextPID   int

	spawnErr   map[string]error
	releaseErr map[string]error
	sandboxErr map[string]error
	ignoreStop map[string]bool
	spawnDelay time.Duration
	responder  func(plugin.Message) (plugin.Message, error)
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		units:      make(map[string]*memUnit),
		sandboxes:  make(map[string]string),
		nextPID:    10000,
		spawnErr:   make(map[string]error),
		releaseErr: make(map[string]error),
		sandboxErr: make(map[string]error),
		ignoreStop: make(map[string]bool),
	}
}

// FailSpawn makes every Spawn of pluginID fail with err until cleared with nil.
func (b *Memory) FailSpawn(pluginID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setOrClear(b.spawnErr, pluginID, err)
}

// FailRelease makes Signal on units of pluginID return err. The unit still exits.
func (b *Memory) FailRelease(pluginID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setOrClear(b.releaseErr, pluginID, err)
}

// FailSandbox makes CreateSandbox for pluginID fail with err.
func (b *Memory) FailSandbox(pluginID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	setOrClear(b.sandboxErr, pluginID, err)
}

// IgnoreStop makes units of pluginID ignore SignalStop; only SignalKill ends them.
func (b *Memory) IgnoreStop(pluginID string, ignore bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ignore {
		b.ignoreStop[pluginID] = true
	} else {
		delete(b.ignoreStop, pluginID)
	}
}

// SetSpawnDelay slows every Spawn down by d.
func (b *Memory) SetSpawnDelay(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spawnDelay = d
}

func setOrClear(m map[string]error, key string, err error) {
	if err == nil {
		delete(m, key)
		return
	}
	m[key] = err
}

func (b *Memory) Spawn(ctx context.Context, manifest plugin.Manifest, sandbox plugin.SandboxConfig) (plugin.Handle, error) {
	b.mu.Lock()
	delay := b.spawnDelay
	err := b.spawnErr[manifest.ID]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return plugin.Handle{}, ctx.Err()
		}
	}
	if err != nil {
		return plugin.Handle{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextPID++
	u := &memUnit{
		handle: plugin.Handle{
			ID:        uuid.NewString(),
			PID:       b.nextPID,
			SandboxID: sandbox.Environment[plugin.EnvSandboxID],
			StartedAt: time.Now(),
		},
		pluginID: manifest.ID,
		exited:   make(chan struct{}),
	}
	b.units[u.handle.ID] = u
	return u.handle, nil
}

func (b *Memory) Signal(_ context.Context, h plugin.Handle, sig plugin.Signal) error {
	b.mu.Lock()
	u, ok := b.units[h.ID]
	if !ok {
		b.mu.Unlock()
		return apperrors.NewNotFound("handle", h.ID)
	}
	ignore := sig == plugin.SignalStop && b.ignoreStop[u.pluginID]
	releaseErr := b.releaseErr[u.pluginID]
	b.mu.Unlock()

	if ignore || u.done() {
		return nil
	}
	u.exit(plugin.ExitStatus{Code: -1, Signaled: true})
	return releaseErr
}

func (b *Memory) Wait(ctx context.Context, h plugin.Handle) (plugin.ExitStatus, error) {
	b.mu.Lock()
	u, ok := b.units[h.ID]
	b.mu.Unlock()
	if !ok {
		return plugin.ExitStatus{}, apperrors.NewNotFound("handle", h.ID)
	}

	select {
	case <-u.exited:
		return u.status, nil
	case <-ctx.Done():
		return plugin.ExitStatus{}, ctx.Err()
	}
}

func (b *Memory) SampleUsage(_ context.Context, h plugin.Handle) (plugin.ResourceUsage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.units[h.ID]
	if !ok || u.done() {
		return plugin.ResourceUsage{}, apperrors.NewNotFound("handle", h.ID)
	}
	usage := u.usage
	usage.SampledAt = time.Now()
	return usage, nil
}

// SetUsage sets what SampleUsage reports for handleID.
func (b *Memory) SetUsage(handleID string, usage plugin.ResourceUsage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.units[handleID]
	if !ok {
		return apperrors.NewNotFound("handle", handleID)
	}
	u.usage = usage
	return nil
}

// Exit ends a unit as if the process terminated on its own.
func (b *Memory) Exit(handleID string, code int) error {
	b.mu.Lock()
	u, ok := b.units[handleID]
	b.mu.Unlock()
	if !ok || u.done() {
		return apperrors.NewNotFound("handle", handleID)
	}
	u.exit(plugin.ExitStatus{Code: code, Err: fmt.Errorf("exit status %d", code)})
	return nil
}

// Live returns the handles of units that have not exited, sorted by PID.
func (b *Memory) Live() []plugin.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]plugin.Handle, 0, len(b.units))
	for _, u := range b.units {
		if !u.done() {
			out = append(out, u.handle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func (b *Memory) CreateSandbox(_ context.Context, pluginID string, _ plugin.SandboxConfig) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.sandboxErr[pluginID]; err != nil {
		return "", err
	}
	id := uuid.NewString()
	b.sandboxes[id] = pluginID
	return id, nil
}

func (b *Memory) DestroySandbox(_ context.Context, sandboxID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sandboxes[sandboxID]; !ok {
		return apperrors.NewNotFound("sandbox", sandboxID)
	}
	delete(b.sandboxes, sandboxID)
	return nil
}

// SetResponder replaces the default Deliver behaviour, which answers health
// checks with {"status":"ok"} and echoes every other payload.
func (b *Memory) SetResponder(fn func(plugin.Message) (plugin.Message, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responder = fn
}

func (b *Memory) Deliver(_ context.Context, h plugin.Handle, msg plugin.Message) (plugin.Message, error) {
	b.mu.Lock()
	u, ok := b.units[h.ID]
	responder := b.responder
	b.mu.Unlock()
	if !ok || u.done() {
		return plugin.Message{}, apperrors.NewNotFound("handle", h.ID)
	}

	if responder != nil {
		return responder(msg)
	}
	if msg.Type == plugin.MessageHealthCheck {
		return plugin.NewResponse(msg, map[string]string{"status": "ok"})
	}
	return plugin.NewResponse(msg, msg.Payload)
}

// SandboxCount returns the number of sandboxes not yet destroyed.
func (b *Memory) SandboxCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sandboxes)
}

var (
	_ plugin.IsolationBackend = (*Memory)(nil)
	_ plugin.SandboxProvider  = (*Memory)(nil)
	_ plugin.MessageTransport = (*Memory)(nil)
)
