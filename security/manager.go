// Package security validates plugin manifests, owns sandbox lifecycles and
// answers permission checks from each plugin's security level.
package security

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	casbinlib "github.com/casbin/casbin/v2"
	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

const (
	// DefaultTimeout bounds sandbox create and destroy calls.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxMemoryBytes is the largest memory cap accepted without an issue.
	DefaultMaxMemoryBytes uint64 = 8 << 30
)

// DefaultInsecureDependencies lists external dependencies known to be unsafe.
var DefaultInsecureDependencies = []string{
	"old-crypto-lib",
	"deprecated-http-client",
	"vulnerable-parser",
}

// Config holds Manager collaborators and thresholds.
type Config struct {
	Sandbox              plugin.SandboxProvider
	Timeout              time.Duration
	MaxMemoryBytes       uint64
	InsecureDependencies []string
	Publisher            plugin.Publisher
	Logger               logging.Logger
}

// Metrics counts security activity since the manager was created.
type Metrics struct {
	Validations        uint64         `json:"validations"`
	ValidationFailures uint64         `json:"validationFailures"`
	SandboxesCreated   uint64         `json:"sandboxesCreated"`
	SandboxesDestroyed uint64         `json:"sandboxesDestroyed"`
	ActiveSandboxes    int            `json:"activeSandboxes"`
	Violations         uint64         `json:"violations"`
	PluginsByLevel     map[string]int `json:"pluginsByLevel"`
}

// Manager is the security policy owner.
type Manager struct {
	enforcer *casbinlib.SyncedEnforcer

	mu        sync.RWMutex
	levels    map[string]plugin.SecurityLevel
	sandboxes map[string]string

	provider     plugin.SandboxProvider
	timeout      time.Duration
	maxMemory    uint64
	insecureDeps map[string]struct{}
	pub          plugin.Publisher
	logger       logging.Logger

	validations        atomic.Uint64
	validationFailures atomic.Uint64
	sandboxesCreated   atomic.Uint64
	sandboxesDestroyed atomic.Uint64
	violations         atomic.Uint64
}

// NewManager builds the permission enforcer and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	enforcer, err := newEnforcer()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxMemoryBytes == 0 {
		cfg.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if cfg.InsecureDependencies == nil {
		cfg.InsecureDependencies = DefaultInsecureDependencies
	}
	if cfg.Publisher == nil {
		cfg.Publisher = plugin.NopPublisher
	}

	insecure := make(map[string]struct{}, len(cfg.InsecureDependencies))
	for _, d := range cfg.InsecureDependencies {
		insecure[d] = struct{}{}
	}
	return &Manager{
		enforcer:     enforcer,
		levels:       make(map[string]plugin.SecurityLevel),
		sandboxes:    make(map[string]string),
		provider:     cfg.Sandbox,
		timeout:      cfg.Timeout,
		maxMemory:    cfg.MaxMemoryBytes,
		insecureDeps: insecure,
		pub:          cfg.Publisher,
		logger:       logging.OrNop(cfg.Logger).Named("security"),
	}, nil
}

// ValidatePluginSecurity inspects a manifest's declared needs against its
// sandbox configuration. The resulting level is never looser than the
// declared one. Validation fails when any issue is Critical.
func (m *Manager) ValidatePluginSecurity(manifest plugin.Manifest) plugin.ValidationResult {
	var issues []plugin.SecurityIssue

	for _, c := range manifest.Capabilities {
		if issue, ok := m.checkCapability(c, manifest.Sandbox); ok {
			issues = append(issues, issue)
		}
	}
	if limit := manifest.ResourceLimits.MaxMemoryBytes; limit != nil && *limit > m.maxMemory {
		issues = append(issues, plugin.SecurityIssue{
			Severity:       plugin.SeverityMedium,
			Category:       "resource_limits",
			Description:    fmt.Sprintf("memory limit of %d bytes exceeds %d", *limit, m.maxMemory),
			Recommendation: "lower the memory limit",
		})
	}
	for _, dep := range manifest.ExternalDependencies {
		if _, bad := m.insecureDeps[dep]; bad {
			issues = append(issues, plugin.SecurityIssue{
				Severity:       plugin.SeverityHigh,
				Category:       "dependency",
				Description:    fmt.Sprintf("dependency %q has known vulnerabilities", dep),
				Recommendation: fmt.Sprintf("replace %q with a maintained alternative", dep),
			})
		}
	}

	result := plugin.ValidationResult{
		Issues: issues,
		Level:  manifest.SecurityLevel.Stricter(derivedLevel(issues)),
	}
	result.Passed = !result.HasCritical()
	for _, i := range issues {
		if i.Recommendation != "" {
			result.Recommendations = append(result.Recommendations, i.Recommendation)
		}
	}

	m.validations.Add(1)
	if !result.Passed {
		m.validationFailures.Add(1)
	}
	m.logger.Info("plugin security validated",
		logging.PluginID(manifest.ID),
		zap.Bool("passed", result.Passed),
		zap.Int("issues", len(issues)),
		zap.Stringer("level", result.Level))
	m.pub.Publish(plugin.SecurityEvent{
		Type:      plugin.SecurityValidated,
		PluginID:  manifest.ID,
		Level:     result.Level,
		Timestamp: time.Now(),
	})
	return result
}

func (m *Manager) checkCapability(c plugin.Capability, sb plugin.SandboxConfig) (plugin.SecurityIssue, bool) {
	switch c.Type {
	case plugin.CapabilityFilesystem:
		if len(c.WritePaths) > 0 && !sb.FilesystemIsolation {
			return plugin.SecurityIssue{
				Severity:       plugin.SeverityHigh,
				Category:       "filesystem",
				Description:    "filesystem write access without filesystem isolation",
				Recommendation: "enable filesystem isolation in the sandbox",
			}, true
		}
	case plugin.CapabilityNetwork:
		if !sb.NetworkIsolation {
			return plugin.SecurityIssue{
				Severity:       plugin.SeverityMedium,
				Category:       "network",
				Description:    "network access without network isolation",
				Recommendation: "enable network isolation in the sandbox",
			}, true
		}
	case plugin.CapabilitySystemCalls:
		if !sb.ProcessIsolation {
			return plugin.SecurityIssue{
				Severity:       plugin.SeverityCritical,
				Category:       "system_calls",
				Description:    "system call access without process isolation",
				Recommendation: "enable process isolation in the sandbox",
			}, true
		}
	}
	return plugin.SecurityIssue{}, false
}

func derivedLevel(issues []plugin.SecurityIssue) plugin.SecurityLevel {
	if len(issues) == 0 {
		return plugin.SecurityBasic
	}
	for _, i := range issues {
		if i.Severity == plugin.SeverityCritical {
			return plugin.SecurityMaximum
		}
	}
	return plugin.SecurityStrict
}

// SetSecurityLevel records the level permission checks use for pluginID.
func (m *Manager) SetSecurityLevel(pluginID string, level plugin.SecurityLevel) {
	m.mu.Lock()
	old, existed := m.levels[pluginID]
	m.levels[pluginID] = level
	m.mu.Unlock()

	if existed && old == level {
		return
	}
	m.logger.Info("security level set", logging.PluginID(pluginID), zap.Stringer("level", level))
	m.pub.Publish(plugin.SecurityEvent{
		Type:      plugin.SecurityLevelChange,
		PluginID:  pluginID,
		Level:     level,
		Timestamp: time.Now(),
	})
}

// SecurityLevel returns the level of pluginID and whether one was set.
// Plugins without a level are treated as Maximum.
func (m *Manager) SecurityLevel(pluginID string) (plugin.SecurityLevel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.levels[pluginID]
	if !ok {
		return plugin.SecurityMaximum, false
	}
	return l, true
}

// ForgetPlugin drops the level of an unregistered plugin.
func (m *Manager) ForgetPlugin(pluginID string) {
	m.mu.Lock()
	delete(m.levels, pluginID)
	m.mu.Unlock()
}

// CheckPermission reports whether pluginID's level grants permission.
// A denial is published as a violation.
func (m *Manager) CheckPermission(pluginID, permission string) bool {
	level, _ := m.SecurityLevel(pluginID)
	if m.allowed(level, permission) {
		return true
	}
	m.violation(pluginID, level, fmt.Sprintf("permission %q denied", permission), plugin.SeverityMedium)
	return false
}

// EnforceSecurityPolicy reports whether pluginID may perform operation.
// Known operation names map onto permissions; anything else is checked as a
// permission name. A denial is published as a violation and nothing is stopped.
func (m *Manager) EnforceSecurityPolicy(pluginID, operation string) bool {
	level, _ := m.SecurityLevel(pluginID)
	if m.allowed(level, permissionFor(operation)) {
		return true
	}
	m.violation(pluginID, level, fmt.Sprintf("operation %q blocked", operation), plugin.SeverityHigh)
	return false
}

func (m *Manager) allowed(level plugin.SecurityLevel, permission string) bool {
	ok, err := m.enforcer.Enforce(level.String(), permission)
	if err != nil {
		m.logger.Error("policy evaluation failed", zap.String("permission", permission), zap.Error(err))
		return false
	}
	return ok
}

func (m *Manager) violation(pluginID string, level plugin.SecurityLevel, what string, sev plugin.Severity) {
	m.violations.Add(1)
	m.logger.Warn("security violation",
		logging.PluginID(pluginID),
		zap.String("violation", what),
		zap.String("severity", string(sev)))
	m.pub.Publish(plugin.SecurityEvent{
		Type:      plugin.SecurityViolation,
		PluginID:  pluginID,
		Violation: what,
		Severity:  sev,
		Level:     level,
		Timestamp: time.Now(),
	})
}

type sandboxResult struct {
	id  string
	err error
}

// CreateSandbox asks the provider for an isolation context. A disabled
// sandbox config, or no provider, yields an empty id and no error. A
// provider that answers after the timeout has its sandbox destroyed.
func (m *Manager) CreateSandbox(ctx context.Context, pluginID string, cfg plugin.SandboxConfig) (string, error) {
	if !cfg.Enabled || m.provider == nil {
		return "", nil
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan sandboxResult, 1)
	go func() {
		defer apperrors.Recover(func(err *apperrors.AppError) {
			done <- sandboxResult{err: err}
		})
		id, err := m.provider.CreateSandbox(cctx, pluginID, cfg)
		done <- sandboxResult{id: id, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.logger.Error("sandbox creation failed", logging.PluginID(pluginID), zap.Error(res.err))
			return "", apperrors.NewSandboxFailed(pluginID, res.err)
		}
		m.trackSandbox(res.id, pluginID)
		return res.id, nil
	case <-cctx.Done():
		go m.reapLateSandbox(pluginID, done)
		return "", apperrors.NewSandboxFailed(pluginID, apperrors.NewTimeout("create sandbox", cctx.Err()))
	}
}

func (m *Manager) reapLateSandbox(pluginID string, done <-chan sandboxResult) {
	res := <-done
	if res.err != nil || res.id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.provider.DestroySandbox(ctx, res.id); err != nil {
		m.logger.Warn("late sandbox could not be destroyed",
			logging.PluginID(pluginID), logging.SandboxID(res.id), zap.Error(err))
	}
}

func (m *Manager) trackSandbox(sandboxID, pluginID string) {
	m.mu.Lock()
	m.sandboxes[sandboxID] = pluginID
	m.mu.Unlock()

	m.sandboxesCreated.Add(1)
	m.logger.Info("sandbox created", logging.PluginID(pluginID), logging.SandboxID(sandboxID))
	m.pub.Publish(plugin.SecurityEvent{
		Type:      plugin.SandboxCreated,
		PluginID:  pluginID,
		SandboxID: sandboxID,
		Timestamp: time.Now(),
	})
}

// DestroySandbox releases a sandbox created by CreateSandbox. An empty id
// is a no-op. The sandbox is forgotten even when the provider fails.
func (m *Manager) DestroySandbox(ctx context.Context, sandboxID string) error {
	if sandboxID == "" {
		return nil
	}

	m.mu.Lock()
	pluginID, ok := m.sandboxes[sandboxID]
	delete(m.sandboxes, sandboxID)
	m.mu.Unlock()
	if !ok {
		return apperrors.NewNotFound("sandbox", sandboxID)
	}

	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer apperrors.Recover(func(err *apperrors.AppError) { done <- err })
		done <- m.provider.DestroySandbox(cctx, sandboxID)
	}()

	var err error
	select {
	case err = <-done:
	case <-cctx.Done():
		err = apperrors.NewTimeout("destroy sandbox", cctx.Err())
	}

	m.sandboxesDestroyed.Add(1)
	m.pub.Publish(plugin.SecurityEvent{
		Type:      plugin.SandboxDestroyed,
		PluginID:  pluginID,
		SandboxID: sandboxID,
		Timestamp: time.Now(),
	})
	if err != nil {
		m.logger.Warn("sandbox destroy failed", logging.SandboxID(sandboxID), zap.Error(err))
		return apperrors.NewSandboxFailed(pluginID, err)
	}
	m.logger.Info("sandbox destroyed", logging.PluginID(pluginID), logging.SandboxID(sandboxID))
	return nil
}

// ActiveSandboxes returns the ids of sandboxes not yet destroyed, sorted.
func (m *Manager) ActiveSandboxes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Metrics returns a snapshot of the counters.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	byLevel := make(map[string]int)
	for _, l := range m.levels {
		byLevel[l.String()]++
	}
	active := len(m.sandboxes)
	m.mu.RUnlock()

	return Metrics{
		Validations:        m.validations.Load(),
		ValidationFailures: m.validationFailures.Load(),
		SandboxesCreated:   m.sandboxesCreated.Load(),
		SandboxesDestroyed: m.sandboxesDestroyed.Load(),
		ActiveSandboxes:    active,
		Violations:         m.violations.Load(),
		PluginsByLevel:     byLevel,
	}
}
