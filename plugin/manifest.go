package plugin

import "time"

// SecurityLevel orders how tightly a plugin is confined: None < Basic < Strict < Maximum.
type SecurityLevel int

const (
	SecurityNone SecurityLevel = iota
	SecurityBasic
	SecurityStrict
	SecurityMaximum
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityNone:
		return "none"
	case SecurityBasic:
		return "basic"
	case SecurityStrict:
		return "strict"
	case SecurityMaximum:
		return "maximum"
	default:
		return "unknown"
	}
}

// ParseSecurityLevel maps a manifest string to a level. Unknown strings map to Basic.
func ParseSecurityLevel(s string) SecurityLevel {
	switch s {
	case "none":
		return SecurityNone
	case "strict":
		return SecurityStrict
	case "maximum":
		return SecurityMaximum
	default:
		return SecurityBasic
	}
}

// Stricter returns the more restrictive of two levels.
func (l SecurityLevel) Stricter(other SecurityLevel) SecurityLevel {
	if other > l {
		return other
	}
	return l
}

func (l SecurityLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *SecurityLevel) UnmarshalText(b []byte) error {
	*l = ParseSecurityLevel(string(b))
	return nil
}

// CapabilityType names a class of access a plugin declares it needs.
type CapabilityType string

const (
	CapabilityFilesystem      CapabilityType = "filesystem"
	CapabilityNetwork         CapabilityType = "network"
	CapabilitySystemCalls     CapabilityType = "system_calls"
	CapabilityDatabase        CapabilityType = "database"
	CapabilityIPC             CapabilityType = "ipc"
	CapabilityToolExecution   CapabilityType = "tool_execution"
	CapabilityScriptExecution CapabilityType = "script_execution"
	CapabilityCustom          CapabilityType = "custom"
)

// Capability is one declared need. Only the fields relevant to Type are set.
type Capability struct {
	Type         CapabilityType    `json:"type" yaml:"type" validate:"required"`
	ReadPaths    []string          `json:"readPaths,omitempty" yaml:"read_paths,omitempty"`
	WritePaths   []string          `json:"writePaths,omitempty" yaml:"write_paths,omitempty"`
	AllowedHosts []string          `json:"allowedHosts,omitempty" yaml:"allowed_hosts,omitempty"`
	AllowedPorts []uint16          `json:"allowedPorts,omitempty" yaml:"allowed_ports,omitempty"`
	Syscalls     []string          `json:"syscalls,omitempty" yaml:"syscalls,omitempty"`
	Name         string            `json:"name,omitempty" yaml:"name,omitempty"`
	Config       map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// SandboxType selects the isolation mechanism requested from the backend.
type SandboxType string

const (
	SandboxNone      SandboxType = "none"
	SandboxProcess   SandboxType = "process"
	SandboxContainer SandboxType = "container"
)

// Mount describes a host path exposed inside the sandbox.
type Mount struct {
	Source   string `json:"source" yaml:"source" validate:"required"`
	Target   string `json:"target" yaml:"target" validate:"required"`
	ReadOnly bool   `json:"readOnly" yaml:"read_only"`
}

// SandboxConfig is the isolation request carried by a manifest.
type SandboxConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	Type                SandboxType       `json:"type" yaml:"type"`
	NamespaceIsolation  bool              `json:"namespaceIsolation" yaml:"namespace_isolation"`
	FilesystemIsolation bool              `json:"filesystemIsolation" yaml:"filesystem_isolation"`
	NetworkIsolation    bool              `json:"networkIsolation" yaml:"network_isolation"`
	ProcessIsolation    bool              `json:"processIsolation" yaml:"process_isolation"`
	AllowedSyscalls     []string          `json:"allowedSyscalls,omitempty" yaml:"allowed_syscalls,omitempty"`
	BlockedSyscalls     []string          `json:"blockedSyscalls,omitempty" yaml:"blocked_syscalls,omitempty"`
	Mounts              []Mount           `json:"mounts,omitempty" yaml:"mounts,omitempty" validate:"dive"`
	Environment         map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
}

// Manifest is the immutable declaration of a plugin. A new version is a new manifest.
type Manifest struct {
	ID                   string            `json:"id" yaml:"id" validate:"required,max=128"`
	Name                 string            `json:"name" yaml:"name" validate:"required"`
	Version              string            `json:"version" yaml:"version" validate:"required"`
	Description          string            `json:"description,omitempty" yaml:"description,omitempty"`
	Author               string            `json:"author,omitempty" yaml:"author,omitempty"`
	EntryPoint           string            `json:"entryPoint" yaml:"entry_point" validate:"required"`
	Args                 []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Dependencies         []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty" validate:"dive,required"`
	OptionalDependencies []string          `json:"optionalDependencies,omitempty" yaml:"optional_dependencies,omitempty" validate:"dive,required"`
	ExternalDependencies []string          `json:"externalDependencies,omitempty" yaml:"external_dependencies,omitempty"`
	ResourceLimits       ResourceLimits    `json:"resourceLimits" yaml:"resource_limits"`
	Capabilities         []Capability      `json:"capabilities,omitempty" yaml:"capabilities,omitempty" validate:"dive"`
	SecurityLevel        SecurityLevel     `json:"securityLevel" yaml:"security_level"`
	Sandbox              SandboxConfig     `json:"sandbox" yaml:"sandbox"`
	Environment          map[string]string `json:"environment,omitempty" yaml:"environment,omitempty"`
	HealthCheck          HealthCheckConfig `json:"healthCheck" yaml:"health_check"`
}

// HasCapability reports whether the manifest declares a capability of type t.
func (m *Manifest) HasCapability(t CapabilityType) bool {
	for _, c := range m.Capabilities {
		if c.Type == t {
			return true
		}
	}
	return false
}

// PluginStatus is the registry-owned status of a manifest.
type PluginStatus string

const (
	StatusInstalled         PluginStatus = "installed"
	StatusPendingDependency PluginStatus = "pending_dependency"
	StatusDisabled          PluginStatus = "disabled"
	StatusRemoved           PluginStatus = "removed"
	StatusFailed            PluginStatus = "failed"
)

// Enabled reports whether instances may be created from a plugin in this status.
func (s PluginStatus) Enabled() bool {
	return s == StatusInstalled
}

// RegistryEntry wraps a manifest with registry-owned mutable fields.
// InstanceIDs are back-references only; instances belong to the supervisor.
type RegistryEntry struct {
	Manifest    Manifest          `json:"manifest"`
	InstallPath string            `json:"installPath,omitempty"`
	InstalledAt time.Time         `json:"installedAt"`
	Status      PluginStatus      `json:"status"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	InstanceIDs []string          `json:"instanceIds,omitempty"`
}

// Clone returns a deep enough copy for callers to hold without sharing slices.
func (e RegistryEntry) Clone() RegistryEntry {
	out := e
	out.InstanceIDs = append([]string(nil), e.InstanceIDs...)
	if e.Validation != nil {
		v := *e.Validation
		v.Issues = append([]SecurityIssue(nil), e.Validation.Issues...)
		v.Recommendations = append([]string(nil), e.Validation.Recommendations...)
		out.Validation = &v
	}
	return out
}
