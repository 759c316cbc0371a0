package plugin

// Severity grades a security issue or violation.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// SecurityIssue is one finding from manifest validation.
type SecurityIssue struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
}

// ValidationResult is the outcome of validating a manifest's security posture.
// It is cached on the registry entry.
type ValidationResult struct {
	Passed          bool            `json:"passed"`
	Issues          []SecurityIssue `json:"issues,omitempty"`
	Level           SecurityLevel   `json:"level"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// HasCritical reports whether any issue is Critical.
func (r ValidationResult) HasCritical() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Permissions checked by the security manager.
const (
	PermissionIPC             = "ipc"
	PermissionFilesystemRead  = "filesystem.read"
	PermissionFilesystemWrite = "filesystem.write"
	PermissionNetworkOutbound = "network.outbound"
	PermissionNetworkInbound  = "network.inbound"
	PermissionExecute         = "execute"
	PermissionSystemCalls     = "system_calls"
)
