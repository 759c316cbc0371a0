package plugin

import "time"

// ResourceType names one governed dimension of resource usage.
type ResourceType string

const (
	ResourceMemory         ResourceType = "memory"
	ResourceCPU            ResourceType = "cpu"
	ResourceDisk           ResourceType = "disk"
	ResourceNetwork        ResourceType = "network"
	ResourceOpenFiles      ResourceType = "open_files"
	ResourceThreads        ResourceType = "threads"
	ResourceChildProcesses ResourceType = "child_processes"
)

// ResourceTypes lists every governed dimension in a stable order.
var ResourceTypes = []ResourceType{
	ResourceMemory,
	ResourceCPU,
	ResourceDisk,
	ResourceNetwork,
	ResourceOpenFiles,
	ResourceThreads,
	ResourceChildProcesses,
}

// ResourceUsage is a point-in-time usage sample.
type ResourceUsage struct {
	MemoryBytes    uint64    `json:"memoryBytes"`
	CPUPercent     float64   `json:"cpuPercent"`
	DiskIOBytes    uint64    `json:"diskIoBytes"`
	NetworkIOBytes uint64    `json:"networkIoBytes"`
	OpenFiles      uint64    `json:"openFiles"`
	Threads        uint64    `json:"threads"`
	ChildProcesses uint64    `json:"childProcesses"`
	SampledAt      time.Time `json:"sampledAt"`
}

// Add returns the field-wise sum of u and other. SampledAt is the later of the two.
func (u ResourceUsage) Add(other ResourceUsage) ResourceUsage {
	sum := ResourceUsage{
		MemoryBytes:    u.MemoryBytes + other.MemoryBytes,
		CPUPercent:     u.CPUPercent + other.CPUPercent,
		DiskIOBytes:    u.DiskIOBytes + other.DiskIOBytes,
		NetworkIOBytes: u.NetworkIOBytes + other.NetworkIOBytes,
		OpenFiles:      u.OpenFiles + other.OpenFiles,
		Threads:        u.Threads + other.Threads,
		ChildProcesses: u.ChildProcesses + other.ChildProcesses,
		SampledAt:      u.SampledAt,
	}
	if other.SampledAt.After(sum.SampledAt) {
		sum.SampledAt = other.SampledAt
	}
	return sum
}

// Value returns the sampled value for one resource type.
func (u ResourceUsage) Value(t ResourceType) float64 {
	switch t {
	case ResourceMemory:
		return float64(u.MemoryBytes)
	case ResourceCPU:
		return u.CPUPercent
	case ResourceDisk:
		return float64(u.DiskIOBytes)
	case ResourceNetwork:
		return float64(u.NetworkIOBytes)
	case ResourceOpenFiles:
		return float64(u.OpenFiles)
	case ResourceThreads:
		return float64(u.Threads)
	case ResourceChildProcesses:
		return float64(u.ChildProcesses)
	default:
		return 0
	}
}

// ResourceLimits holds optional caps. A nil field is uncapped.
type ResourceLimits struct {
	MaxMemoryBytes    *uint64  `json:"maxMemoryBytes,omitempty" yaml:"max_memory_bytes,omitempty"`
	MaxCPUPercent     *float64 `json:"maxCpuPercent,omitempty" yaml:"max_cpu_percent,omitempty"`
	MaxDiskIOBytes    *uint64  `json:"maxDiskIoBytes,omitempty" yaml:"max_disk_io_bytes,omitempty"`
	MaxNetworkIOBytes *uint64  `json:"maxNetworkIoBytes,omitempty" yaml:"max_network_io_bytes,omitempty"`
	MaxOpenFiles      *uint64  `json:"maxOpenFiles,omitempty" yaml:"max_open_files,omitempty"`
	MaxThreads        *uint64  `json:"maxThreads,omitempty" yaml:"max_threads,omitempty"`
	MaxChildProcesses *uint64  `json:"maxChildProcesses,omitempty" yaml:"max_child_processes,omitempty"`
}

// Limit returns the cap for t and whether one is configured.
func (l ResourceLimits) Limit(t ResourceType) (float64, bool) {
	var p *uint64
	switch t {
	case ResourceCPU:
		if l.MaxCPUPercent == nil {
			return 0, false
		}
		return *l.MaxCPUPercent, true
	case ResourceMemory:
		p = l.MaxMemoryBytes
	case ResourceDisk:
		p = l.MaxDiskIOBytes
	case ResourceNetwork:
		p = l.MaxNetworkIOBytes
	case ResourceOpenFiles:
		p = l.MaxOpenFiles
	case ResourceThreads:
		p = l.MaxThreads
	case ResourceChildProcesses:
		p = l.MaxChildProcesses
	}
	if p == nil {
		return 0, false
	}
	return float64(*p), true
}

// Merge returns l with every unset field filled from fallback.
func (l ResourceLimits) Merge(fallback ResourceLimits) ResourceLimits {
	out := l
	if out.MaxMemoryBytes == nil {
		out.MaxMemoryBytes = fallback.MaxMemoryBytes
	}
	if out.MaxCPUPercent == nil {
		out.MaxCPUPercent = fallback.MaxCPUPercent
	}
	if out.MaxDiskIOBytes == nil {
		out.MaxDiskIOBytes = fallback.MaxDiskIOBytes
	}
	if out.MaxNetworkIOBytes == nil {
		out.MaxNetworkIOBytes = fallback.MaxNetworkIOBytes
	}
	if out.MaxOpenFiles == nil {
		out.MaxOpenFiles = fallback.MaxOpenFiles
	}
	if out.MaxThreads == nil {
		out.MaxThreads = fallback.MaxThreads
	}
	if out.MaxChildProcesses == nil {
		out.MaxChildProcesses = fallback.MaxChildProcesses
	}
	return out
}

// Uint64 returns a pointer to v, for building limits literals.
func Uint64(v uint64) *uint64 { return &v }

// Float64 returns a pointer to v, for building limits literals.
func Float64(v float64) *float64 { return &v }
