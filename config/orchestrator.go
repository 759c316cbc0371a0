package config

import (
	"errors"
	"fmt"
	"time"

	validatorV10 "github.com/go-playground/validator/v10"

	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/registry"
)

var validate = validatorV10.New()

// Orchestrator is the daemon configuration. Keys are kebab-case in files
// and upper snake case with the PLUGIND_ prefix in the environment, e.g.
// PLUGIND_POLICY_AUTO_STOP.
type Orchestrator struct {
	PluginDirs     []string      `mapstructure:"plugin-dirs" json:"pluginDirs" default:"[\"plugins\"]" validate:"dive,required"`
	Backend        string        `mapstructure:"backend" json:"backend" default:"process" validate:"oneof=process memory"`
	SandboxRoot    string        `mapstructure:"sandbox-root" json:"sandboxRoot"`
	MaxInstances   int           `mapstructure:"max-instances" json:"maxInstances" validate:"gte=0"`
	EventBuffer    int           `mapstructure:"event-buffer" json:"eventBuffer" default:"256" validate:"gte=1"`
	WorkerPoolSize int           `mapstructure:"worker-pool-size" json:"workerPoolSize" default:"16" validate:"gte=1"`
	SampleInterval time.Duration `mapstructure:"sample-interval" json:"sampleInterval" default:"5s" validate:"gt=0"`
	HealthInterval time.Duration `mapstructure:"health-interval" json:"healthInterval" default:"30s" validate:"gt=0"`
	RecoveryWindow time.Duration `mapstructure:"recovery-window" json:"recoveryWindow" default:"2s" validate:"gt=0"`
	StartTimeout   time.Duration `mapstructure:"start-timeout" json:"startTimeout" default:"30s" validate:"gt=0"`
	StopTimeout    time.Duration `mapstructure:"stop-timeout" json:"stopTimeout" default:"10s" validate:"gt=0"`
	SandboxTimeout time.Duration `mapstructure:"sandbox-timeout" json:"sandboxTimeout" default:"10s" validate:"gt=0"`

	HealthCheck   HealthCheck    `mapstructure:"health-check" json:"healthCheck"`
	DefaultLimits Limits         `mapstructure:"default-limits" json:"defaultLimits"`
	Policy        Policy         `mapstructure:"policy" json:"policy"`
	Log           logging.Config `mapstructure:"log" json:"log"`
	Admin         Admin          `mapstructure:"admin" json:"admin"`
	Redis         Redis          `mapstructure:"redis" json:"redis"`
}

// HealthCheck holds the probe defaults for manifests that set none.
type HealthCheck struct {
	Interval           time.Duration `mapstructure:"interval" json:"interval" default:"30s"`
	Timeout            time.Duration `mapstructure:"timeout" json:"timeout" default:"5s" validate:"gt=0"`
	UnhealthyThreshold int           `mapstructure:"unhealthy-threshold" json:"unhealthyThreshold" default:"3" validate:"gte=1"`
}

func (h HealthCheck) Plugin() plugin.HealthCheckConfig {
	return plugin.HealthCheckConfig{
		Interval:           h.Interval,
		Timeout:            h.Timeout,
		UnhealthyThreshold: h.UnhealthyThreshold,
	}
}

// Limits caps instances whose manifest leaves a dimension open. Zero means
// unlimited.
type Limits struct {
	MaxMemoryBytes    uint64  `mapstructure:"max-memory-bytes" json:"maxMemoryBytes"`
	MaxCPUPercent     float64 `mapstructure:"max-cpu-percent" json:"maxCpuPercent" validate:"gte=0"`
	MaxOpenFiles      uint64  `mapstructure:"max-open-files" json:"maxOpenFiles"`
	MaxThreads        uint64  `mapstructure:"max-threads" json:"maxThreads"`
	MaxChildProcesses uint64  `mapstructure:"max-child-processes" json:"maxChildProcesses"`
}

// ResourceLimits converts l, leaving zero fields unset.
func (l Limits) ResourceLimits() plugin.ResourceLimits {
	u := func(v uint64) *uint64 {
		if v == 0 {
			return nil
		}
		return plugin.Uint64(v)
	}
	var out plugin.ResourceLimits
	out.MaxMemoryBytes = u(l.MaxMemoryBytes)
	out.MaxOpenFiles = u(l.MaxOpenFiles)
	out.MaxThreads = u(l.MaxThreads)
	out.MaxChildProcesses = u(l.MaxChildProcesses)
	if l.MaxCPUPercent > 0 {
		out.MaxCPUPercent = plugin.Float64(l.MaxCPUPercent)
	}
	return out
}

type Policy struct {
	AutoRecover bool `mapstructure:"auto-recover" json:"autoRecover" default:"true"`
	AutoStop    bool `mapstructure:"auto-stop" json:"autoStop"`
}

// Admin configures the read-only HTTP surface.
type Admin struct {
	Enabled      bool          `mapstructure:"enabled" json:"enabled" default:"true"`
	Addr         string        `mapstructure:"addr" json:"addr" default:":9090"`
	ReadTimeout  time.Duration `mapstructure:"read-timeout" json:"readTimeout" default:"5s"`
	WriteTimeout time.Duration `mapstructure:"write-timeout" json:"writeTimeout" default:"10s"`

	// AllowedNetworks are CIDRs allowed to reach the admin server. Empty
	// allows every client.
	AllowedNetworks []string `mapstructure:"allowed-networks" json:"allowedNetworks" validate:"dive,cidr"`
}

// Redis enables the Redis-backed registry store.
type Redis struct {
	Enabled              bool `mapstructure:"enabled" json:"enabled"`
	registry.RedisConfig `mapstructure:",squash"`
}

// Validate checks field constraints and cross-field rules.
func (o Orchestrator) Validate() error {
	if err := validate.Struct(o); err != nil {
		var fieldErrs validatorV10.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]error, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Errorf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
		return errors.Join(msgs...)
	}
	if o.Admin.Enabled && o.Admin.Addr == "" {
		return errors.New("admin.addr is required when the admin server is enabled")
	}
	if o.Redis.Enabled && o.Redis.Host == "" {
		return errors.New("redis.host is required when the redis store is enabled")
	}
	return nil
}
