package health

import (
	"fmt"
	"net/http"

	"github.com/heptiolabs/healthcheck"

	"github.com/leeforge/plugind/plugin"
)

// maxGoroutines fails liveness when the daemon is leaking goroutines.
const maxGoroutines = 10000

// Handler serves /live and /ready. Readiness fails while the system is
// Unhealthy; Degraded still reports ready.
func (m *Monitor) Handler() http.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("instances", m.readinessCheck)
	return h
}

func (m *Monitor) readinessCheck() error {
	sh := m.GetSystemHealth()
	if sh.Status == plugin.HealthUnhealthy {
		return fmt.Errorf("no healthy instances: %d unhealthy, %d unknown", sh.Unhealthy, sh.Unknown)
	}
	return nil
}
