package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/registry"
)

// pluginOrder returns the ids of the given plugins with every required
// dependency ahead of its dependents. Ids the registry no longer knows, or
// that sit on a cycle, go last in the order given.
func (r *Runtime) pluginOrder(pluginIDs []string) []string {
	manifests := make([]plugin.Manifest, 0, len(pluginIDs))
	var unknown []string
	for _, id := range pluginIDs {
		entry, err := r.registry.Get(id)
		if err != nil {
			unknown = append(unknown, id)
			continue
		}
		manifests = append(manifests, entry.Manifest)
	}

	sorted, cyclic := registry.SortByDependencies(manifests)
	order := make([]string, 0, len(pluginIDs))
	for _, m := range sorted {
		order = append(order, m.ID)
	}
	order = append(order, cyclic...)
	return append(order, unknown...)
}

// byPlugin groups live instances by plugin id.
func (r *Runtime) byPlugin(keep func(plugin.Instance) bool) (map[string][]string, []string) {
	groups := make(map[string][]string)
	var pluginIDs []string
	for _, inst := range r.sup.List() {
		if !keep(inst) {
			continue
		}
		if _, seen := groups[inst.PluginID]; !seen {
			pluginIDs = append(pluginIDs, inst.PluginID)
		}
		groups[inst.PluginID] = append(groups[inst.PluginID], inst.ID)
	}
	return groups, pluginIDs
}

// StartAll starts every startable instance of the enabled plugins,
// dependencies first. When an instance fails, the instances of plugins that
// require its plugin are not started and are reported as failures too. The
// ids that reached Running are returned along with any errors.
func (r *Runtime) StartAll(ctx context.Context) (started []string, err error) {
	groups, pluginIDs := r.byPlugin(func(inst plugin.Instance) bool { return inst.State.CanStart() })

	chain := apperrors.NewErrorChain()
	failed := make(map[string]bool)
	for _, pluginID := range r.pluginOrder(pluginIDs) {
		entry, gerr := r.registry.Get(pluginID)
		if gerr != nil || !entry.Status.Enabled() {
			continue
		}
		if dep, ok := failedDependency(entry.Manifest, failed); ok {
			failed[pluginID] = true
			for _, id := range groups[pluginID] {
				chain.Add(apperrors.NewStartFailed(id, fmt.Errorf("dependency %q failed to start", dep)))
			}
			continue
		}
		for _, id := range groups[pluginID] {
			if serr := r.StartInstance(ctx, id); serr != nil {
				failed[pluginID] = true
				chain.Add(apperrors.FromError(serr))
				continue
			}
			started = append(started, id)
		}
	}

	r.logger.Info("batch start finished", zap.Int("started", len(started)), zap.Int("failed", len(chain.Errors())))
	return started, chain.ErrOrNil()
}

func failedDependency(m plugin.Manifest, failed map[string]bool) (string, bool) {
	for _, dep := range m.Dependencies {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

// StopAll stops and tears down every running or paused instance,
// dependents before the plugins they require. It keeps going past
// failures and returns them together.
func (r *Runtime) StopAll(ctx context.Context) error {
	groups, pluginIDs := r.byPlugin(func(inst plugin.Instance) bool { return inst.State.CanStop() })
	order := r.pluginOrder(pluginIDs)

	chain := apperrors.NewErrorChain()
	stopped := 0
	for i := len(order) - 1; i >= 0; i-- {
		for _, id := range groups[order[i]] {
			if err := r.StopInstance(ctx, id); err != nil {
				r.logger.Warn("batch stop failed", logging.InstanceID(id), zap.Error(err))
				chain.Add(apperrors.FromError(err))
				continue
			}
			stopped++
		}
	}

	if stopped > 0 || len(chain.Errors()) > 0 {
		r.logger.Info("batch stop finished", zap.Int("stopped", stopped), zap.Int("failed", len(chain.Errors())))
	}
	return chain.ErrOrNil()
}
