// Package registry is the durable catalog of known plugin manifests.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/leeforge/plugind/errors"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
)

// Config holds the collaborators of a Registry. Only Store is required to be
// non-nil for persistence; a MemoryStore is used otherwise.
type Config struct {
	Store     Store
	Loader    plugin.Loader
	Dirs      []string
	Publisher plugin.Publisher
	Logger    logging.Logger
}

// Registry owns manifests and their registry entries. Mutations are
// serialized by a write lock; reads share it.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*plugin.RegistryEntry

	store  Store
	loader plugin.Loader
	dirs   []string
	pub    plugin.Publisher
	logger logging.Logger
}

// New creates an empty registry. Call Load to restore persisted entries.
func New(cfg Config) *Registry {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Publisher == nil {
		cfg.Publisher = plugin.NopPublisher
	}
	return &Registry{
		entries: make(map[string]*plugin.RegistryEntry),
		store:   cfg.Store,
		loader:  cfg.Loader,
		dirs:    cfg.Dirs,
		pub:     cfg.Publisher,
		logger:  logging.OrNop(cfg.Logger).Named("registry"),
	}
}

// Load replaces the in-memory table with the store's contents.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.store.LoadAll(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeRegistry, apperrors.CodeInternalError, "load registry")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*plugin.RegistryEntry, len(entries))
	for i := range entries {
		e := entries[i]
		// instance back-references do not survive a restart
		e.InstanceIDs = nil
		r.entries[e.Manifest.ID] = &e
	}
	r.logger.Info("registry loaded", zap.Int("plugins", len(entries)))
	return nil
}

// Discover asks the loader for manifests in the configured directories.
// Every file that fails to parse or validate is reported in the returned
// error chain and as a DiscoveryFailed event; it never appears in the result.
func (r *Registry) Discover(ctx context.Context) ([]plugin.ScanResult, error) {
	if r.loader == nil {
		return nil, nil
	}

	chain := apperrors.NewErrorChain()
	var found []plugin.ScanResult
	for _, res := range r.loader.Scan(ctx, r.dirs) {
		switch {
		case res.Err != nil:
			chain.Add(apperrors.NewParseFailed(res.Path, res.Err))
			r.discoveryFailed(res.Path, res.Err.Error())
		case res.Manifest == nil:
			chain.Add(apperrors.NewParseFailed(res.Path, apperrors.NewInternal("loader returned no manifest")))
			r.discoveryFailed(res.Path, "empty result")
		default:
			if issues := plugin.ValidateManifest(*res.Manifest); len(issues) > 0 {
				err := apperrors.NewInvalidManifest(res.Manifest.ID, issues)
				chain.Add(apperrors.NewParseFailed(res.Path, err))
				r.discoveryFailed(res.Path, err.Error())
				continue
			}
			found = append(found, res)
		}
	}

	r.logger.Info("discovery finished",
		zap.Strings("dirs", r.dirs),
		zap.Int("found", len(found)),
		zap.Int("failed", len(chain.Errors())))
	return found, chain.ErrOrNil()
}

func (r *Registry) discoveryFailed(path, reason string) {
	r.logger.Warn("manifest rejected", zap.String("path", path), zap.String("reason", reason))
	r.pub.Publish(plugin.RegistryEvent{
		Type:      plugin.DiscoveryFailed,
		Path:      path,
		Reason:    reason,
		Timestamp: time.Now(),
	})
}

// Register adds a manifest and returns its id.
func (r *Registry) Register(ctx context.Context, m plugin.Manifest) (string, error) {
	return r.RegisterFrom(ctx, m, "")
}

// RegisterFrom adds a manifest found at installPath. A manifest whose
// required dependencies are not yet all installed is accepted as
// PendingDependency and promoted later.
func (r *Registry) RegisterFrom(ctx context.Context, m plugin.Manifest, installPath string) (string, error) {
	if issues := plugin.ValidateManifest(m); len(issues) > 0 {
		return "", apperrors.NewInvalidManifest(m.ID, issues)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[m.ID]; exists {
		return "", apperrors.NewDuplicateID(m.ID)
	}
	if err := r.checkCycle(m); err != nil {
		return "", err
	}

	entry := &plugin.RegistryEntry{
		Manifest:    m,
		InstallPath: installPath,
		InstalledAt: time.Now(),
		Status:      plugin.StatusPendingDependency,
	}
	if r.dependenciesSatisfied(m) {
		entry.Status = plugin.StatusInstalled
	}
	if err := r.store.Save(ctx, *entry); err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeRegistry, apperrors.CodeInternalError, "persist registry entry")
	}
	r.entries[m.ID] = entry

	r.logger.Info("plugin registered",
		logging.PluginID(m.ID),
		zap.String("version", m.Version),
		zap.String("status", string(entry.Status)))
	r.pub.Publish(plugin.RegistryEvent{
		Type:      plugin.PluginRegistered,
		PluginID:  m.ID,
		NewStatus: entry.Status,
		Path:      installPath,
		Timestamp: entry.InstalledAt,
	})

	r.reconcile(ctx)
	return m.ID, nil
}

// Upgrade replaces the manifest of a registered plugin with a new version.
// The registry is unchanged when the new manifest would introduce a cycle.
func (r *Registry) Upgrade(ctx context.Context, m plugin.Manifest) error {
	if issues := plugin.ValidateManifest(m); len(issues) > 0 {
		return apperrors.NewInvalidManifest(m.ID, issues)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[m.ID]
	if !ok {
		return apperrors.NewNotFound("plugin", m.ID)
	}
	if err := r.checkCycle(m); err != nil {
		return err
	}

	updated := entry.Clone()
	updated.Manifest = m
	// a new manifest has not been validated yet
	updated.Validation = nil
	if err := r.store.Save(ctx, updated); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeRegistry, apperrors.CodeInternalError, "persist registry entry")
	}
	*entry = updated

	r.logger.Info("plugin upgraded", logging.PluginID(m.ID), zap.String("version", m.Version))
	r.reconcile(ctx)
	return nil
}

// Unregister removes a plugin. It fails with HasActiveInstances while
// instances reference it, unless force is set.
func (r *Registry) Unregister(ctx context.Context, pluginID string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[pluginID]
	if !ok {
		return apperrors.NewNotFound("plugin", pluginID)
	}
	if n := len(entry.InstanceIDs); n > 0 && !force {
		return apperrors.NewHasActiveInstances(pluginID, n)
	}
	if err := r.store.Delete(ctx, pluginID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeRegistry, apperrors.CodeInternalError, "delete registry entry")
	}
	delete(r.entries, pluginID)

	r.logger.Info("plugin unregistered", logging.PluginID(pluginID), zap.Bool("force", force))
	r.pub.Publish(plugin.RegistryEvent{
		Type:      plugin.PluginUnregistered,
		PluginID:  pluginID,
		OldStatus: entry.Status,
		NewStatus: plugin.StatusRemoved,
		Timestamp: time.Now(),
	})

	r.reconcile(ctx)
	return nil
}

// Get returns a copy of the entry for pluginID.
func (r *Registry) Get(pluginID string) (plugin.RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[pluginID]
	if !ok {
		return plugin.RegistryEntry{}, apperrors.NewNotFound("plugin", pluginID)
	}
	return entry.Clone(), nil
}

// List returns copies of every entry, ordered by id.
func (r *Registry) List() []plugin.RegistryEntry {
	return r.filter(func(*plugin.RegistryEntry) bool { return true })
}

// ListEnabled returns the entries instances may be created from.
func (r *Registry) ListEnabled() []plugin.RegistryEntry {
	return r.filter(func(e *plugin.RegistryEntry) bool { return e.Status.Enabled() })
}

func (r *Registry) filter(keep func(*plugin.RegistryEntry) bool) []plugin.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]plugin.RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	return out
}

// UpdateStatus sets the status of a plugin. Setting Installed on a plugin
// with missing dependencies leaves it PendingDependency.
func (r *Registry) UpdateStatus(ctx context.Context, pluginID string, status plugin.PluginStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[pluginID]
	if !ok {
		return apperrors.NewNotFound("plugin", pluginID)
	}
	if status == plugin.StatusInstalled && !r.dependenciesSatisfied(entry.Manifest) {
		status = plugin.StatusPendingDependency
	}
	r.setStatus(ctx, entry, status)
	r.reconcile(ctx)
	return nil
}

// AttachInstance records a non-owning back-reference from a plugin to one of its instances.
func (r *Registry) AttachInstance(ctx context.Context, pluginID, instanceID string) error {
	return r.mutate(ctx, pluginID, func(e *plugin.RegistryEntry) {
		for _, id := range e.InstanceIDs {
			if id == instanceID {
				return
			}
		}
		e.InstanceIDs = append(e.InstanceIDs, instanceID)
	})
}

// DetachInstance drops a back-reference. Unknown plugins are ignored so
// teardown can always proceed.
func (r *Registry) DetachInstance(ctx context.Context, pluginID, instanceID string) error {
	err := r.mutate(ctx, pluginID, func(e *plugin.RegistryEntry) {
		for i, id := range e.InstanceIDs {
			if id == instanceID {
				e.InstanceIDs = append(e.InstanceIDs[:i], e.InstanceIDs[i+1:]...)
				return
			}
		}
	})
	if apperrors.CodeOf(err) == apperrors.CodeNotFound {
		return nil
	}
	return err
}

// SetValidation caches a security validation result on the entry.
func (r *Registry) SetValidation(ctx context.Context, pluginID string, result plugin.ValidationResult) error {
	return r.mutate(ctx, pluginID, func(e *plugin.RegistryEntry) {
		e.Validation = &result
	})
}

func (r *Registry) mutate(ctx context.Context, pluginID string, fn func(*plugin.RegistryEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[pluginID]
	if !ok {
		return apperrors.NewNotFound("plugin", pluginID)
	}
	fn(entry)
	if err := r.store.Save(ctx, *entry); err != nil {
		r.logger.Warn("persist registry entry failed", logging.PluginID(pluginID), zap.Error(err))
	}
	return nil
}

// checkCycle runs a topological sort over the registered manifests with m
// added or replaced. Caller holds the write lock.
func (r *Registry) checkCycle(m plugin.Manifest) error {
	graph := make(map[string]plugin.Manifest, len(r.entries)+1)
	for id, e := range r.entries {
		graph[id] = e.Manifest
	}
	graph[m.ID] = m

	if _, cyclic := topoSort(graph); len(cyclic) > 0 {
		r.logger.Warn("dependency cycle rejected", logging.PluginID(m.ID), zap.Strings("cycle", cyclic))
		return apperrors.NewDependencyCycle(m.ID, cyclic)
	}
	return nil
}

// dependenciesSatisfied reports whether every required dependency is
// registered and Installed. Caller holds the lock.
func (r *Registry) dependenciesSatisfied(m plugin.Manifest) bool {
	for _, dep := range m.Dependencies {
		e, ok := r.entries[dep]
		if !ok || e.Status != plugin.StatusInstalled {
			return false
		}
	}
	return true
}

// reconcile promotes PendingDependency entries whose dependencies are now
// installed and demotes Installed entries that lost one, until nothing
// changes. Caller holds the write lock.
func (r *Registry) reconcile(ctx context.Context) {
	for changed := true; changed; {
		changed = false
		ids := make([]string, 0, len(r.entries))
		for id := range r.entries {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			e := r.entries[id]
			satisfied := r.dependenciesSatisfied(e.Manifest)
			switch {
			case e.Status == plugin.StatusPendingDependency && satisfied:
				r.setStatus(ctx, e, plugin.StatusInstalled)
				changed = true
			case e.Status == plugin.StatusInstalled && !satisfied:
				r.setStatus(ctx, e, plugin.StatusPendingDependency)
				changed = true
			}
		}
	}
}

func (r *Registry) setStatus(ctx context.Context, e *plugin.RegistryEntry, status plugin.PluginStatus) {
	old := e.Status
	if old == status {
		return
	}
	e.Status = status
	if err := r.store.Save(ctx, *e); err != nil {
		r.logger.Warn("persist registry entry failed", logging.PluginID(e.Manifest.ID), zap.Error(err))
	}
	r.logger.Info("plugin status changed",
		logging.PluginID(e.Manifest.ID),
		zap.String("from", string(old)),
		zap.String("to", string(status)))
	r.pub.Publish(plugin.RegistryEvent{
		Type:      plugin.PluginStatusChanged,
		PluginID:  e.Manifest.ID,
		OldStatus: old,
		NewStatus: status,
		Timestamp: time.Now(),
	})
}
