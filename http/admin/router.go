// Package admin serves the read-only HTTP view of a running orchestrator:
// plugins, instances, health, resource and security metrics.
package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/leeforge/plugind/http/middleware"
	"github.com/leeforge/plugind/http/responder"
	"github.com/leeforge/plugind/logging"
	"github.com/leeforge/plugind/plugin"
	"github.com/leeforge/plugind/resource"
	"github.com/leeforge/plugind/security"
)

// Runtime is the part of the orchestrator the admin API reads.
type Runtime interface {
	ListPlugins() []plugin.RegistryEntry
	GetPlugin(pluginID string) (plugin.RegistryEntry, error)
	ListInstances() []plugin.Instance
	GetInstance(id string) (plugin.Instance, error)
	GetInstanceHealth(id string) (plugin.InstanceHealth, error)
	GetResourceUsage(id string) (plugin.ResourceUsage, error)
	GetGlobalUsage() plugin.ResourceUsage
	GetSystemHealth() plugin.SystemHealth
	ResourceMetrics() resource.Metrics
	SecurityMetrics() security.Metrics
	HealthHandler() http.Handler
}

type Options struct {
	Logger logging.Logger
	Tracer trace.Tracer

	// Gatherer backs /metrics. The route is absent when nil.
	Gatherer prometheus.Gatherer

	// AllowedNetworks limits clients to these CIDRs. Empty allows all.
	AllowedNetworks []string
}

type handler struct {
	rt Runtime
}

// NewRouter builds the admin routes over rt.
func NewRouter(rt Runtime, opts Options) (http.Handler, error) {
	allow, err := middleware.AllowNetworks(opts.AllowedNetworks)
	if err != nil {
		return nil, err
	}
	h := &handler{rt: rt}
	logger := logging.OrNop(opts.Logger).Named("admin")

	r := chi.NewRouter()
	r.Use(middleware.Trace, middleware.Span(opts.Tracer), middleware.RequestLog(logger), chimw.Recoverer,
		allow, middleware.SecureHeaders)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		responder.NotFound(w, "no route for "+r.URL.Path, meta(r)...)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		responder.WriteError(w, http.StatusMethodNotAllowed, responder.Error{
			Code:    "METHOD_NOT_ALLOWED",
			Message: r.Method + " is not allowed on " + r.URL.Path,
		}, meta(r)...)
	})

	r.Route("/plugins", func(r chi.Router) {
		r.Get("/", h.listPlugins)
		r.Get("/{pluginID}", h.getPlugin)
	})
	r.Route("/instances", func(r chi.Router) {
		r.Get("/", h.listInstances)
		r.Get("/{instanceID}", h.getInstance)
		r.Get("/{instanceID}/health", h.getInstanceHealth)
		r.Get("/{instanceID}/usage", h.getInstanceUsage)
	})
	r.Get("/health", h.systemHealth)
	r.Get("/resources", h.resources)
	r.Get("/security", h.security)
	r.Mount("/healthz", http.StripPrefix("/healthz", rt.HealthHandler()))
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r, nil
}

func meta(r *http.Request) []responder.Option {
	return []responder.Option{
		responder.WithTraceID(middleware.TraceID(r.Context())),
		responder.WithTook(middleware.Took(r.Context())),
	}
}

// listPlugins accepts ?status=installed to filter by registry status.
func (h *handler) listPlugins(w http.ResponseWriter, r *http.Request) {
	entries := h.rt.ListPlugins()
	if status := r.URL.Query().Get("status"); status != "" {
		entries = filter(entries, func(e plugin.RegistryEntry) bool {
			return strings.EqualFold(string(e.Status), status)
		})
	}
	responder.List(w, entries, meta(r)...)
}

func (h *handler) getPlugin(w http.ResponseWriter, r *http.Request) {
	entry, err := h.rt.GetPlugin(chi.URLParam(r, "pluginID"))
	if err != nil {
		responder.Fail(w, err, meta(r)...)
		return
	}
	responder.OK(w, entry, meta(r)...)
}

// listInstances accepts ?plugin= and ?state= filters.
func (h *handler) listInstances(w http.ResponseWriter, r *http.Request) {
	instances := h.rt.ListInstances()
	q := r.URL.Query()
	if pluginID := q.Get("plugin"); pluginID != "" {
		instances = filter(instances, func(in plugin.Instance) bool { return in.PluginID == pluginID })
	}
	if state := q.Get("state"); state != "" {
		instances = filter(instances, func(in plugin.Instance) bool {
			return strings.EqualFold(in.State.String(), state)
		})
	}
	responder.List(w, instances, meta(r)...)
}

func (h *handler) getInstance(w http.ResponseWriter, r *http.Request) {
	in, err := h.rt.GetInstance(chi.URLParam(r, "instanceID"))
	if err != nil {
		responder.Fail(w, err, meta(r)...)
		return
	}
	responder.OK(w, in, meta(r)...)
}

func (h *handler) getInstanceHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.rt.GetInstanceHealth(chi.URLParam(r, "instanceID"))
	if err != nil {
		responder.Fail(w, err, meta(r)...)
		return
	}
	responder.OK(w, health, meta(r)...)
}

func (h *handler) getInstanceUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := h.rt.GetResourceUsage(chi.URLParam(r, "instanceID"))
	if err != nil {
		responder.Fail(w, err, meta(r)...)
		return
	}
	responder.OK(w, usage, meta(r)...)
}

// systemHealth answers 503 while the system is unhealthy so load balancers
// can use it directly.
func (h *handler) systemHealth(w http.ResponseWriter, r *http.Request) {
	sh := h.rt.GetSystemHealth()
	status := http.StatusOK
	if sh.Status == plugin.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	responder.Write(w, status, sh, meta(r)...)
}

type resourcesView struct {
	Global  plugin.ResourceUsage `json:"global"`
	Metrics resource.Metrics     `json:"metrics"`
}

func (h *handler) resources(w http.ResponseWriter, r *http.Request) {
	responder.OK(w, resourcesView{
		Global:  h.rt.GetGlobalUsage(),
		Metrics: h.rt.ResourceMetrics(),
	}, meta(r)...)
}

func (h *handler) security(w http.ResponseWriter, r *http.Request) {
	responder.OK(w, h.rt.SecurityMetrics(), meta(r)...)
}

func filter[T any](items []T, keep func(T) bool) []T {
	out := items[:0:0]
	for _, it := range items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}
