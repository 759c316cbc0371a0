package responder

// Response is the envelope of every admin API reply.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
	Meta  Meta   `json:"meta"`
}

// Error carries the orchestrator error code, e.g. NOT_FOUND.
type Error struct {
	Code    string         `json:"code"`
	Type    string         `json:"type,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Meta struct {
	TraceID string `json:"traceId,omitempty"`
	Took    int64  `json:"took,omitempty"`
	Count   *int   `json:"count,omitempty"`
}

type Option func(*Meta)

func WithTraceID(id string) Option {
	return func(m *Meta) { m.TraceID = id }
}

// WithTook sets the handling time in milliseconds.
func WithTook(ms int64) Option {
	return func(m *Meta) { m.Took = ms }
}

// WithCount reports the number of items in a list reply.
func WithCount(n int) Option {
	return func(m *Meta) { m.Count = &n }
}

func newMeta(opts []Option) Meta {
	var m Meta
	for _, opt := range opts {
		opt(&m)
	}
	return m
}
