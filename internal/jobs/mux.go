package jobs

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Handler executes one job.
type Handler interface {
	Handle(ctx context.Context, job Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Mux dispatches jobs to the handler registered for their kind.
type Mux struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind k, replacing any previous handler.
func (m *Mux) Handle(k Kind, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[k] = h
}

func (m *Mux) HandleFunc(k Kind, f func(ctx context.Context, job Job) error) {
	m.Handle(k, HandlerFunc(f))
}

// Dispatch runs the handler for job.Kind. A job with no handler fails
// permanently.
func (m *Mux) Dispatch(ctx context.Context, job Job) error {
	m.mu.RLock()
	h, ok := m.handlers[job.Kind]
	m.mu.RUnlock()
	if !ok {
		return Permanent(eris.Wrapf(ErrUnknownKind, "no handler for %q", job.Kind))
	}
	return h.Handle(ctx, job)
}
