package watch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/upscale-tracker/internal/jobs"
)

const (
	DefaultPollInterval = time.Second
	MinPollInterval     = 250 * time.Millisecond
)

// PollInterval applies the default and the lower bound to a poll hint.
func PollInterval(hint time.Duration) time.Duration {
	if hint <= 0 {
		return DefaultPollInterval
	}
	if hint < MinPollInterval {
		return MinPollInterval
	}
	return hint
}

// Request identifies what to watch.
type Request struct {
	ServiceURL   string
	JobID        string
	Credential   string
	PollInterval time.Duration
}

// Sink receives normalised updates from a transport. It may be called from
// any goroutine, but never concurrently for the same subscription.
type Sink func(jobs.Update)

// Subscription is the handle returned by a transport. Close is idempotent;
// Done is closed once the transport has stopped delivering.
type Subscription interface {
	ID() string
	Close()
	Done() <-chan struct{}
	// Err is the reason delivery stopped, nil after Close or a terminal status.
	Err() error
}

type Transport interface {
	Subscribe(ctx context.Context, req Request, sink Sink) (Subscription, error)
}

// Handle is a ready-made Subscription for transports that run one goroutine per watch.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// NewHandle returns a handle and the context its goroutine must honour.
func NewHandle(ctx context.Context) (*Handle, context.Context) {
	hctx, cancel := context.WithCancel(ctx)
	return &Handle{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}, hctx
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.cancel()
}

func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Finish records why the transport stopped and releases waiters. Errors after
// Close are dropped. Finish must be called exactly once.
func (h *Handle) Finish(err error) {
	h.mu.Lock()
	if !h.closed {
		h.err = err
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

type TransportFactory func(ctx context.Context) (Transport, error)

// Registry maps transport names ("sse", "amqp") to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]TransportFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]TransportFactory)}
}

func (r *Registry) Register(name string, f TransportFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string) (Transport, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown watch transport: %s", name)
	}
	return f(ctx)
}
