package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/request"
)

// Mode selects how a queue presents requests to its handler.
type Mode int

// Dispatch modes.
const (
	// Sequential delivers one request at a time; the next is delivered
	// after the previous one completes.
	Sequential Mode = iota

	// Parallel delivers every request as soon as it arrives.
	Parallel
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Parallel:
		return "parallel"
	default:
		return "unknown"
	}
}

// StopAction tells a stop handler why an in-flight request must stop.
type StopAction uint32

// Stop actions.
const (
	// StopActionSuspend: the device is leaving its working power state.
	StopActionSuspend StopAction = 0x1

	// StopActionPurge: the queue is being torn down.
	StopActionPurge StopAction = 0x2

	// StopActionCancelable may be combined with another action to indicate
	// the request is still cancelable by the host.
	StopActionCancelable StopAction = 0x10000000
)

// String returns the action name.
func (a StopAction) String() string {
	switch a {
	case StopActionSuspend:
		return "suspend"
	case StopActionPurge:
		return "purge"
	default:
		return fmt.Sprintf("action(0x%X)", uint32(a))
	}
}

// ReadHandler receives read requests.
type ReadHandler interface {
	OnRead(q *Queue, req *request.Request, length int)
}

// WriteHandler receives write requests.
type WriteHandler interface {
	OnWrite(q *Queue, req *request.Request, length int)
}

// StopHandler is notified when a power or lifecycle transition needs an
// in-flight request to stop.
type StopHandler interface {
	OnIoStop(q *Queue, req *request.Request, action StopAction)
}

// ResumeHandler is told when a power-managed queue returns to the working
// state, before held requests are delivered.
type ResumeHandler interface {
	OnResume(q *Queue)
}

// QueueConfig configures a queue at creation. It cannot change afterwards.
type QueueConfig struct {
	Mode Mode

	// Default makes the queue the target of [Host.Submit].
	Default bool

	// PowerManaged queues stop delivering while the host is powered down and
	// receive suspend notifications for in-flight requests. Queues that are
	// not power managed keep delivering so their handler can forward
	// requests to whoever owns power policy.
	PowerManaged bool
}

// Host owns a device's queues and drives their power and lifecycle
// transitions.
type Host struct {
	mu           sync.Mutex
	queues       []*Queue
	defaultQueue *Queue
	poweredDown  bool
	closed       bool
}

// NewHost creates a host in the powered-up state.
func NewHost() *Host {
	return &Host{}
}

// CreateQueue registers a queue delivering to handler. The handler's
// capabilities are discovered from the interfaces it implements; it must
// handle reads, writes, or both.
func (h *Host) CreateQueue(handler any, cfg QueueConfig) (*Queue, error) {
	if cfg.Mode != Sequential && cfg.Mode != Parallel {
		return nil, fmt.Errorf("%w: dispatch mode %d", pkg.ErrInvalidParameter, cfg.Mode)
	}

	q := newQueue(h, cfg)
	q.read, _ = handler.(ReadHandler)
	q.write, _ = handler.(WriteHandler)
	q.stop, _ = handler.(StopHandler)
	q.onResume, _ = handler.(ResumeHandler)
	if q.read == nil && q.write == nil {
		return nil, fmt.Errorf("%w: handler %T accepts neither reads nor writes", pkg.ErrInvalidParameter, handler)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, pkg.ErrNotRunning
	}
	if cfg.Default {
		if h.defaultQueue != nil {
			return nil, fmt.Errorf("%w: default queue already exists", pkg.ErrBusy)
		}
		h.defaultQueue = q
	}
	q.stopped = cfg.PowerManaged && h.poweredDown
	h.queues = append(h.queues, q)

	pkg.LogDebug(pkg.ComponentDispatch, "queue created",
		"mode", cfg.Mode.String(),
		"default", cfg.Default,
		"powerManaged", cfg.PowerManaged,
		"stopHandler", q.stop != nil)
	return q, nil
}

// DefaultQueue returns the default queue, or nil.
func (h *Host) DefaultQueue() *Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.defaultQueue
}

// Submit presents req to the default queue. On error the request was not
// accepted and is still owned by the caller.
func (h *Host) Submit(req *request.Request) error {
	q := h.DefaultQueue()
	if q == nil {
		return fmt.Errorf("%w: no default queue", pkg.ErrInvalidState)
	}
	return q.Submit(req)
}

// PoweredDown reports whether the host is in a low-power state.
func (h *Host) PoweredDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poweredDown
}

func (h *Host) snapshot() []*Queue {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Queue(nil), h.queues...)
}

// Suspend moves the host to a low-power state. Power-managed queues stop
// delivering, notify their stop handler with [StopActionSuspend] for every
// in-flight request, and Suspend waits until those requests complete or ctx
// ends. The host stays powered down either way; call Resume to leave it.
func (h *Host) Suspend(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pkg.ErrNotRunning
	}
	h.poweredDown = true
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDispatch, "suspending")

	var errs []error
	for _, q := range h.snapshot() {
		if err := q.suspend(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Resume returns the host to its working state and delivers requests held
// while it was powered down.
func (h *Host) Resume() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return pkg.ErrNotRunning
	}
	h.poweredDown = false
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDispatch, "resuming")

	for _, q := range h.snapshot() {
		q.resume()
	}
	return nil
}

// Close purges every queue: held requests complete with [pkg.ErrCancelled],
// stop handlers get [StopActionPurge] for in-flight requests, and Close waits
// for those to complete or for ctx to end. Later submissions fail with
// [pkg.ErrNotRunning].
func (h *Host) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentDispatch, "closing")

	var errs []error
	for _, q := range h.snapshot() {
		if err := q.purge(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
