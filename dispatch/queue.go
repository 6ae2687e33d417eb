package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/sourcegraph/conc"

	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/request"
)

// Queue presents requests to a handler according to its [QueueConfig].
type Queue struct {
	host *Host
	cfg  QueueConfig

	read     ReadHandler
	write    WriteHandler
	stop     StopHandler
	onResume ResumeHandler

	mu       sync.Mutex
	held     *queue.Queue // of *request.Request
	inflight map[uint64]*request.Request
	accepted map[uint64]struct{} // held or in flight, until completion
	idle     chan struct{}       // closed while inflight is empty
	stopped  bool
	purged   bool

	wg conc.WaitGroup
}

func newQueue(h *Host, cfg QueueConfig) *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		host:     h,
		cfg:      cfg,
		held:     queue.New(),
		inflight: make(map[uint64]*request.Request),
		accepted: make(map[uint64]struct{}),
		idle:     idle,
	}
}

// Host returns the host that owns the queue.
func (q *Queue) Host() *Host { return q.host }

// Mode returns the dispatch mode.
func (q *Queue) Mode() Mode { return q.cfg.Mode }

// PowerManaged reports whether the queue follows host power transitions.
func (q *Queue) PowerManaged() bool { return q.cfg.PowerManaged }

// IsDefault reports whether the queue receives [Host.Submit] requests.
func (q *Queue) IsDefault() bool { return q.cfg.Default }

// InFlight returns the number of delivered requests not yet completed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Held returns the number of accepted requests waiting for delivery.
func (q *Queue) Held() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.held.Length()
}

// Submit accepts req for delivery. On error the request is left untouched
// and the caller still owns it. A request stays accepted until it completes;
// submitting it again before then fails with [pkg.ErrBusy].
func (q *Queue) Submit(req *request.Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", pkg.ErrInvalidParameter)
	}
	if err := q.accepts(req); err != nil {
		return err
	}

	q.mu.Lock()
	if q.purged {
		q.mu.Unlock()
		return pkg.ErrNotRunning
	}
	if _, dup := q.accepted[req.ID()]; dup {
		q.mu.Unlock()
		return fmt.Errorf("%w: request %d already queued", pkg.ErrBusy, req.ID())
	}
	q.accepted[req.ID()] = struct{}{}
	q.mu.Unlock()

	// Registered outside q.mu since it runs at once if req is already
	// complete. Nothing delivers req until it is added below.
	req.AfterComplete(q.retire)

	q.mu.Lock()
	if q.purged {
		// Closed after acceptance: cancel it like any other held request.
		q.mu.Unlock()
		_ = req.Complete(pkg.ErrCancelled)
		return nil
	}
	q.held.Add(req)
	next := q.dequeueLocked()
	q.mu.Unlock()

	q.deliver(next)
	return nil
}

func (q *Queue) accepts(req *request.Request) error {
	if req.IsCompleted() {
		return request.ErrAlreadyCompleted
	}
	switch req.Direction() {
	case request.DirectionRead:
		if q.read == nil {
			return fmt.Errorf("%w: queue does not accept reads", pkg.ErrNotSupported)
		}
	case request.DirectionWrite:
		if q.write == nil {
			return fmt.Errorf("%w: queue does not accept writes", pkg.ErrNotSupported)
		}
	default:
		return fmt.Errorf("%w: direction %d", request.ErrInvalidRequest, req.Direction())
	}
	return nil
}

// dequeueLocked moves held requests in flight as far as the queue state and
// mode allow. The caller delivers the returned requests after releasing q.mu.
func (q *Queue) dequeueLocked() []*request.Request {
	var next []*request.Request
	for !q.stopped && q.held.Length() > 0 {
		if q.cfg.Mode == Sequential && len(q.inflight) > 0 {
			break
		}
		req := q.held.Remove().(*request.Request)
		if req.IsCompleted() {
			continue
		}
		if len(q.inflight) == 0 {
			q.idle = make(chan struct{})
		}
		q.inflight[req.ID()] = req
		next = append(next, req)
	}
	return next
}

func (q *Queue) deliver(reqs []*request.Request) {
	for _, req := range reqs {
		q.wg.Go(func() { q.present(req) })
	}
}

func (q *Queue) present(req *request.Request) {
	pkg.LogDebug(pkg.ComponentDispatch, "delivering request",
		"id", req.ID(),
		"direction", req.Direction().String(),
		"length", req.Length())

	switch req.Direction() {
	case request.DirectionRead:
		q.read.OnRead(q, req, req.Length())
	case request.DirectionWrite:
		q.write.OnWrite(q, req, req.Length())
	}
}

// retire runs once per accepted request after it completes.
func (q *Queue) retire(req *request.Request) {
	q.mu.Lock()
	delete(q.accepted, req.ID())
	if _, ok := q.inflight[req.ID()]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.inflight, req.ID())
	if len(q.inflight) == 0 {
		close(q.idle)
	}
	next := q.dequeueLocked()
	q.mu.Unlock()

	q.deliver(next)
}

// inflightLocked returns the in-flight requests and a channel closed once
// they have all completed.
func (q *Queue) inflightLocked() ([]*request.Request, <-chan struct{}) {
	reqs := make([]*request.Request, 0, len(q.inflight))
	for _, req := range q.inflight {
		reqs = append(reqs, req)
	}
	return reqs, q.idle
}

func (q *Queue) notify(reqs []*request.Request, action StopAction) {
	if q.stop == nil {
		return
	}
	for _, req := range reqs {
		pkg.LogDebug(pkg.ComponentDispatch, "stop notification",
			"id", req.ID(),
			"action", action.String())
		q.stop.OnIoStop(q, req, action)
	}
}

func (q *Queue) suspend(ctx context.Context) error {
	if !q.cfg.PowerManaged {
		return nil
	}

	q.mu.Lock()
	q.stopped = true
	reqs, idle := q.inflightLocked()
	q.mu.Unlock()

	q.notify(reqs, StopActionSuspend)

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("suspend: %d request(s) still in flight: %w", q.InFlight(), ctx.Err())
	}
}

func (q *Queue) resume() {
	q.mu.Lock()
	if q.purged {
		q.mu.Unlock()
		return
	}
	wasStopped := q.stopped
	q.stopped = false
	q.mu.Unlock()

	if wasStopped && q.onResume != nil {
		q.onResume.OnResume(q)
	}

	q.mu.Lock()
	next := q.dequeueLocked()
	q.mu.Unlock()

	q.deliver(next)
}

func (q *Queue) purge(ctx context.Context) error {
	q.mu.Lock()
	q.purged = true
	q.stopped = true
	var held []*request.Request
	for q.held.Length() > 0 {
		held = append(held, q.held.Remove().(*request.Request))
	}
	reqs, idle := q.inflightLocked()
	q.mu.Unlock()

	for _, req := range held {
		if err := req.Complete(pkg.ErrCancelled); err == nil {
			pkg.LogDebug(pkg.ComponentDispatch, "held request cancelled", "id", req.ID())
		}
	}

	q.notify(reqs, StopActionPurge)

	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("purge: %d request(s) still in flight: %w", q.InFlight(), ctx.Err())
	}

	// Handlers may still be returning from delivery after completing.
	q.wg.Wait()
	return nil
}
