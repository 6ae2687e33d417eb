package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/ardnew/usbrwq/host/hal"
	"github.com/ardnew/usbrwq/pkg"
)

// DefaultMaxInFlight is the executor concurrency used when none is given.
const DefaultMaxInFlight = 64

// Executor runs sent transfers against a HAL and reports their completion.
//
// Each transfer runs on its own goroutine so that a bulk IN transfer waiting
// on the device never holds up other transfers. The number of transfers in
// flight is bounded; Send blocks only while that bound is reached.
type Executor struct {
	hal hal.HostHAL
	sem *semaphore.Weighted
	wg  conc.WaitGroup

	// Pending transfers (by ID)
	pending   map[uint64]*Transfer
	pendingMu sync.Mutex
	idle      chan struct{} // closed while pending is empty
	closed    bool

	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewExecutor creates an executor allowing maxInFlight concurrent transfers.
func NewExecutor(h hal.HostHAL, maxInFlight int) *Executor {
	if maxInFlight < 1 {
		maxInFlight = DefaultMaxInFlight
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Executor{
		hal:     h,
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		pending: make(map[uint64]*Transfer),
		idle:    idle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// submit starts t. On error the transfer never started and no completion
// will be reported for it.
func (e *Executor) submit(t *Transfer, timeout time.Duration) error {
	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		return pkg.ErrNotRunning
	}

	ctx, cancel := context.WithCancelCause(e.ctx)
	if timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, timeout, pkg.ErrTimeout)
		parent := cancel
		cancel = func(cause error) {
			parent(cause)
			stop()
		}
	}
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	// The goroutine is registered while pendingMu is held so that Close,
	// which sets closed under the same lock, always waits for it. It runs
	// only once binding has succeeded.
	start := make(chan bool, 1)
	e.pendingMu.Lock()
	if e.closed {
		e.pendingMu.Unlock()
		cancel(pkg.ErrNotRunning)
		e.sem.Release(1)
		return pkg.ErrNotRunning
	}
	t.id = e.nextID.Add(1)
	e.trackLocked(t)
	e.wg.Go(func() {
		defer e.sem.Release(1)
		if <-start {
			e.execute(ctx, cancel, t)
		}
	})
	e.pendingMu.Unlock()

	if err := t.req.BindSent(t.Cancel); err != nil {
		e.untrack(t)
		cancel(err)
		start <- false
		return err
	}
	start <- true
	return nil
}

func (e *Executor) trackLocked(t *Transfer) {
	if len(e.pending) == 0 {
		e.idle = make(chan struct{})
	}
	e.pending[t.id] = t
}

func (e *Executor) untrack(t *Transfer) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[t.id]; !ok {
		return
	}
	delete(e.pending, t.id)
	if len(e.pending) == 0 {
		close(e.idle)
	}
}

// execute performs the bus transfer and routes its outcome.
func (e *Executor) execute(ctx context.Context, cancel context.CancelCauseFunc, t *Transfer) {
	pipe := t.pipe
	n, err := e.hal.BulkTransfer(ctx, pipe.addr, pipe.desc.EndpointAddress, t.buf)
	if err != nil && ctx.Err() != nil {
		// The transfer was interrupted: report why rather than the raw
		// context error the HAL surfaced.
		err = context.Cause(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, pkg.ErrNotRunning) {
			err = pkg.ErrCancelled
		}
	}
	cancel(nil)
	e.untrack(t)

	pkg.LogDebug(pkg.ComponentTarget, "transfer complete",
		"transfer", t.id,
		"request", t.req.ID(),
		"pipe", pipe.String(),
		"bytes", n,
		"status", pkg.StatusOf(err).String())

	t.finish(CompletionParams{Status: err, Information: n})
}

// PendingCount returns the number of transfers in flight.
func (e *Executor) PendingCount() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// WaitAll waits until no transfer is in flight, or for ctx to end.
func (e *Executor) WaitAll(ctx context.Context) error {
	e.pendingMu.Lock()
	idle := e.idle
	e.pendingMu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels every in-flight transfer and waits for their completions to
// be delivered, or for ctx to end. Later sends fail with [pkg.ErrNotRunning].
func (e *Executor) Close(ctx context.Context) error {
	e.pendingMu.Lock()
	already := e.closed
	e.closed = true
	e.pendingMu.Unlock()
	if already {
		return nil
	}

	e.cancel(pkg.ErrNotRunning)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
