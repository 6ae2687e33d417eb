package request

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Request errors.
var (
	// ErrAlreadyCompleted is returned when a completed request is completed again.
	ErrAlreadyCompleted = errors.New("request already completed")

	// ErrAlreadySent is returned when a request is bound to a second transfer.
	ErrAlreadySent = errors.New("request already sent")

	// ErrInvalidRequest indicates an operation that does not apply to the
	// request, such as asking a read for its input buffer.
	ErrInvalidRequest = errors.New("invalid request")
)

// Direction is the data direction of a request.
type Direction uint8

// Request directions.
const (
	DirectionRead  Direction = iota + 1 // device to caller
	DirectionWrite                      // caller to device
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionRead:
		return "read"
	case DirectionWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Result is the resolved outcome of a request. A nil Status is success.
type Result struct {
	Status      error
	Information int // bytes transferred
}

var nextID atomic.Uint64

// Request is one pending read or write operation.
type Request struct {
	id     uint64
	dir    Direction
	buffer []byte

	completed atomic.Bool
	result    Result
	done      chan struct{}

	memRefs atomic.Int32

	mu              sync.Mutex
	cancelSent      func() bool
	sent            bool
	cancelRequested bool
	observers       []func(*Request)
}

func newRequest(dir Direction, buf []byte) *Request {
	return &Request{
		id:     nextID.Add(1),
		dir:    dir,
		buffer: buf,
		done:   make(chan struct{}),
	}
}

// NewWrite creates a write request carrying data.
func NewWrite(data []byte) *Request {
	return newRequest(DirectionWrite, data)
}

// NewRead creates a read request that fills buf.
func NewRead(buf []byte) *Request {
	return newRequest(DirectionRead, buf)
}

// ID returns the request identifier, unique within the process.
func (r *Request) ID() uint64 { return r.id }

// Direction returns the request direction.
func (r *Request) Direction() Direction { return r.dir }

// Length returns the number of bytes the caller asked to transfer.
func (r *Request) Length() int { return len(r.buffer) }

// InputMemory returns a handle to the buffer of a write request.
func (r *Request) InputMemory() (*Memory, error) {
	if r.dir != DirectionWrite {
		return nil, ErrInvalidRequest
	}
	return r.newMemory(), nil
}

// OutputMemory returns a handle to the buffer of a read request.
func (r *Request) OutputMemory() (*Memory, error) {
	if r.dir != DirectionRead {
		return nil, ErrInvalidRequest
	}
	return r.newMemory(), nil
}

// OutstandingMemory returns the number of memory handles not yet released.
func (r *Request) OutstandingMemory() int {
	return int(r.memRefs.Load())
}

// Complete resolves the request with status and zero bytes transferred.
func (r *Request) Complete(status error) error {
	return r.CompleteWithInformation(status, 0)
}

// CompleteWithInformation resolves the request with status and the number of
// bytes transferred. Only the first call has any effect.
func (r *Request) CompleteWithInformation(status error, information int) error {
	if !r.completed.CompareAndSwap(false, true) {
		return ErrAlreadyCompleted
	}
	r.result = Result{Status: status, Information: information}

	r.mu.Lock()
	r.cancelSent = nil
	observers := r.observers
	r.observers = nil
	close(r.done)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(r)
	}
	return nil
}

// IsCompleted reports whether the request has been resolved.
func (r *Request) IsCompleted() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the request is resolved.
func (r *Request) Done() <-chan struct{} { return r.done }

// Result returns the outcome and true once the request is resolved.
func (r *Request) Result() (Result, bool) {
	select {
	case <-r.done:
		return r.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the request is resolved or ctx ends.
func (r *Request) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// AfterComplete registers fn to run once the request is resolved. If it is
// already resolved, fn runs immediately.
func (r *Request) AfterComplete(fn func(*Request)) {
	r.mu.Lock()
	if !r.IsCompleted() {
		r.observers = append(r.observers, fn)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	fn(r)
}

// BindSent records that the request was handed to an execution layer, which
// supplies the hook used to cancel it. A cancel requested before binding is
// applied immediately.
func (r *Request) BindSent(cancel func() bool) error {
	r.mu.Lock()
	if r.sent {
		r.mu.Unlock()
		return ErrAlreadySent
	}
	if r.IsCompleted() {
		r.mu.Unlock()
		return ErrAlreadyCompleted
	}
	r.sent = true
	r.cancelSent = cancel
	pending := r.cancelRequested
	r.mu.Unlock()

	if pending && cancel != nil {
		cancel()
	}
	return nil
}

// CancelSentRequest asks the execution layer to abort the transfer carrying
// this request. It returns true if a cancel was delivered. The request still
// completes through its normal completion path.
func (r *Request) CancelSentRequest() bool {
	r.mu.Lock()
	if r.IsCompleted() {
		r.mu.Unlock()
		return false
	}
	cancel := r.cancelSent
	if cancel == nil {
		r.cancelRequested = true
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()
	return cancel()
}
