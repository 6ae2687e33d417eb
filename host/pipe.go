package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbrwq/host/hal"
	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/request"
)

// SendFlags modify how a transfer is sent.
type SendFlags uint32

// Send flags.
const (
	// SendSynchronous makes Send wait until the transfer completes.
	SendSynchronous SendFlags = 1 << iota
)

// MemoryRange selects a sub-range of a request buffer.
type MemoryRange struct {
	Offset int
	Length int
}

// CompletionParams carries the final outcome of a transfer.
type CompletionParams struct {
	Status      error
	Information int // bytes transferred
}

// CompletionFunc receives the outcome of a sent transfer.
type CompletionFunc func(req *request.Request, target *BulkPipe, params CompletionParams)

// Pipe is a directional data path that formats and sends requests.
type Pipe interface {
	// FormatRequestForWrite binds a write request and its input buffer to the
	// pipe. Bulk pipes stream, so deviceOffset must be nil.
	FormatRequestForWrite(req *request.Request, mem *request.Memory, memOffset *MemoryRange, deviceOffset *int64) (*Transfer, error)

	// FormatRequestForRead binds a read request and its output buffer.
	FormatRequestForRead(req *request.Request, mem *request.Memory, memOffset *MemoryRange, deviceOffset *int64) (*Transfer, error)

	// Send hands a formatted transfer to the executor. It returns once the
	// transfer has started; the outcome arrives through the completion
	// callback. A non-nil error means the transfer never started.
	Send(t *Transfer, flags SendFlags, timeout time.Duration) error
}

// BulkPipe is a bulk endpoint of a device.
type BulkPipe struct {
	exec *Executor
	addr hal.DeviceAddress
	desc EndpointDescriptor
}

// NewBulkPipe creates a pipe for a bulk endpoint executed on exec.
func NewBulkPipe(exec *Executor, addr hal.DeviceAddress, desc EndpointDescriptor) (*BulkPipe, error) {
	if exec == nil {
		return nil, pkg.ErrInvalidParameter
	}
	if !desc.IsBulk() {
		return nil, fmt.Errorf("%w: 0x%02X is not a bulk endpoint", pkg.ErrInvalidEndpoint, desc.EndpointAddress)
	}
	return &BulkPipe{exec: exec, addr: addr, desc: desc}, nil
}

// Endpoint returns the endpoint address, including the direction bit.
func (p *BulkPipe) Endpoint() uint8 { return p.desc.EndpointAddress }

// MaxPacketSize returns the endpoint max packet size.
func (p *BulkPipe) MaxPacketSize() uint16 { return p.desc.MaxPacketSize }

// IsIn reports whether the pipe carries data from the device.
func (p *BulkPipe) IsIn() bool { return p.desc.IsIn() }

// String returns a short description such as "bulk-in 0x88".
func (p *BulkPipe) String() string {
	dir := "out"
	if p.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("bulk-%s 0x%02X", dir, p.desc.EndpointAddress)
}

// FormatRequestForWrite implements [Pipe].
func (p *BulkPipe) FormatRequestForWrite(req *request.Request, mem *request.Memory, memOffset *MemoryRange, deviceOffset *int64) (*Transfer, error) {
	if p.IsIn() {
		return nil, fmt.Errorf("%w: write on %s", pkg.ErrInvalidEndpoint, p)
	}
	return p.format(request.DirectionWrite, req, mem, memOffset, deviceOffset)
}

// FormatRequestForRead implements [Pipe].
func (p *BulkPipe) FormatRequestForRead(req *request.Request, mem *request.Memory, memOffset *MemoryRange, deviceOffset *int64) (*Transfer, error) {
	if !p.IsIn() {
		return nil, fmt.Errorf("%w: read on %s", pkg.ErrInvalidEndpoint, p)
	}
	return p.format(request.DirectionRead, req, mem, memOffset, deviceOffset)
}

func (p *BulkPipe) format(dir request.Direction, req *request.Request, mem *request.Memory, memOffset *MemoryRange, deviceOffset *int64) (*Transfer, error) {
	switch {
	case req == nil || mem == nil:
		return nil, pkg.ErrInvalidParameter
	case mem.Owner() != req:
		return nil, fmt.Errorf("%w: memory belongs to another request", pkg.ErrInvalidParameter)
	case req.Direction() != dir:
		return nil, request.ErrInvalidRequest
	case req.IsCompleted():
		return nil, request.ErrAlreadyCompleted
	case deviceOffset != nil:
		return nil, fmt.Errorf("%w: device offset on %s", pkg.ErrNotSupported, p)
	}

	buf := mem.Bytes()
	if memOffset != nil {
		if memOffset.Offset < 0 || memOffset.Length < 0 || memOffset.Offset+memOffset.Length > len(buf) {
			return nil, fmt.Errorf("%w: memory range %d+%d exceeds %d bytes",
				pkg.ErrInvalidParameter, memOffset.Offset, memOffset.Length, len(buf))
		}
		buf = buf[memOffset.Offset : memOffset.Offset+memOffset.Length]
	}

	return &Transfer{
		req:  req,
		pipe: p,
		buf:  buf,
		done: make(chan struct{}),
	}, nil
}

// Send implements [Pipe].
func (p *BulkPipe) Send(t *Transfer, flags SendFlags, timeout time.Duration) error {
	if t == nil || t.pipe != p {
		return pkg.ErrInvalidParameter
	}
	if !t.state.CompareAndSwap(stateFormatted, stateSent) {
		return fmt.Errorf("%w: transfer already sent", pkg.ErrInvalidState)
	}
	if err := p.exec.submit(t, timeout); err != nil {
		t.state.Store(stateFailed)
		return err
	}

	pkg.LogDebug(pkg.ComponentTarget, "transfer sent",
		"transfer", t.id,
		"request", t.req.ID(),
		"pipe", p.String(),
		"bytes", len(t.buf))

	if flags&SendSynchronous != 0 {
		<-t.done
	}
	return nil
}

// Transfer states.
const (
	stateFormatted int32 = iota
	stateSent
	stateCompleted
	stateFailed
)

// Transfer is a request formatted against a pipe. It can be sent once.
type Transfer struct {
	req  *request.Request
	pipe *BulkPipe
	buf  []byte
	id   uint64

	state  atomic.Int32
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	callback CompletionFunc

	params CompletionParams
	done   chan struct{}
}

// SetCompletionCallback sets the function that receives the outcome. With no
// callback the transfer completes its request directly.
func (t *Transfer) SetCompletionCallback(cb CompletionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = cb
}

// Request returns the request carried by the transfer.
func (t *Transfer) Request() *request.Request { return t.req }

// Pipe returns the pipe the transfer was formatted against.
func (t *Transfer) Pipe() *BulkPipe { return t.pipe }

// Buffer returns the bytes the transfer moves.
func (t *Transfer) Buffer() []byte { return t.buf }

// Done returns a channel closed after the completion has been delivered.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Params returns the completion parameters once Done is closed.
func (t *Transfer) Params() CompletionParams {
	<-t.done
	return t.params
}

// Cancel requests that a sent transfer be aborted. It returns false if the
// transfer is not currently in flight. Cancellation is best effort: the
// transfer may still complete successfully.
func (t *Transfer) Cancel() bool {
	if t.state.Load() != stateSent {
		return false
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel(pkg.ErrCancelled)
	return true
}

func (t *Transfer) finish(params CompletionParams) {
	if !t.state.CompareAndSwap(stateSent, stateCompleted) {
		return
	}
	t.params = params

	t.mu.Lock()
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb(t.req, t.pipe, params)
	} else if err := t.req.CompleteWithInformation(params.Status, params.Information); err != nil {
		pkg.LogWarn(pkg.ComponentTarget, "request resolved twice", "request", t.req.ID(), "error", err)
	}
	close(t.done)
}
