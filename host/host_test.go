package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardnew/usbrwq/host/hal"
	"github.com/ardnew/usbrwq/host/hal/loopback"
	"github.com/ardnew/usbrwq/pkg"
	"github.com/ardnew/usbrwq/request"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Mock HAL for Testing
// =============================================================================

// mockHAL implements hal.HostHAL with scripted bulk results.
type mockHAL struct {
	control func(setup *hal.SetupPacket, data []byte) (int, error)

	// bulk is invoked for every bulk transfer; nil echoes len(data).
	bulk func(ctx context.Context, endpoint uint8, data []byte) (int, error)

	mu    sync.Mutex
	calls []uint8 // endpoints in call order
}

func (m *mockHAL) Init(ctx context.Context) error { return nil }
func (m *mockHAL) Start() error                   { return nil }
func (m *mockHAL) Stop() error                    { return nil }
func (m *mockHAL) Close() error                   { return nil }

func (m *mockHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if m.control == nil {
		return 0, pkg.ErrStall
	}
	return m.control(setup, data)
}

func (m *mockHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	m.mu.Lock()
	m.calls = append(m.calls, endpoint)
	m.mu.Unlock()
	if m.bulk == nil {
		return len(data), nil
	}
	return m.bulk(ctx, endpoint, data)
}

func (m *mockHAL) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// blockUntilCancelled holds every bulk transfer until its context ends.
func blockUntilCancelled(ctx context.Context, _ uint8, _ []byte) (int, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

var _ hal.HostHAL = (*mockHAL)(nil)

var (
	bulkIn  = EndpointDescriptor{EndpointAddress: 0x88, Attributes: EndpointTypeBulk, MaxPacketSize: 512}
	bulkOut = EndpointDescriptor{EndpointAddress: 0x06, Attributes: EndpointTypeBulk, MaxPacketSize: 512}
)

func newPipes(t *testing.T, m *mockHAL) (*Executor, *BulkPipe, *BulkPipe) {
	t.Helper()
	exec := NewExecutor(m, 4)
	t.Cleanup(func() { _ = exec.Close(context.Background()) })

	in, err := NewBulkPipe(exec, 1, bulkIn)
	require.NoError(t, err)
	out, err := NewBulkPipe(exec, 1, bulkOut)
	require.NoError(t, err)
	return exec, in, out
}

func formatWrite(t *testing.T, p *BulkPipe, req *request.Request) *Transfer {
	t.Helper()
	mem, err := req.InputMemory()
	require.NoError(t, err)
	defer mem.Release()
	xfer, err := p.FormatRequestForWrite(req, mem, nil, nil)
	require.NoError(t, err)
	return xfer
}

func formatRead(t *testing.T, p *BulkPipe, req *request.Request) *Transfer {
	t.Helper()
	mem, err := req.OutputMemory()
	require.NoError(t, err)
	defer mem.Release()
	xfer, err := p.FormatRequestForRead(req, mem, nil, nil)
	require.NoError(t, err)
	return xfer
}

func waitResult(t *testing.T, req *request.Request) request.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := req.Wait(ctx)
	require.NoError(t, err, "request %d never completed", req.ID())
	return res
}

// =============================================================================
// Device Tests
// =============================================================================

func TestOpenLoopback(t *testing.T) {
	h := loopback.New(loopback.Options{})
	require.NoError(t, h.Init(context.Background()))
	require.NoError(t, h.Start())
	defer h.Close()

	dev, err := Open(context.Background(), h, loopback.Address, WithMaxInFlight(8))
	require.NoError(t, err)
	defer dev.Close(context.Background())

	assert.EqualValues(t, loopback.VendorID, dev.Descriptor().VendorID)
	assert.EqualValues(t, loopback.ProductID, dev.Descriptor().ProductID)
	assert.Len(t, dev.Configuration().Interfaces, 1)
	assert.Len(t, dev.Configuration().Endpoints, 3)

	assert.EqualValues(t, loopback.EndpointBulkIn, dev.InputBulkPipe().Endpoint())
	assert.EqualValues(t, loopback.EndpointBulkOut, dev.OutputBulkPipe().Endpoint())
	assert.True(t, dev.InputBulkPipe().IsIn())
	assert.False(t, dev.OutputBulkPipe().IsIn())
	assert.Equal(t, "bulk-in 0x88", dev.InputBulkPipe().String())
	assert.Same(t, dev.InputBulkPipe(), dev.InputPipe())
}

func TestOpenRequiresBulkPair(t *testing.T) {
	// Device with only a bulk IN endpoint.
	var cfg = []byte{
		9, 0x02, 25, 0, 1, 1, 0, 0x80, 50,
		9, 0x04, 0, 0, 1, 0xFF, 0, 0, 0,
		7, 0x05, 0x81, 0x02, 0x40, 0x00, 0,
	}
	var dev = [18]byte{18, 0x01}
	m := &mockHAL{control: func(setup *hal.SetupPacket, data []byte) (int, error) {
		src := dev[:]
		if setup.Value>>8 == DescriptorTypeConfiguration {
			src = cfg
		}
		return copy(data, src), nil
	}}

	_, err := Open(context.Background(), m, 1)
	require.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestOpenDescriptorFailure(t *testing.T) {
	_, err := Open(context.Background(), &mockHAL{}, 1)
	require.ErrorIs(t, err, pkg.ErrStall)

	_, err = Open(context.Background(), nil, 1)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestParseConfigurationTruncated(t *testing.T) {
	var cfg Configuration
	data := []byte{9, 0x02, 20, 0, 1, 1, 0, 0x80, 50, 9, 0x04, 0, 0}
	require.ErrorIs(t, ParseConfiguration(data, &cfg), pkg.ErrDescriptorTooShort)
	require.ErrorIs(t, ParseConfiguration(data[:4], &cfg), pkg.ErrDescriptorTooShort)
}

// =============================================================================
// Pipe Tests
// =============================================================================

func TestNewBulkPipeRejectsNonBulk(t *testing.T) {
	exec := NewExecutor(&mockHAL{}, 1)
	defer exec.Close(context.Background())

	_, err := NewBulkPipe(exec, 1, EndpointDescriptor{EndpointAddress: 0x81, Attributes: EndpointTypeInterrupt})
	require.ErrorIs(t, err, pkg.ErrInvalidEndpoint)

	_, err = NewBulkPipe(nil, 1, bulkIn)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestFormatValidation(t *testing.T) {
	_, in, out := newPipes(t, &mockHAL{})

	write := request.NewWrite(make([]byte, 8))
	wmem, _ := write.InputMemory()
	defer wmem.Release()

	read := request.NewRead(make([]byte, 8))
	rmem, _ := read.OutputMemory()
	defer rmem.Release()

	off := int64(0)

	tests := []struct {
		name string
		fn   func() (*Transfer, error)
		want error
	}{
		{"write on input pipe", func() (*Transfer, error) { return in.FormatRequestForWrite(write, wmem, nil, nil) }, pkg.ErrInvalidEndpoint},
		{"read on output pipe", func() (*Transfer, error) { return out.FormatRequestForRead(read, rmem, nil, nil) }, pkg.ErrInvalidEndpoint},
		{"read request as write", func() (*Transfer, error) { return out.FormatRequestForWrite(read, rmem, nil, nil) }, request.ErrInvalidRequest},
		{"foreign memory", func() (*Transfer, error) { return out.FormatRequestForWrite(write, rmem, nil, nil) }, pkg.ErrInvalidParameter},
		{"nil memory", func() (*Transfer, error) { return out.FormatRequestForWrite(write, nil, nil, nil) }, pkg.ErrInvalidParameter},
		{"device offset", func() (*Transfer, error) { return out.FormatRequestForWrite(write, wmem, nil, &off) }, pkg.ErrNotSupported},
		{"range overflow", func() (*Transfer, error) {
			return out.FormatRequestForWrite(write, wmem, &MemoryRange{Offset: 4, Length: 8}, nil)
		}, pkg.ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xfer, err := tt.fn()
			require.ErrorIs(t, err, tt.want)
			assert.Nil(t, xfer)
		})
	}

	xfer, err := out.FormatRequestForWrite(write, wmem, &MemoryRange{Offset: 2, Length: 4}, nil)
	require.NoError(t, err)
	assert.Len(t, xfer.Buffer(), 4)
	assert.Same(t, write, xfer.Request())
	assert.Same(t, out, xfer.Pipe())

	done := request.NewWrite(nil)
	dmem, _ := done.InputMemory()
	require.NoError(t, done.Complete(nil))
	_, err = out.FormatRequestForWrite(done, dmem, nil, nil)
	require.ErrorIs(t, err, request.ErrAlreadyCompleted)
}

func TestSendCompletesThroughCallback(t *testing.T) {
	m := &mockHAL{bulk: func(_ context.Context, ep uint8, data []byte) (int, error) {
		return len(data) - 1, nil
	}}
	_, _, out := newPipes(t, m)

	req := request.NewWrite(make([]byte, 64))
	xfer := formatWrite(t, out, req)

	var calls atomic.Int32
	xfer.SetCompletionCallback(func(r *request.Request, target *BulkPipe, p CompletionParams) {
		calls.Add(1)
		assert.Same(t, out, target)
		assert.NoError(t, r.CompleteWithInformation(p.Status, p.Information))
	})
	require.NoError(t, out.Send(xfer, 0, 0))

	res := waitResult(t, req)
	assert.NoError(t, res.Status)
	assert.Equal(t, 63, res.Information)
	<-xfer.Done()
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, 63, xfer.Params().Information)
}

func TestSendWithoutCallbackCompletesRequest(t *testing.T) {
	_, in, _ := newPipes(t, &mockHAL{})

	req := request.NewRead(make([]byte, 32))
	xfer := formatRead(t, in, req)
	require.NoError(t, in.Send(xfer, SendSynchronous, 0))

	res, ok := req.Result()
	require.True(t, ok, "synchronous send returned before completion")
	assert.Equal(t, 32, res.Information)
}

func TestSendOnce(t *testing.T) {
	_, in, out := newPipes(t, &mockHAL{})

	req := request.NewWrite(make([]byte, 1))
	xfer := formatWrite(t, out, req)
	require.NoError(t, out.Send(xfer, SendSynchronous, 0))
	require.ErrorIs(t, out.Send(xfer, 0, 0), pkg.ErrInvalidState)

	other := formatWrite(t, out, request.NewWrite(make([]byte, 1)))
	require.ErrorIs(t, in.Send(other, 0, 0), pkg.ErrInvalidParameter)
	require.ErrorIs(t, out.Send(nil, 0, 0), pkg.ErrInvalidParameter)
}

func TestSendBoundRequestFails(t *testing.T) {
	m := &mockHAL{}
	exec, _, out := newPipes(t, m)

	req := request.NewWrite(make([]byte, 1))
	require.NoError(t, req.BindSent(nil))

	xfer := formatWrite(t, out, req)
	var called atomic.Bool
	xfer.SetCompletionCallback(func(*request.Request, *BulkPipe, CompletionParams) { called.Store(true) })

	require.ErrorIs(t, out.Send(xfer, 0, 0), request.ErrAlreadySent)
	assert.Zero(t, exec.PendingCount())
	assert.Zero(t, m.callCount())
	assert.False(t, called.Load())
}

func TestCancelSentRequest(t *testing.T) {
	m := &mockHAL{bulk: blockUntilCancelled}
	exec, in, _ := newPipes(t, m)

	req := request.NewRead(make([]byte, 16))
	xfer := formatRead(t, in, req)
	require.NoError(t, in.Send(xfer, 0, 0))
	require.Eventually(t, func() bool { return m.callCount() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, exec.PendingCount())

	assert.True(t, req.CancelSentRequest())

	res := waitResult(t, req)
	assert.ErrorIs(t, res.Status, pkg.ErrCancelled)
	assert.Zero(t, res.Information)
	require.NoError(t, exec.WaitAll(context.Background()))
	assert.False(t, xfer.Cancel(), "cancel after completion must be a no-op")
}

func TestCancelBeforeSend(t *testing.T) {
	m := &mockHAL{bulk: blockUntilCancelled}
	_, in, _ := newPipes(t, m)

	req := request.NewRead(make([]byte, 16))
	assert.False(t, req.CancelSentRequest())

	xfer := formatRead(t, in, req)
	require.NoError(t, in.Send(xfer, 0, 0))

	res := waitResult(t, req)
	assert.ErrorIs(t, res.Status, pkg.ErrCancelled)
}

func TestSendTimeout(t *testing.T) {
	m := &mockHAL{bulk: blockUntilCancelled}
	_, in, _ := newPipes(t, m)

	req := request.NewRead(make([]byte, 4))
	xfer := formatRead(t, in, req)
	require.NoError(t, in.Send(xfer, 0, 10*time.Millisecond))

	res := waitResult(t, req)
	assert.ErrorIs(t, res.Status, pkg.ErrTimeout)
}

func TestCompletionRacesCancel(t *testing.T) {
	release := make(chan struct{})
	m := &mockHAL{bulk: func(ctx context.Context, _ uint8, data []byte) (int, error) {
		<-release
		return len(data), nil
	}}
	_, _, out := newPipes(t, m)

	req := request.NewWrite(make([]byte, 8))
	xfer := formatWrite(t, out, req)

	var calls atomic.Int32
	xfer.SetCompletionCallback(func(r *request.Request, _ *BulkPipe, p CompletionParams) {
		calls.Add(1)
		_ = r.CompleteWithInformation(p.Status, p.Information)
	})
	require.NoError(t, out.Send(xfer, 0, 0))

	// The transfer already finished on the bus when the cancel arrives:
	// natural completion wins and is delivered once.
	close(release)
	req.CancelSentRequest()

	res := waitResult(t, req)
	<-xfer.Done()
	assert.EqualValues(t, 1, calls.Load())
	if res.Status != nil {
		assert.ErrorIs(t, res.Status, pkg.ErrCancelled)
	} else {
		assert.Equal(t, 8, res.Information)
	}
}

func TestExecutorBoundsInFlight(t *testing.T) {
	release := make(chan struct{})
	var active, peak atomic.Int32
	m := &mockHAL{bulk: func(ctx context.Context, _ uint8, data []byte) (int, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer active.Add(-1)
		select {
		case <-release:
			return len(data), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}}
	exec := NewExecutor(m, 2)
	defer exec.Close(context.Background())
	out, err := NewBulkPipe(exec, 1, bulkOut)
	require.NoError(t, err)

	reqs := make([]*request.Request, 5)
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := range reqs {
			reqs[i] = request.NewWrite(make([]byte, 1))
			mem, _ := reqs[i].InputMemory()
			xfer, err := out.FormatRequestForWrite(reqs[i], mem, nil, nil)
			mem.Release()
			if err == nil {
				err = out.Send(xfer, 0, 0)
			}
			if err != nil {
				_ = reqs[i].Complete(err)
			}
		}
	}()

	require.Eventually(t, func() bool { return active.Load() == 2 }, time.Second, time.Millisecond)
	select {
	case <-sent:
		t.Fatal("send did not block at the in-flight limit")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-sent
	for _, r := range reqs {
		res := waitResult(t, r)
		assert.NoError(t, res.Status)
	}
	assert.EqualValues(t, 2, peak.Load())
}

func TestExecutorClose(t *testing.T) {
	m := &mockHAL{bulk: blockUntilCancelled}
	exec, in, out := newPipes(t, m)

	req := request.NewRead(make([]byte, 4))
	require.NoError(t, in.Send(formatRead(t, in, req), 0, 0))
	require.Eventually(t, func() bool { return m.callCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, exec.Close(context.Background()))
	res := waitResult(t, req)
	assert.ErrorIs(t, res.Status, pkg.ErrCancelled)
	assert.Zero(t, exec.PendingCount())

	late := request.NewWrite(make([]byte, 1))
	err := out.Send(formatWrite(t, out, late), 0, 0)
	assert.True(t, errors.Is(err, pkg.ErrNotRunning))
	assert.False(t, late.IsCompleted())
}

func TestExecutorCloseRacesSend(t *testing.T) {
	var inHAL atomic.Int32
	m := &mockHAL{bulk: func(ctx context.Context, _ uint8, _ []byte) (int, error) {
		inHAL.Add(1)
		defer inHAL.Add(-1)
		<-ctx.Done()
		return 0, ctx.Err()
	}}
	exec, _, out := newPipes(t, m)

	const n = 32
	xfers := make([]*Transfer, n)
	for i := range xfers {
		xfers[i] = formatWrite(t, out, request.NewWrite(make([]byte, 1)))
	}

	errs := make([]error, n)
	ready := make(chan struct{})
	var wg sync.WaitGroup
	for i := range xfers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ready
			errs[i] = out.Send(xfers[i], 0, 0)
		}()
	}

	close(ready)
	require.NoError(t, exec.Close(context.Background()))
	assert.Zero(t, inHAL.Load(), "transfer still inside the HAL after Close")
	wg.Wait()

	for i, xfer := range xfers {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], pkg.ErrNotRunning)
			assert.False(t, xfer.Request().IsCompleted())
			continue
		}
		select {
		case <-xfer.Done():
			assert.ErrorIs(t, xfer.Params().Status, pkg.ErrCancelled)
		default:
			t.Errorf("transfer %d sent before Close but not completed by it", i)
		}
	}
	assert.Zero(t, exec.PendingCount())
}

func TestWaitAll(t *testing.T) {
	release := make(chan struct{})
	m := &mockHAL{bulk: func(_ context.Context, _ uint8, data []byte) (int, error) {
		<-release
		return len(data), nil
	}}
	exec, in, _ := newPipes(t, m)

	require.NoError(t, exec.WaitAll(context.Background()))

	req := request.NewRead(make([]byte, 4))
	require.NoError(t, in.Send(formatRead(t, in, req), 0, 0))
	assert.Equal(t, 1, exec.PendingCount())

	close(release)
	require.NoError(t, exec.WaitAll(context.Background()))
	assert.Zero(t, exec.PendingCount())
	assert.NoError(t, waitResult(t, req).Status)
}

func TestWaitAllHonorsContext(t *testing.T) {
	m := &mockHAL{bulk: blockUntilCancelled}
	exec, in, _ := newPipes(t, m)

	req := request.NewRead(make([]byte, 4))
	require.NoError(t, in.Send(formatRead(t, in, req), 0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, exec.WaitAll(ctx), context.DeadlineExceeded)
}
