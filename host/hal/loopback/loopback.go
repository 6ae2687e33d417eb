package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/ardnew/usbrwq/host/hal"
	"github.com/ardnew/usbrwq/pkg"
)

// Device layout, mirroring the OSR FX2 learning kit.
const (
	Address = hal.DeviceAddress(1)

	EndpointInterruptIn = 0x81
	EndpointBulkOut     = 0x06
	EndpointBulkIn      = 0x88

	VendorID  = 0x0547
	ProductID = 0x1002

	MaxPacketSize = 512
)

// DefaultDepth is the number of packets buffered between OUT and IN.
const DefaultDepth = 64

// ErrClosed is returned by transfers after Stop or Close.
var ErrClosed = errors.New("loopback not running")

// Options configure a loopback device.
type Options struct {
	// Depth bounds the packets buffered between the OUT and IN endpoints.
	// OUT transfers block while the buffer is full.
	Depth int

	// Latency delays every bulk transfer before it takes effect.
	Latency time.Duration
}

// HAL is an in-memory host HAL for a single bulk loopback device: every
// packet written to the bulk OUT endpoint is returned by the bulk IN endpoint.
type HAL struct {
	opts Options

	mu      sync.Mutex
	packets *queue.Queue // of []byte
	changed chan struct{}
	running bool
	stopped chan struct{}

	stopOnce sync.Once
}

// New creates a loopback HAL.
func New(opts Options) *HAL {
	if opts.Depth < 1 {
		opts.Depth = DefaultDepth
	}
	return &HAL{
		opts:    opts,
		packets: queue.New(),
		changed: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Init implements hal.HostHAL.
func (h *HAL) Init(ctx context.Context) error {
	return ctx.Err()
}

// Start implements hal.HostHAL.
func (h *HAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stopped:
		return ErrClosed
	default:
	}
	h.running = true
	pkg.LogInfo(pkg.ComponentHAL, "loopback started", "depth", h.opts.Depth)
	return nil
}

// Stop implements hal.HostHAL. Blocked transfers fail with ErrClosed.
func (h *HAL) Stop() error {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		h.running = false
		close(h.stopped)
		h.mu.Unlock()
		pkg.LogInfo(pkg.ComponentHAL, "loopback stopped")
	})
	return nil
}

// Close implements hal.HostHAL.
func (h *HAL) Close() error {
	return h.Stop()
}

// Buffered returns the number of packets waiting on the IN endpoint.
func (h *HAL) Buffered() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.packets.Length()
}

// ControlTransfer implements hal.HostHAL. Only GET_DESCRIPTOR for the device
// and configuration descriptors is answered; everything else stalls.
func (h *HAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	if addr != Address {
		return 0, pkg.ErrNoDevice
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if setup.RequestType != 0x80 || setup.Request != 0x06 {
		return 0, pkg.ErrStall
	}

	var desc []byte
	switch setup.Value >> 8 {
	case 0x01:
		desc = deviceDescriptor[:]
	case 0x02:
		desc = configurationDescriptor[:]
	default:
		return 0, pkg.ErrStall
	}
	n := min(len(data), int(setup.Length), len(desc))
	return copy(data[:n], desc), nil
}

// BulkTransfer implements hal.HostHAL.
func (h *HAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	if addr != Address {
		return 0, pkg.ErrNoDevice
	}
	if err := h.delay(ctx); err != nil {
		return 0, err
	}

	switch endpoint {
	case EndpointBulkOut:
		return h.write(ctx, data)
	case EndpointBulkIn:
		return h.read(ctx, data)
	default:
		return 0, pkg.ErrInvalidEndpoint
	}
}

func (h *HAL) delay(ctx context.Context) error {
	if h.opts.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(h.opts.Latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrClosed
	}
}

// write queues a copy of data, waiting for room when the buffer is full.
func (h *HAL) write(ctx context.Context, data []byte) (int, error) {
	packet := append([]byte(nil), data...)
	for {
		h.mu.Lock()
		if !h.running {
			h.mu.Unlock()
			return 0, ErrClosed
		}
		if h.packets.Length() < h.opts.Depth {
			h.packets.Add(packet)
			h.signalLocked()
			h.mu.Unlock()
			return len(packet), nil
		}
		changed := h.changed
		h.mu.Unlock()

		if err := h.wait(ctx, changed); err != nil {
			return 0, err
		}
	}
}

// read returns the oldest packet, waiting until one is available. A packet
// longer than data is truncated and reported as an overrun.
func (h *HAL) read(ctx context.Context, data []byte) (int, error) {
	for {
		h.mu.Lock()
		if !h.running {
			h.mu.Unlock()
			return 0, ErrClosed
		}
		if h.packets.Length() > 0 {
			packet := h.packets.Remove().([]byte)
			h.signalLocked()
			h.mu.Unlock()

			n := copy(data, packet)
			if n < len(packet) {
				return n, pkg.ErrOverrun
			}
			return n, nil
		}
		changed := h.changed
		h.mu.Unlock()

		if err := h.wait(ctx, changed); err != nil {
			return 0, err
		}
	}
}

func (h *HAL) wait(ctx context.Context, changed <-chan struct{}) error {
	select {
	case <-changed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrClosed
	}
}

// signalLocked wakes every waiter. h.mu must be held.
func (h *HAL) signalLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}

var deviceDescriptor = func() (d [18]byte) {
	d[0], d[1] = 18, 0x01
	binary.LittleEndian.PutUint16(d[2:], 0x0200)
	d[7] = 64
	binary.LittleEndian.PutUint16(d[8:], VendorID)
	binary.LittleEndian.PutUint16(d[10:], ProductID)
	binary.LittleEndian.PutUint16(d[12:], 0x0000)
	d[17] = 1
	return d
}()

var configurationDescriptor = func() (d [9 + 9 + 3*7]byte) {
	// configuration
	copy(d[0:], []byte{9, 0x02, byte(len(d)), 0, 1, 1, 0, 0xA0, 50})
	// interface 0, vendor class, three endpoints
	copy(d[9:], []byte{9, 0x04, 0, 0, 3, 0xFF, 0, 0, 0})
	copy(d[18:], []byte{7, 0x05, EndpointInterruptIn, 0x03, 0x40, 0x00, 1})
	copy(d[25:], []byte{7, 0x05, EndpointBulkOut, 0x02, 0x00, 0x02, 0})
	copy(d[32:], []byte{7, 0x05, EndpointBulkIn, 0x02, 0x00, 0x02, 0})
	return d
}()

var _ hal.HostHAL = (*HAL)(nil)
