package host

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbrwq/host/hal"
	"github.com/ardnew/usbrwq/pkg"
)

// Option configures [Open].
type Option func(*options)

type options struct {
	maxInFlight int
}

// WithMaxInFlight bounds the number of transfers the device executes at once.
func WithMaxInFlight(n int) Option {
	return func(o *options) { o.maxInFlight = n }
}

// Device is an opened device with one bulk IN and one bulk OUT pipe.
//
// The pipes are owned by the device and stay valid until Close.
type Device struct {
	hal     hal.HostHAL
	address hal.DeviceAddress

	descriptor DeviceDescriptor
	config     Configuration

	exec   *Executor
	input  *BulkPipe
	output *BulkPipe

	closeOnce sync.Once
	closeErr  error
}

// Open reads the descriptors of the device at addr and acquires its first
// bulk IN and first bulk OUT endpoints as the input and output pipes.
func Open(ctx context.Context, h hal.HostHAL, addr hal.DeviceAddress, opts ...Option) (*Device, error) {
	if h == nil {
		return nil, pkg.ErrInvalidParameter
	}
	o := options{maxInFlight: DefaultMaxInFlight}
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{hal: h, address: addr}

	var buf [MaxDescriptorSize]byte
	n, err := d.getDescriptor(ctx, DescriptorTypeDevice, buf[:DeviceDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}
	if err := ParseDeviceDescriptor(buf[:n], &d.descriptor); err != nil {
		return nil, fmt.Errorf("device descriptor: %w", err)
	}

	// Header first for wTotalLength, then the whole tree.
	n, err = d.getDescriptor(ctx, DescriptorTypeConfiguration, buf[:ConfigurationDescriptorSize])
	if err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	if err := ParseConfiguration(buf[:n], &d.config); err != nil {
		return nil, fmt.Errorf("configuration descriptor: %w", err)
	}
	total := min(int(d.config.TotalLength), len(buf))
	n, err = d.getDescriptor(ctx, DescriptorTypeConfiguration, buf[:total])
	if err != nil {
		return nil, fmt.Errorf("configuration tree: %w", err)
	}
	if err := ParseConfiguration(buf[:n], &d.config); err != nil {
		return nil, fmt.Errorf("configuration tree: %w", err)
	}

	in, out, err := selectBulkPair(d.config.Endpoints)
	if err != nil {
		return nil, err
	}

	d.exec = NewExecutor(h, o.maxInFlight)
	if d.input, err = NewBulkPipe(d.exec, addr, in); err != nil {
		return nil, err
	}
	if d.output, err = NewBulkPipe(d.exec, addr, out); err != nil {
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentDevice, "device opened",
		"address", addr,
		"vendor", d.descriptor.VendorID,
		"product", d.descriptor.ProductID,
		"input", d.input.String(),
		"output", d.output.String())
	return d, nil
}

func selectBulkPair(eps []EndpointDescriptor) (in, out EndpointDescriptor, err error) {
	var haveIn, haveOut bool
	for _, ep := range eps {
		if !ep.IsBulk() {
			continue
		}
		switch {
		case ep.IsIn() && !haveIn:
			in, haveIn = ep, true
		case !ep.IsIn() && !haveOut:
			out, haveOut = ep, true
		}
	}
	if !haveIn || !haveOut {
		return in, out, fmt.Errorf("%w: need one bulk IN and one bulk OUT endpoint", pkg.ErrInvalidEndpoint)
	}
	return in, out, nil
}

func (d *Device) getDescriptor(ctx context.Context, descType uint8, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType) << 8,
		Length:      uint16(len(data)),
	}
	return d.hal.ControlTransfer(ctx, d.address, &setup, data)
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress { return d.address }

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// Configuration returns the parsed configuration tree.
func (d *Device) Configuration() Configuration { return d.config }

// InputPipe returns the bulk IN pipe, used for reads.
func (d *Device) InputPipe() Pipe { return d.input }

// OutputPipe returns the bulk OUT pipe, used for writes.
func (d *Device) OutputPipe() Pipe { return d.output }

// InputBulkPipe returns the concrete bulk IN pipe.
func (d *Device) InputBulkPipe() *BulkPipe { return d.input }

// OutputBulkPipe returns the concrete bulk OUT pipe.
func (d *Device) OutputBulkPipe() *BulkPipe { return d.output }

// Executor returns the executor running the device transfers.
func (d *Device) Executor() *Executor { return d.exec }

// Close cancels outstanding transfers and waits for their completions.
func (d *Device) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.exec.Close(ctx)
		pkg.LogInfo(pkg.ComponentDevice, "device closed", "address", d.address)
	})
	return d.closeErr
}
