package hal

import (
	"context"
	"encoding/binary"
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = binary.LittleEndian.Uint16(data[2:4])
	out.Index = binary.LittleEndian.Uint16(data[4:6])
	out.Length = binary.LittleEndian.Uint16(data[6:8])
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	binary.LittleEndian.PutUint16(buf[2:4], s.Value)
	binary.LittleEndian.PutUint16(buf[4:6], s.Index)
	binary.LittleEndian.PutUint16(buf[6:8], s.Length)
	return SetupPacketSize
}

// IsIn reports whether the data stage flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL is the hardware boundary used by the host side of the queue.
//
// Transfers block until the bus reports an outcome or ctx ends; a transfer
// interrupted by ctx must return promptly with ctx.Err() (or an error wrapping
// it). Implementations must be safe for concurrent use: one goroutine may be
// blocked in a bulk IN transfer while another issues bulk OUT transfers.
type HostHAL interface {
	// Init prepares the controller. The context can cancel initialization.
	Init(ctx context.Context) error

	// Start enables the controller.
	Start() error

	// Stop disables the controller. Blocked transfers return an error.
	Stop() error

	// Close releases all resources. The HAL must not be used afterwards.
	Close() error

	// ControlTransfer performs a control transfer on the default pipe.
	// For IN requests data is filled; for OUT requests data is sent.
	// Returns the number of bytes moved in the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer on endpoint. Bit 7 of the
	// endpoint address selects direction. Returns bytes transferred.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
}
