package host

import (
	"encoding/binary"

	"github.com/ardnew/usbrwq/pkg"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Descriptor types used during discovery.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes and bmRequestType bits.
const (
	RequestGetDescriptor = 0x06

	RequestTypeIn       = 0x80 // Device to host
	RequestTypeStandard = 0x00 // Standard request
	RequestTypeDevice   = 0x00 // Recipient: device
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// MaxDescriptorSize bounds the configuration tree read during discovery.
const MaxDescriptorSize = 512

// DeviceDescriptor holds the fields of a device descriptor used by the host.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	NumConfigurations uint8
}

// ParseDeviceDescriptor parses a device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize || data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTooShort
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		NumConfigurations: data[17],
	}
	return nil
}

// InterfaceDescriptor holds the fields of an interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber  uint8
	AlternateSetting uint8
	NumEndpoints     uint8
	InterfaceClass   uint8
}

// EndpointDescriptor holds the fields of an endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// IsIn returns true if this is an IN endpoint.
func (e EndpointDescriptor) IsIn() bool {
	return e.EndpointAddress&0x80 == EndpointDirectionIn
}

// TransferType returns the transfer type.
func (e EndpointDescriptor) TransferType() uint8 {
	return e.Attributes & 0x03
}

// IsBulk returns true if this is a bulk endpoint.
func (e EndpointDescriptor) IsBulk() bool {
	return e.TransferType() == EndpointTypeBulk
}

// Configuration is a parsed configuration descriptor tree.
type Configuration struct {
	TotalLength        uint16
	ConfigurationValue uint8
	Interfaces         []InterfaceDescriptor
	Endpoints          []EndpointDescriptor
}

// ParseConfiguration walks a full configuration descriptor tree. Descriptors
// of other types (class-specific, IADs) are skipped.
func ParseConfiguration(data []byte, out *Configuration) error {
	if len(data) < ConfigurationDescriptorSize || data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTooShort
	}
	out.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	out.ConfigurationValue = data[5]
	out.Interfaces = out.Interfaces[:0]
	out.Endpoints = out.Endpoints[:0]

	end := min(len(data), int(out.TotalLength))
	for off := int(data[0]); off+2 <= end; {
		length := int(data[off])
		if length < 2 || off+length > end {
			return pkg.ErrDescriptorTooShort
		}
		d := data[off : off+length]

		switch d[1] {
		case DescriptorTypeInterface:
			if length < InterfaceDescriptorSize {
				return pkg.ErrDescriptorTooShort
			}
			out.Interfaces = append(out.Interfaces, InterfaceDescriptor{
				InterfaceNumber:  d[2],
				AlternateSetting: d[3],
				NumEndpoints:     d[4],
				InterfaceClass:   d[5],
			})
		case DescriptorTypeEndpoint:
			if length < EndpointDescriptorSize {
				return pkg.ErrDescriptorTooShort
			}
			out.Endpoints = append(out.Endpoints, EndpointDescriptor{
				EndpointAddress: d[2],
				Attributes:      d[3],
				MaxPacketSize:   binary.LittleEndian.Uint16(d[4:6]),
				Interval:        d[6],
			})
		}
		off += length
	}
	return nil
}
