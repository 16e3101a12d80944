package hal

import (
	"context"
)

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// SetupPacket represents a USB SETUP packet.
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
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
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
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn returns true if the data stage moves device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&EndpointDirIn != 0
}

// EndpointDirIn is the direction bit of an IN endpoint address.
const EndpointDirIn = 0x80

// IsInEndpoint returns true if the endpoint address is an IN endpoint.
func IsInEndpoint(addr uint8) bool {
	return addr&EndpointDirIn != 0
}

// DeviceAddress represents a USB device address (1-127).
type DeviceAddress uint8

// HostHAL defines the Hardware Abstraction Layer interface for the USB host
// library.
//
// The HAL provides the low-level operations needed by the host library to
// communicate with a USB controller, a host operating system's USB stack, or a
// simulated bus. All methods must be safe for concurrent use; transfers to
// different endpoints may be in flight simultaneously.
type HostHAL interface {
	// Initialization and Lifecycle

	// Init prepares the controller. The context bounds the HAL's lifetime.
	Init(ctx context.Context) error

	// Start begins detecting devices.
	Start() error

	// Stop stops detecting devices.
	Stop() error

	// Close releases all resources associated with the HAL.
	Close() error

	// Port Operations

	// NumPorts returns the number of root ports.
	NumPorts() int

	// PortSpeed returns the connection speed of a device on the given port.
	PortSpeed(port int) Speed

	// ResetPort resets the port (1-indexed).
	// After reset completes, the device will be at address 0.
	ResetPort(port int) error

	// Transfers

	// ControlTransfer performs a control transfer to a device.
	// For IN requests, data is filled with received data.
	// Returns the number of bytes transferred in the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer performs a bulk transfer to/from an endpoint.
	// The transfer is abandoned when ctx is done; the HAL then returns an
	// error wrapping the context's error.
	// Returns the number of bytes transferred.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// Device Management

	// SetDeviceAddress assigns an address to the device at address 0.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface claims exclusive access to an interface on a device,
	// detaching any operating system driver first.
	ClaimInterface(addr DeviceAddress, iface uint8) error

	// ReleaseInterface releases a previously claimed interface.
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// Connection Events

	// WaitForConnection blocks until a device connects.
	// Returns the port number (1-indexed) where the device connected.
	WaitForConnection(ctx context.Context) (int, error)

	// WaitForDisconnection blocks until a device disconnects.
	// Returns the port number (1-indexed) where the device disconnected.
	WaitForDisconnection(ctx context.Context) (int, error)
}
