package sim

import (
	"context"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// HID is a boot keyboard with a single interrupt IN endpoint. It has no bulk
// endpoints and refuses every class request.
type HID struct {
	id     Identity
	config []byte
}

// NewHID creates a virtual keyboard with the given identity.
func NewHID(id Identity) *HID {
	if id.Speed == hal.SpeedUnknown {
		id.Speed = hal.SpeedLow
	}
	return &HID{
		id: id,
		config: newConfigBuilder().
			iface(0, 1, 0x03, 0x01, 0x01).
			endpoint(0x81, endpointTypeInterrupt, 8, 10).
			bytes(),
	}
}

func (d *HID) Speed() hal.Speed                            { return d.id.Speed }
func (d *HID) DeviceDescriptor() []byte                    { return d.id.deviceDescriptor() }
func (d *HID) ConfigDescriptor() []byte                    { return d.config }
func (d *HID) StringDescriptor(index uint8) (string, bool) { return d.id.stringDescriptor(index) }
func (d *HID) ClearHalt(endpoint uint8)                    {}

func (d *HID) ClassRequest(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	return 0, pkg.ErrStall
}

func (d *HID) Bulk(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	return 0, pkg.ErrStall
}

// Ensure HID implements Device
var _ Device = (*HID)(nil)
