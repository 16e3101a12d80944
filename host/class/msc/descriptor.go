package msc

import (
	"encoding/binary"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Config is the Bulk-Only Transport configuration of a device, recovered from
// its configuration descriptor.
type Config struct {
	Interface           uint8
	BulkIn              uint8
	BulkInMaxPacketSize uint16
	BulkOut             uint8
}

// cursor walks the descriptors of a configuration descriptor. It never moves
// backwards and never reads at or past end.
type cursor struct {
	desc   []byte
	offset int
	end    int
}

func newCursor(desc []byte) *cursor {
	end := len(desc)
	if len(desc) >= host.ConfigurationDescriptorSize {
		if total := int(binary.LittleEndian.Uint16(desc[2:])); total < end {
			end = total
		}
	}
	return &cursor{desc: desc, end: end}
}

// advance moves to the next descriptor and returns it.
func (c *cursor) advance() ([]byte, bool) {
	if c.offset+2 > c.end {
		return nil, false
	}
	length := int(c.desc[c.offset])
	if length < 2 {
		return nil, false
	}
	next := c.offset + length
	if next+2 > c.end {
		return nil, false
	}
	n := int(c.desc[next])
	if n < 2 || next+n > c.end {
		return nil, false
	}
	c.offset = next
	return c.desc[next : next+n], true
}

// next advances to the next descriptor of type descType and returns it.
func (c *cursor) next(descType uint8) ([]byte, bool) {
	for {
		rec, ok := c.advance()
		if !ok {
			return nil, false
		}
		if rec[1] == descType {
			return rec, true
		}
	}
}

// findInterface positions c on the first Bulk-Only SCSI interface.
func (c *cursor) findInterface() (host.InterfaceDescriptor, bool) {
	var iface host.InterfaceDescriptor
	for {
		raw, ok := c.next(host.DescriptorTypeInterface)
		if !ok {
			return iface, false
		}
		if !host.ParseInterfaceDescriptor(raw, &iface) {
			continue
		}
		if iface.InterfaceClass == ClassMassStorage &&
			iface.InterfaceSubClass == SubclassSCSI &&
			iface.InterfaceProtocol == ProtocolBulkOnly {
			return iface, true
		}
	}
}

// IsMassStorage reports whether a configuration descriptor contains a
// Bulk-Only Transport SCSI interface.
func IsMassStorage(desc []byte) bool {
	_, ok := newCursor(desc).findInterface()
	return ok
}

// ParseConfig extracts the Bulk-Only Transport interface and its bulk
// endpoints from a configuration descriptor. The two endpoint descriptors
// following the interface may appear in either order.
func ParseConfig(desc []byte) (Config, error) {
	var cfg Config

	c := newCursor(desc)
	iface, ok := c.findInterface()
	if !ok {
		return cfg, pkg.ErrNotSupported
	}
	cfg.Interface = iface.InterfaceNumber

	var haveIn, haveOut bool
	for i := 0; i < 2; i++ {
		raw, ok := c.next(host.DescriptorTypeEndpoint)
		if !ok {
			return cfg, pkg.ErrNotSupported
		}
		var ep host.EndpointDescriptor
		if !host.ParseEndpointDescriptor(raw, &ep) {
			return cfg, pkg.ErrNotSupported
		}
		if hal.IsInEndpoint(ep.EndpointAddress) {
			cfg.BulkIn = ep.EndpointAddress
			cfg.BulkInMaxPacketSize = ep.MaxPacketSize
			haveIn = true
		} else {
			cfg.BulkOut = ep.EndpointAddress
			haveOut = true
		}
	}
	if !haveIn || !haveOut {
		return cfg, pkg.ErrNotSupported
	}

	pkg.LogDebug(pkg.ComponentMSC, "bulk-only interface",
		"interface", cfg.Interface,
		"bulkIn", cfg.BulkIn,
		"mps", cfg.BulkInMaxPacketSize,
		"bulkOut", cfg.BulkOut)
	return cfg, nil
}
