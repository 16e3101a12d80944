package sim

import (
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/mschost/host/hal"
)

// Descriptor type codes used when building descriptors.
const (
	descriptorInterface = 0x04
	descriptorEndpoint  = 0x05

	endpointTypeBulk      = 0x02
	endpointTypeInterrupt = 0x03
)

// Identity holds the descriptor fields shared by every virtual device.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	SerialNumber string
	Speed        hal.Speed
}

// deviceDescriptor builds an 18-byte device descriptor with the interface
// level class code and string indexes 1, 2 and 3.
func (id *Identity) deviceDescriptor() []byte {
	buf := make([]byte, 18)
	buf[0] = 18
	buf[1] = descriptorDevice
	binary.LittleEndian.PutUint16(buf[2:], 0x0200)
	buf[7] = 64
	binary.LittleEndian.PutUint16(buf[8:], id.VendorID)
	binary.LittleEndian.PutUint16(buf[10:], id.ProductID)
	binary.LittleEndian.PutUint16(buf[12:], 0x0100)
	buf[14] = 1
	buf[15] = 2
	buf[16] = 3
	buf[17] = 1
	return buf
}

// stringDescriptor returns the string with the given index.
func (id *Identity) stringDescriptor(index uint8) (string, bool) {
	switch index {
	case 1:
		return id.Manufacturer, id.Manufacturer != ""
	case 2:
		return id.Product, id.Product != ""
	case 3:
		return id.SerialNumber, id.SerialNumber != ""
	default:
		return "", false
	}
}

// configBuilder assembles a configuration descriptor tree.
type configBuilder struct {
	buf []byte
}

func newConfigBuilder() *configBuilder {
	// wTotalLength and bNumInterfaces are patched by bytes
	return &configBuilder{buf: []byte{9, descriptorConfiguration, 0, 0, 0, 1, 0, 0x80, 50}}
}

func (c *configBuilder) iface(number, numEndpoints, class, subclass, protocol uint8) *configBuilder {
	c.buf = append(c.buf, 9, descriptorInterface, number, 0, numEndpoints, class, subclass, protocol, 0)
	c.buf[4]++
	return c
}

func (c *configBuilder) endpoint(address, attributes uint8, maxPacket uint16, interval uint8) *configBuilder {
	c.buf = append(c.buf, 7, descriptorEndpoint, address, attributes, byte(maxPacket), byte(maxPacket>>8), interval)
	return c
}

func (c *configBuilder) bytes() []byte {
	binary.LittleEndian.PutUint16(c.buf[2:], uint16(len(c.buf)))
	return c.buf
}

// stringDescriptor encodes s as a UTF-16LE string descriptor.
// Strings longer than a descriptor can hold are truncated.
func stringDescriptor(s string) []byte {
	units, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		units = nil
	}
	if len(units) > 252 {
		units = units[:252]
	}
	return append([]byte{byte(2 + len(units)), descriptorString}, units...)
}
