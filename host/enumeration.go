package host

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Enumeration errors.
var (
	ErrEnumerationFailed = errors.New("enumeration failed")
	ErrNoAddress         = errors.New("no address available")
)

// ResetRecovery is the time a device is given after port reset before the
// first request (USB 2.0 section 7.1.7.3).
const ResetRecovery = 10 * time.Millisecond

// enumerateDevice performs the USB enumeration sequence for a new device.
func (h *Host) enumerateDevice(port int) (*Device, error) {
	pkg.LogDebug(pkg.ComponentHost, "starting enumeration", "port", port)

	speed := h.hal.PortSpeed(port)

	if err := h.hal.ResetPort(port); err != nil {
		return nil, err
	}
	h.clock.Sleep(ResetRecovery)

	dev := newDevice(h, port, 0, speed)

	// The first 8 bytes carry bMaxPacketSize0
	var buf [MaxDescriptorSize]byte
	n, err := h.getDescriptor(dev, DescriptorTypeDevice, 0, 0, buf[:8])
	if err != nil {
		dev.cancel()
		return nil, err
	}
	if n < 8 {
		dev.cancel()
		return nil, ErrEnumerationFailed
	}

	address := h.allocateAddress()
	if address == 0 {
		dev.cancel()
		return nil, ErrNoAddress
	}
	if err := h.hal.SetDeviceAddress(h.ctx, hal.DeviceAddress(address)); err != nil {
		dev.cancel()
		return nil, err
	}

	dev.address = address
	dev.state = DeviceStateAddress
	pkg.LogDebug(pkg.ComponentHost, "assigned address", "port", port, "address", address)

	n, err = h.getDescriptor(dev, DescriptorTypeDevice, 0, 0, buf[:DeviceDescriptorSize])
	if err != nil {
		dev.cancel()
		return nil, err
	}
	if !ParseDeviceDescriptor(buf[:n], &dev.descriptor) {
		dev.cancel()
		return nil, ErrEnumerationFailed
	}

	pkg.LogDebug(pkg.ComponentHost, "device descriptor",
		"vendorID", dev.descriptor.VendorID,
		"productID", dev.descriptor.ProductID,
		"class", dev.descriptor.DeviceClass)

	// Header first for wTotalLength, then the whole tree
	n, err = h.getDescriptor(dev, DescriptorTypeConfiguration, 0, 0, buf[:ConfigurationDescriptorSize])
	if err != nil {
		dev.cancel()
		return nil, err
	}
	if n < ConfigurationDescriptorSize {
		dev.cancel()
		return nil, ErrEnumerationFailed
	}

	total := int(binary.LittleEndian.Uint16(buf[2:4]))
	if total > len(buf) {
		total = len(buf)
	}
	n, err = h.getDescriptor(dev, DescriptorTypeConfiguration, 0, 0, buf[:total])
	if err != nil {
		dev.cancel()
		return nil, err
	}
	if !dev.parseConfiguration(buf[:n]) {
		dev.cancel()
		return nil, ErrEnumerationFailed
	}

	pkg.LogDebug(pkg.ComponentHost, "configuration descriptor",
		"totalLength", dev.config.TotalLength,
		"numInterfaces", dev.config.NumInterfaces,
		"configValue", dev.config.ConfigurationValue)

	h.readStringDescriptors(dev, buf[:])

	if dev.config.ConfigurationValue > 0 {
		if err := dev.setConfiguration(h.ctx, dev.config.ConfigurationValue); err != nil {
			dev.cancel()
			return nil, err
		}
	}

	return dev, nil
}

// getDescriptor performs a standard GET_DESCRIPTOR request.
func (h *Host) getDescriptor(dev *Device, descType, index uint8, langID uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      uint16(len(data)),
	}
	return h.hal.ControlTransfer(h.ctx, dev.Address(), &setup, data)
}

// readStringDescriptors caches the raw manufacturer, product and serial
// strings. Failures are not fatal; the string is left empty.
func (h *Host) readStringDescriptors(dev *Device, buf []byte) {
	indexes := [numStrings]uint8{
		StringManufacturer: dev.descriptor.ManufacturerIndex,
		StringProduct:      dev.descriptor.ProductIndex,
		StringSerialNumber: dev.descriptor.SerialNumberIndex,
	}

	for slot, index := range indexes {
		if index == 0 {
			continue
		}

		n, err := h.getDescriptor(dev, DescriptorTypeString, index, LangIDUSEnglish, buf)
		if err != nil {
			pkg.LogDebug(pkg.ComponentHost, "string descriptor read failed",
				"index", index,
				"error", err)
			continue
		}

		dev.strings[slot] = parseStringDescriptor(buf[:n])
	}
}

// parseStringDescriptor returns the UTF-16 code units of a string descriptor.
func parseStringDescriptor(data []byte) []uint16 {
	if len(data) < 2 || data[1] != DescriptorTypeString {
		return nil
	}
	length := int(data[0])
	if length > len(data) {
		length = len(data)
	}
	if length < 2 {
		return nil
	}
	units := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return units
}
