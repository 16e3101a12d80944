package msc

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Device is an installed mass storage device.
type Device struct {
	driver *Driver
	handle *host.Device
	config Config
	clock  clock.Clock

	// The device's single transfer object and its completion signal.
	xfer *host.Transfer
	done chan struct{}
	busy atomic.Bool

	claimed bool
	// A detach during bring-up can race the install unwind to release.
	releaseOnce sync.Once

	// Serializes SCSI commands.
	cmdMu sync.Mutex
	tag   uint32

	inquiry    InquiryData
	blockSize  uint32
	blockCount uint32
}

// DeviceInfo describes an installed device.
type DeviceInfo struct {
	VendorID    uint16
	ProductID   uint16
	SectorSize  uint32
	SectorCount uint32

	// Zero-terminated UTF-16 strings.
	Manufacturer [MSCStrDescSize]uint16
	Product      [MSCStrDescSize]uint16
	SerialNumber [MSCStrDescSize]uint16
}

// ManufacturerString returns the manufacturer as a Go string.
func (i *DeviceInfo) ManufacturerString() string { return host.DecodeUTF16(i.Manufacturer[:]) }

// ProductString returns the product as a Go string.
func (i *DeviceInfo) ProductString() string { return host.DecodeUTF16(i.Product[:]) }

// SerialNumberString returns the serial number as a Go string.
func (i *DeviceInfo) SerialNumberString() string { return host.DecodeUTF16(i.SerialNumber[:]) }

// InstallDevice claims the mass storage device at addr and brings it to a
// ready state. The device is registered before it is brought up, so a
// disconnect during bring-up is reported for it.
func (d *Driver) InstallDevice(addr hal.DeviceAddress) (*Device, error) {
	if d.shuttingDown() {
		return nil, pkg.ErrInvalidState
	}

	dev := &Device{
		driver: d,
		clock:  d.clock,
		done:   make(chan struct{}, 1),
	}

	if err := dev.install(addr); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "device install failed", "address", addr, "error", err)
		d.unregister(dev)
		var cleanup pkg.Cleanup
		dev.release(&cleanup)
		cleanup.Discard(pkg.ComponentMSC, "device install unwound")
		return nil, err
	}

	pkg.LogInfo(pkg.ComponentMSC, "device installed",
		"address", addr,
		"vendor", dev.inquiry.Vendor,
		"product", dev.inquiry.Product,
		"blockSize", dev.blockSize,
		"blockCount", dev.blockCount)
	return dev, nil
}

func (dev *Device) install(addr hal.DeviceAddress) error {
	client := dev.driver.client

	handle, err := client.Open(addr)
	if err != nil {
		return err
	}
	dev.handle = handle

	desc, err := handle.ActiveConfigDescriptor()
	if err != nil {
		return err
	}
	if dev.config, err = ParseConfig(desc); err != nil {
		return err
	}

	// IN transfers round up to the max packet size and must still fit
	size := roundUp(DefaultTransferSize, int(dev.config.BulkInMaxPacketSize))
	if dev.xfer, err = host.AllocTransfer(size); err != nil {
		return err
	}
	dev.xfer.Callback = dev.transferDone
	dev.xfer.Context = dev

	if err := client.ClaimInterface(handle, dev.config.Interface, 0); err != nil {
		return err
	}
	dev.claimed = true

	if err := dev.driver.register(dev); err != nil {
		return err
	}

	if dev.inquiry, err = dev.Inquiry(); err != nil {
		return err
	}
	if err := dev.waitForReady(WaitForReadyTimeout); err != nil {
		return err
	}
	dev.blockSize, dev.blockCount, err = dev.ReadCapacity()
	return err
}

// UninstallDevice releases an installed device. Every release step runs; the
// combined error of the failed steps is returned.
func (d *Driver) UninstallDevice(dev *Device) error {
	if dev == nil {
		return pkg.ErrInvalidArgument
	}
	if !d.unregister(dev) {
		return pkg.ErrInvalidState
	}

	var cleanup pkg.Cleanup
	dev.release(&cleanup)

	pkg.LogInfo(pkg.ComponentMSC, "device uninstalled", "address", dev.handle.Address())
	return cleanup.Err()
}

// release returns the device's transport resources in reverse order of
// acquisition. Only the first call releases anything.
func (dev *Device) release(cleanup *pkg.Cleanup) {
	dev.releaseOnce.Do(func() {
		client := dev.driver.client
		if dev.claimed {
			cleanup.Do(func() error { return client.ReleaseInterface(dev.handle, dev.config.Interface) })
			dev.claimed = false
		}
		if dev.handle != nil {
			cleanup.Do(func() error { return client.Close(dev.handle) })
		}
		if dev.xfer != nil {
			cleanup.Do(dev.xfer.Free)
		}
	})
}

// Address returns the device's bus address.
func (dev *Device) Address() hal.DeviceAddress {
	return dev.handle.Address()
}

// Handle returns the underlying host device.
func (dev *Device) Handle() *host.Device {
	return dev.handle
}

// Config returns the device's Bulk-Only Transport configuration.
func (dev *Device) Config() Config {
	return dev.config
}

// InquiryData returns the INQUIRY response read when the device was installed.
func (dev *Device) InquiryData() InquiryData {
	return dev.inquiry
}

// BlockSize returns the size of a sector in bytes.
func (dev *Device) BlockSize() uint32 {
	return dev.blockSize
}

// BlockCount returns the number of sectors.
func (dev *Device) BlockCount() uint32 {
	return dev.blockCount
}

// Capacity returns the size of the medium in bytes.
func (dev *Device) Capacity() int64 {
	return int64(dev.blockSize) * int64(dev.blockCount)
}

// Info returns the device's identification and geometry.
func (dev *Device) Info() (DeviceInfo, error) {
	var info DeviceInfo
	if dev == nil || dev.handle == nil {
		return info, pkg.ErrInvalidArgument
	}

	desc := dev.handle.Descriptor()
	strs := dev.handle.Info()

	info.VendorID = desc.VendorID
	info.ProductID = desc.ProductID
	info.SectorSize = dev.blockSize
	info.SectorCount = dev.blockCount
	copyString(&info.Manufacturer, strs.Manufacturer)
	copyString(&info.Product, strs.Product)
	copyString(&info.SerialNumber, strs.SerialNumber)
	return info, nil
}

// copyString copies at most MSCStrDescSize-1 code units, leaving a
// terminating zero.
func copyString(dst *[MSCStrDescSize]uint16, src []uint16) {
	n := copy(dst[:MSCStrDescSize-1], src)
	dst[n] = 0
}

// PrintDescriptors writes the device and configuration descriptors to w.
func (dev *Device) PrintDescriptors(w io.Writer) error {
	if dev == nil || dev.handle == nil {
		return pkg.ErrInvalidArgument
	}
	desc := dev.handle.Descriptor()
	raw, err := dev.handle.ActiveConfigDescriptor()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetTitle("Device Descriptor")
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"bLength", desc.Length},
		{"bDescriptorType", desc.DescriptorType},
		{"bcdUSB", fmt.Sprintf("%x.%02x", desc.USBVersion>>8, desc.USBVersion&0xFF)},
		{"bDeviceClass", fmt.Sprintf("0x%02x", desc.DeviceClass)},
		{"bDeviceSubClass", fmt.Sprintf("0x%02x", desc.DeviceSubClass)},
		{"bDeviceProtocol", fmt.Sprintf("0x%02x", desc.DeviceProtocol)},
		{"bMaxPacketSize0", desc.MaxPacketSize0},
		{"idVendor", fmt.Sprintf("0x%04x", desc.VendorID)},
		{"idProduct", fmt.Sprintf("0x%04x", desc.ProductID)},
		{"bcdDevice", fmt.Sprintf("%x.%02x", desc.DeviceVersion>>8, desc.DeviceVersion&0xFF)},
		{"iManufacturer", desc.ManufacturerIndex},
		{"iProduct", desc.ProductIndex},
		{"iSerialNumber", desc.SerialNumberIndex},
		{"bNumConfigurations", desc.NumConfigurations},
	})
	if _, err := fmt.Fprintln(w, t.Render()); err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, configTable(raw).Render())
	return err
}

// configTable tabulates every descriptor of a configuration descriptor.
func configTable(raw []byte) table.Writer {
	t := table.NewWriter()
	t.SetTitle("Configuration Descriptor")
	t.AppendHeader(table.Row{"Offset", "Type", "Details"})

	var cfg host.ConfigurationDescriptor
	if host.ParseConfigurationDescriptor(raw, &cfg) {
		t.AppendRow(table.Row{0, "CONFIGURATION", fmt.Sprintf(
			"wTotalLength=%d bNumInterfaces=%d bConfigurationValue=%d bmAttributes=0x%02x bMaxPower=%dmA",
			cfg.TotalLength, cfg.NumInterfaces, cfg.ConfigurationValue, cfg.Attributes, 2*int(cfg.MaxPower))})
	}

	c := newCursor(raw)
	for {
		rec, ok := c.advance()
		if !ok {
			break
		}
		t.AppendRow(table.Row{c.offset, descriptorName(rec[1]), describe(rec)})
	}
	return t
}

func descriptorName(descType uint8) string {
	switch descType {
	case host.DescriptorTypeInterface:
		return "INTERFACE"
	case host.DescriptorTypeEndpoint:
		return "ENDPOINT"
	default:
		return fmt.Sprintf("0x%02x", descType)
	}
}

func describe(rec []byte) string {
	switch rec[1] {
	case host.DescriptorTypeInterface:
		var iface host.InterfaceDescriptor
		if host.ParseInterfaceDescriptor(rec, &iface) {
			return fmt.Sprintf("bInterfaceNumber=%d bAlternateSetting=%d bNumEndpoints=%d class=0x%02x/0x%02x/0x%02x",
				iface.InterfaceNumber, iface.AlternateSetting, iface.NumEndpoints,
				iface.InterfaceClass, iface.InterfaceSubClass, iface.InterfaceProtocol)
		}
	case host.DescriptorTypeEndpoint:
		var ep host.EndpointDescriptor
		if host.ParseEndpointDescriptor(rec, &ep) {
			dir := "OUT"
			if ep.IsIn() {
				dir = "IN"
			}
			return fmt.Sprintf("bEndpointAddress=0x%02x %s bmAttributes=0x%02x wMaxPacketSize=%d bInterval=%d",
				ep.EndpointAddress, dir, ep.Attributes, ep.MaxPacketSize, ep.Interval)
		}
	}
	return fmt.Sprintf("% x", rec)
}
