package host

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/text/encoding/unicode"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// String descriptor slots cached per device.
const (
	StringManufacturer = iota
	StringProduct
	StringSerialNumber
	numStrings
)

// Device represents an enumerated USB device from the host's perspective.
type Device struct {
	host    *Host
	address uint8
	port    int
	speed   hal.Speed

	descriptor DeviceDescriptor
	config     ConfigurationDescriptor

	// Raw configuration descriptor including all interface and endpoint
	// descriptors, wTotalLength bytes long.
	configRaw []byte

	// Raw UTF-16 code units of the manufacturer, product and serial strings.
	strings [numStrings][]uint16

	state DeviceState

	// Per-endpoint submission state, keyed by endpoint address.
	endpoints map[uint8]*endpointState

	ctx    context.Context
	cancel context.CancelFunc
	mutex  sync.RWMutex
}

// endpointState tracks halt status and the context in-flight transfers on an
// endpoint run under. Flushing cancels the context and replaces it.
type endpointState struct {
	halted   bool
	inFlight int
	ctx      context.Context
	cancel   context.CancelFunc

	stats EndpointStats
}

// EndpointStats counts the halt and flush requests made on an endpoint.
type EndpointStats struct {
	Halts   int
	Flushes int
}

// DeviceInfo summarizes an enumerated device.
type DeviceInfo struct {
	Address            hal.DeviceAddress
	Speed              hal.Speed
	ConfigurationValue uint8

	// Raw UTF-16 code units without the descriptor header.
	Manufacturer []uint16
	Product      []uint16
	SerialNumber []uint16
}

// newDevice creates a new device instance.
func newDevice(host *Host, port int, address uint8, speed hal.Speed) *Device {
	ctx, cancel := context.WithCancel(host.ctx)
	return &Device{
		host:      host,
		address:   address,
		port:      port,
		speed:     speed,
		state:     DeviceStateDefault,
		endpoints: make(map[uint8]*endpointState),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Address returns the device address.
func (d *Device) Address() hal.DeviceAddress {
	return hal.DeviceAddress(d.address)
}

// Port returns the port number the device is connected to.
func (d *Device) Port() int {
	return d.port
}

// Speed returns the device speed.
func (d *Device) Speed() hal.Speed {
	return d.speed
}

// VendorID returns the device vendor ID.
func (d *Device) VendorID() uint16 {
	return d.descriptor.VendorID
}

// ProductID returns the device product ID.
func (d *Device) ProductID() uint16 {
	return d.descriptor.ProductID
}

// Descriptor returns the device descriptor.
func (d *Device) Descriptor() DeviceDescriptor {
	return d.descriptor
}

// Configuration returns the active configuration descriptor header.
func (d *Device) Configuration() ConfigurationDescriptor {
	return d.config
}

// ActiveConfigDescriptor returns the full raw configuration descriptor.
// The returned slice references internal storage; do not modify.
func (d *Device) ActiveConfigDescriptor() ([]byte, error) {
	if len(d.configRaw) < ConfigurationDescriptorSize {
		return nil, pkg.ErrNotSupported
	}
	return d.configRaw, nil
}

// Info returns the device summary including raw string descriptors.
func (d *Device) Info() DeviceInfo {
	return DeviceInfo{
		Address:            d.Address(),
		Speed:              d.speed,
		ConfigurationValue: d.config.ConfigurationValue,
		Manufacturer:       d.strings[StringManufacturer],
		Product:            d.strings[StringProduct],
		SerialNumber:       d.strings[StringSerialNumber],
	}
}

// Manufacturer returns the manufacturer string.
func (d *Device) Manufacturer() string {
	return DecodeUTF16(d.strings[StringManufacturer])
}

// Product returns the product string.
func (d *Device) Product() string {
	return DecodeUTF16(d.strings[StringProduct])
}

// SerialNumber returns the serial number string.
func (d *Device) SerialNumber() string {
	return DecodeUTF16(d.strings[StringSerialNumber])
}

// State returns the current device state.
func (d *Device) State() DeviceState {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%03d:%04x:%04x", d.address, d.descriptor.VendorID, d.descriptor.ProductID)
}

// Submit queues a bulk transfer on t.Endpoint.
// The transfer's callback runs when it retires.
func (d *Device) Submit(t *Transfer) error {
	if t == nil || t.NumBytes < 0 || t.NumBytes > len(t.data) {
		return pkg.ErrInvalidArgument
	}
	if t.Endpoint&0x0F == 0 {
		return pkg.ErrInvalidArgument
	}
	return d.submit(t, false)
}

func (d *Device) submit(t *Transfer, control bool) error {
	if !t.inFlight.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}

	d.mutex.Lock()
	if d.state == DeviceStateDetached {
		d.mutex.Unlock()
		t.inFlight.Store(false)
		return pkg.ErrNoDevice
	}
	ep := d.endpointLocked(t.Endpoint)
	if ep.halted {
		d.mutex.Unlock()
		t.inFlight.Store(false)
		return pkg.ErrInvalidState
	}
	ep.inFlight++
	t.ctx = ep.ctx
	d.mutex.Unlock()

	t.Device = d
	t.control = control
	t.ActualNumBytes = 0

	if err := d.host.transfers.submit(t); err != nil {
		d.retire(t)
		t.inFlight.Store(false)
		return err
	}
	return nil
}

// retire drops the in-flight count of t's endpoint.
func (d *Device) retire(t *Transfer) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if ep, ok := d.endpoints[t.Endpoint]; ok && ep.inFlight > 0 {
		ep.inFlight--
	}
}

// endpointLocked returns the state for an endpoint, creating it on first use.
// Caller must hold d.mutex.
func (d *Device) endpointLocked(addr uint8) *endpointState {
	ep, ok := d.endpoints[addr]
	if !ok {
		ep = &endpointState{}
		ep.ctx, ep.cancel = context.WithCancel(d.ctx)
		d.endpoints[addr] = ep
	}
	return ep
}

// HaltEndpoint stops the endpoint from accepting new submissions.
// Transfers already in flight continue until flushed.
func (d *Device) HaltEndpoint(addr uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state == DeviceStateDetached {
		return pkg.ErrNoDevice
	}
	ep := d.endpointLocked(addr)
	ep.halted = true
	ep.stats.Halts++
	pkg.LogDebug(pkg.ComponentTransfer, "endpoint halted", "address", d.address, "endpoint", addr)
	return nil
}

// FlushEndpoint retires every transfer in flight on a halted endpoint with
// status Cancelled.
func (d *Device) FlushEndpoint(addr uint8) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	ep, ok := d.endpoints[addr]
	if !ok || !ep.halted {
		return pkg.ErrInvalidState
	}
	ep.cancel()
	ep.ctx, ep.cancel = context.WithCancel(d.ctx)
	ep.stats.Flushes++
	pkg.LogDebug(pkg.ComponentTransfer, "endpoint flushed",
		"address", d.address,
		"endpoint", addr,
		"inFlight", ep.inFlight)
	return nil
}

// EndpointStats returns the halt and flush counts of the endpoint at addr.
// An endpoint that has seen no traffic reports zero counts.
func (d *Device) EndpointStats(addr uint8) EndpointStats {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if ep, ok := d.endpoints[addr]; ok {
		return ep.stats
	}
	return EndpointStats{}
}

// ClearEndpoint clears a halt set by HaltEndpoint or by a device STALL,
// sending CLEAR_FEATURE(ENDPOINT_HALT) to the device.
func (d *Device) ClearEndpoint(ctx context.Context, addr uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(addr),
	}
	if _, err := d.host.hal.ControlTransfer(ctx, d.Address(), &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	if ep, ok := d.endpoints[addr]; ok {
		ep.halted = false
	}
	d.mutex.Unlock()
	return nil
}

// detach marks the device gone and retires everything in flight.
func (d *Device) detach() {
	d.mutex.Lock()
	d.state = DeviceStateDetached
	d.mutex.Unlock()
	d.cancel()
}

// setConfiguration sends SET_CONFIGURATION.
func (d *Device) setConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.host.hal.ControlTransfer(ctx, d.Address(), &setup, nil); err != nil {
		return err
	}

	d.mutex.Lock()
	if value > 0 {
		d.state = DeviceStateConfigured
	} else {
		d.state = DeviceStateAddress
	}
	d.mutex.Unlock()
	return nil
}

// parseConfiguration stores the raw configuration descriptor.
func (d *Device) parseConfiguration(data []byte) bool {
	if !ParseConfigurationDescriptor(data, &d.config) {
		return false
	}
	n := int(d.config.TotalLength)
	if n > len(data) {
		n = len(data)
	}
	d.configRaw = append([]byte(nil), data[:n]...)
	return true
}

// DecodeUTF16 converts little-endian UTF-16 code units to a string.
// Decoding stops at the first zero code unit.
func DecodeUTF16(units []uint16) string {
	raw := make([]byte, 0, 2*len(units))
	for _, u := range units {
		if u == 0 {
			break
		}
		raw = append(raw, byte(u), byte(u>>8))
	}
	s, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(raw)
	if err != nil {
		return ""
	}
	return string(s)
}
