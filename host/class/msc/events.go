package msc

import (
	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// EventType identifies a driver event.
type EventType int

// Driver event types.
const (
	DeviceConnected    EventType = iota // A mass storage device was attached
	DeviceDisconnected                  // An installed device was removed
)

// String returns a human-readable event name.
func (t EventType) String() string {
	switch t {
	case DeviceConnected:
		return "connected"
	case DeviceDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is delivered to the driver callback.
type Event struct {
	Type EventType

	// Address is set for DeviceConnected. Pass it to InstallDevice.
	Address hal.DeviceAddress

	// Device is set for DeviceDisconnected. The application should pass it
	// to UninstallDevice.
	Device *Device
}

// clientEvent translates host client events into driver events.
func (d *Driver) clientEvent(ev host.ClientEvent) {
	switch ev.Type {
	case host.ClientEventNewDevice:
		if !d.isMassStorage(ev.Address) {
			pkg.LogDebug(pkg.ComponentMSC, "connected device is not mass storage", "address", ev.Address)
			return
		}
		d.callback(&Event{Type: DeviceConnected, Address: ev.Address}, d.arg)

	case host.ClientEventDeviceGone:
		dev, ok := d.lookup(ev.Device)
		if !ok {
			return
		}
		d.callback(&Event{Type: DeviceDisconnected, Device: dev}, d.arg)
	}
}

// isMassStorage opens the device at addr just long enough to inspect its
// configuration descriptor.
func (d *Driver) isMassStorage(addr hal.DeviceAddress) bool {
	handle, err := d.client.Open(addr)
	if err != nil {
		return false
	}
	defer func() { _ = d.client.Close(handle) }()

	desc, err := handle.ActiveConfigDescriptor()
	if err != nil {
		return false
	}
	return IsMassStorage(desc)
}
