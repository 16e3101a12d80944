package host

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// ClientEventType identifies a client event.
type ClientEventType int

// Client event types.
const (
	ClientEventNewDevice  ClientEventType = iota + 1 // A device finished enumeration
	ClientEventDeviceGone                            // A device the client holds open was removed
)

// String returns a human-readable event name.
func (t ClientEventType) String() string {
	switch t {
	case ClientEventNewDevice:
		return "new device"
	case ClientEventDeviceGone:
		return "device gone"
	default:
		return "unknown"
	}
}

// ClientEvent is delivered to a client's callback from HandleEvents.
type ClientEvent struct {
	Type ClientEventType

	// Address is set for ClientEventNewDevice.
	Address hal.DeviceAddress

	// Device is set for ClientEventDeviceGone.
	Device *Device
}

// ClientConfig configures a client.
type ClientConfig struct {
	// Callback receives events from HandleEvents. Required.
	Callback func(ClientEvent)

	// MaxEvents is the depth of the client's event queue. Events posted to a
	// full queue are dropped. Required.
	MaxEvents int
}

// Client is a consumer of host events and devices, such as a class driver.
type Client struct {
	host     *Host
	callback func(ClientEvent)
	events   chan ClientEvent
	unblock  chan struct{}

	mu      sync.Mutex
	opened  map[*Device]int
	claimed map[*Device][]uint8
	gone    bool
}

// RegisterClient registers a new client with the host.
func (h *Host) RegisterClient(cfg ClientConfig) (*Client, error) {
	if cfg.Callback == nil || cfg.MaxEvents <= 0 {
		return nil, pkg.ErrInvalidArgument
	}

	c := &Client{
		host:     h,
		callback: cfg.Callback,
		events:   make(chan ClientEvent, cfg.MaxEvents),
		unblock:  make(chan struct{}, 1),
		opened:   make(map[*Device]int),
		claimed:  make(map[*Device][]uint8),
	}

	h.mutex.Lock()
	h.clients = append(h.clients, c)
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHost, "client registered", "maxEvents", cfg.MaxEvents)
	return c, nil
}

// Deregister removes the client from the host.
// Every device the client opened must be closed first.
func (c *Client) Deregister() error {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return pkg.ErrInvalidState
	}
	if len(c.opened) > 0 {
		c.mu.Unlock()
		return pkg.ErrInvalidState
	}
	c.gone = true
	c.mu.Unlock()

	h := c.host
	h.mutex.Lock()
	h.clients = lo.Without(h.clients, c)
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentHost, "client deregistered")
	return nil
}

// HandleEvents waits for events and delivers them to the callback.
//
// It returns after delivering every queued event, after Unblock, or when ctx
// is done. A ctx deadline with no event delivered returns pkg.ErrTimeout.
func (c *Client) HandleEvents(ctx context.Context) error {
	select {
	case ev := <-c.events:
		c.callback(ev)
		c.drain()
		return nil

	case <-c.unblock:
		c.drain()
		return nil

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return pkg.ErrTimeout
		}
		return ctx.Err()
	}
}

// drain delivers queued events without blocking.
func (c *Client) drain() {
	for {
		select {
		case ev := <-c.events:
			c.callback(ev)
		default:
			return
		}
	}
}

// Unblock makes a pending or the next HandleEvents call return.
func (c *Client) Unblock() {
	select {
	case c.unblock <- struct{}{}:
	default:
	}
}

// post queues an event, dropping it if the queue is full.
func (c *Client) post(ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		pkg.LogWarn(pkg.ComponentHost, "client event queue full, event dropped",
			"event", ev.Type,
			"address", ev.Address)
	}
}

// Open opens the device at addr for this client.
func (c *Client) Open(addr hal.DeviceAddress) (*Device, error) {
	dev := c.host.GetDevice(addr)
	if dev == nil || dev.State() == DeviceStateDetached {
		return nil, pkg.ErrNoDevice
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone {
		return nil, pkg.ErrInvalidState
	}
	c.opened[dev]++
	return dev, nil
}

// Close closes a device opened with Open.
// The last close fails while the client still holds interfaces on it.
func (c *Client) Close(dev *Device) error {
	if dev == nil {
		return pkg.ErrInvalidArgument
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.opened[dev]
	if !ok {
		return pkg.ErrInvalidState
	}
	if n == 1 && len(c.claimed[dev]) > 0 {
		return pkg.ErrInvalidState
	}
	if n == 1 {
		delete(c.opened, dev)
	} else {
		c.opened[dev] = n - 1
	}
	return nil
}

// isOpen returns true if the client holds dev open.
func (c *Client) isOpen(dev *Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened[dev] > 0
}

// ClaimInterface claims an interface of an open device.
func (c *Client) ClaimInterface(dev *Device, iface, alt uint8) error {
	if dev == nil {
		return pkg.ErrInvalidArgument
	}
	if !c.isOpen(dev) {
		return pkg.ErrInvalidState
	}

	if err := c.host.hal.ClaimInterface(dev.Address(), iface); err != nil {
		return err
	}

	if alt != 0 {
		setup := hal.SetupPacket{
			RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeInterface,
			Request:     RequestSetInterface,
			Value:       uint16(alt),
			Index:       uint16(iface),
		}
		if _, err := c.host.hal.ControlTransfer(dev.ctx, dev.Address(), &setup, nil); err != nil {
			_ = c.host.hal.ReleaseInterface(dev.Address(), iface)
			return err
		}
	}

	c.mu.Lock()
	c.claimed[dev] = append(c.claimed[dev], iface)
	c.mu.Unlock()
	return nil
}

// ReleaseInterface releases an interface claimed by this client.
// Releasing an interface of a removed device only drops the claim.
func (c *Client) ReleaseInterface(dev *Device, iface uint8) error {
	if dev == nil {
		return pkg.ErrInvalidArgument
	}

	c.mu.Lock()
	if !lo.Contains(c.claimed[dev], iface) {
		c.mu.Unlock()
		return pkg.ErrInvalidState
	}
	c.claimed[dev] = lo.Without(c.claimed[dev], iface)
	if len(c.claimed[dev]) == 0 {
		delete(c.claimed, dev)
	}
	c.mu.Unlock()

	if dev.State() == DeviceStateDetached {
		return nil
	}
	return c.host.hal.ReleaseInterface(dev.Address(), iface)
}

// SubmitControl queues a control transfer on the default pipe of an open
// device. The first 8 bytes of the transfer buffer hold the setup packet and
// NumBytes covers the setup packet plus the data stage.
func (c *Client) SubmitControl(dev *Device, t *Transfer) error {
	if dev == nil || t == nil {
		return pkg.ErrInvalidArgument
	}
	if t.NumBytes < hal.SetupPacketSize || t.NumBytes > len(t.data) {
		return pkg.ErrInvalidArgument
	}
	if !c.isOpen(dev) {
		return pkg.ErrInvalidState
	}
	t.Endpoint = 0
	return dev.submit(t, true)
}
