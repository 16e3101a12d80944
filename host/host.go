package host

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Host manages the USB host controller, enumerated devices and the clients
// that consume them.
type Host struct {
	hal   hal.HostHAL
	clock clock.Clock

	// Enumerated devices (indexed by address - 1)
	devices [MaxDevices]*Device
	byPort  map[int]*Device

	// Next available address
	nextAddress uint8

	// Registered clients
	clients []*Client

	transfers *transferPool
	workers   int

	// State
	running bool
	mutex   sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Host.
type Option func(*Host)

// WithWorkers sets the number of goroutines executing transfers.
func WithWorkers(n int) Option {
	return func(h *Host) {
		h.workers = n
	}
}

// WithClock sets the clock used for enumeration delays.
func WithClock(c clock.Clock) Option {
	return func(h *Host) {
		h.clock = c
	}
}

// New creates a new USB host.
func New(h hal.HostHAL, opts ...Option) *Host {
	host := &Host{
		hal:         h,
		clock:       clock.New(),
		byPort:      make(map[int]*Device),
		nextAddress: 1,
		workers:     DefaultWorkers,
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(host)
	}
	return host
}

// Start initializes the HAL and begins enumerating devices.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	if h.running {
		h.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.mutex.Unlock()

	if err := h.hal.Init(h.ctx); err != nil {
		h.cancel()
		return err
	}

	if err := h.hal.Start(); err != nil {
		h.cancel()
		return err
	}

	h.transfers = newTransferPool(h, h.workers)
	h.transfers.start()

	h.mutex.Lock()
	h.running = true
	h.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())

	h.wg.Add(2)
	go h.monitorConnections()
	go h.monitorDisconnections()

	return nil
}

// Stop detaches every device, drains the transfer workers and stops the HAL.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	devices := lo.Compact(h.devices[:])
	h.devices = [MaxDevices]*Device{}
	h.byPort = make(map[int]*Device)
	h.mutex.Unlock()

	for _, dev := range devices {
		dev.detach()
	}

	h.wg.Wait()
	h.transfers.stop()

	if err := h.hal.Stop(); err != nil {
		return err
	}

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return nil
}

// IsRunning returns true if the host is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// Devices returns all enumerated devices in address order.
func (h *Host) Devices() []*Device {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return lo.Compact(h.devices[:])
}

// GetDevice returns the device at the given address, or nil.
func (h *Host) GetDevice(address hal.DeviceAddress) *Device {
	if address == 0 || address > MaxDevices {
		return nil
	}
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.devices[address-1]
}

// NumPorts returns the number of root ports.
func (h *Host) NumPorts() int {
	return h.hal.NumPorts()
}

// monitorConnections enumerates devices as they connect.
func (h *Host) monitorConnections() {
	defer h.wg.Done()

	for {
		port, err := h.hal.WaitForConnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for connection", "error", err)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

		dev, err := h.enumerateDevice(port)
		if err != nil {
			pkg.LogWarn(pkg.ComponentHost, "enumeration failed",
				"port", port,
				"error", err)
			continue
		}

		h.mutex.Lock()
		h.devices[dev.address-1] = dev
		h.byPort[port] = dev
		h.mutex.Unlock()

		pkg.LogInfo(pkg.ComponentHost, "device enumerated",
			"address", dev.address,
			"vendor", dev.descriptor.VendorID,
			"product", dev.descriptor.ProductID)

		h.notify(ClientEvent{Type: ClientEventNewDevice, Address: dev.Address()}, nil)
	}
}

// monitorDisconnections removes devices as they disconnect.
func (h *Host) monitorDisconnections() {
	defer h.wg.Done()

	for {
		port, err := h.hal.WaitForDisconnection(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "error waiting for disconnection", "error", err)
			continue
		}

		h.mutex.Lock()
		dev, ok := h.byPort[port]
		if ok {
			delete(h.byPort, port)
			h.devices[dev.address-1] = nil
		}
		h.mutex.Unlock()

		if !ok {
			pkg.LogDebug(pkg.ComponentHost, "disconnect on idle port", "port", port)
			continue
		}

		pkg.LogInfo(pkg.ComponentHost, "device disconnected",
			"port", port,
			"address", dev.address)

		dev.detach()

		// Only clients holding the device open are told it is gone
		h.notify(ClientEvent{Type: ClientEventDeviceGone, Device: dev}, func(c *Client) bool {
			return c.isOpen(dev)
		})
	}
}

// notify posts an event to every registered client accepted by filter.
func (h *Host) notify(ev ClientEvent, filter func(*Client) bool) {
	h.mutex.RLock()
	clients := h.clients
	h.mutex.RUnlock()

	if filter != nil {
		clients = lo.Filter(clients, func(c *Client, _ int) bool { return filter(c) })
	}
	for _, c := range clients {
		c.post(ev)
	}
}

// allocateAddress allocates a new device address.
func (h *Host) allocateAddress() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i := 0; i < MaxDevices; i++ {
		addr := h.nextAddress
		h.nextAddress++
		if h.nextAddress > MaxDevices {
			h.nextAddress = 1
		}

		if h.devices[addr-1] == nil {
			return addr
		}
	}
	return 0
}
