//go:build linux

package gousb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	usb "github.com/kevmo314/go-usb"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Standard requests the HAL answers itself.
const (
	requestClearFeature     = 0x01
	requestSetConfiguration = 0x09
	featureEndpointHalt     = 0x00

	requestTypeMask     = 0x7F
	requestTypeEndpoint = 0x02
	requestTypeStandard = 0x00
	deviceClassHub      = 0x09
)

// deviceHandle is the subset of *usb.DeviceHandle the HAL drives.
type deviceHandle interface {
	Close() error
	Speed() (uint8, error)
	GetConfiguration() (int, error)
	SetConfiguration(config int) error
	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	DetachKernelDriver(iface uint8) error
	AttachKernelDriver(iface uint8) error
	ClearHalt(endpoint uint8) error
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error)
}

// asyncHandle is implemented by handles that can queue bulk IN URBs.
type asyncHandle interface {
	NewAsyncBulkTransfer(endpoint uint8, size int) (*usb.AsyncBulkTransfer, error)
}

// slot is a virtual port and the device occupying it.
type slot struct {
	path    string
	handle  deviceHandle
	speed   hal.Speed
	address hal.DeviceAddress
}

// HostHAL implements the hal.HostHAL interface for Linux using usbfs.
type HostHAL struct {
	opts options

	list func() ([]*usb.Device, error)
	open func(*usb.Device) (deviceHandle, error)

	slots []*slot
	// Port of the device answering at address 0, or 0.
	defaultPort int
	// Paths that failed to open; retried once they leave the list.
	ignored map[string]struct{}

	connectCh    chan int
	disconnectCh chan int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewHostHAL creates a new usbfs HAL.
func NewHostHAL(opts ...Option) (*HostHAL, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &HostHAL{
		opts:         o,
		list:         func() ([]*usb.Device, error) { return usb.DeviceList() },
		open:         openDevice,
		slots:        make([]*slot, o.ports),
		ignored:      make(map[string]struct{}),
		connectCh:    make(chan int, o.ports),
		disconnectCh: make(chan int, o.ports),
		ctx:          context.Background(),
	}, nil
}

func openDevice(dev *usb.Device) (deviceHandle, error) {
	return dev.Open()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Init prepares the HAL. The context bounds the HAL's lifetime.
func (h *HostHAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ctx, h.cancel = context.WithCancel(ctx)
	return nil
}

// Start begins polling for devices.
func (h *HostHAL) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if h.cancel == nil {
		h.ctx, h.cancel = context.WithCancel(h.ctx)
	}
	h.running = true

	h.wg.Add(1)
	go h.poll(h.ctx)

	pkg.LogInfo(pkg.ComponentHAL, "usbfs HAL started",
		"ports", len(h.slots), "interval", h.opts.interval)
	return nil
}

// Stop stops polling. Open devices stay open until Close.
func (h *HostHAL) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// Close stops polling and closes every open device.
func (h *HostHAL) Close() error {
	if err := h.Stop(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	var c pkg.Cleanup
	for i, s := range h.slots {
		if s != nil {
			c.Do(s.handle.Close)
			h.slots[i] = nil
		}
	}
	h.defaultPort = 0
	return c.Err()
}

// =============================================================================
// Device Discovery
// =============================================================================

func (h *HostHAL) poll(ctx context.Context) {
	defer h.wg.Done()

	ticker := h.opts.clock.Ticker(h.opts.interval)
	defer ticker.Stop()

	for {
		if err := h.scan(); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "device scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// scan reconciles the slot pool with the current device list.
func (h *HostHAL) scan() error {
	devices, err := h.list()
	if err != nil {
		return err
	}

	present := make(map[string]*usb.Device, len(devices))
	for _, dev := range devices {
		if dev.Descriptor.DeviceClass == deviceClassHub {
			continue
		}
		present[dev.Path] = dev
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for i, s := range h.slots {
		if s == nil {
			continue
		}
		if _, ok := present[s.path]; ok {
			delete(present, s.path)
			continue
		}
		h.removeLocked(i + 1)
	}

	for path := range h.ignored {
		if _, ok := present[path]; !ok {
			delete(h.ignored, path)
		}
	}

	for path, dev := range present {
		if _, ok := h.ignored[path]; ok {
			continue
		}
		h.addLocked(dev)
	}
	return nil
}

// addLocked opens dev and places it in the first free slot.
func (h *HostHAL) addLocked(dev *usb.Device) {
	free := -1
	for i, s := range h.slots {
		if s == nil {
			free = i
			break
		}
	}
	if free < 0 {
		pkg.LogWarn(pkg.ComponentHAL, "no free port", "path", dev.Path)
		return
	}

	handle, err := h.open(dev)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "cannot open device", "path", dev.Path, "error", err)
		h.ignored[dev.Path] = struct{}{}
		return
	}

	speed := hal.SpeedFull
	if code, err := handle.Speed(); err == nil {
		speed = speedFromKernel(code)
	}

	h.slots[free] = &slot{path: dev.Path, handle: handle, speed: speed}
	port := free + 1

	pkg.LogDebug(pkg.ComponentHAL, "device attached",
		"port", port, "path", dev.Path, "speed", speed,
		"vendorID", dev.Descriptor.VendorID, "productID", dev.Descriptor.ProductID)

	select {
	case h.connectCh <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "connect event dropped", "port", port)
	}
}

// removeLocked closes the device on port and frees its slot.
func (h *HostHAL) removeLocked(port int) {
	s := h.slots[port-1]
	h.slots[port-1] = nil
	if h.defaultPort == port {
		h.defaultPort = 0
	}
	if err := s.handle.Close(); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "close failed", "port", port, "error", err)
	}

	pkg.LogDebug(pkg.ComponentHAL, "device detached", "port", port, "path", s.path)

	select {
	case h.disconnectCh <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "disconnect event dropped", "port", port)
	}
}

// =============================================================================
// Port Operations
// =============================================================================

// NumPorts returns the number of virtual ports.
func (h *HostHAL) NumPorts() int {
	return len(h.slots)
}

// PortSpeed returns the speed the kernel negotiated for the device on port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.portLocked(port)
	if err != nil {
		return hal.SpeedFull
	}
	return s.speed
}

// ResetPort makes the device on port answer at address 0. The kernel owns
// the real port, so no reset is signalled.
func (h *HostHAL) ResetPort(port int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.portLocked(port)
	if err != nil {
		return err
	}
	s.address = 0
	h.defaultPort = port
	return nil
}

// SetDeviceAddress records newAddr for the device at address 0.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.defaultPort == 0 {
		return pkg.ErrNoDevice
	}
	h.slots[h.defaultPort-1].address = newAddr
	h.defaultPort = 0
	return nil
}

func (h *HostHAL) portLocked(port int) (*slot, error) {
	if port < 1 || port > len(h.slots) || h.slots[port-1] == nil {
		return nil, pkg.ErrNoDevice
	}
	return h.slots[port-1], nil
}

// lookup returns the handle of the device answering at addr.
func (h *HostHAL) lookup(addr hal.DeviceAddress) (deviceHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr == 0 {
		if h.defaultPort == 0 {
			return nil, pkg.ErrNoDevice
		}
		return h.slots[h.defaultPort-1].handle, nil
	}
	for _, s := range h.slots {
		if s != nil && s.address == addr {
			return s.handle, nil
		}
	}
	return nil, pkg.ErrNoDevice
}

// =============================================================================
// Transfers
// =============================================================================

// timeout converts the context deadline into a usbfs timeout.
func (h *HostHAL) timeout(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return h.opts.timeout, nil
	}
	d := h.opts.clock.Until(deadline)
	if d <= 0 {
		return 0, pkg.ErrTimeout
	}
	return d, nil
}

// ControlTransfer performs a control transfer on the default pipe.
//
// SET_CONFIGURATION is skipped when the configuration is already active, and
// CLEAR_FEATURE(ENDPOINT_HALT) goes through the usbfs clear-halt ioctl so the
// kernel resets its data toggle as well.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	handle, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	timeout, err := h.timeout(ctx)
	if err != nil {
		return 0, err
	}

	switch {
	case setup.RequestType&requestTypeMask == requestTypeStandard && setup.Request == requestSetConfiguration:
		config := int(setup.Value & 0xFF)
		if current, err := handle.GetConfiguration(); err == nil && current == config {
			return 0, nil
		}
		return 0, mapError(handle.SetConfiguration(config))

	case setup.RequestType&requestTypeMask == requestTypeEndpoint && setup.Request == requestClearFeature &&
		setup.Value == featureEndpointHalt:
		return 0, mapError(handle.ClearHalt(uint8(setup.Index)))
	}

	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	n, err := handle.ControlTransfer(setup.RequestType, setup.Request, setup.Value, setup.Index, data, timeout)
	return n, mapError(err)
}

// BulkTransfer performs a bulk transfer.
//
// IN transfers are queued as URBs and discarded when ctx is done. OUT
// transfers are synchronous; when ctx is done first the call returns at once
// and the URB completes or times out in the background.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	handle, err := h.lookup(addr)
	if err != nil {
		return 0, err
	}
	timeout, err := h.timeout(ctx)
	if err != nil {
		return 0, err
	}

	if hal.IsInEndpoint(endpoint) {
		if async, ok := handle.(asyncHandle); ok {
			return h.bulkIn(ctx, async, endpoint, data)
		}
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := handle.BulkTransfer(endpoint, data, timeout)
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, mapError(r.err)
	case <-ctx.Done():
		return 0, fmt.Errorf("usbfs endpoint 0x%02x: %w", endpoint, ctx.Err())
	}
}

func (h *HostHAL) bulkIn(ctx context.Context, async asyncHandle, endpoint uint8, data []byte) (int, error) {
	t, err := async.NewAsyncBulkTransfer(endpoint, len(data))
	if err != nil {
		return 0, mapError(err)
	}
	if err := t.Submit(); err != nil {
		return 0, mapError(err)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf, err := t.Wait()
		done <- result{buf, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return 0, mapError(r.err)
		}
		if len(r.buf) > len(data) {
			return copy(data, r.buf), pkg.ErrOverflow
		}
		return copy(data, r.buf), nil
	case <-ctx.Done():
		t.Cancel()
		<-done
		return 0, fmt.Errorf("usbfs endpoint 0x%02x: %w", endpoint, ctx.Err())
	}
}

// =============================================================================
// Device Management
// =============================================================================

// ClaimInterface detaches any kernel driver from iface and claims it.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	handle, err := h.lookup(addr)
	if err != nil {
		return err
	}
	if err := handle.DetachKernelDriver(iface); err != nil {
		// ENODATA: no driver was bound
		pkg.LogDebug(pkg.ComponentHAL, "detach kernel driver", "address", addr, "interface", iface, "error", err)
	}
	return mapError(handle.ClaimInterface(iface))
}

// ReleaseInterface releases iface and rebinds the kernel driver.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	handle, err := h.lookup(addr)
	if err != nil {
		return err
	}
	if err := handle.ReleaseInterface(iface); err != nil {
		return mapError(err)
	}
	if err := handle.AttachKernelDriver(iface); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "attach kernel driver", "address", addr, "interface", iface, "error", err)
	}
	return nil
}

// =============================================================================
// Connection Events
// =============================================================================

// WaitForConnection blocks until a device is discovered.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, h.ctx.Err()
	case port := <-h.connectCh:
		return port, nil
	}
}

// WaitForDisconnection blocks until a device leaves the device list.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.ctx.Done():
		return 0, h.ctx.Err()
	case port := <-h.disconnectCh:
		return port, nil
	}
}

// =============================================================================
// Helpers
// =============================================================================

// speedFromKernel maps a USBDEVFS_GET_SPEED code onto a hal.Speed. Speeds
// above high speed are reported as high speed, whose packet sizes they share
// for the purposes of this library.
func speedFromKernel(code uint8) hal.Speed {
	switch code {
	case 1:
		return hal.SpeedLow
	case 2:
		return hal.SpeedFull
	case 3, 4, 5, 6:
		return hal.SpeedHigh
	default:
		return hal.SpeedUnknown
	}
}

// mapError translates usbfs errnos and go-usb errors into pkg sentinels,
// keeping the original error in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, syscall.EPIPE):
		sentinel = pkg.ErrStall
	case errors.Is(err, syscall.ENODEV), errors.Is(err, syscall.ESHUTDOWN),
		errors.Is(err, usb.ErrDeviceNotFound):
		sentinel = pkg.ErrNoDevice
	case errors.Is(err, syscall.ETIMEDOUT):
		sentinel = pkg.ErrTimeout
	case errors.Is(err, syscall.EOVERFLOW):
		sentinel = pkg.ErrOverflow
	case errors.Is(err, syscall.EBUSY), errors.Is(err, usb.ErrDeviceBusy):
		sentinel = pkg.ErrBusy
	case errors.Is(err, syscall.ENOENT), errors.Is(err, context.Canceled):
		sentinel = pkg.ErrCancelled
	default:
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

var _ hal.HostHAL = (*HostHAL)(nil)
