package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Errors.
var (
	ErrNoFreePort = errors.New("no free port")
	ErrNoSuchPort = errors.New("no device on port")
)

// DefaultPorts is the number of root ports on a bus created without WithPorts.
const DefaultPorts = 4

// Standard request and descriptor codes the bus handles itself.
const (
	requestClearFeature     = 0x01
	requestGetDescriptor    = 0x06
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
	descriptorString        = 0x03

	requestTypeMask     = 0x60
	requestTypeStandard = 0x00
)

// Device is a virtual USB device that can be attached to a Bus.
type Device interface {
	// Speed returns the connection speed.
	Speed() hal.Speed

	// DeviceDescriptor returns the 18-byte device descriptor.
	DeviceDescriptor() []byte

	// ConfigDescriptor returns the full configuration descriptor.
	ConfigDescriptor() []byte

	// StringDescriptor returns the string with the given index, or false if
	// there is none.
	StringDescriptor(index uint8) (string, bool)

	// ClassRequest handles a class or vendor control request.
	ClassRequest(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error)

	// Bulk performs a bulk transfer on the given endpoint.
	Bulk(ctx context.Context, endpoint uint8, data []byte) (int, error)

	// ClearHalt clears a halt condition on the given endpoint.
	ClearHalt(endpoint uint8)
}

// controlHolder is implemented by devices that can hold their next control
// request until its context is done.
type controlHolder interface {
	holdControl() bool
}

// port is a root port and the device attached to it, if any.
type port struct {
	dev     Device
	address hal.DeviceAddress
	config  uint8
	claimed map[uint8]bool
}

// Bus is a virtual USB bus implementing hal.HostHAL.
type Bus struct {
	id      uuid.UUID
	clock   clock.Clock
	latency time.Duration

	ports []port
	// Port of the device answering at address 0, or 0.
	defaultPort int

	connectCh    chan int
	disconnectCh chan int

	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.Mutex
}

// Option configures a Bus.
type Option func(*Bus)

// WithPorts sets the number of root ports.
func WithPorts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ports = make([]port, n)
		}
	}
}

// WithClock sets the clock used for transfer latency.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		b.clock = c
	}
}

// WithLatency delays every bulk transfer by d.
func WithLatency(d time.Duration) Option {
	return func(b *Bus) {
		b.latency = d
	}
}

// NewBus creates a new virtual bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		id:    uuid.New(),
		clock: clock.New(),
		ports: make([]port, DefaultPorts),
		ctx:   context.Background(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.connectCh = make(chan int, 4*len(b.ports))
	b.disconnectCh = make(chan int, 4*len(b.ports))
	return b
}

// ID returns the bus instance identifier.
func (b *Bus) ID() string {
	return b.id.String()
}

// Attach connects dev to the first free port and returns the port number.
func (b *Bus) Attach(dev Device) (int, error) {
	if dev == nil {
		return 0, pkg.ErrInvalidArgument
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.ports {
		if b.ports[i].dev == nil {
			b.ports[i] = port{dev: dev, claimed: make(map[uint8]bool)}
			pkg.LogDebug(pkg.ComponentHAL, "sim device attached", "bus", b.id, "port", i+1)
			b.connectCh <- i + 1
			return i + 1, nil
		}
	}
	return 0, ErrNoFreePort
}

// Detach disconnects the device on the given port.
func (b *Bus) Detach(portNum int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.portLocked(portNum)
	if err != nil {
		return err
	}
	*p = port{}
	if b.defaultPort == portNum {
		b.defaultPort = 0
	}
	pkg.LogDebug(pkg.ComponentHAL, "sim device detached", "bus", b.id, "port", portNum)
	b.disconnectCh <- portNum
	return nil
}

// Claimed reports whether an interface of the device on the given port is
// claimed.
func (b *Bus) Claimed(portNum int, iface uint8) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.portLocked(portNum)
	return err == nil && p.claimed[iface]
}

// Configuration returns the configuration value the host selected for the
// device on the given port.
func (b *Bus) Configuration(portNum int) uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.portLocked(portNum)
	if err != nil {
		return 0
	}
	return p.config
}

func (b *Bus) portLocked(portNum int) (*port, error) {
	if portNum < 1 || portNum > len(b.ports) || b.ports[portNum-1].dev == nil {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchPort, portNum)
	}
	return &b.ports[portNum-1], nil
}

// lookup returns the device at addr and its port index.
func (b *Bus) lookup(addr hal.DeviceAddress) (int, Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if addr == 0 {
		if b.defaultPort == 0 {
			return 0, nil, pkg.ErrNoDevice
		}
		return b.defaultPort - 1, b.ports[b.defaultPort-1].dev, nil
	}
	for i := range b.ports {
		if b.ports[i].dev != nil && b.ports[i].address == addr {
			return i, b.ports[i].dev, nil
		}
	}
	return 0, nil, pkg.ErrNoDevice
}

// withPort runs fn on the port at index i if dev is still attached to it.
func (b *Bus) withPort(i int, dev Device, fn func(p *port) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ports[i].dev != dev {
		return pkg.ErrNoDevice
	}
	return fn(&b.ports[i])
}

// =============================================================================
// hal.HostHAL
// =============================================================================

// Init prepares the bus. The context bounds the bus's lifetime.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	return nil
}

// Start begins reporting attached devices.
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return pkg.ErrAlreadyRunning
	}
	b.running = true
	pkg.LogInfo(pkg.ComponentHAL, "sim bus started", "bus", b.id, "ports", len(b.ports))
	return nil
}

// Stop stops the bus. Attached devices stay attached.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return nil
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	return nil
}

// Close releases the bus.
func (b *Bus) Close() error {
	return b.Stop()
}

// NumPorts returns the number of root ports.
func (b *Bus) NumPorts() int {
	return len(b.ports)
}

// PortSpeed returns the speed of the device on the given port.
func (b *Bus) PortSpeed(portNum int) hal.Speed {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, err := b.portLocked(portNum)
	if err != nil {
		return hal.SpeedFull
	}
	return p.dev.Speed()
}

// ResetPort resets the device on the given port to address 0.
func (b *Bus) ResetPort(portNum int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.portLocked(portNum)
	if err != nil {
		return err
	}
	p.address = 0
	p.config = 0
	b.defaultPort = portNum
	return nil
}

// SetDeviceAddress assigns newAddr to the device at address 0.
func (b *Bus) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.defaultPort == 0 {
		return pkg.ErrNoDevice
	}
	b.ports[b.defaultPort-1].address = newAddr
	b.defaultPort = 0
	return nil
}

// ControlTransfer answers standard requests from the device's descriptors and
// forwards everything else to the device.
func (b *Bus) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	i, dev, err := b.lookup(addr)
	if err != nil {
		return 0, err
	}

	if h, ok := dev.(controlHolder); ok && h.holdControl() {
		<-ctx.Done()
		return 0, fmt.Errorf("sim control transfer: %w", ctx.Err())
	}

	if setup.RequestType&requestTypeMask != requestTypeStandard {
		return dev.ClassRequest(ctx, setup, data)
	}

	switch setup.Request {
	case requestGetDescriptor:
		return getDescriptor(dev, setup, data)

	case requestSetConfiguration:
		return 0, b.withPort(i, dev, func(p *port) error {
			p.config = uint8(setup.Value)
			return nil
		})

	case requestSetInterface:
		return 0, nil

	case requestClearFeature:
		dev.ClearHalt(uint8(setup.Index))
		return 0, nil

	default:
		return 0, pkg.ErrStall
	}
}

// BulkTransfer forwards the transfer to the device at addr.
func (b *Bus) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	_, dev, err := b.lookup(addr)
	if err != nil {
		return 0, err
	}

	if b.latency > 0 {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("sim bulk transfer: %w", ctx.Err())
		case <-b.clock.After(b.latency):
		}
	}

	return dev.Bulk(ctx, endpoint, data)
}

// ClaimInterface marks an interface of the device at addr claimed.
func (b *Bus) ClaimInterface(addr hal.DeviceAddress, iface uint8) error {
	i, dev, err := b.lookup(addr)
	if err != nil {
		return err
	}
	return b.withPort(i, dev, func(p *port) error {
		if p.claimed[iface] {
			return pkg.ErrBusy
		}
		p.claimed[iface] = true
		return nil
	})
}

// ReleaseInterface releases a claimed interface of the device at addr.
func (b *Bus) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error {
	i, dev, err := b.lookup(addr)
	if err != nil {
		return err
	}
	return b.withPort(i, dev, func(p *port) error {
		if !p.claimed[iface] {
			return pkg.ErrInvalidState
		}
		delete(p.claimed, iface)
		return nil
	})
}

// WaitForConnection blocks until a device is attached.
func (b *Bus) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case portNum := <-b.connectCh:
		return portNum, nil
	}
}

// WaitForDisconnection blocks until a device is detached.
func (b *Bus) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case portNum := <-b.disconnectCh:
		return portNum, nil
	}
}

// getDescriptor answers GET_DESCRIPTOR from dev.
func getDescriptor(dev Device, setup *hal.SetupPacket, data []byte) (int, error) {
	var src []byte
	switch uint8(setup.Value >> 8) {
	case descriptorDevice:
		src = dev.DeviceDescriptor()
	case descriptorConfiguration:
		src = dev.ConfigDescriptor()
	case descriptorString:
		index := uint8(setup.Value)
		if index == 0 {
			src = []byte{4, descriptorString, 0x09, 0x04}
			break
		}
		s, ok := dev.StringDescriptor(index)
		if !ok {
			return 0, pkg.ErrStall
		}
		src = stringDescriptor(s)
	default:
		return 0, pkg.ErrStall
	}
	return copy(data, src), nil
}

// Ensure Bus implements hal.HostHAL
var _ hal.HostHAL = (*Bus)(nil)
