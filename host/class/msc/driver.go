package msc

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/pkg"
)

// DriverConfig configures the mass storage driver.
type DriverConfig struct {
	// CreateBackgroundTask starts a goroutine that pumps host events. When
	// false the application calls Driver.HandleEvents itself.
	CreateBackgroundTask bool

	// TaskPriority and StackSize must be nonzero with CreateBackgroundTask.
	// TaskPriority raises the scheduling priority of the event goroutine's
	// thread where the platform allows it. StackSize is validated only; the
	// Go runtime sizes goroutine stacks itself.
	TaskPriority int
	StackSize    int

	// CoreID pins the event goroutine's thread to a CPU. Negative disables
	// pinning.
	CoreID int

	// Callback receives connection events. Required.
	Callback func(*Event, any)

	// CallbackArg is passed to every Callback invocation.
	CallbackArg any

	// Clock drives readiness delays and transfer timeouts. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Driver is the installed mass storage class driver. At most one driver is
// installed at a time.
type Driver struct {
	host   *host.Host
	client *host.Client
	clock  clock.Clock

	callback func(*Event, any)
	arg      any

	// Registry, in attach order.
	mu       sync.Mutex
	devices  []*Device
	shutdown bool

	// Closed once the client is deregistered.
	done       chan struct{}
	finishOnce sync.Once
	finishErr  error
	background bool
}

// active is the installed driver.
var active struct {
	sync.Mutex
	driver *Driver
}

// Install installs the mass storage driver as a client of h.
func Install(h *host.Host, cfg DriverConfig) (*Driver, error) {
	if h == nil || cfg.Callback == nil {
		return nil, pkg.ErrInvalidArgument
	}
	if cfg.CreateBackgroundTask && (cfg.StackSize == 0 || cfg.TaskPriority == 0) {
		return nil, pkg.ErrInvalidArgument
	}

	active.Lock()
	installed := active.driver != nil
	active.Unlock()
	if installed {
		return nil, pkg.ErrInvalidState
	}

	d := &Driver{
		host:       h,
		clock:      cfg.Clock,
		callback:   cfg.Callback,
		arg:        cfg.CallbackArg,
		done:       make(chan struct{}),
		background: cfg.CreateBackgroundTask,
	}
	if d.clock == nil {
		d.clock = clock.New()
	}

	client, err := h.RegisterClient(host.ClientConfig{
		Callback:  d.clientEvent,
		MaxEvents: eventQueueDepth,
	})
	if err != nil {
		return nil, err
	}
	d.client = client

	active.Lock()
	if active.driver != nil {
		active.Unlock()
		var cleanup pkg.Cleanup
		cleanup.Do(client.Deregister)
		cleanup.Discard(pkg.ComponentMSC, "driver install unwound")
		return nil, pkg.ErrInvalidState
	}
	active.driver = d
	active.Unlock()

	if d.background {
		go d.run(cfg.CoreID, cfg.TaskPriority)
	}

	pkg.LogInfo(pkg.ComponentMSC, "driver installed", "background", d.background)
	return d, nil
}

// Uninstall removes the driver. Every device must be uninstalled first.
func (d *Driver) Uninstall() error {
	active.Lock()
	d.mu.Lock()
	if active.driver != d || d.shutdown || len(d.devices) > 0 {
		d.mu.Unlock()
		active.Unlock()
		return pkg.ErrInvalidState
	}
	d.shutdown = true
	d.mu.Unlock()
	active.Unlock()

	d.client.Unblock()
	if !d.background {
		d.finish()
	}
	<-d.done

	active.Lock()
	active.driver = nil
	active.Unlock()

	pkg.LogInfo(pkg.ComponentMSC, "driver uninstalled")
	return d.finishErr
}

// HandleEvents pumps host events for up to timeout. It returns
// pkg.ErrTimeout if no event arrived in time.
func (d *Driver) HandleEvents(timeout time.Duration) error {
	if d.shuttingDown() {
		return pkg.ErrInvalidState
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return d.client.HandleEvents(ctx)
}

// Devices returns the installed devices in attach order.
func (d *Driver) Devices() []*Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Device(nil), d.devices...)
}

// run pumps events until the driver shuts down. The goroutine keeps its OS
// thread locked, so a thread placed by pinThread exits with it.
func (d *Driver) run(coreID, priority int) {
	runtime.LockOSThread()

	if err := pinThread(coreID, priority); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "event task placement failed",
			"core", coreID,
			"priority", priority,
			"error", err)
	}

	for {
		err := d.client.HandleEvents(context.Background())
		if err != nil && !errors.Is(err, context.Canceled) {
			pkg.LogWarn(pkg.ComponentMSC, "event handling failed", "error", err)
		}
		if d.shuttingDown() {
			break
		}
	}
	d.finish()
}

// finish deregisters the client and signals that all events are handled.
func (d *Driver) finish() {
	d.finishOnce.Do(func() {
		d.finishErr = d.client.Deregister()
		close(d.done)
	})
}

func (d *Driver) shuttingDown() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shutdown
}

// register appends dev to the registry.
func (d *Driver) register(dev *Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return pkg.ErrInvalidState
	}
	d.devices = append(d.devices, dev)
	return nil
}

// unregister removes dev from the registry and reports whether it was there.
func (d *Driver) unregister(dev *Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if lo.IndexOf(d.devices, dev) < 0 {
		return false
	}
	d.devices = lo.Without(d.devices, dev)
	return true
}

// lookup returns the registered device on the given host device.
func (d *Driver) lookup(handle *host.Device) (*Device, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo.Find(d.devices, func(dev *Device) bool {
		return dev.handle == handle
	})
}
