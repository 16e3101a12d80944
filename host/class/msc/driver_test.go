package msc

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

const eventTimeout = 2 * time.Second

// fixture is a started host on a simulated bus with the driver installed.
type fixture struct {
	bus    *sim.Bus
	host   *host.Host
	driver *Driver
	events chan *Event
}

func startHost(t *testing.T) (*sim.Bus, *host.Host) {
	t.Helper()
	bus := sim.NewBus(sim.WithPorts(8))
	h := host.New(bus)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return bus, h
}

// newFixture installs the driver with a background task. cfg.Callback is
// replaced with one feeding f.events.
func newFixture(t *testing.T, cfg DriverConfig) *fixture {
	t.Helper()
	bus, h := startHost(t)

	f := &fixture{bus: bus, host: h, events: make(chan *Event, 16)}
	cfg.Callback = func(ev *Event, _ any) { f.events <- ev }
	if !cfg.CreateBackgroundTask && cfg.StackSize == 0 {
		cfg.CreateBackgroundTask = true
		cfg.StackSize = 4096
		cfg.TaskPriority = 1
		cfg.CoreID = -1
	}

	drv, err := Install(h, cfg)
	require.NoError(t, err)
	f.driver = drv
	t.Cleanup(func() {
		for _, dev := range drv.Devices() {
			_ = drv.UninstallDevice(dev)
		}
		_ = drv.Uninstall()
	})
	return f
}

// next waits for the next driver event.
func (f *fixture) next(t *testing.T) *Event {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for driver event")
		return nil
	}
}

// quiet asserts that no driver event arrives for a while.
func (f *fixture) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

// attach connects a virtual disk and waits for its connected event.
func (f *fixture) attach(t *testing.T, disk *sim.MassStorage) (int, hal.DeviceAddress) {
	t.Helper()
	port, err := f.bus.Attach(disk)
	require.NoError(t, err)
	ev := f.next(t)
	require.Equal(t, DeviceConnected, ev.Type)
	return port, ev.Address
}

// install attaches a virtual disk and installs it.
func (f *fixture) install(t *testing.T, disk *sim.MassStorage) (int, *Device) {
	t.Helper()
	port, addr := f.attach(t, disk)
	dev, err := f.driver.InstallDevice(addr)
	require.NoError(t, err)
	return port, dev
}

// tick advances mock by 10ms every millisecond until the test ends.
func tick(t *testing.T, mock *clock.Mock) {
	t.Helper()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			case <-time.After(time.Millisecond):
				mock.Add(10 * time.Millisecond)
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
}

func TestInstall_Validation(t *testing.T) {
	_, h := startHost(t)
	cb := func(*Event, any) {}

	tests := []struct {
		name string
		host *host.Host
		cfg  DriverConfig
	}{
		{"nil host", nil, DriverConfig{Callback: cb}},
		{"nil callback", h, DriverConfig{}},
		{"zero stack", h, DriverConfig{Callback: cb, CreateBackgroundTask: true, TaskPriority: 1}},
		{"zero priority", h, DriverConfig{Callback: cb, CreateBackgroundTask: true, StackSize: 4096}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, err := Install(tt.host, tt.cfg)
			assert.ErrorIs(t, err, pkg.ErrInvalidArgument)
			assert.Nil(t, drv)
		})
	}
}

func TestInstall_Twice(t *testing.T) {
	f := newFixture(t, DriverConfig{})

	drv, err := Install(f.host, DriverConfig{Callback: func(*Event, any) {}})
	assert.ErrorIs(t, err, pkg.ErrInvalidState)
	assert.Nil(t, drv)

	require.NoError(t, f.driver.Uninstall())

	// Nothing of the first driver remains
	drv, err = Install(f.host, DriverConfig{Callback: func(*Event, any) {}})
	require.NoError(t, err)
	require.NoError(t, drv.Uninstall())
}

func TestUninstall_InvalidState(t *testing.T) {
	f := newFixture(t, DriverConfig{})
	_, dev := f.install(t, sim.NewMassStorage(sim.MassStorageConfig{}))

	assert.ErrorIs(t, f.driver.Uninstall(), pkg.ErrInvalidState)

	require.NoError(t, f.driver.UninstallDevice(dev))
	require.NoError(t, f.driver.Uninstall())
	assert.ErrorIs(t, f.driver.Uninstall(), pkg.ErrInvalidState)
}

func TestDriver_ManualEvents(t *testing.T) {
	bus, h := startHost(t)

	events := make(chan *Event, 4)
	drv, err := Install(h, DriverConfig{
		Callback:    func(ev *Event, arg any) { events <- ev; assert.Equal(t, "arg", arg) },
		CallbackArg: "arg",
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, drv.Uninstall()) }()

	assert.ErrorIs(t, drv.HandleEvents(10*time.Millisecond), pkg.ErrTimeout)

	_, err = bus.Attach(sim.NewMassStorage(sim.MassStorageConfig{}))
	require.NoError(t, err)
	require.NoError(t, drv.HandleEvents(eventTimeout))

	select {
	case ev := <-events:
		assert.Equal(t, DeviceConnected, ev.Type)
		assert.Equal(t, hal.DeviceAddress(1), ev.Address)
	default:
		t.Fatal("no event delivered")
	}
}

func TestDriver_HandleEventsAfterUninstall(t *testing.T) {
	_, h := startHost(t)
	drv, err := Install(h, DriverConfig{Callback: func(*Event, any) {}})
	require.NoError(t, err)
	require.NoError(t, drv.Uninstall())
	assert.ErrorIs(t, drv.HandleEvents(time.Millisecond), pkg.ErrInvalidState)
}

func TestEvents_OnlyMassStorage(t *testing.T) {
	f := newFixture(t, DriverConfig{})

	_, err := f.bus.Attach(sim.NewHID(sim.Identity{}))
	require.NoError(t, err)
	_, err = f.bus.Attach(sim.NewMassStorage(sim.MassStorageConfig{}))
	require.NoError(t, err)

	ev := f.next(t)
	assert.Equal(t, DeviceConnected, ev.Type)
	assert.Equal(t, hal.DeviceAddress(2), ev.Address)
	f.quiet(t)
}

func TestEvents_Disconnect(t *testing.T) {
	f := newFixture(t, DriverConfig{})

	// Not installed, so nothing to report
	port, _ := f.attach(t, sim.NewMassStorage(sim.MassStorageConfig{}))
	require.NoError(t, f.bus.Detach(port))
	f.quiet(t)

	port, dev := f.install(t, sim.NewMassStorage(sim.MassStorageConfig{}))
	require.NoError(t, f.bus.Detach(port))

	ev := f.next(t)
	assert.Equal(t, DeviceDisconnected, ev.Type)
	assert.Same(t, dev, ev.Device)

	require.NoError(t, f.driver.UninstallDevice(ev.Device))
	assert.Empty(t, f.driver.Devices())
	require.NoError(t, f.driver.Uninstall())
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "connected", DeviceConnected.String())
	assert.Equal(t, "disconnected", DeviceDisconnected.String())
	assert.Equal(t, "unknown", EventType(7).String())
}

func TestReadyAttempts(t *testing.T) {
	assert.Equal(t, 30, readyAttempts(WaitForReadyTimeout))
	assert.Equal(t, 5, readyAttempts(550*time.Millisecond))
	assert.Equal(t, 1, readyAttempts(50*time.Millisecond))
	assert.Equal(t, 1, readyAttempts(0))
}
