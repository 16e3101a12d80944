package main

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/host/hal/gousb"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

// session is a running host with the mass storage driver installed.
type session struct {
	opts   *globalOptions
	bus    hal.HostHAL
	host   *host.Host
	driver *msc.Driver
	events chan *msc.Event

	// Virtual disks, with --sim.
	disks []*sim.MassStorage
}

// simLabel is written to LBA 0 of every simulated disk.
const simLabel = "mscctl simulated disk %d"

func openSession(ctx context.Context, opts *globalOptions) (*session, error) {
	s := &session{opts: opts, events: make(chan *msc.Event, host.MaxDevices)}

	var simBus *sim.Bus
	if opts.sim > 0 {
		simBus = sim.NewBus(sim.WithPorts(max(opts.sim, sim.DefaultPorts)))
		s.bus = simBus
	} else {
		bus, err := gousb.NewHostHAL()
		if err != nil {
			return nil, fmt.Errorf("usbfs: %w", err)
		}
		s.bus = bus
	}

	// The host outlives ctx so teardown can still reach the devices.
	s.host = host.New(s.bus)
	if err := s.host.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}

	driver, err := msc.Install(s.host, msc.DriverConfig{
		CreateBackgroundTask: true,
		TaskPriority:         5,
		StackSize:            4096,
		CoreID:               -1,
		Callback:             s.event,
	})
	if err != nil {
		_ = s.stopHost()
		return nil, err
	}
	s.driver = driver

	for i := range opts.sim {
		disk := sim.NewMassStorage(sim.MassStorageConfig{})
		if err := disk.Load(0, []byte(fmt.Sprintf(simLabel, i+1))); err != nil {
			_ = s.Close()
			return nil, err
		}
		if _, err := simBus.Attach(disk); err != nil {
			_ = s.Close()
			return nil, err
		}
		s.disks = append(s.disks, disk)
	}
	return s, nil
}

func (s *session) event(ev *msc.Event, _ any) {
	select {
	case s.events <- ev:
	default:
		pkg.LogWarn(pkg.ComponentCLI, "event dropped", "type", ev.Type)
	}
}

// present returns the mass storage devices the host enumerated before the
// driver was installed. They raise no connection event.
func (s *session) present() []hal.DeviceAddress {
	var addrs []hal.DeviceAddress
	for _, dev := range s.host.Devices() {
		if desc, err := dev.ActiveConfigDescriptor(); err == nil && msc.IsMassStorage(desc) {
			addrs = append(addrs, dev.Address())
		}
	}
	return addrs
}

// discover collects connected mass storage devices until none has appeared
// for the settle time, or until every simulated disk has been seen.
func (s *session) discover(ctx context.Context) []hal.DeviceAddress {
	addrs := s.present()
	complete := func() bool {
		return len(s.disks) > 0 && len(addrs) >= len(s.disks)
	}
	if complete() {
		return addrs
	}

	timer := time.NewTimer(s.opts.settle)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return addrs
		case <-timer.C:
			return addrs
		case ev := <-s.events:
			if ev.Type != msc.DeviceConnected {
				continue
			}
			addrs = lo.Uniq(append(addrs, ev.Address))
			if complete() {
				return addrs
			}
			timer.Reset(s.opts.settle)
		}
	}
}

// installAll installs every discovered device. Devices are brought up in
// parallel since each may spend seconds waiting to become ready. A device
// that fails to install is logged and skipped.
func (s *session) installAll(ctx context.Context) ([]*msc.Device, error) {
	addrs := s.discover(ctx)
	devices := make([]*msc.Device, len(addrs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(host.DefaultWorkers)
	for i, addr := range addrs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dev, err := s.driver.InstallDevice(addr)
			if err != nil {
				pkg.LogWarn(pkg.ComponentCLI, "install failed", "address", addr, "error", err)
				return nil
			}
			devices[i] = dev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	installed := devices[:0]
	for _, dev := range devices {
		if dev != nil {
			installed = append(installed, dev)
		}
	}
	return installed, nil
}

// find installs devices and returns the one at addr.
func (s *session) find(ctx context.Context, addr hal.DeviceAddress) (*msc.Device, error) {
	devices, err := s.installAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.Address() == addr {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no mass storage device at address %d: %w", addr, pkg.ErrNoDevice)
}

// installed reports whether the device at addr is already installed.
func (s *session) installed(addr hal.DeviceAddress) bool {
	return lo.ContainsBy(s.driver.Devices(), func(dev *msc.Device) bool {
		return dev.Address() == addr
	})
}

// Close uninstalls every device and the driver, then stops the host.
func (s *session) Close() error {
	var cleanup pkg.Cleanup
	if s.driver != nil {
		for _, dev := range s.driver.Devices() {
			cleanup.Do(func() error { return s.driver.UninstallDevice(dev) })
		}
		cleanup.Do(s.driver.Uninstall)
	}
	cleanup.Do(s.stopHost)
	return cleanup.Err()
}

func (s *session) stopHost() error {
	var cleanup pkg.Cleanup
	cleanup.Do(s.host.Stop)
	cleanup.Do(s.bus.Close)
	return cleanup.Err()
}
