// Package sim provides an in-memory HAL implementation for USB host stacks.
//
// This package implements the [hal.HostHAL] interface with a virtual bus of
// root ports. Virtual devices are attached and detached at runtime and answer
// control and bulk transfers directly, without any kernel or hardware
// involvement. It is used by the mass storage driver's tests and by the
// mscctl --sim mode.
//
// # Architecture
//
// The bus answers standard control requests (GET_DESCRIPTOR,
// SET_CONFIGURATION, SET_INTERFACE, CLEAR_FEATURE) from the descriptors each
// [Device] reports, and forwards class requests and bulk transfers to the
// device itself. Two devices are provided:
//   - [MassStorage] is a Bulk-Only Transport disk backed by memory that
//     understands enough SCSI to be installed, read and written
//   - [HID] is a keyboard-like device with no bulk endpoints, used to exercise
//     classification of devices that are not mass storage
//
// # Usage
//
//	bus := sim.NewBus(sim.WithPorts(4))
//	h := host.New(bus)
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	disk := sim.NewMassStorage(sim.MassStorageConfig{BlockCount: 2048})
//	port, err := bus.Attach(disk)
//
// # Fault Injection
//
// [MassStorage] can report "not ready" for a number of TEST UNIT READY
// commands, stall the next transfer on an endpoint, or hold the next transfer
// on an endpoint until it is cancelled. Every bulk transfer it sees is
// recorded and available from [MassStorage.Transfers].
package sim
