// Package msc implements a USB Mass Storage Class host driver for the
// Bulk-Only Transport (BOT) with the SCSI transparent command set.
//
// The driver is a client of [host.Host]. It classifies newly attached
// devices, and the application decides which to install:
//
//	drv, err := msc.Install(h, msc.DriverConfig{
//	    CreateBackgroundTask: true,
//	    TaskPriority:         5,
//	    StackSize:            4096,
//	    CoreID:               -1,
//	    Callback: func(ev *msc.Event, _ any) {
//	        switch ev.Type {
//	        case msc.DeviceConnected:
//	            dev, err := drv.InstallDevice(ev.Address)
//	            ...
//	        case msc.DeviceDisconnected:
//	            drv.UninstallDevice(ev.Device)
//	        }
//	    },
//	})
//
// InstallDevice claims the BOT interface, issues INQUIRY, waits for the unit
// to become ready and reads its capacity. Every device owns a single transfer
// object, so at most one transfer is in flight per device; a concurrent
// transfer fails with [pkg.ErrBusy] and SCSI commands are serialized.
//
// A transfer that does not complete within [TransferTimeout] is retired by
// halting and flushing its endpoint and is reported as timed out.
package msc
