// Package gousb implements [hal.HostHAL] on Linux usbfs through the pure-Go
// github.com/kevmo314/go-usb library.
//
// The kernel has already enumerated every device by the time the HAL sees it,
// so enumeration requests from the host library are answered against the
// open device: port reset is a no-op, SET_ADDRESS only records the address
// the host chose, and SET_CONFIGURATION is skipped when the configuration is
// already active.
//
// Devices are discovered by polling the sysfs device list. Each non-hub
// device the process can open occupies one virtual port for as long as it
// stays on the list.
//
// # Transfers
//
// Bulk IN transfers are submitted as asynchronous URBs and are cancelled
// when the transfer context is done, which lets the host library flush a
// stuck endpoint. Bulk OUT and control transfers are synchronous and bounded
// by the context deadline, or by the transfer timeout when there is none.
//
// # Permissions
//
// Opening /dev/bus/usb nodes usually requires root or a udev rule. Claiming
// an interface detaches the kernel driver bound to it (usb-storage for mass
// storage devices).
package gousb
