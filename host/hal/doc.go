// Package hal defines the Hardware Abstraction Layer interface used by the
// USB host library.
//
// The HAL sits between the host library and whatever actually moves bytes on
// the bus. The host library implements enumeration, client event delivery and
// asynchronous transfer completion; the HAL only performs blocking,
// context-cancellable transfers and reports port connection changes.
//
// # Implementations
//
//   - [github.com/ardnew/mschost/host/hal/gousb] drives real devices through
//     the pure-Go go-usb library.
//   - [github.com/ardnew/mschost/host/hal/sim] is an in-memory bus with virtual
//     devices, used by tests and by the CLI's --sim mode.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [HostHAL] methods
//  2. Report new devices from WaitForConnection with a stable port number
//  3. Treat the device at address 0 as the one most recently reset
//  4. Return an error wrapping ctx.Err() from BulkTransfer when ctx is done
//     before the transfer finishes, and [github.com/ardnew/mschost/pkg.ErrStall]
//     for a stalled endpoint
package hal
