// Package host implements a pure-Go USB host library for class drivers.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/ardnew/mschost/host/hal package. On top
// of the HAL's blocking operations the host provides what a class driver
// consumes: enumeration, client event delivery, device open/close with
// interface claiming, and asynchronous transfers with completion callbacks.
//
// # Architecture
//
//   - Host enumerates devices and fans events out to registered clients
//   - Client owns a bounded event queue drained by HandleEvents
//   - Device caches descriptors and tracks per-endpoint halt state
//   - Transfer is a reusable, fixed-capacity transfer object executed by a
//     pool of workers
//
// # Events
//
// Every client receives ClientEventNewDevice for each enumerated device.
// ClientEventDeviceGone is only delivered to clients that hold the removed
// device open. Events are delivered from HandleEvents, on the caller's
// goroutine:
//
//	client, _ := h.RegisterClient(host.ClientConfig{
//	    Callback:  onEvent,
//	    MaxEvents: 10,
//	})
//	for {
//	    client.HandleEvents(ctx)
//	}
//
// # Transfers
//
// Transfer completion callbacks run on a transfer worker goroutine, not from
// HandleEvents. A transfer stuck on an endpoint is retired by halting then
// flushing the endpoint:
//
//	dev.HaltEndpoint(0x81)
//	dev.FlushEndpoint(0x81) // callback runs with TransferStatusCancelled
//	dev.ClearEndpoint(ctx, 0x81)
package host
