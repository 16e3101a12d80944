package msc

import (
	"errors"
	"fmt"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Endpoint selects one of the device's bulk endpoints.
type Endpoint int

// Bulk endpoints.
const (
	EndpointIn  Endpoint = iota // Device to host
	EndpointOut                 // Host to device
)

func (dev *Device) endpoint(ep Endpoint) uint8 {
	if ep == EndpointIn {
		return dev.config.BulkIn
	}
	return dev.config.BulkOut
}

// roundUp rounds n up to a multiple of mps.
func roundUp(n, mps int) int {
	if mps <= 0 {
		return n
	}
	return (n + mps - 1) / mps * mps
}

// transferDone is the completion callback of the device's transfer object.
func (dev *Device) transferDone(t *host.Transfer) {
	if t.Status != pkg.TransferStatusCompleted {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"endpoint", t.Endpoint,
			"status", t.Status)
	}
	select {
	case dev.done <- struct{}{}:
	default:
		pkg.LogWarn(pkg.ComponentTransfer, "unconsumed transfer completion", "endpoint", t.Endpoint)
	}
}

// BulkTransfer moves data through the device's transfer buffer. OUT data is
// copied in before submission; IN transfers request len(data) rounded up to
// the max packet size and copy len(data) bytes back.
func (dev *Device) BulkTransfer(data []byte, ep Endpoint) error {
	if !dev.busy.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}
	defer dev.busy.Store(false)

	xfer := dev.xfer
	size := len(data)
	if size > xfer.Capacity() {
		return pkg.ErrInvalidSize
	}

	addr := dev.endpoint(ep)
	if hal.IsInEndpoint(addr) {
		xfer.NumBytes = roundUp(size, int(dev.config.BulkInMaxPacketSize))
	} else {
		copy(xfer.Data(), data)
		xfer.NumBytes = size
	}
	xfer.Endpoint = addr

	if err := dev.submitAndWait(func() error { return dev.handle.Submit(xfer) }); err != nil {
		return err
	}

	if hal.IsInEndpoint(addr) {
		copy(data, xfer.Data()[:size])
	}
	return nil
}

// BulkTransferZeroCopy transfers directly to or from buf, which must be DMA
// capable (see host.AllocDMABuffer). IN transfers are rounded up to the max
// packet size within cap(buf).
func (dev *Device) BulkTransferZeroCopy(buf []byte, ep Endpoint) error {
	if !host.IsDMACapable(buf[:cap(buf)]) {
		return pkg.ErrInvalidArgument
	}

	if !dev.busy.CompareAndSwap(false, true) {
		return pkg.ErrBusy
	}
	defer dev.busy.Store(false)

	addr := dev.endpoint(ep)
	size := len(buf)
	if hal.IsInEndpoint(addr) {
		size = roundUp(size, int(dev.config.BulkInMaxPacketSize))
	}
	if size > cap(buf) {
		return pkg.ErrInvalidSize
	}

	xfer := dev.xfer
	restore := xfer.SwapBuffer(buf[:size])
	defer restore()

	xfer.NumBytes = size
	xfer.Endpoint = addr

	return dev.submitAndWait(func() error { return dev.handle.Submit(xfer) })
}

// ControlTransfer performs a control transfer on the default pipe through
// the device's transfer object. The data stage is data[:setup.Length]; for IN
// requests it receives the response and the number of bytes received is
// returned.
func (dev *Device) ControlTransfer(setup *hal.SetupPacket, data []byte) (int, error) {
	if setup == nil || int(setup.Length) > len(data) {
		return 0, pkg.ErrInvalidArgument
	}
	data = data[:setup.Length]
	if !dev.busy.CompareAndSwap(false, true) {
		return 0, pkg.ErrBusy
	}
	defer dev.busy.Store(false)

	xfer := dev.xfer
	if hal.SetupPacketSize+len(data) > xfer.Capacity() {
		return 0, pkg.ErrInvalidSize
	}

	buf := xfer.Data()
	setup.MarshalTo(buf)
	if !setup.IsIn() {
		copy(buf[hal.SetupPacketSize:], data)
	}
	xfer.NumBytes = hal.SetupPacketSize + len(data)

	err := dev.submitAndWait(func() error { return dev.driver.client.SubmitControl(dev.handle, xfer) })
	if err != nil {
		// Control failures are not distinguished
		if errors.Is(err, pkg.ErrStall) {
			return 0, fmt.Errorf("%w: %w", pkg.ErrInternal, err)
		}
		return 0, err
	}

	n := max(xfer.ActualNumBytes-hal.SetupPacketSize, 0)
	if setup.IsIn() {
		copy(data, buf[hal.SetupPacketSize:hal.SetupPacketSize+n])
	}
	return n, nil
}

// submitAndWait submits the transfer object and waits for it to retire.
//
// If it does not retire within TransferTimeout the endpoint is halted and
// flushed, which retires it, and the endpoint is cleared for reuse.
func (dev *Device) submitAndWait(submit func() error) error {
	xfer := dev.xfer
	if err := submit(); err != nil {
		return err
	}

	timer := dev.clock.Timer(TransferTimeout)
	defer timer.Stop()

	select {
	case <-dev.done:
		return transferError(xfer.Status)

	case <-timer.C:
		ep := xfer.Endpoint
		pkg.LogWarn(pkg.ComponentTransfer, "transfer timed out",
			"address", dev.handle.Address(),
			"endpoint", ep)

		if err := dev.handle.HaltEndpoint(ep); err != nil {
			pkg.LogDebug(pkg.ComponentTransfer, "halt failed", "endpoint", ep, "error", err)
		}
		if err := dev.handle.FlushEndpoint(ep); err != nil {
			pkg.LogDebug(pkg.ComponentTransfer, "flush failed", "endpoint", ep, "error", err)
		}
		<-dev.done

		if err := dev.clearEndpoint(ep); err != nil {
			pkg.LogDebug(pkg.ComponentTransfer, "clear failed", "endpoint", ep, "error", err)
		}
		return transferError(pkg.TransferStatusTimedOut)
	}
}

// transferError maps a transfer status to the driver's error classes: a
// stall is reported as such and every other failure as an internal error.
func transferError(status pkg.TransferStatus) error {
	switch status {
	case pkg.TransferStatusCompleted:
		return nil
	case pkg.TransferStatusStall:
		return pkg.ErrStall
	case pkg.TransferStatusError:
		return fmt.Errorf("%w: transfer %s", pkg.ErrInternal, status)
	default:
		return fmt.Errorf("%w: %w", pkg.ErrInternal, status.Err())
	}
}
