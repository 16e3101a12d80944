package msc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// ErrCommandFailed indicates the device reported a failed command in its
// status wrapper. The cause can be read with RequestSense.
var ErrCommandFailed = errors.New("command failed")

// commandBlockWrapper is the 31-byte CBW that starts every command.
type commandBlockWrapper struct {
	Tag        uint32
	DataLength uint32
	Flags      uint8
	LUN        uint8
	CB         []byte
}

// marshal encodes the wrapper into buf, which must hold CBWSize bytes.
func (w *commandBlockWrapper) marshal(buf []byte) {
	clear(buf[:CBWSize])
	binary.LittleEndian.PutUint32(buf[0:], CBWSignature)
	binary.LittleEndian.PutUint32(buf[4:], w.Tag)
	binary.LittleEndian.PutUint32(buf[8:], w.DataLength)
	buf[12] = w.Flags
	buf[13] = w.LUN & 0x0F
	buf[14] = uint8(len(w.CB))
	copy(buf[15:31], w.CB)
}

// commandStatusWrapper is the 13-byte CSW that ends every command.
type commandStatusWrapper struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

func (s *commandStatusWrapper) unmarshal(buf []byte) {
	s.Signature = binary.LittleEndian.Uint32(buf[0:])
	s.Tag = binary.LittleEndian.Uint32(buf[4:])
	s.DataResidue = binary.LittleEndian.Uint32(buf[8:])
	s.Status = buf[12]
}

// Direction of a command's data phase.
type direction int

const (
	dataNone direction = iota
	dataIn
	dataOut
)

// execute runs one command through the command, data and status phases.
//
// Data up to the transfer object's capacity is staged through it; larger
// data must be DMA capable and is transferred in place.
func (dev *Device) execute(cb []byte, data []byte, dir direction) error {
	if len(cb) == 0 || len(cb) > 16 {
		return pkg.ErrInvalidArgument
	}
	if dir == dataNone {
		data = nil
	}
	if len(data) > dev.xfer.Capacity() && !host.IsDMACapable(data[:cap(data)]) {
		return pkg.ErrInvalidArgument
	}

	dev.cmdMu.Lock()
	defer dev.cmdMu.Unlock()

	dev.tag++
	cbw := commandBlockWrapper{
		Tag:        dev.tag,
		DataLength: uint32(len(data)),
		CB:         cb,
	}
	if dir == dataIn {
		cbw.Flags = CBWFlagDataIn
	}

	var buf [CBWSize]byte
	cbw.marshal(buf[:])
	if err := dev.BulkTransfer(buf[:], EndpointOut); err != nil {
		return fmt.Errorf("opcode 0x%02x: command phase: %w", cb[0], err)
	}

	if len(data) > 0 {
		ep := EndpointOut
		if dir == dataIn {
			ep = EndpointIn
		}
		err := dev.dataPhase(data, ep)
		switch {
		case errors.Is(err, pkg.ErrStall):
			// The device ends a failed data phase with a stall; the
			// status wrapper still follows.
			if err := dev.clearHalt(ep); err != nil {
				return fmt.Errorf("opcode 0x%02x: data phase: %w", cb[0], err)
			}
		case err != nil:
			return fmt.Errorf("opcode 0x%02x: data phase: %w", cb[0], err)
		}
	}

	csw, err := dev.readStatus()
	if err != nil {
		return fmt.Errorf("opcode 0x%02x: status phase: %w", cb[0], err)
	}

	if csw.Signature != CSWSignature || csw.Tag != cbw.Tag {
		pkg.LogWarn(pkg.ComponentSCSI, "invalid status wrapper",
			"address", dev.Address(),
			"signature", csw.Signature,
			"tag", csw.Tag,
			"expected", cbw.Tag)
		dev.resetRecovery()
		return fmt.Errorf("%w: opcode 0x%02x: invalid status wrapper", pkg.ErrInternal, cb[0])
	}

	switch csw.Status {
	case CSWStatusGood:
		if csw.DataResidue != 0 {
			pkg.LogDebug(pkg.ComponentSCSI, "short data phase",
				"opcode", cb[0],
				"residue", csw.DataResidue)
		}
		return nil
	case CSWStatusFailed:
		return fmt.Errorf("%w: opcode 0x%02x", ErrCommandFailed, cb[0])
	default:
		dev.resetRecovery()
		return fmt.Errorf("%w: opcode 0x%02x: phase error", pkg.ErrInternal, cb[0])
	}
}

func (dev *Device) dataPhase(data []byte, ep Endpoint) error {
	if len(data) <= dev.xfer.Capacity() {
		return dev.BulkTransfer(data, ep)
	}
	return dev.BulkTransferZeroCopy(data, ep)
}

// readStatus reads the status wrapper, retrying once after clearing a stall.
func (dev *Device) readStatus() (commandStatusWrapper, error) {
	var (
		buf [CSWSize]byte
		csw commandStatusWrapper
	)
	err := dev.BulkTransfer(buf[:], EndpointIn)
	if errors.Is(err, pkg.ErrStall) {
		if err := dev.clearHalt(EndpointIn); err != nil {
			return csw, err
		}
		err = dev.BulkTransfer(buf[:], EndpointIn)
	}
	if err != nil {
		return csw, err
	}
	csw.unmarshal(buf[:])
	return csw, nil
}

// clearHalt clears a stalled bulk endpoint.
func (dev *Device) clearHalt(ep Endpoint) error {
	return dev.clearEndpoint(dev.endpoint(ep))
}

// clearEndpoint clears a halt on the endpoint at addr, giving the control
// request TransferTimeout to complete.
func (dev *Device) clearEndpoint(addr uint8) error {
	ctx, cancel := dev.clock.WithTimeout(context.Background(), TransferTimeout)
	defer cancel()
	return dev.handle.ClearEndpoint(ctx, addr)
}

// resetRecovery brings the interface back to a known state after a phase
// error: a class reset followed by clearing both bulk endpoints.
func (dev *Device) resetRecovery() {
	var cleanup pkg.Cleanup
	cleanup.Do(dev.Reset)
	cleanup.Do(func() error { return dev.clearHalt(EndpointIn) })
	cleanup.Do(func() error { return dev.clearHalt(EndpointOut) })
	cleanup.Discard(pkg.ComponentSCSI, "reset recovery incomplete")
}

// Reset sends the Bulk-Only Mass Storage Reset class request.
func (dev *Device) Reset() error {
	setup := hal.SetupPacket{
		RequestType: host.RequestTypeOut | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     RequestBulkOnlyMassStorageReset,
		Index:       uint16(dev.config.Interface),
	}
	_, err := dev.ControlTransfer(&setup, nil)
	return err
}

// GetMaxLUN returns the highest logical unit number of the device. A device
// with a single unit may stall the request, which reports zero.
func (dev *Device) GetMaxLUN() (uint8, error) {
	setup := hal.SetupPacket{
		RequestType: host.RequestTypeIn | host.RequestTypeClass | host.RequestTypeInterface,
		Request:     RequestGetMaxLUN,
		Index:       uint16(dev.config.Interface),
		Length:      1,
	}
	var lun [1]byte
	n, err := dev.ControlTransfer(&setup, lun[:])
	switch {
	case errors.Is(err, pkg.ErrStall):
		return 0, nil
	case err != nil:
		return 0, err
	case n < 1:
		return 0, fmt.Errorf("%w: empty max LUN response", pkg.ErrInternal)
	}
	return lun[0], nil
}
