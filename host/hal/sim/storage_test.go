package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

func cbw(tag, length uint32, in bool, cb ...byte) []byte {
	buf := make([]byte, cbwSize)
	binary.LittleEndian.PutUint32(buf[0:], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:], tag)
	binary.LittleEndian.PutUint32(buf[8:], length)
	if in {
		buf[12] = cbwFlagIn
	}
	buf[14] = byte(len(cb))
	copy(buf[15:], cb)
	return buf
}

func rw10(op byte, lba uint32, count uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:], lba)
	binary.BigEndian.PutUint16(cb[7:], count)
	return cb
}

type csw struct {
	tag     uint32
	residue uint32
	status  uint8
}

// readCSW reads and decodes a Command Status Wrapper.
func readCSW(t *testing.T, d *MassStorage) csw {
	t.Helper()
	buf := make([]byte, 64)
	n, err := d.Bulk(context.Background(), 0x81, buf)
	require.NoError(t, err)
	require.Equal(t, cswSize, n)
	require.Equal(t, uint32(cswSignature), binary.LittleEndian.Uint32(buf))
	return csw{
		tag:     binary.LittleEndian.Uint32(buf[4:]),
		residue: binary.LittleEndian.Uint32(buf[8:]),
		status:  buf[12],
	}
}

// exec runs a data-in or no-data command and returns the data and status.
func exec(t *testing.T, d *MassStorage, tag, length uint32, cb ...byte) ([]byte, csw) {
	t.Helper()
	ctx := context.Background()

	n, err := d.Bulk(ctx, 0x02, cbw(tag, length, length > 0, cb...))
	require.NoError(t, err)
	require.Equal(t, cbwSize, n)

	var data []byte
	if length > 0 {
		buf := make([]byte, length)
		n, err = d.Bulk(ctx, 0x81, buf)
		require.NoError(t, err)
		data = buf[:n]
	}
	return data, readCSW(t, d)
}

func TestMassStorage_Descriptors(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{Interface: 1, BulkIn: 0x83, BulkOut: 0x04, MaxPacketSize: 512})

	cfg := d.Config()
	assert.Equal(t, uint32(512), cfg.BlockSize)
	assert.Equal(t, uint32(2048), cfg.BlockCount)
	assert.NotEmpty(t, cfg.SerialNumber)

	desc := d.ConfigDescriptor()
	require.Len(t, desc, 32)
	assert.Equal(t, uint16(32), binary.LittleEndian.Uint16(desc[2:]))
	assert.Equal(t, uint8(1), desc[4])
	assert.Equal(t, []byte{9, descriptorInterface, 1, 0, 2, 0x08, 0x06, 0x50, 0}, desc[9:18])
	assert.Equal(t, []byte{7, descriptorEndpoint, 0x83, endpointTypeBulk, 0x00, 0x02, 0}, desc[18:25])
	assert.Equal(t, uint8(0x04), desc[27])

	s, ok := d.StringDescriptor(3)
	assert.True(t, ok)
	assert.Equal(t, cfg.SerialNumber, s)
}

func TestMassStorage_Inquiry(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{Vendor: "ACME", Model: "Stick"})

	data, status := exec(t, d, 7, 36, scsiInquiry, 0, 0, 0, 36, 0)
	require.Len(t, data, inquirySize)
	assert.Equal(t, "ACME    ", string(data[8:16]))
	assert.Equal(t, "Stick           ", string(data[16:32]))
	assert.Equal(t, "1.0 ", string(data[32:36]))
	assert.Equal(t, csw{tag: 7, residue: 0, status: cswStatusGood}, status)
}

func TestMassStorage_NotReady(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{})
	d.SetNotReady(2, SenseUnitAttention)

	for i := 0; i < 2; i++ {
		_, status := exec(t, d, 1, 0, scsiTestUnitReady)
		assert.Equal(t, uint8(cswStatusFailed), status.status)

		sense, status := exec(t, d, 2, senseSize, scsiRequestSense, 0, 0, 0, senseSize, 0)
		assert.Equal(t, uint8(cswStatusGood), status.status)
		assert.Equal(t, uint8(0x70), sense[0])
		assert.Equal(t, uint8(SenseUnitAttention), sense[2]&0x0F)
		assert.Equal(t, uint8(ascBecomingReady), sense[12])
	}

	_, status := exec(t, d, 3, 0, scsiTestUnitReady)
	assert.Equal(t, uint8(cswStatusGood), status.status)

	sense, _ := exec(t, d, 4, senseSize, scsiRequestSense, 0, 0, 0, senseSize, 0)
	assert.Equal(t, uint8(SenseNoSense), sense[2])
}

func TestMassStorage_ReadCapacity(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{BlockSize: 4096, BlockCount: 100})

	data, status := exec(t, d, 9, capacitySize, scsiReadCapacity10)
	assert.Equal(t, uint32(99), binary.BigEndian.Uint32(data[0:]))
	assert.Equal(t, uint32(4096), binary.BigEndian.Uint32(data[4:]))
	assert.Equal(t, uint8(cswStatusGood), status.status)
}

func TestMassStorage_ReadWrite(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{BlockCount: 16})

	payload := bytes.Repeat([]byte{0xA5, 0x5A}, 512)
	_, err := d.Bulk(ctx, 0x02, cbw(1, 1024, false, rw10(scsiWrite10, 3, 2)...))
	require.NoError(t, err)

	// Data may arrive in several transfers
	n, err := d.Bulk(ctx, 0x02, payload[:600])
	require.NoError(t, err)
	assert.Equal(t, 600, n)
	n, err = d.Bulk(ctx, 0x02, payload[600:])
	require.NoError(t, err)
	assert.Equal(t, 424, n)
	assert.Equal(t, csw{tag: 1, status: cswStatusGood}, readCSW(t, d))

	assert.Equal(t, payload, d.Dump(3, 2))

	data, status := exec(t, d, 2, 1024, rw10(scsiRead10, 3, 2)...)
	assert.Equal(t, payload, data)
	assert.Equal(t, csw{tag: 2, status: cswStatusGood}, status)

	require.NoError(t, d.Load(15, []byte("last block")))
	data, _ = exec(t, d, 3, 512, rw10(scsiRead10, 15, 1)...)
	assert.Equal(t, "last block", string(data[:10]))

	assert.ErrorIs(t, d.Load(16, []byte{1}), pkg.ErrInvalidSize)
	assert.Nil(t, d.Dump(15, 2))
}

func TestMassStorage_OutOfRange(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{BlockCount: 16})

	_, err := d.Bulk(ctx, 0x02, cbw(5, 512, true, rw10(scsiRead10, 16, 1)...))
	require.NoError(t, err)

	// The data phase is refused; the status follows the clear
	_, err = d.Bulk(ctx, 0x81, make([]byte, 512))
	require.ErrorIs(t, err, pkg.ErrStall)
	d.ClearHalt(0x81)
	assert.Equal(t, csw{tag: 5, residue: 512, status: cswStatusFailed}, readCSW(t, d))

	sense, _ := exec(t, d, 6, senseSize, scsiRequestSense, 0, 0, 0, senseSize, 0)
	assert.Equal(t, uint8(SenseIllegalRequest), sense[2])
	assert.Equal(t, uint8(ascLBAOutOfRange), sense[12])
}

func TestMassStorage_ReadOnly(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{ReadOnly: true})

	_, err := d.Bulk(ctx, 0x02, cbw(1, 512, false, rw10(scsiWrite10, 0, 1)...))
	require.NoError(t, err)
	_, err = d.Bulk(ctx, 0x02, make([]byte, 512))
	require.ErrorIs(t, err, pkg.ErrStall)
	d.ClearHalt(0x02)
	assert.Equal(t, uint8(cswStatusFailed), readCSW(t, d).status)
}

func TestMassStorage_UnsupportedCommand(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{})

	_, status := exec(t, d, 1, 0, 0x1B)
	assert.Equal(t, uint8(cswStatusFailed), status.status)
}

func TestMassStorage_PhaseErrors(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{})

	// Status requested before any command
	_, err := d.Bulk(ctx, 0x81, make([]byte, 64))
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.True(t, d.Halted(0x81))

	// Bad signature
	bad := cbw(1, 0, false, scsiTestUnitReady)
	bad[0] = 0
	_, err = d.Bulk(ctx, 0x02, bad)
	assert.ErrorIs(t, err, pkg.ErrStall)

	d.ClearHalt(0x81)
	d.ClearHalt(0x02)

	// A short status buffer is an overflow
	_, err = d.Bulk(ctx, 0x02, cbw(1, 0, false, scsiTestUnitReady))
	require.NoError(t, err)
	_, err = d.Bulk(ctx, 0x81, make([]byte, 8))
	assert.ErrorIs(t, err, pkg.ErrOverflow)
}

func TestMassStorage_StallDataPhase(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{})
	d.StallNext(0x81)

	_, err := d.Bulk(ctx, 0x02, cbw(4, 36, true, scsiInquiry, 0, 0, 0, 36, 0))
	require.NoError(t, err)
	_, err = d.Bulk(ctx, 0x81, make([]byte, 64))
	require.ErrorIs(t, err, pkg.ErrStall)

	// Halted until cleared
	_, err = d.Bulk(ctx, 0x81, make([]byte, 64))
	require.ErrorIs(t, err, pkg.ErrStall)
	d.ClearHalt(0x81)

	assert.Equal(t, csw{tag: 4, residue: 36, status: cswStatusFailed}, readCSW(t, d))
}

func TestMassStorage_HangNext(t *testing.T) {
	d := NewMassStorage(MassStorageConfig{})
	d.HangNext(0x02)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := d.Bulk(ctx, 0x02, cbw(1, 0, false, scsiTestUnitReady))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// One-shot; the command phase is unaffected
	_, status := exec(t, d, 2, 0, scsiTestUnitReady)
	assert.Equal(t, csw{tag: 2, status: cswStatusGood}, status)

	transfers := d.Transfers()
	require.Len(t, transfers, 3)
	assert.Equal(t, Transfer{Endpoint: 0x02, Length: cbwSize}, transfers[0])
	assert.Equal(t, Transfer{Endpoint: 0x81, Length: 64}, transfers[2])

	d.ClearTransfers()
	assert.Empty(t, d.Transfers())
}

func TestMassStorage_ClassRequests(t *testing.T) {
	ctx := context.Background()
	d := NewMassStorage(MassStorageConfig{MaxLUN: 2})

	buf := make([]byte, 1)
	n, err := d.ClassRequest(ctx, &hal.SetupPacket{RequestType: 0xA1, Request: requestGetMaxLUN, Length: 1}, buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint8(2), buf[0])

	_, err = d.ClassRequest(ctx, &hal.SetupPacket{RequestType: 0xA1, Request: requestGetMaxLUN}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	// Reset abandons a command halfway through
	_, err = d.Bulk(ctx, 0x02, cbw(1, 36, true, scsiInquiry, 0, 0, 0, 36, 0))
	require.NoError(t, err)
	_, err = d.ClassRequest(ctx, &hal.SetupPacket{RequestType: 0x21, Request: requestBulkOnlyReset}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Resets())

	_, status := exec(t, d, 2, 0, scsiTestUnitReady)
	assert.Equal(t, uint8(cswStatusGood), status.status)

	_, err = d.ClassRequest(ctx, &hal.SetupPacket{RequestType: 0x21, Request: 0x42}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}
