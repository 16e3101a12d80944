package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Mass storage interface codes.
const (
	ClassMassStorage = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport
)

// Bulk-Only Transport class requests.
const (
	requestBulkOnlyReset = 0xFF
	requestGetMaxLUN     = 0xFE
)

// Command Block Wrapper and Command Status Wrapper framing.
const (
	cbwSignature = 0x43425355 // "USBC"
	cbwSize      = 31
	cbwFlagIn    = 0x80
	cswSignature = 0x53425355 // "USBS"
	cswSize      = 13

	cswStatusGood   = 0x00
	cswStatusFailed = 0x01
)

// SCSI operation codes.
const (
	scsiTestUnitReady  = 0x00
	scsiRequestSense   = 0x03
	scsiInquiry        = 0x12
	scsiReadCapacity10 = 0x25
	scsiRead10         = 0x28
	scsiWrite10        = 0x2A
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Additional sense codes.
const (
	ascNoAdditionalInfo  = 0x00
	ascBecomingReady     = 0x04 // with ASCQ 0x01
	ascInvalidCommand    = 0x20
	ascLBAOutOfRange     = 0x21
	ascInvalidFieldInCDB = 0x24
	ascWriteProtected    = 0x27
)

const (
	inquirySize  = 36
	senseSize    = 18
	capacitySize = 8
)

// MassStorageConfig configures a virtual Bulk-Only Transport disk.
// Zero fields take the defaults noted below.
type MassStorageConfig struct {
	Identity

	// INQUIRY identification, space padded to 8, 16 and 4 bytes.
	Vendor   string // "MSCHOST"
	Model    string // "Virtual Disk"
	Revision string // "1.0"

	BlockSize  uint32 // 512
	BlockCount uint32 // 2048

	Interface     uint8
	BulkIn        uint8  // 0x81
	BulkOut       uint8  // 0x02
	MaxPacketSize uint16 // 64
	MaxLUN        uint8
	ReadOnly      bool
}

func (c *MassStorageConfig) setDefaults() {
	if c.VendorID == 0 && c.ProductID == 0 {
		c.VendorID, c.ProductID = 0x1209, 0x0001
	}
	if c.Manufacturer == "" {
		c.Manufacturer = "mschost"
	}
	if c.Product == "" {
		c.Product = "Virtual Mass Storage"
	}
	if c.SerialNumber == "" {
		c.SerialNumber = uuid.NewString()
	}
	if c.Speed == hal.SpeedUnknown {
		c.Speed = hal.SpeedFull
	}
	if c.Vendor == "" {
		c.Vendor = "MSCHOST"
	}
	if c.Model == "" {
		c.Model = "Virtual Disk"
	}
	if c.Revision == "" {
		c.Revision = "1.0"
	}
	if c.BlockSize == 0 {
		c.BlockSize = 512
	}
	if c.BlockCount == 0 {
		c.BlockCount = 2048
	}
	if c.BulkIn == 0 {
		c.BulkIn = 0x81
	}
	if c.BulkOut == 0 {
		c.BulkOut = 0x02
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = 64
	}
}

// Transfer records a bulk transfer submitted to a MassStorage.
type Transfer struct {
	Endpoint uint8
	Length   int
}

// phase is the Bulk-Only Transport state of the device.
type phase int

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

// commandBlock is a parsed Command Block Wrapper.
type commandBlock struct {
	tag        uint32
	dataLength uint32
	in         bool
	lun        uint8
	cb         [16]byte
}

// MassStorage is a virtual Bulk-Only Transport disk backed by memory.
type MassStorage struct {
	cfg    MassStorageConfig
	config []byte

	mu   sync.Mutex
	data []byte

	phase    phase
	cbw      commandBlock
	response []byte
	received []byte
	residue  uint32
	status   uint8

	senseKey uint8
	asc      uint8
	ascq     uint8

	halted    map[uint8]bool
	stallNext map[uint8]bool
	hangNext  map[uint8]bool

	notReady    int
	notReadyKey uint8

	transfers []Transfer
	resets    int
}

// NewMassStorage creates a virtual disk.
func NewMassStorage(cfg MassStorageConfig) *MassStorage {
	cfg.setDefaults()
	return &MassStorage{
		cfg: cfg,
		config: newConfigBuilder().
			iface(cfg.Interface, 2, ClassMassStorage, SubclassSCSI, ProtocolBulkOnly).
			endpoint(cfg.BulkIn, endpointTypeBulk, cfg.MaxPacketSize, 0).
			endpoint(cfg.BulkOut, endpointTypeBulk, cfg.MaxPacketSize, 0).
			bytes(),
		data:      make([]byte, uint64(cfg.BlockSize)*uint64(cfg.BlockCount)),
		halted:    make(map[uint8]bool),
		stallNext: make(map[uint8]bool),
		hangNext:  make(map[uint8]bool),
	}
}

// Config returns the disk's configuration with defaults applied.
func (d *MassStorage) Config() MassStorageConfig {
	return d.cfg
}

// =============================================================================
// Fault injection and inspection
// =============================================================================

// SetNotReady makes the next count TEST UNIT READY commands fail with the
// given sense key.
func (d *MassStorage) SetNotReady(count int, senseKey uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notReady = count
	d.notReadyKey = senseKey
}

// StallNext stalls the next transfer on endpoint. The endpoint stays halted
// until the host clears it.
func (d *MassStorage) StallNext(endpoint uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stallNext[endpoint] = true
}

// HangNext holds the next transfer on endpoint until its context is done.
// Endpoint 0 holds the next control request.
func (d *MassStorage) HangNext(endpoint uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangNext[endpoint] = true
}

func (d *MassStorage) holdControl() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hangNext[0] {
		return false
	}
	delete(d.hangNext, 0)
	return true
}

// Halted reports whether endpoint is halted.
func (d *MassStorage) Halted(endpoint uint8) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.halted[endpoint]
}

// Transfers returns every bulk transfer submitted so far.
func (d *MassStorage) Transfers() []Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Transfer(nil), d.transfers...)
}

// ClearTransfers forgets the recorded transfers.
func (d *MassStorage) ClearTransfers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transfers = nil
}

// Resets returns the number of Bulk-Only Mass Storage Reset requests received.
func (d *MassStorage) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Load writes data to the medium starting at lba.
func (d *MassStorage) Load(lba uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := uint64(lba) * uint64(d.cfg.BlockSize)
	if off+uint64(len(data)) > uint64(len(d.data)) {
		return fmt.Errorf("load at lba %d: %w", lba, pkg.ErrInvalidSize)
	}
	copy(d.data[off:], data)
	return nil
}

// Dump returns a copy of count blocks starting at lba.
func (d *MassStorage) Dump(lba, count uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := uint64(lba) * uint64(d.cfg.BlockSize)
	end := off + uint64(count)*uint64(d.cfg.BlockSize)
	if end > uint64(len(d.data)) {
		return nil
	}
	return append([]byte(nil), d.data[off:end]...)
}

// =============================================================================
// Device
// =============================================================================

func (d *MassStorage) Speed() hal.Speed                            { return d.cfg.Speed }
func (d *MassStorage) DeviceDescriptor() []byte                    { return d.cfg.deviceDescriptor() }
func (d *MassStorage) ConfigDescriptor() []byte                    { return d.config }
func (d *MassStorage) StringDescriptor(index uint8) (string, bool) { return d.cfg.stringDescriptor(index) }

// ClearHalt clears a halted endpoint.
func (d *MassStorage) ClearHalt(endpoint uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.halted, endpoint)
}

// ClassRequest handles Bulk-Only Mass Storage Reset and Get Max LUN.
func (d *MassStorage) ClassRequest(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch setup.Request {
	case requestBulkOnlyReset:
		d.phase = phaseCommand
		d.response = nil
		d.received = nil
		d.setSense(SenseNoSense, ascNoAdditionalInfo, 0)
		d.resets++
		pkg.LogDebug(pkg.ComponentHAL, "sim bulk-only reset")
		return 0, nil

	case requestGetMaxLUN:
		if len(data) < 1 {
			return 0, pkg.ErrStall
		}
		data[0] = d.cfg.MaxLUN
		return 1, nil

	default:
		return 0, pkg.ErrStall
	}
}

// Bulk moves one Bulk-Only Transport phase.
func (d *MassStorage) Bulk(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	d.mu.Lock()
	d.transfers = append(d.transfers, Transfer{Endpoint: endpoint, Length: len(data)})

	if d.hangNext[endpoint] {
		delete(d.hangNext, endpoint)
		d.mu.Unlock()
		<-ctx.Done()
		return 0, fmt.Errorf("sim endpoint 0x%02x: %w", endpoint, ctx.Err())
	}
	defer d.mu.Unlock()

	if d.halted[endpoint] {
		return 0, pkg.ErrStall
	}
	if d.stallNext[endpoint] {
		delete(d.stallNext, endpoint)
		d.halted[endpoint] = true
		if d.phase == phaseDataIn || d.phase == phaseDataOut {
			d.phase = phaseStatus
			d.status = cswStatusFailed
			d.residue = d.cbw.dataLength
		}
		return 0, pkg.ErrStall
	}

	switch {
	case endpoint == d.cfg.BulkOut && d.phase == phaseCommand:
		return d.command(data)
	case endpoint == d.cfg.BulkOut && d.phase == phaseDataOut:
		return d.dataOut(data), nil
	case endpoint == d.cfg.BulkIn && d.phase == phaseDataIn:
		return d.dataIn(data), nil
	case endpoint == d.cfg.BulkIn && d.phase == phaseStatus:
		return d.sendStatus(data)
	default:
		pkg.LogDebug(pkg.ComponentHAL, "sim phase error", "endpoint", endpoint, "phase", d.phase)
		d.halted[endpoint] = true
		return 0, pkg.ErrStall
	}
}

// command accepts a Command Block Wrapper and runs its command.
func (d *MassStorage) command(data []byte) (int, error) {
	if len(data) != cbwSize || binary.LittleEndian.Uint32(data) != cbwSignature {
		d.halted[d.cfg.BulkOut] = true
		return 0, pkg.ErrStall
	}

	d.cbw = commandBlock{
		tag:        binary.LittleEndian.Uint32(data[4:]),
		dataLength: binary.LittleEndian.Uint32(data[8:]),
		in:         data[12]&cbwFlagIn != 0,
		lun:        data[13] & 0x0F,
	}
	copy(d.cbw.cb[:], data[15:31])

	if d.cbw.lun > d.cfg.MaxLUN {
		d.fail(SenseIllegalRequest, ascInvalidFieldInCDB, 0)
	} else {
		d.execute()
	}
	return cbwSize, nil
}

// execute runs the SCSI command in d.cbw.
func (d *MassStorage) execute() {
	cb := d.cbw.cb[:]

	switch cb[0] {
	case scsiTestUnitReady:
		if d.notReady > 0 {
			d.notReady--
			d.fail(d.notReadyKey, ascBecomingReady, 0x01)
			return
		}
		d.pass(nil)

	case scsiRequestSense:
		resp := make([]byte, senseSize)
		resp[0] = 0x70
		resp[2] = d.senseKey & 0x0F
		resp[7] = senseSize - 8
		resp[12] = d.asc
		resp[13] = d.ascq
		d.setSense(SenseNoSense, ascNoAdditionalInfo, 0)
		d.pass(resp[:min(int(cb[4]), senseSize)])

	case scsiInquiry:
		resp := make([]byte, inquirySize)
		resp[1] = 0x80 // removable
		resp[2] = 0x06
		resp[3] = 0x02
		resp[4] = inquirySize - 5
		copy(resp[8:16], padString(d.cfg.Vendor, 8))
		copy(resp[16:32], padString(d.cfg.Model, 16))
		copy(resp[32:36], padString(d.cfg.Revision, 4))
		d.pass(resp[:min(int(binary.BigEndian.Uint16(cb[3:])), inquirySize)])

	case scsiReadCapacity10:
		resp := make([]byte, capacitySize)
		binary.BigEndian.PutUint32(resp[0:], d.cfg.BlockCount-1)
		binary.BigEndian.PutUint32(resp[4:], d.cfg.BlockSize)
		d.pass(resp)

	case scsiRead10:
		off, end, ok := d.extent(cb)
		if !ok {
			d.fail(SenseIllegalRequest, ascLBAOutOfRange, 0)
			return
		}
		d.pass(d.data[off:end])

	case scsiWrite10:
		if d.cfg.ReadOnly {
			d.fail(SenseDataProtect, ascWriteProtected, 0)
			return
		}
		off, end, ok := d.extent(cb)
		if !ok {
			d.fail(SenseIllegalRequest, ascLBAOutOfRange, 0)
			return
		}
		if off == end || d.cbw.in {
			d.pass(nil)
			return
		}
		d.received = make([]byte, 0, end-off)
		d.status = cswStatusGood
		d.residue = d.cbw.dataLength
		d.phase = phaseDataOut

	default:
		pkg.LogDebug(pkg.ComponentHAL, "sim unsupported SCSI command", "opcode", cb[0])
		d.fail(SenseIllegalRequest, ascInvalidCommand, 0)
	}
}

// extent returns the byte range addressed by a READ(10) or WRITE(10) CDB.
func (d *MassStorage) extent(cb []byte) (off, end uint64, ok bool) {
	lba := uint64(binary.BigEndian.Uint32(cb[2:]))
	count := uint64(binary.BigEndian.Uint16(cb[7:]))
	if lba+count > uint64(d.cfg.BlockCount) {
		return 0, 0, false
	}
	bs := uint64(d.cfg.BlockSize)
	return lba * bs, (lba + count) * bs, true
}

// pass completes a command successfully, queueing resp for the data phase.
func (d *MassStorage) pass(resp []byte) {
	d.status = cswStatusGood
	d.residue = d.cbw.dataLength
	if d.cbw.in && d.cbw.dataLength > 0 {
		if uint32(len(resp)) > d.cbw.dataLength {
			resp = resp[:d.cbw.dataLength]
		}
		d.response = resp
		d.phase = phaseDataIn
		return
	}
	d.phase = phaseStatus
}

// fail completes a command with an error. A pending data phase is refused by
// halting its endpoint.
func (d *MassStorage) fail(key, asc, ascq uint8) {
	d.setSense(key, asc, ascq)
	d.status = cswStatusFailed
	d.residue = d.cbw.dataLength
	if d.cbw.dataLength > 0 {
		if d.cbw.in {
			d.halted[d.cfg.BulkIn] = true
		} else {
			d.halted[d.cfg.BulkOut] = true
		}
	}
	d.phase = phaseStatus
}

func (d *MassStorage) dataIn(data []byte) int {
	n := copy(data, d.response)
	d.residue = d.cbw.dataLength - uint32(n)
	d.response = nil
	d.phase = phaseStatus
	return n
}

func (d *MassStorage) dataOut(data []byte) int {
	room := cap(d.received) - len(d.received)
	n := min(len(data), room)
	d.received = append(d.received, data[:n]...)

	if len(d.received) == cap(d.received) || len(data) == 0 {
		lba := uint64(binary.BigEndian.Uint32(d.cbw.cb[2:]))
		copy(d.data[lba*uint64(d.cfg.BlockSize):], d.received)
		d.residue = d.cbw.dataLength - uint32(len(d.received))
		d.received = nil
		d.phase = phaseStatus
	}
	return n
}

func (d *MassStorage) sendStatus(data []byte) (int, error) {
	if len(data) < cswSize {
		return 0, pkg.ErrOverflow
	}
	binary.LittleEndian.PutUint32(data[0:], cswSignature)
	binary.LittleEndian.PutUint32(data[4:], d.cbw.tag)
	binary.LittleEndian.PutUint32(data[8:], d.residue)
	data[12] = d.status
	d.phase = phaseCommand
	return cswSize, nil
}

func (d *MassStorage) setSense(key, asc, ascq uint8) {
	d.senseKey = key
	d.asc = asc
	d.ascq = ascq
}

// padString pads or truncates s to length bytes with spaces.
func padString(s string, length int) []byte {
	result := make([]byte, length)
	for i := range result {
		if i < len(s) {
			result[i] = s[i]
		} else {
			result[i] = ' '
		}
	}
	return result
}

// Ensure MassStorage implements Device
var _ Device = (*MassStorage)(nil)
