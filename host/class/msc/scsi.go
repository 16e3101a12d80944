package msc

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ardnew/mschost/pkg"
)

// InquiryData is the standard INQUIRY response.
type InquiryData struct {
	PeripheralType uint8
	Removable      bool
	Version        uint8
	Vendor         string
	Product        string
	Revision       string
}

func (i *InquiryData) unmarshal(buf []byte) {
	i.PeripheralType = buf[0] & 0x1F
	i.Removable = buf[1]&0x80 != 0
	i.Version = buf[2]
	i.Vendor = strings.TrimSpace(string(buf[8:16]))
	i.Product = strings.TrimSpace(string(buf[16:32]))
	i.Revision = strings.TrimSpace(string(buf[32:36]))
}

// SenseData is the fixed-format REQUEST SENSE response reduced to the fields
// the driver acts on.
type SenseData struct {
	Key  uint8
	ASC  uint8
	ASCQ uint8
}

func (s SenseData) String() string {
	return fmt.Sprintf("key=0x%02x asc=0x%02x ascq=0x%02x", s.Key, s.ASC, s.ASCQ)
}

// transient reports whether the sense key describes a condition that clears
// by itself, such as a medium that is still spinning up.
func (s SenseData) transient() bool {
	switch s.Key {
	case SenseNoSense, SenseNotReady, SenseUnitAttention:
		return true
	default:
		return false
	}
}

// Inquiry issues INQUIRY.
func (dev *Device) Inquiry() (InquiryData, error) {
	var (
		buf [InquiryLength]byte
		inq InquiryData
	)
	cb := [6]byte{SCSIInquiry, 0, 0, 0, InquiryLength, 0}
	if err := dev.execute(cb[:], buf[:], dataIn); err != nil {
		return inq, err
	}
	inq.unmarshal(buf[:])
	return inq, nil
}

// TestUnitReady issues TEST UNIT READY. A unit that is not ready fails with
// ErrCommandFailed.
func (dev *Device) TestUnitReady() error {
	var cb [6]byte
	cb[0] = SCSITestUnitReady
	return dev.execute(cb[:], nil, dataNone)
}

// RequestSense issues REQUEST SENSE.
func (dev *Device) RequestSense() (SenseData, error) {
	var (
		buf   [SenseLength]byte
		sense SenseData
	)
	cb := [6]byte{SCSIRequestSense, 0, 0, 0, SenseLength, 0}
	if err := dev.execute(cb[:], buf[:], dataIn); err != nil {
		return sense, err
	}
	sense.Key = buf[2] & 0x0F
	sense.ASC = buf[12]
	sense.ASCQ = buf[13]
	return sense, nil
}

// ReadCapacity issues READ CAPACITY(10) and returns the block size and the
// number of blocks.
func (dev *Device) ReadCapacity() (blockSize, blockCount uint32, err error) {
	var (
		buf [ReadCapacityLength]byte
		cb  [10]byte
	)
	cb[0] = SCSIReadCapacity10
	if err := dev.execute(cb[:], buf[:], dataIn); err != nil {
		return 0, 0, err
	}
	lastLBA := binary.BigEndian.Uint32(buf[0:])
	blockSize = binary.BigEndian.Uint32(buf[4:])
	if blockSize == 0 {
		return 0, 0, fmt.Errorf("%w: zero block size", pkg.ErrInternal)
	}
	return blockSize, lastLBA + 1, nil
}

// Read10 issues READ(10) for count blocks starting at lba into data, which
// must be exactly count blocks long.
func (dev *Device) Read10(lba uint32, count uint16, data []byte) error {
	if err := dev.checkRange(lba, count, data); err != nil {
		return err
	}
	return dev.execute(rw10(SCSIRead10, lba, count), data, dataIn)
}

// Write10 issues WRITE(10) for count blocks starting at lba from data, which
// must be exactly count blocks long.
func (dev *Device) Write10(lba uint32, count uint16, data []byte) error {
	if err := dev.checkRange(lba, count, data); err != nil {
		return err
	}
	return dev.execute(rw10(SCSIWrite10, lba, count), data, dataOut)
}

func (dev *Device) checkRange(lba uint32, count uint16, data []byte) error {
	if count == 0 || len(data) != int(count)*int(dev.blockSize) {
		return pkg.ErrInvalidArgument
	}
	if uint64(lba)+uint64(count) > uint64(dev.blockCount) {
		return pkg.ErrInvalidSize
	}
	return nil
}

func rw10(opcode uint8, lba uint32, count uint16) []byte {
	cb := make([]byte, 10)
	cb[0] = opcode
	binary.BigEndian.PutUint32(cb[2:], lba)
	binary.BigEndian.PutUint16(cb[7:], count)
	return cb
}
