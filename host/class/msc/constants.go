package msc

import "time"

// USB Mass Storage interface codes accepted by the driver.
const (
	ClassMassStorage = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport class requests.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the mass storage interface
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC"
	CBWSize        = 31
	CBWFlagDataOut = 0x00
	CBWFlagDataIn  = 0x80
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS"
	CSWSize             = 13
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// SCSI operation codes used by the driver.
const (
	SCSITestUnitReady  = 0x00
	SCSIRequestSense   = 0x03
	SCSIInquiry        = 0x12
	SCSIReadCapacity10 = 0x25
	SCSIRead10         = 0x28
	SCSIWrite10        = 0x2A
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
)

// Response sizes.
const (
	InquiryLength      = 36
	SenseLength        = 18
	ReadCapacityLength = 8
)

// DefaultTransferSize is the capacity of the transfer object every device
// owns. Everything except sector data fits in it.
const DefaultTransferSize = 64

// MSCStrDescSize is the size in UTF-16 code units of the string fields of
// DeviceInfo, including the terminating zero.
const MSCStrDescSize = 32

// Timing.
const (
	// WaitForReadyTimeout bounds the readiness poll during InstallDevice.
	WaitForReadyTimeout = 3000 * time.Millisecond

	// ReadyPollInterval is the delay between readiness attempts.
	ReadyPollInterval = 100 * time.Millisecond

	// TransferTimeout bounds the wait for a transfer to complete before the
	// endpoint is halted and flushed.
	TransferTimeout = 5000 * time.Millisecond
)

// eventQueueDepth is the depth of the driver's host client event queue.
const eventQueueDepth = 10

// maxSectorsPerCommand limits a single READ(10)/WRITE(10).
const maxSectorsPerCommand = 128
