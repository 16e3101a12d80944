package host

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// Transfer is a reusable USB transfer object with a fixed-capacity buffer.
//
// A transfer is allocated once with AllocTransfer, filled in and submitted
// repeatedly. At most one submission of a given transfer may be in flight.
// Callback runs on a transfer worker goroutine once the transfer retires.
type Transfer struct {
	// Device the transfer was last submitted to.
	Device *Device

	// Endpoint address (0x00-0x0F for OUT, 0x80-0x8F for IN, 0 for control).
	Endpoint uint8

	// NumBytes is the number of bytes to transfer. For control transfers it
	// includes the 8-byte setup packet at the start of the buffer.
	NumBytes int

	// ActualNumBytes is the number of bytes transferred, set on completion.
	ActualNumBytes int

	// Status is the completion status, set on completion.
	Status pkg.TransferStatus

	// Callback is invoked when the transfer retires.
	Callback func(*Transfer)

	// Context is opaque data for the callback.
	Context any

	data     []byte
	ctx      context.Context
	control  bool
	inFlight atomic.Bool
}

// AllocTransfer allocates a transfer with a size-byte buffer.
func AllocTransfer(size int) (*Transfer, error) {
	if size <= 0 {
		return nil, pkg.ErrInvalidArgument
	}
	if size > MaxTransferSize {
		return nil, pkg.ErrNoMemory
	}
	return &Transfer{data: make([]byte, size)}, nil
}

// Free releases the transfer's buffer.
// A transfer that is still in flight cannot be freed.
func (t *Transfer) Free() error {
	if t.inFlight.Load() {
		return pkg.ErrInvalidState
	}
	t.data = nil
	return nil
}

// Data returns the transfer buffer.
func (t *Transfer) Data() []byte {
	return t.data
}

// Capacity returns the size of the transfer buffer.
func (t *Transfer) Capacity() int {
	return len(t.data)
}

// InFlight returns true between submission and completion.
func (t *Transfer) InFlight() bool {
	return t.inFlight.Load()
}

// SwapBuffer substitutes buf for the transfer buffer and returns a function
// that restores the previous buffer. The restore function must be called
// exactly once, after the transfer using buf has retired.
func (t *Transfer) SwapBuffer(buf []byte) (restore func()) {
	saved := t.data
	t.data = buf
	return func() { t.data = saved }
}

// =============================================================================
// DMA-capable buffers
// =============================================================================

var dmaRegions struct {
	sync.RWMutex
	m map[uintptr][]byte
}

// AllocDMABuffer allocates a buffer the host can hand to the HAL without
// copying. Sub-slices of the returned buffer are DMA capable as well.
func AllocDMABuffer(size int) ([]byte, error) {
	if size <= 0 {
		return nil, pkg.ErrInvalidArgument
	}
	if size > MaxTransferSize {
		return nil, pkg.ErrNoMemory
	}
	buf := make([]byte, size)
	dmaRegions.Lock()
	if dmaRegions.m == nil {
		dmaRegions.m = make(map[uintptr][]byte)
	}
	dmaRegions.m[bufferAddr(buf)] = buf
	dmaRegions.Unlock()
	return buf, nil
}

// FreeDMABuffer releases a buffer returned by AllocDMABuffer.
func FreeDMABuffer(buf []byte) {
	if len(buf) == 0 {
		return
	}
	dmaRegions.Lock()
	delete(dmaRegions.m, bufferAddr(buf))
	dmaRegions.Unlock()
}

// IsDMACapable returns true if buf lies entirely within a buffer returned by
// AllocDMABuffer.
func IsDMACapable(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	start := bufferAddr(buf)
	end := start + uintptr(len(buf))

	dmaRegions.RLock()
	defer dmaRegions.RUnlock()
	for base, region := range dmaRegions.m {
		if start >= base && end <= base+uintptr(len(region)) {
			return true
		}
	}
	return false
}

func bufferAddr(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf)))
}

// =============================================================================
// Transfer workers
// =============================================================================

// transferPool executes submitted transfers on a fixed set of workers.
type transferPool struct {
	host    *Host
	workers int
	jobs    chan *Transfer
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func newTransferPool(host *Host, workers int) *transferPool {
	if workers < 1 {
		workers = 1
	}
	return &transferPool{
		host:    host,
		workers: workers,
		jobs:    make(chan *Transfer, 64),
	}
}

func (p *transferPool) start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// stop closes the queue and waits for queued transfers to retire.
func (p *transferPool) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *transferPool) submit(t *Transfer) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return pkg.ErrNotRunning
	}
	p.jobs <- t
	return nil
}

func (p *transferPool) worker(id int) {
	defer p.wg.Done()
	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker started", "id", id)

	for t := range p.jobs {
		p.execute(t)
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer worker stopped", "id", id)
}

// execute performs a single transfer through the HAL and retires it.
func (p *transferPool) execute(t *Transfer) {
	dev := t.Device
	addr := hal.DeviceAddress(dev.address)

	var n int
	var err error

	if t.control {
		var setup hal.SetupPacket
		hal.ParseSetupPacket(t.data, &setup)
		n, err = p.host.hal.ControlTransfer(t.ctx, addr, &setup, t.data[hal.SetupPacketSize:t.NumBytes])
		if err == nil {
			n += hal.SetupPacketSize
		}
	} else {
		n, err = p.host.hal.BulkTransfer(t.ctx, addr, t.Endpoint, t.data[:t.NumBytes])
	}

	t.ActualNumBytes = n
	t.Status = transferStatus(dev, err)
	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"address", dev.address,
			"endpoint", t.Endpoint,
			"status", t.Status,
			"error", err)
	}

	dev.retire(t)
	t.inFlight.Store(false)

	if t.Callback != nil {
		t.Callback(t)
	}
}

// transferStatus classifies a HAL error. Cancellation means the endpoint was
// flushed, unless the device itself has gone.
func transferStatus(dev *Device, err error) pkg.TransferStatus {
	switch {
	case err == nil:
		return pkg.TransferStatusCompleted
	case dev.State() == DeviceStateDetached:
		return pkg.TransferStatusNoDevice
	case errors.Is(err, context.Canceled):
		return pkg.TransferStatusCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return pkg.TransferStatusTimedOut
	default:
		return pkg.StatusFromError(err)
	}
}
