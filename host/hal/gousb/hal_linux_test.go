//go:build linux

package gousb

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	usb "github.com/kevmo314/go-usb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

type controlCall struct {
	requestType, request uint8
	value, index         uint16
	length               int
	timeout              time.Duration
}

// fakeHandle records what the HAL asks of an open device.
type fakeHandle struct {
	mu sync.Mutex

	speed   uint8
	config  int
	closed  bool
	claimed map[uint8]bool
	halted  []uint8
	control []controlCall
	configs []int

	bulkErr   error
	bulkBlock chan struct{}
	bulkData  []byte
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{speed: 3, config: 1, claimed: make(map[uint8]bool)}
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeHandle) Speed() (uint8, error) { return f.speed, nil }

func (f *fakeHandle) GetConfiguration() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, nil
}

func (f *fakeHandle) SetConfiguration(config int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = config
	f.configs = append(f.configs, config)
	return nil
}

func (f *fakeHandle) ClaimInterface(iface uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[iface] {
		return syscall.EBUSY
	}
	f.claimed[iface] = true
	return nil
}

func (f *fakeHandle) ReleaseInterface(iface uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, iface)
	return nil
}

func (f *fakeHandle) DetachKernelDriver(uint8) error { return syscall.ENODATA }
func (f *fakeHandle) AttachKernelDriver(uint8) error { return nil }

func (f *fakeHandle) ClearHalt(endpoint uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halted = append(f.halted, endpoint)
	return nil
}

func (f *fakeHandle) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.control = append(f.control, controlCall{requestType, request, value, index, len(data), timeout})
	for i := range data {
		data[i] = byte(i)
	}
	return len(data), nil
}

func (f *fakeHandle) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	if f.bulkBlock != nil {
		<-f.bulkBlock
	}
	if f.bulkErr != nil {
		return 0, f.bulkErr
	}
	return copy(data, f.bulkData), nil
}

func device(path string, class uint8) *usb.Device {
	return &usb.Device{Path: path, Descriptor: usb.DeviceDescriptor{DeviceClass: class}}
}

// fakeSystem stands in for the sysfs device list and usbfs open.
type fakeSystem struct {
	mu      sync.Mutex
	devices []*usb.Device
	handles map[string]*fakeHandle
	denied  map[string]bool
	opens   int
}

func newHAL(t *testing.T, opts ...Option) (*HostHAL, *fakeSystem) {
	t.Helper()

	h, err := NewHostHAL(opts...)
	require.NoError(t, err)

	sys := &fakeSystem{handles: make(map[string]*fakeHandle), denied: make(map[string]bool)}
	h.list = func() ([]*usb.Device, error) {
		sys.mu.Lock()
		defer sys.mu.Unlock()
		return append([]*usb.Device(nil), sys.devices...), nil
	}
	h.open = func(dev *usb.Device) (deviceHandle, error) {
		sys.mu.Lock()
		defer sys.mu.Unlock()
		sys.opens++
		if sys.denied[dev.Path] {
			return nil, syscall.EACCES
		}
		fh := newFakeHandle()
		sys.handles[dev.Path] = fh
		return fh, nil
	}
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { h.Close() })
	return h, sys
}

func (s *fakeSystem) set(devices ...*usb.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = devices
}

func recv(t *testing.T, ch <-chan int) int {
	t.Helper()
	select {
	case port := <-ch:
		return port
	case <-time.After(time.Second):
		t.Fatal("no event")
		return 0
	}
}

// enumerate places the device on port at addr.
func enumerate(t *testing.T, h *HostHAL, port int, addr hal.DeviceAddress) {
	t.Helper()
	require.NoError(t, h.ResetPort(port))
	require.NoError(t, h.SetDeviceAddress(context.Background(), addr))
}

func TestNewHostHAL(t *testing.T) {
	h, err := NewHostHAL()
	require.NoError(t, err)
	assert.Equal(t, DefaultPorts, h.NumPorts())

	h, err = NewHostHAL(WithPorts(3), WithPorts(-1))
	require.NoError(t, err)
	assert.Equal(t, 3, h.NumPorts())
}

func TestSpeedFromKernel(t *testing.T) {
	tests := []struct {
		code uint8
		want hal.Speed
	}{
		{0, hal.SpeedUnknown},
		{1, hal.SpeedLow},
		{2, hal.SpeedFull},
		{3, hal.SpeedHigh},
		{5, hal.SpeedHigh},
		{6, hal.SpeedHigh},
		{7, hal.SpeedUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, speedFromKernel(tt.code), "code %d", tt.code)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{syscall.EPIPE, pkg.ErrStall},
		{syscall.ENODEV, pkg.ErrNoDevice},
		{syscall.ESHUTDOWN, pkg.ErrNoDevice},
		{usb.ErrDeviceNotFound, pkg.ErrNoDevice},
		{syscall.ETIMEDOUT, pkg.ErrTimeout},
		{syscall.EOVERFLOW, pkg.ErrOverflow},
		{syscall.EBUSY, pkg.ErrBusy},
		{usb.ErrDeviceBusy, pkg.ErrBusy},
		{syscall.ENOENT, pkg.ErrCancelled},
	}
	for _, tt := range tests {
		err := mapError(tt.err)
		assert.ErrorIs(t, err, tt.want, "%v", tt.err)
		assert.ErrorIs(t, err, tt.err)
	}

	assert.NoError(t, mapError(nil))
	other := errors.New("other")
	assert.Same(t, other, mapError(other))
}

func TestScan_AttachDetach(t *testing.T) {
	h, sys := newHAL(t, WithPorts(2))

	sys.set(device("/dev/bus/usb/001/001", deviceClassHub), device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	assert.Equal(t, 1, recv(t, h.connectCh))
	assert.Equal(t, hal.SpeedHigh, h.PortSpeed(1))

	// Unchanged list: no events
	require.NoError(t, h.scan())
	assert.Empty(t, h.connectCh)
	assert.Equal(t, 1, sys.opens)

	sys.set()
	require.NoError(t, h.scan())
	assert.Equal(t, 1, recv(t, h.disconnectCh))
	assert.True(t, sys.handles["/dev/bus/usb/001/004"].closed)
	assert.Equal(t, hal.SpeedFull, h.PortSpeed(1))
}

func TestScan_PortsFull(t *testing.T) {
	h, sys := newHAL(t, WithPorts(1))

	paths := []string{"/dev/bus/usb/001/004", "/dev/bus/usb/001/005"}
	sys.set(device(paths[0], 0), device(paths[1], 0))
	require.NoError(t, h.scan())
	assert.Equal(t, 1, recv(t, h.connectCh))
	assert.Empty(t, h.connectCh)
	require.Len(t, sys.handles, 1)

	waiting := paths[0]
	if _, ok := sys.handles[waiting]; ok {
		waiting = paths[1]
	}

	// The waiting device takes the port once the first leaves
	sys.set(device(waiting, 0))
	require.NoError(t, h.scan())
	assert.Equal(t, 1, recv(t, h.disconnectCh))
	assert.Equal(t, 1, recv(t, h.connectCh))
	assert.Contains(t, sys.handles, waiting)
}

func TestScan_OpenDenied(t *testing.T) {
	h, sys := newHAL(t)

	sys.denied["/dev/bus/usb/002/003"] = true
	sys.set(device("/dev/bus/usb/002/003", 0))
	require.NoError(t, h.scan())
	require.NoError(t, h.scan())
	assert.Empty(t, h.connectCh)
	assert.Equal(t, 1, sys.opens, "denied paths are not retried while present")

	// Replugged with permission
	sys.set()
	require.NoError(t, h.scan())
	sys.denied["/dev/bus/usb/002/003"] = false
	sys.set(device("/dev/bus/usb/002/003", 0))
	require.NoError(t, h.scan())
	assert.Equal(t, 1, recv(t, h.connectCh))
}

func TestAddressing(t *testing.T) {
	h, sys := newHAL(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.SetDeviceAddress(ctx, 1), pkg.ErrNoDevice)
	assert.ErrorIs(t, h.ResetPort(1), pkg.ErrNoDevice)

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	port := recv(t, h.connectCh)

	require.NoError(t, h.ResetPort(port))
	setup := &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 8}
	buf := make([]byte, 18)
	n, err := h.ControlTransfer(ctx, 0, setup, buf)
	require.NoError(t, err)
	assert.Equal(t, 8, n, "data stage is bounded by wLength")

	require.NoError(t, h.SetDeviceAddress(ctx, 7))
	_, err = h.ControlTransfer(ctx, 0, setup, buf)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
	_, err = h.ControlTransfer(ctx, 7, setup, buf)
	assert.NoError(t, err)

	fh := sys.handles["/dev/bus/usb/001/004"]
	require.Len(t, fh.control, 2)
	assert.Equal(t, DefaultTransferTimeout, fh.control[0].timeout)
}

func TestControlTransfer_Intercepted(t *testing.T) {
	h, sys := newHAL(t)
	ctx := context.Background()

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	enumerate(t, h, recv(t, h.connectCh), 3)
	fh := sys.handles["/dev/bus/usb/001/004"]

	setConfig := func(v uint16) *hal.SetupPacket {
		return &hal.SetupPacket{Request: requestSetConfiguration, Value: v}
	}
	_, err := h.ControlTransfer(ctx, 3, setConfig(1), nil)
	require.NoError(t, err)
	assert.Empty(t, fh.configs, "active configuration is not set again")

	_, err = h.ControlTransfer(ctx, 3, setConfig(2), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, fh.configs)

	clearHalt := &hal.SetupPacket{RequestType: requestTypeEndpoint, Request: requestClearFeature, Index: 0x81}
	_, err = h.ControlTransfer(ctx, 3, clearHalt, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x81}, fh.halted)
	assert.Empty(t, fh.control)
}

func TestControlTransfer_Deadline(t *testing.T) {
	mock := clock.NewMock()
	h, sys := newHAL(t, WithClock(mock))

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	enumerate(t, h, recv(t, h.connectCh), 3)
	fh := sys.handles["/dev/bus/usb/001/004"]

	ctx, cancel := mock.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	setup := &hal.SetupPacket{RequestType: 0x80, Request: 0x06, Value: 0x0100, Length: 18}
	_, err := h.ControlTransfer(ctx, 3, setup, make([]byte, 18))
	require.NoError(t, err)
	require.Len(t, fh.control, 1)
	assert.Equal(t, 2*time.Second, fh.control[0].timeout)

	mock.Add(3 * time.Second)
	_, err = h.ControlTransfer(ctx, 3, setup, make([]byte, 18))
	assert.Error(t, err)
	assert.Len(t, fh.control, 1)
}

func TestBulkTransfer(t *testing.T) {
	h, sys := newHAL(t)
	ctx := context.Background()

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	enumerate(t, h, recv(t, h.connectCh), 3)
	fh := sys.handles["/dev/bus/usb/001/004"]

	fh.bulkData = []byte("USBS")
	buf := make([]byte, 13)
	n, err := h.BulkTransfer(ctx, 3, 0x81, buf)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "USBS", string(buf[:n]))

	fh.bulkErr = syscall.EPIPE
	_, err = h.BulkTransfer(ctx, 3, 0x81, buf)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, pkg.TransferStatusStall, pkg.StatusFromError(err))

	_, err = h.BulkTransfer(ctx, 9, 0x02, buf)
	assert.ErrorIs(t, err, pkg.ErrNoDevice)
}

func TestBulkTransfer_Cancelled(t *testing.T) {
	h, sys := newHAL(t)

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	enumerate(t, h, recv(t, h.connectCh), 3)
	fh := sys.handles["/dev/bus/usb/001/004"]
	fh.bulkBlock = make(chan struct{})
	defer close(fh.bulkBlock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.BulkTransfer(ctx, 3, 0x02, make([]byte, 31))
		errCh <- err
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("transfer not abandoned")
	}
}

func TestInterfaces(t *testing.T) {
	h, sys := newHAL(t)

	sys.set(device("/dev/bus/usb/001/004", 0))
	require.NoError(t, h.scan())
	enumerate(t, h, recv(t, h.connectCh), 3)
	fh := sys.handles["/dev/bus/usb/001/004"]

	require.NoError(t, h.ClaimInterface(3, 0), "missing kernel driver is not an error")
	assert.True(t, fh.claimed[0])
	assert.ErrorIs(t, h.ClaimInterface(3, 0), pkg.ErrBusy)

	require.NoError(t, h.ReleaseInterface(3, 0))
	assert.False(t, fh.claimed[0])

	assert.ErrorIs(t, h.ClaimInterface(4, 0), pkg.ErrNoDevice)
}

func TestLifecycle(t *testing.T) {
	mock := clock.NewMock()
	h, sys := newHAL(t, WithClock(mock), WithPollInterval(time.Second))

	require.NoError(t, h.Start())
	assert.ErrorIs(t, h.Start(), pkg.ErrAlreadyRunning)

	sys.set(device("/dev/bus/usb/001/004", 0))
	// The first scan runs at once; later ones follow the ticker
	assert.Eventually(t, func() bool {
		mock.Add(time.Second)
		return len(h.connectCh) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, recv(t, h.connectCh))

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.NoError(t, h.Close())
	assert.True(t, sys.handles["/dev/bus/usb/001/004"].closed)

	_, err := h.WaitForConnection(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitCancelled(t *testing.T) {
	h, _ := newHAL(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.WaitForConnection(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	_, err = h.WaitForDisconnection(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
