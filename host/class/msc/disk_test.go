package msc

import (
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

func random(n int, seed int64) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func TestSectors(t *testing.T) {
	f := newFixture(t, DriverConfig{})
	disk := sim.NewMassStorage(sim.MassStorageConfig{BlockCount: 512})
	_, dev := f.install(t, disk)

	t.Run("bounce", func(t *testing.T) {
		// More sectors than one command carries
		const count = maxSectorsPerCommand + 72
		want := random(count*512, 1)
		require.NoError(t, dev.WriteSectors(3, count, want))
		assert.Equal(t, want, disk.Dump(3, count))

		got := make([]byte, len(want))
		require.NoError(t, dev.ReadSectors(3, count, got))
		assert.Equal(t, want, got)
	})

	t.Run("direct", func(t *testing.T) {
		buf, err := host.AllocDMABuffer(4 * 512)
		require.NoError(t, err)
		defer host.FreeDMABuffer(buf)

		want := random(len(buf), 2)
		require.NoError(t, disk.Load(100, want))
		require.NoError(t, dev.ReadSectors(100, 4, buf))
		assert.Equal(t, want, buf)

		// The transfer object is back on its own buffer
		assert.Equal(t, DefaultTransferSize, dev.xfer.Capacity())
		require.NoError(t, dev.TestUnitReady())
	})

	t.Run("invalid", func(t *testing.T) {
		assert.ErrorIs(t, dev.ReadSectors(0, 0, nil), pkg.ErrInvalidArgument)
		assert.ErrorIs(t, dev.ReadSectors(0, 2, make([]byte, 512)), pkg.ErrInvalidArgument)
		assert.ErrorIs(t, dev.WriteSectors(511, 2, make([]byte, 1024)), pkg.ErrInvalidSize)
	})
}

func TestDisk(t *testing.T) {
	f := newFixture(t, DriverConfig{})
	disk := sim.NewMassStorage(sim.MassStorageConfig{BlockCount: 300})
	_, dev := f.install(t, disk)
	d := dev.Disk()

	image := random(300*512, 3)
	require.NoError(t, disk.Load(0, image))
	assert.Equal(t, int64(300*512), d.Size())

	t.Run("read unaligned", func(t *testing.T) {
		got := make([]byte, 1000)
		n, err := d.ReadAt(got, 700)
		require.NoError(t, err)
		assert.Equal(t, 1000, n)
		assert.Equal(t, image[700:1700], got)
	})

	t.Run("read across commands", func(t *testing.T) {
		got := make([]byte, 140*512)
		n, err := d.ReadAt(got, 5*512+1)
		require.NoError(t, err)
		assert.Equal(t, len(got), n)
		assert.Equal(t, image[5*512+1:5*512+1+len(got)], got)
	})

	t.Run("read past end", func(t *testing.T) {
		got := make([]byte, 100)
		n, err := d.ReadAt(got, d.Size()-40)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, 40, n)
		assert.Equal(t, image[len(image)-40:], got[:40])

		n, err = d.ReadAt(got, d.Size())
		assert.Equal(t, io.EOF, err)
		assert.Zero(t, n)
	})

	t.Run("write unaligned", func(t *testing.T) {
		patch := random(600, 4)
		n, err := d.WriteAt(patch, 2*512+10)
		require.NoError(t, err)
		assert.Equal(t, len(patch), n)

		copy(image[2*512+10:], patch)
		assert.Equal(t, image[:5*512], disk.Dump(0, 5))
	})

	t.Run("write aligned", func(t *testing.T) {
		patch := random(3*512, 5)
		n, err := d.WriteAt(patch, 200*512)
		require.NoError(t, err)
		assert.Equal(t, len(patch), n)
		assert.Equal(t, patch, disk.Dump(200, 3))
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := d.ReadAt(make([]byte, 1), -1)
		assert.ErrorIs(t, err, pkg.ErrInvalidArgument)
		_, err = d.WriteAt(make([]byte, 2), d.Size()-1)
		assert.ErrorIs(t, err, pkg.ErrInvalidSize)

		n, err := d.ReadAt(nil, 0)
		assert.NoError(t, err)
		assert.Zero(t, n)
	})
}
