package msc

import (
	"io"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/pkg"
)

// ReadSectors reads count sectors starting at lba into data, which must be
// count sectors long. Requests are split into commands of at most
// maxSectorsPerCommand sectors. A buffer that is not DMA capable is staged
// through a DMA buffer.
func (dev *Device) ReadSectors(lba uint32, count uint32, data []byte) error {
	return dev.sectors(lba, count, data, false)
}

// WriteSectors writes count sectors starting at lba from data, which must be
// count sectors long.
func (dev *Device) WriteSectors(lba uint32, count uint32, data []byte) error {
	return dev.sectors(lba, count, data, true)
}

func (dev *Device) sectors(lba, count uint32, data []byte, write bool) error {
	bs := int(dev.blockSize)
	if count == 0 || len(data) != int(count)*bs {
		return pkg.ErrInvalidArgument
	}
	if uint64(lba)+uint64(count) > uint64(dev.blockCount) {
		return pkg.ErrInvalidSize
	}

	direct := host.IsDMACapable(data)
	var bounce []byte
	if !direct {
		var err error
		bounce, err = host.AllocDMABuffer(int(min(count, maxSectorsPerCommand)) * bs)
		if err != nil {
			return err
		}
		defer host.FreeDMABuffer(bounce)
	}

	for count > 0 {
		n := min(count, maxSectorsPerCommand)
		chunk := data[:int(n)*bs]

		buf := chunk
		if !direct {
			buf = bounce[:len(chunk)]
			if write {
				copy(buf, chunk)
			}
		}

		var err error
		if write {
			err = dev.Write10(lba, uint16(n), buf)
		} else {
			err = dev.Read10(lba, uint16(n), buf)
		}
		if err != nil {
			return err
		}
		if !direct && !write {
			copy(chunk, buf)
		}

		lba += n
		count -= n
		data = data[len(chunk):]
	}
	return nil
}

// Disk exposes a device as a byte-addressed medium.
type Disk struct {
	dev *Device
}

var (
	_ io.ReaderAt = (*Disk)(nil)
	_ io.WriterAt = (*Disk)(nil)
)

// Disk returns a byte-addressed view of the device.
func (dev *Device) Disk() *Disk {
	return &Disk{dev: dev}
}

// Size returns the size of the medium in bytes.
func (d *Disk) Size() int64 {
	return d.dev.Capacity()
}

// ReadAt implements io.ReaderAt.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pkg.ErrInvalidArgument
	}
	if off >= d.Size() {
		return 0, io.EOF
	}

	want := len(p)
	if rest := d.Size() - off; int64(want) > rest {
		p = p[:rest]
	}

	n, err := d.span(p, off, false)
	if err == nil && n < want {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements io.WriterAt. Partial sectors are read, patched and
// written back.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pkg.ErrInvalidArgument
	}
	if off+int64(len(p)) > d.Size() {
		return 0, pkg.ErrInvalidSize
	}
	return d.span(p, off, true)
}

// span moves p to or from the medium at off through a DMA buffer, one
// command's worth of sectors at a time.
func (d *Disk) span(p []byte, off int64, write bool) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	bs := int64(d.dev.blockSize)

	buf, err := host.AllocDMABuffer(maxSectorsPerCommand * int(bs))
	if err != nil {
		return 0, err
	}
	defer host.FreeDMABuffer(buf)

	done := 0
	for done < len(p) {
		pos := off + int64(done)
		lba := uint32(pos / bs)
		skip := int(pos % bs)

		count := min((int64(skip)+int64(len(p)-done)+bs-1)/bs, maxSectorsPerCommand)
		chunk := buf[:count*bs]
		n := min(len(chunk)-skip, len(p)-done)

		if write {
			// Whole sectors need no read
			if skip != 0 || n%int(bs) != 0 {
				if err := d.dev.ReadSectors(lba, uint32(count), chunk); err != nil {
					return done, err
				}
			}
			copy(chunk[skip:], p[done:done+n])
			if err := d.dev.WriteSectors(lba, uint32(count), chunk); err != nil {
				return done, err
			}
		} else {
			if err := d.dev.ReadSectors(lba, uint32(count), chunk); err != nil {
				return done, err
			}
			copy(p[done:done+n], chunk[skip:])
		}
		done += n
	}
	return done, nil
}
