// Package disk provides positioned, retrying read/write access to a
// single block device or regular file standing in for one, the
// lowest-level I/O primitive every other SHFS package builds on.
package disk

import (
	"fmt"
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlGetUint64 issues a read ioctl expecting an 8-byte result, mirroring
// the pattern unix.IoctlGetInt uses for 4-byte results (x/sys has no
// built-in helper for the 64-bit case).
func ioctlGetUint64(fd int, req uint) (uint64, error) {
	var value uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(unsafe.Pointer(&value)))
	if errno != 0 {
		return 0, errno
	}
	return value, nil
}

// BlockDevice is the minimal interface the rest of the tool needs from
// something that holds one member's bytes. Disk implements it against a
// real block device or regular file; Memory implements it for tests.
type BlockDevice interface {
	ReadAt(p []byte, off int64) error
	WriteAt(p []byte, off int64) error
	Close() error
	Size() uint64
	BlockSize() uint32
	Path() string
}

// Disk is an opened block-device (or regular-file) handle.
type Disk struct {
	f         *os.File
	path      string
	size      uint64
	blockSize uint32
}

// Open opens path read/write and probes its size and native block size.
// Regular files are supported (used heavily in tests and for loop-backed
// volumes); for block devices the block size and size come from ioctls.
func Open(path string) (*Disk, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d := &Disk{f: f, path: path}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if fi.Mode()&os.ModeDevice != 0 {
		blksize, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("blksszget %s: %w", path, err)
		}
		size, err := ioctlGetUint64(int(f.Fd()), unix.BLKGETSIZE64)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("blkgetsize64 %s: %w", path, err)
		}
		d.blockSize = uint32(blksize)
		d.size = size
	} else {
		d.blockSize = 512
		d.size = uint64(fi.Size())
	}

	return d, nil
}

func (d *Disk) Size() uint64      { return d.size }
func (d *Disk) BlockSize() uint32 { return d.blockSize }
func (d *Disk) Path() string      { return d.path }

// ReadAt reads len(p) bytes at off, retrying on short reads until p is
// full, EOF, or a hard error occurs.
func (d *Disk) ReadAt(p []byte, off int64) error {
	for read := 0; read < len(p); {
		n, err := d.f.ReadAt(p[read:], off+int64(read))
		read += n
		if err != nil {
			if err == io.EOF && read == len(p) {
				return nil
			}
			return fmt.Errorf("read %s at %d: %w", d.path, off, err)
		}
		if n == 0 {
			return fmt.Errorf("read %s at %d: no progress", d.path, off)
		}
	}
	return nil
}

// WriteAt writes len(p) bytes at off, retrying on short writes.
func (d *Disk) WriteAt(p []byte, off int64) error {
	for written := 0; written < len(p); {
		n, err := d.f.WriteAt(p[written:], off+int64(written))
		written += n
		if err != nil {
			return fmt.Errorf("write %s at %d: %w", d.path, off, err)
		}
		if n == 0 {
			return fmt.Errorf("write %s at %d: no progress", d.path, off)
		}
	}
	return nil
}

func (d *Disk) Close() error {
	return d.f.Close()
}

var _ BlockDevice = (*Disk)(nil)
