package blockdevice

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type memoryBlockDevice struct {
	lock          sync.Mutex
	blockSizeByte int
	data          []byte
	opened        bool
}

// NewMemoryBlockDevice creates a BlockDevice backed by a plain byte slice of
// sizeBytes bytes. It is used by the test suite and by
// "rbm_format -dry-run" in place of a real device; it never touches disk
// and Open/Close are no-ops beyond bookkeeping.
func NewMemoryBlockDevice(sizeBytes int, blockSizeBytes int) BlockDevice {
	return &memoryBlockDevice{
		blockSizeByte: blockSizeBytes,
		data:          make([]byte, sizeBytes),
	}
}

func (d *memoryBlockDevice) Open(ctx context.Context, path string, readWrite bool) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.opened = true
	return nil
}

func (d *memoryBlockDevice) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.opened = false
	return nil
}

func (d *memoryBlockDevice) BlockSize() int {
	return d.blockSizeByte
}

func (d *memoryBlockDevice) checkAligned(addr int64, length int) error {
	if addr < 0 || int(addr)%d.blockSizeByte != 0 {
		return status.Errorf(codes.InvalidArgument, "Address %d is not a multiple of the block size %d", addr, d.blockSizeByte)
	}
	if length%d.blockSizeByte != 0 {
		return status.Errorf(codes.InvalidArgument, "Buffer length %d is not a multiple of the block size %d", length, d.blockSizeByte)
	}
	return nil
}

func (d *memoryBlockDevice) ReadAt(ctx context.Context, addr int64, buf []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.opened {
		return status.Error(codes.FailedPrecondition, "Device is not open")
	}
	if err := d.checkAligned(addr, len(buf)); err != nil {
		return err
	}
	if int(addr)+len(buf) > len(d.data) {
		return status.Errorf(codes.OutOfRange, "Read of %d bytes at offset %d exceeds device size %d", len(buf), addr, len(d.data))
	}
	copy(buf, d.data[addr:int(addr)+len(buf)])
	return nil
}

func (d *memoryBlockDevice) WriteAt(ctx context.Context, addr int64, buf []byte) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.opened {
		return status.Error(codes.FailedPrecondition, "Device is not open")
	}
	if err := d.checkAligned(addr, len(buf)); err != nil {
		return err
	}
	if int(addr)+len(buf) > len(d.data) {
		return status.Errorf(codes.OutOfRange, "Write of %d bytes at offset %d exceeds device size %d", len(buf), addr, len(d.data))
	}
	copy(d.data[addr:int(addr)+len(buf)], buf)
	return nil
}
