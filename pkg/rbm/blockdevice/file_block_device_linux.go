//go:build linux

package blockdevice

import (
	"os"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// openFlags returns the platform-specific flags used to open the backing
// file. O_DIRECT bypasses the page cache, matching the source design's
// assumption that a WriteAt which has resolved is durable; O_SYNC is added
// for the same reason on filesystems that silently ignore O_DIRECT.
func openFlags(readWrite bool) int {
	flags := unix.O_DIRECT | unix.O_SYNC
	if readWrite {
		flags |= os.O_RDWR | os.O_CREATE
	} else {
		flags |= os.O_RDONLY
	}
	return flags
}

// allocateAlignedBuffer returns a page-aligned buffer of the given size,
// suitable for O_DIRECT transfers.
func allocateAlignedBuffer(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	buf, err := unix.Mmap(-1, 0, size+pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "Failed to allocate page-aligned buffer: %v", err)
	}
	return buf[:size], nil
}

func freeAlignedBuffer(buf []byte) {
	if buf != nil {
		unix.Munmap(buf[:cap(buf)])
	}
}
