//go:build !linux

package blockdevice

import "os"

// openFlags returns the platform-specific flags used to open the backing
// file. Non-Linux platforms have no portable O_DIRECT equivalent exposed
// through golang.org/x/sys/unix, so this falls back to buffered I/O.
func openFlags(readWrite bool) int {
	if readWrite {
		return os.O_RDWR | os.O_CREATE
	}
	return os.O_RDONLY
}

func allocateAlignedBuffer(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeAlignedBuffer(buf []byte) {
}
