package rbm

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MkfsConfig describes the geometry Manager.Mkfs formats a device with.
type MkfsConfig struct {
	// Start and End bound the device region this manager owns, as byte
	// offsets from the device's own beginning.
	Start Addr
	End   Addr
	// BlockSize is the device's fixed block size in bytes. It must be a
	// power of two large enough to hold a superblock and a bitmap block
	// header with at least one payload byte.
	BlockSize uint32
	// CRCBitmapBlocks enables FeatureBitmapBlockCRC.
	CRCBitmapBlocks bool
}

func (c MkfsConfig) validate() error {
	if c.BlockSize == 0 || c.BlockSize&(c.BlockSize-1) != 0 {
		return status.Errorf(codes.InvalidArgument, "Block size %d is not a power of two", c.BlockSize)
	}
	if c.End <= c.Start {
		return status.Errorf(codes.InvalidArgument, "End %d does not come after start %d", c.End, c.Start)
	}
	size := c.End - c.Start
	if size%int64(c.BlockSize) != 0 {
		return status.Errorf(codes.InvalidArgument, "Device size %d is not a multiple of block size %d", size, c.BlockSize)
	}
	if size < 2*int64(c.BlockSize) {
		return status.Errorf(codes.InvalidArgument, "Device size %d leaves no room for a data area after the superblock and bitmap", size)
	}
	if superblockHeaderSize >= int(c.BlockSize) {
		return status.Errorf(codes.InvalidArgument, "Block size %d is too small to hold a superblock", c.BlockSize)
	}
	if bitmapBlockHeaderSize >= int(c.BlockSize) {
		return status.Errorf(codes.InvalidArgument, "Block size %d is too small to hold a bitmap block", c.BlockSize)
	}
	return nil
}
