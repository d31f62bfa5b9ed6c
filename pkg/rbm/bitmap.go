package rbm

import (
	"encoding/binary"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bitmapBlockHeaderSize is the fixed, encoded size of a bitmap block's
// header: a little-endian uint32 payload size followed by a little-endian
// uint32 CRC32C checksum.
const bitmapBlockHeaderSize = 4 + 4

// maxBlockByBitmapBlock returns M, the number of bits a single bitmap
// block of blockSize bytes can hold: the largest whole-byte bit count
// that fits after the header.
func maxBlockByBitmapBlock(blockSize int) uint64 {
	return uint64(blockSize-bitmapBlockHeaderSize) * 8
}

// BitmapBlock is a single on-disk record describing the allocation state
// of up to maxBlockByBitmapBlock(blockSize) data blocks.
type BitmapBlock struct {
	Bits     []byte
	Checksum uint32
}

// newBitmapBlock creates an all-zero (fully free) bitmap block sized for
// a device with the given block size.
func newBitmapBlock(blockSize int) *BitmapBlock {
	return &BitmapBlock{
		Bits: make([]byte, blockSize-bitmapBlockHeaderSize),
	}
}

// newFullBitmapBlock creates a bitmap block with every bit set (fully
// allocated), used when synthesizing ALL_SET ranges without a read.
func newFullBitmapBlock(blockSize int) *BitmapBlock {
	b := newBitmapBlock(blockSize)
	for i := range b.Bits {
		b.Bits[i] = 0xFF
	}
	return b
}

func (b *BitmapBlock) setBit(i uint64) {
	b.Bits[i/8] |= 1 << (i % 8)
}

func (b *BitmapBlock) clearBit(i uint64) {
	b.Bits[i/8] &^= 1 << (i % 8)
}

// isAllocated reports whether bit i (data block i within this bitmap
// block) is set.
func (b *BitmapBlock) isAllocated(i uint64) bool {
	return b.Bits[i/8]&(1<<(i%8)) != 0
}

// setRange sets or clears every bit in [first, last] (inclusive), used by
// the single-unaligned and front/back-unaligned cases of
// syncBitmapByRange.
func (b *BitmapBlock) setRange(first, last uint64, set bool) {
	for i := first; i <= last; i++ {
		if set {
			b.setBit(i)
		} else {
			b.clearBit(i)
		}
	}
}

// encode serializes the bitmap block into a buffer of exactly blockSize
// bytes. If crcFeature is set, Checksum is recomputed over the bit array
// before encoding.
func (b *BitmapBlock) encode(blockSize int, crcFeature bool) []byte {
	if crcFeature {
		b.Checksum = checksum(b.Bits)
	}
	page := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(page[0:4], uint32(len(b.Bits)))
	binary.LittleEndian.PutUint32(page[4:8], b.Checksum)
	copy(page[bitmapBlockHeaderSize:], b.Bits)
	return page
}

// decodeBitmapBlock decodes a bitmap block from page (exactly blockSize
// bytes). If crcFeature is set, the stored checksum is verified against
// the decoded bit array and a DataLoss error is returned on mismatch.
func decodeBitmapBlock(page []byte, blockSize int, crcFeature bool) (*BitmapBlock, error) {
	if len(page) != blockSize {
		return nil, status.Errorf(codes.Internal, "Bitmap block page is %d bytes, expected %d", len(page), blockSize)
	}
	payloadSize := binary.LittleEndian.Uint32(page[0:4])
	if int(payloadSize) != blockSize-bitmapBlockHeaderSize {
		return nil, status.Errorf(codes.Internal, "Bitmap block declares payload size %d, expected %d", payloadSize, blockSize-bitmapBlockHeaderSize)
	}
	b := &BitmapBlock{
		Checksum: binary.LittleEndian.Uint32(page[4:8]),
		Bits:     make([]byte, payloadSize),
	}
	copy(b.Bits, page[bitmapBlockHeaderSize:])

	if crcFeature {
		if checksum(b.Bits) != b.Checksum {
			return nil, status.Error(codes.DataLoss, "Bitmap block CRC does not match its contents")
		}
	}
	return b, nil
}
