package rbm

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// SuperblockMagic is the sentinel value stored in Superblock.Magic. A
// decoded superblock whose magic does not equal this constant is treated
// as "not formatted".
const SuperblockMagic = 0xFF

// FeatureBitmapBlockCRC is a bit in Superblock.Feature indicating that
// every bitmap block carries a CRC32C checksum over its bit array that
// must be verified on decode.
const FeatureBitmapBlockCRC = uint32(1) << 0

// castagnoliTable is the CRC32C (Castagnoli) polynomial table used for all
// checksums in this package.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// checksum computes a CRC32C over data, always run from the standard
// all-ones initial register state.
func checksum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoliTable)
}

// newUUID generates a fresh random identity for a newly formatted
// superblock.
func newUUID() uuid.UUID {
	return uuid.Must(uuid.NewRandom())
}

// superblockHeaderSize is the fixed, encoded size in bytes of a
// Superblock, in field order. It must be strictly less than the device's
// block size.
const superblockHeaderSize = 16 + 4 + 8 + 8 + 4 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4

// Superblock is the single on-disk record at a device's start address
// describing its geometry and allocator state.
type Superblock struct {
	UUID           uuid.UUID
	Magic          uint32
	Start          int64
	End            int64
	BlockSize      uint32
	Size           int64
	FreeBlockCount uint64
	AllocAreaSize  int64
	StartAllocArea int64
	StartDataArea  int64
	// Flag is reserved for future use. It is carried forward unchanged
	// and is never interpreted by this package.
	Flag    uint32
	Feature uint32
	CRC     uint32
}

// encode serializes the superblock into a buffer of exactly blockSize
// bytes (the rest zero-padded), computing CRC as it goes: the field is
// zeroed, the record is marshalled, CRC32C is computed over that
// encoding, and the record is marshalled a second time with the
// computed CRC in place.
func (s *Superblock) encode(blockSize int) ([]byte, error) {
	if superblockHeaderSize >= blockSize {
		return nil, status.Errorf(codes.InvalidArgument, "Superblock header of %d bytes does not fit in a block of %d bytes", superblockHeaderSize, blockSize)
	}

	s.CRC = 0
	raw := make([]byte, superblockHeaderSize)
	s.marshalInto(raw)
	s.CRC = checksum(raw)

	page := make([]byte, blockSize)
	s.marshalInto(page[:superblockHeaderSize])
	return page, nil
}

// marshalInto writes the superblock's fields, in order, into buf (which
// must be at least superblockHeaderSize bytes) using little-endian byte
// order.
func (s *Superblock) marshalInto(buf []byte) {
	copy(buf[0:16], s.UUID[:])
	binary.LittleEndian.PutUint32(buf[16:20], s.Magic)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(s.Start))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(s.End))
	binary.LittleEndian.PutUint32(buf[36:40], s.BlockSize)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(s.Size))
	binary.LittleEndian.PutUint64(buf[48:56], s.FreeBlockCount)
	binary.LittleEndian.PutUint64(buf[56:64], uint64(s.AllocAreaSize))
	binary.LittleEndian.PutUint64(buf[64:72], uint64(s.StartAllocArea))
	binary.LittleEndian.PutUint64(buf[72:80], uint64(s.StartDataArea))
	binary.LittleEndian.PutUint32(buf[80:84], s.Flag)
	binary.LittleEndian.PutUint32(buf[84:88], s.Feature)
	binary.LittleEndian.PutUint32(buf[88:92], s.CRC)
}

// decodeSuperblock decodes and verifies a superblock from page, which must
// be at least superblockHeaderSize bytes. It returns an enoent-flavored
// error if the magic does not match, and an io-flavored error (DataLoss)
// if the CRC does not verify.
func decodeSuperblock(page []byte) (*Superblock, error) {
	if len(page) < superblockHeaderSize {
		return nil, status.Errorf(codes.Internal, "Superblock page is %d bytes, expected at least %d", len(page), superblockHeaderSize)
	}

	s := &Superblock{}
	copy(s.UUID[:], page[0:16])
	s.Magic = binary.LittleEndian.Uint32(page[16:20])
	s.Start = int64(binary.LittleEndian.Uint64(page[20:28]))
	s.End = int64(binary.LittleEndian.Uint64(page[28:36]))
	s.BlockSize = binary.LittleEndian.Uint32(page[36:40])
	s.Size = int64(binary.LittleEndian.Uint64(page[40:48]))
	s.FreeBlockCount = binary.LittleEndian.Uint64(page[48:56])
	s.AllocAreaSize = int64(binary.LittleEndian.Uint64(page[56:64]))
	s.StartAllocArea = int64(binary.LittleEndian.Uint64(page[64:72]))
	s.StartDataArea = int64(binary.LittleEndian.Uint64(page[72:80]))
	s.Flag = binary.LittleEndian.Uint32(page[80:84])
	s.Feature = binary.LittleEndian.Uint32(page[84:88])
	s.CRC = binary.LittleEndian.Uint32(page[88:92])

	if s.Magic != SuperblockMagic {
		return nil, status.Error(codes.NotFound, "No valid superblock found at the expected address")
	}

	storedCRC := s.CRC
	verify := make([]byte, superblockHeaderSize)
	s.CRC = 0
	s.marshalInto(verify)
	s.CRC = storedCRC
	if checksum(verify) != storedCRC {
		return nil, status.Error(codes.DataLoss, "Superblock CRC does not match its contents")
	}
	return s, nil
}
