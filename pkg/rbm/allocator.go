package rbm

import (
	"context"

	"github.com/go-rbm/rbm/pkg/rbm/intervalset"
)

// blocksForSize returns ceil(sizeBytes / blockSize).
func blocksForSize(sizeBytes int64, blockSize int64) uint64 {
	return uint64((sizeBytes + blockSize - 1) / blockSize)
}

// findFreeBlock scans the on-disk bitmap starting at the first bitmap
// block for a contiguous run of wanted free blocks, skipping any block id
// already claimed by a pending SET delta on txn.
//
// The scan restarts its accumulator whenever a gap is found: it always
// prefers a contiguous run, and the earliest one in block-id order wins.
// It returns an empty set (not an error) if the bitmap area is exhausted
// before enough blocks are found.
func (m *Manager) findFreeBlock(ctx context.Context, txn *Transaction, sizeBytes int64) (*intervalset.Set, error) {
	blockSize := int64(m.super.BlockSize)
	wanted := blocksForSize(sizeBytes, blockSize)
	perBlock := maxBlockByBitmapBlock(int(m.super.BlockSize))
	crcEnabled := m.super.Feature&FeatureBitmapBlockCRC != 0

	result := intervalset.New()
	addr := m.super.StartAllocArea
	buf := make([]byte, blockSize)

	for {
		if err := m.device.ReadAt(ctx, addr, buf); err != nil {
			return nil, err
		}
		bb, err := decodeBitmapBlock(buf, int(m.super.BlockSize), crcEnabled)
		if err != nil {
			return nil, err
		}
		bitmapBlockNo := uint64(addr-m.super.StartAllocArea) / uint64(blockSize)

		for i := uint64(0); i < perBlock && result.Len() < wanted; i++ {
			blockID := bitmapBlockNo*perBlock + i

			if txn.Intersects(blockID) {
				continue
			}
			if bb.isAllocated(i) {
				continue
			}

			if end, ok := result.RangeEnd(); ok && end != blockID {
				// Not contiguous with the run accumulated so far:
				// restart and begin a fresh run at this id.
				result.Clear()
			}
			result.Insert(blockID, 1)
		}

		addr += blockSize
		if result.Len() == wanted {
			break
		}
		if addr >= m.super.StartDataArea {
			result.Clear()
			break
		}
	}

	if result.Len() < wanted {
		result.Clear()
	}
	return result, nil
}
