package rbm

import (
	"context"
	"testing"

	"github.com/go-rbm/rbm/pkg/rbm/blockdevice"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	testDeviceSize = 1 << 20 // 1MiB
	testBlockSize  = 4096
)

func newFormattedManager(t *testing.T) *Manager {
	device := blockdevice.NewMemoryBlockDevice(testDeviceSize, testBlockSize)
	m := NewManager(device)
	cfg := MkfsConfig{
		Start:           0,
		End:             testDeviceSize,
		BlockSize:       testBlockSize,
		CRCBitmapBlocks: true,
	}
	require.NoError(t, m.Mkfs(context.Background(), "unused", cfg))
	return m
}

func TestMkfsReservesSuperblockAndBitmapArea(t *testing.T) {
	m := newFormattedManager(t)
	stat := m.Stat()
	// 1MiB / 4KiB = 256 total blocks; one for the superblock and one for
	// the single bitmap block this device needs, leaving 254 free.
	require.Equal(t, uint64(254), stat.FreeBlockCount)
	require.Equal(t, int64(8192), stat.StartDataArea)

	block, err := m.readBitmapBlock(context.Background(), 0, true)
	require.NoError(t, err)
	require.True(t, block.isAllocated(0))
	require.True(t, block.isAllocated(1))
	require.False(t, block.isAllocated(2))
	require.False(t, block.isAllocated(255))
}

func TestAllocExtentReturnsFirstFreeContiguousRun(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)

	ids, err := m.AllocExtent(ctx, txn, 2*testBlockSize)
	require.NoError(t, err)
	require.Equal(t, uint64(2), ids.Len())
	ranges := ids.Ranges()
	require.Len(t, ranges, 1)
	require.Equal(t, uint64(2), ranges[0].Start)

	require.NoError(t, m.CompleteAllocation(ctx, txn))
	require.Equal(t, uint64(252), m.Stat().FreeBlockCount)

	block, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	require.True(t, block.isAllocated(2))
	require.True(t, block.isAllocated(3))
	require.False(t, block.isAllocated(4))
}

func TestAllocExtentWithinTransactionNeverOverlaps(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)

	first, err := m.AllocExtent(ctx, txn, testBlockSize)
	require.NoError(t, err)
	second, err := m.AllocExtent(ctx, txn, testBlockSize)
	require.NoError(t, err)

	require.False(t, first.Intersects(second.Ranges()[0].Start, 1))
	require.NoError(t, m.CompleteAllocation(ctx, txn))
	require.Equal(t, uint64(252), m.Stat().FreeBlockCount)
}

func TestAbortAllocationLeavesBitmapUntouched(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	before, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	beforeFree := m.Stat().FreeBlockCount

	txn, err := m.Begin(ctx)
	require.NoError(t, err)
	_, err = m.AllocExtent(ctx, txn, 3*testBlockSize)
	require.NoError(t, err)
	m.AbortAllocation(txn)

	after, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	require.Equal(t, before.Bits, after.Bits)
	require.Equal(t, beforeFree, m.Stat().FreeBlockCount)
}

func TestCompleteAllocationThenFreeExtentRoundTrips(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)
	ids, err := m.AllocExtent(ctx, txn, 4*testBlockSize)
	require.NoError(t, err)
	require.NoError(t, m.CompleteAllocation(ctx, txn))

	start := ids.Ranges()[0].Start
	freeBefore := m.Stat().FreeBlockCount

	txn2, err := m.Begin(ctx)
	require.NoError(t, err)
	from := m.super.Start + Addr(start)*testBlockSize
	to := from + 4*testBlockSize - 1
	require.NoError(t, m.FreeExtent(txn2, from, to))
	require.NoError(t, m.CompleteAllocation(ctx, txn2))

	require.Equal(t, freeBefore+4, m.Stat().FreeBlockCount)
	block, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	require.False(t, block.isAllocated(start))
	require.False(t, block.isAllocated(start+3))
}

func TestAllocExtentExhaustionLeavesStateUnchanged(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)

	freeBefore := m.Stat().FreeBlockCount
	before, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)

	_, err = m.AllocExtent(ctx, txn, 255*testBlockSize)
	require.Error(t, err)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))

	m.AbortAllocation(txn)
	require.Equal(t, freeBefore, m.Stat().FreeBlockCount)
	after, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	require.Equal(t, before.Bits, after.Bits)
}

func TestFreeExtentRejectsOutOfRangeWithoutTouchingDevice(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)
	defer m.AbortAllocation(txn)

	err = m.FreeExtent(txn, -1, testBlockSize)
	require.Error(t, err)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	err = m.FreeExtent(txn, 0, testDeviceSize)
	require.Error(t, err)
	require.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestFreeExtentUsesDeviceAbsoluteAddressesWithNonzeroStart(t *testing.T) {
	const regionStart = 4096 * 10
	const regionSize = testDeviceSize
	device := blockdevice.NewMemoryBlockDevice(int(regionStart+regionSize), testBlockSize)
	m := NewManager(device)
	cfg := MkfsConfig{
		Start:           regionStart,
		End:             regionStart + regionSize,
		BlockSize:       testBlockSize,
		CRCBitmapBlocks: true,
	}
	ctx := context.Background()
	require.NoError(t, m.Mkfs(ctx, "unused", cfg))

	txn, err := m.Begin(ctx)
	require.NoError(t, err)
	ids, err := m.AllocExtent(ctx, txn, 2*testBlockSize)
	require.NoError(t, err)
	require.NoError(t, m.CompleteAllocation(ctx, txn))

	start := ids.Ranges()[0].Start
	freeBefore := m.Stat().FreeBlockCount

	// from/to are device-absolute: a block id must have regionStart added
	// back in, the inverse of FreeExtent's (from-Start)/blockSize.
	txn2, err := m.Begin(ctx)
	require.NoError(t, err)
	from := regionStart + Addr(start)*testBlockSize
	to := from + 2*testBlockSize - 1
	require.NoError(t, m.FreeExtent(txn2, from, to))
	require.NoError(t, m.CompleteAllocation(ctx, txn2))

	require.Equal(t, freeBefore+2, m.Stat().FreeBlockCount)
	block, err := m.readBitmapBlock(ctx, 0, true)
	require.NoError(t, err)
	require.False(t, block.isAllocated(start))
	require.False(t, block.isAllocated(start+1))

	// An absolute address below regionStart is out of range even though
	// it would pass a Start-relative bound check against 0.
	txn3, err := m.Begin(ctx)
	require.NoError(t, err)
	defer m.AbortAllocation(txn3)
	err = m.FreeExtent(txn3, 0, testBlockSize)
	require.Error(t, err)
	require.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestReadWriteDataRejectsOutOfRange(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	buf := make([]byte, testBlockSize)
	err := m.ReadData(ctx, testDeviceSize, buf)
	require.Error(t, err)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	err = m.WriteData(ctx, testDeviceSize-int64(len(buf))+1, buf)
	require.Error(t, err)
	require.Equal(t, codes.OutOfRange, status.Code(err))
}

func TestReadWriteDataRoundTrip(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	want := make([]byte, testBlockSize)
	for i := range want {
		want[i] = byte(i)
	}
	require.NoError(t, m.WriteData(ctx, m.Stat().StartDataArea, want))

	got := make([]byte, testBlockSize)
	require.NoError(t, m.ReadData(ctx, m.Stat().StartDataArea, got))
	require.Equal(t, want, got)
}

func TestBeginBlocksUntilPriorTransactionEnds(t *testing.T) {
	m := newFormattedManager(t)
	ctx := context.Background()

	txn, err := m.Begin(ctx)
	require.NoError(t, err)

	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.Begin(cancelCtx)
	require.Error(t, err)

	m.AbortAllocation(txn)
	txn2, err := m.Begin(ctx)
	require.NoError(t, err)
	m.AbortAllocation(txn2)
}

func TestSyncBitmapByRangeAcrossMultipleBitmapBlocks(t *testing.T) {
	// A small 128-byte block size (the smallest power of two that still
	// holds the 92-byte superblock) gives M = (128-8)*8 = 960 bits per
	// bitmap block, small enough to force the multi-bitmap-block branches
	// of syncBitmapByRange with a modest device.
	const blockSize = 128
	const deviceBlocks = 2000
	device := blockdevice.NewMemoryBlockDevice(deviceBlocks*blockSize, blockSize)
	m := NewManager(device)
	cfg := MkfsConfig{Start: 0, End: int64(deviceBlocks * blockSize), BlockSize: blockSize, CRCBitmapBlocks: true}
	require.NoError(t, m.Mkfs(context.Background(), "unused", cfg))

	ctx := context.Background()
	perBlock := maxBlockByBitmapBlock(blockSize)
	require.Greater(t, perBlock, uint64(0))

	// Span at least three bitmap blocks, starting and ending mid-block.
	start := perBlock/2 + 3
	end := perBlock*2 + 5
	require.NoError(t, m.syncBitmapByRange(ctx, start, end, true))

	for bb := start / perBlock; bb <= end/perBlock; bb++ {
		block, err := m.readBitmapBlock(ctx, bb, true)
		require.NoError(t, err)
		lo := uint64(0)
		if bb == start/perBlock {
			lo = start % perBlock
		}
		hi := perBlock - 1
		if bb == end/perBlock {
			hi = end % perBlock
		}
		for i := lo; i <= hi; i++ {
			require.True(t, block.isAllocated(i), "bb=%d i=%d", bb, i)
		}
	}
}
