package rbm

import (
	"context"

	"github.com/go-rbm/rbm/pkg/rbm/blockdevice"
	"github.com/go-rbm/rbm/pkg/rbm/intervalset"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Stat is a point-in-time snapshot of a Manager's geometry and allocation
// state, returned by Manager.Stat.
type Stat struct {
	Path           string
	UUID           string
	BlockSize      uint32
	Size           int64
	FreeBlockCount uint64
	StartDataArea  int64
}

// Manager owns a BlockDevice and the single Superblock describing it. It
// is the entry point for every allocation-related operation this package
// exposes: Mkfs, Open, AllocExtent, FreeExtent, CompleteAllocation,
// AbortAllocation, ReadData, WriteData and Sync.
//
// At most one Transaction may be active on a Manager at a time; Begin
// enforces this with a weighted semaphore.
type Manager struct {
	device blockdevice.BlockDevice
	path   string
	super  *Superblock

	txnSem *semaphore.Weighted
}

// NewManager constructs a Manager over an unopened device. Call Mkfs or
// Open before using it.
func NewManager(device blockdevice.BlockDevice) *Manager {
	return &Manager{
		device: device,
		txnSem: semaphore.NewWeighted(1),
	}
}

// Mkfs formats device at path with a fresh superblock and bitmap: it
// derives the allocation area's start address and size, and the data
// area's start address, from cfg, then writes every bitmap block so that
// blocks covering the superblock and bitmap area (and any unused tail
// padding) are pinned allocated and every real data block starts out
// free. If cfg.Start already holds a superblock with a valid magic and
// CRC, Mkfs adopts it and returns nil without writing anything.
func (m *Manager) Mkfs(ctx context.Context, path string, cfg MkfsConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := m.device.Open(ctx, path, true); err != nil {
		return err
	}
	m.path = path

	existingPage := make([]byte, cfg.BlockSize)
	if err := m.device.ReadAt(ctx, cfg.Start, existingPage); err == nil {
		if existing, err := decodeSuperblock(existingPage); err == nil {
			m.super = existing
			registerMetrics()
			freeBlockCount.WithLabelValues(existing.UUID.String()).Set(float64(existing.FreeBlockCount))
			return nil
		}
	}

	blockSize := int64(cfg.BlockSize)
	startAllocArea := cfg.Start + blockSize
	totalBlocks := uint64((cfg.End - cfg.Start) / blockSize)
	maxPerBitmapBlock := maxBlockByBitmapBlock(int(cfg.BlockSize))
	numBitmapBlocks := (totalBlocks + maxPerBitmapBlock - 1) / maxPerBitmapBlock
	allocAreaSize := int64(numBitmapBlocks) * blockSize
	startDataArea := startAllocArea + allocAreaSize
	if startDataArea >= cfg.End {
		return status.Errorf(codes.InvalidArgument, "Bitmap area of %d bytes leaves no room for data in a device of %d bytes", allocAreaSize, cfg.End-cfg.Start)
	}
	reservedBlocks := uint64(startDataArea-cfg.Start) / uint64(blockSize)

	feature := uint32(0)
	if cfg.CRCBitmapBlocks {
		feature |= FeatureBitmapBlockCRC
	}

	super := &Superblock{
		UUID:           newUUID(),
		Magic:          SuperblockMagic,
		Start:          cfg.Start,
		End:            cfg.End,
		BlockSize:      cfg.BlockSize,
		Size:           cfg.End - cfg.Start,
		FreeBlockCount: totalBlocks - reservedBlocks,
		AllocAreaSize:  allocAreaSize,
		StartAllocArea: startAllocArea,
		StartDataArea:  startDataArea,
		Feature:        feature,
	}
	m.super = super

	if err := m.initializeAllocArea(ctx, totalBlocks, reservedBlocks, maxPerBitmapBlock, numBitmapBlocks); err != nil {
		return err
	}
	registerMetrics()
	freeBlockCount.WithLabelValues(super.UUID.String()).Set(float64(super.FreeBlockCount))
	return m.Sync(ctx)
}

// initializeAllocArea writes every bitmap block covering [0, totalBlocks)
// of block ids, classifying each bit by whether its id falls in the
// reserved region (superblock + bitmap area, always allocated), the real
// data region (always free at mkfs time), or the unused tail padding
// past totalBlocks introduced by rounding up to a whole bitmap block
// (always allocated, since no real block backs it).
func (m *Manager) initializeAllocArea(ctx context.Context, totalBlocks, reservedBlocks, maxPerBitmapBlock, numBitmapBlocks uint64) error {
	crcEnabled := m.super.Feature&FeatureBitmapBlockCRC != 0

	for bb := uint64(0); bb < numBitmapBlocks; bb++ {
		block := newBitmapBlock(int(m.super.BlockSize))
		base := bb * maxPerBitmapBlock
		for i := uint64(0); i < maxPerBitmapBlock; i++ {
			id := base + i
			if id < reservedBlocks || id >= totalBlocks {
				block.setBit(i)
			}
		}
		if err := m.writeBitmapBlock(ctx, bb, block, crcEnabled); err != nil {
			return err
		}
	}
	return nil
}

// Open reads and verifies the superblock at byte offset 0 of path,
// leaving Manager ready to serve allocation and data operations. It takes
// no region start address: a region formatted with a nonzero
// MkfsConfig.Start, whose superblock lives at that Start, is not found
// by Open.
func (m *Manager) Open(ctx context.Context, path string) error {
	if err := m.device.Open(ctx, path, true); err != nil {
		return err
	}
	m.path = path

	// The superblock's own size is not yet known; the device's reported
	// block size is used to read the first block, which is always large
	// enough to contain superblockHeaderSize bytes for any valid format.
	page := make([]byte, m.device.BlockSize())
	if err := m.device.ReadAt(ctx, 0, page); err != nil {
		return err
	}
	super, err := decodeSuperblock(page)
	if err != nil {
		return err
	}
	m.super = super
	registerMetrics()
	freeBlockCount.WithLabelValues(m.super.UUID.String()).Set(float64(super.FreeBlockCount))
	return nil
}

// Close releases the underlying device. It does not implicitly Sync;
// callers that want the in-memory free_block_count hint persisted must
// call Sync first.
func (m *Manager) Close() error {
	return m.device.Close()
}

// Sync persists the in-memory superblock, including the current
// free_block_count hint, to block 0 of the device. free_block_count is a
// soft hint, written back only here rather than on every
// CompleteAllocation.
func (m *Manager) Sync(ctx context.Context) error {
	page, err := m.super.encode(int(m.super.BlockSize))
	if err != nil {
		return err
	}
	return m.device.WriteAt(ctx, m.super.Start, page)
}

// Stat returns a snapshot of the manager's current geometry and
// allocation state.
func (m *Manager) Stat() Stat {
	return Stat{
		Path:           m.path,
		UUID:           m.super.UUID.String(),
		BlockSize:      m.super.BlockSize,
		Size:           m.super.Size,
		FreeBlockCount: m.super.FreeBlockCount,
		StartDataArea:  m.super.StartDataArea,
	}
}

// ReadData reads len(buf) bytes at addr, a byte offset relative to the
// device region's own Start. addr is only checked against the region's
// own bound (end-start); the caller is responsible for ensuring addr
// falls within the data area.
func (m *Manager) ReadData(ctx context.Context, addr Addr, buf []byte) error {
	if err := m.checkDataBounds(addr, int64(len(buf))); err != nil {
		return err
	}
	return m.device.ReadAt(ctx, m.super.Start+addr, buf)
}

// WriteData writes buf at addr, under the same bound check as ReadData.
func (m *Manager) WriteData(ctx context.Context, addr Addr, buf []byte) error {
	if err := m.checkDataBounds(addr, int64(len(buf))); err != nil {
		return err
	}
	return m.device.WriteAt(ctx, m.super.Start+addr, buf)
}

func (m *Manager) checkDataBounds(addr Addr, length int64) error {
	if addr < 0 || length < 0 || addr+length > m.super.End-m.super.Start {
		return status.Errorf(codes.OutOfRange, "Address range [%d, %d) falls outside the device's [0, %d) bound", addr, addr+length, m.super.End-m.super.Start)
	}
	return nil
}

// Begin starts a new Transaction on this manager, blocking until any
// previously active transaction on the same manager has been completed
// or aborted: at most one active allocating transaction is allowed per
// manager at a time.
func (m *Manager) Begin(ctx context.Context) (*Transaction, error) {
	if err := m.txnSem.Acquire(ctx, 1); err != nil {
		return nil, status.Errorf(codes.Canceled, "Waiting to begin a transaction: %v", err)
	}
	return &Transaction{manager: m}, nil
}

// AllocExtent finds a single contiguous run of free blocks covering
// sizeBytes and records it as a pending SET delta on txn. It does not touch the on-disk bitmap; that only happens on
// CompleteAllocation. It fails with resource_exhausted if the bitmap has
// no run of the requested length left, and does not modify free
// capacity in that case.
func (m *Manager) AllocExtent(ctx context.Context, txn *Transaction, sizeBytes int64) (*intervalset.Set, error) {
	if txn.manager != m {
		return nil, status.Error(codes.FailedPrecondition, "Transaction does not belong to this manager")
	}
	ids, err := m.findFreeBlock(ctx, txn, sizeBytes)
	if err != nil {
		return nil, err
	}
	if ids.Empty() {
		allocationsFailed.WithLabelValues(m.super.UUID.String()).Inc()
		return nil, status.Errorf(codes.ResourceExhausted, "No run of %d bytes is free", sizeBytes)
	}
	txn.addDelta(opSet, ids)
	return ids, nil
}

// FreeExtent records the inclusive block range covering [from, to] as a
// pending CLEAR delta on txn. from and to are device-absolute byte
// addresses, the same convention as blk_paddr (Start already added in);
// this differs from ReadData/WriteData's addr, which is relative to
// Start. Both are validated without ever reading the device.
func (m *Manager) FreeExtent(txn *Transaction, from, to Addr) error {
	if txn.manager != m {
		return status.Error(codes.FailedPrecondition, "Transaction does not belong to this manager")
	}
	if from < m.super.Start || to < from || to >= m.super.End {
		return status.Errorf(codes.OutOfRange, "Range [%d, %d] falls outside the device's [%d, %d) bound", from, to, m.super.Start, m.super.End)
	}
	blockSize := int64(m.super.BlockSize)
	startID := uint64((from - m.super.Start) / blockSize)
	endID := uint64((to - m.super.Start) / blockSize)
	ids := intervalset.New()
	ids.Insert(startID, endID-startID+1)
	txn.addDelta(opClear, ids)
	return nil
}

// AbortAllocation discards every pending delta on txn without touching
// the on-disk bitmap or free_block_count, and releases the manager for
// the next transaction. On-disk state after an abort is byte-identical
// to its state before the transaction began.
func (m *Manager) AbortAllocation(txn *Transaction) {
	txn.reset()
	m.txnSem.Release(1)
}

// CompleteAllocation persists every pending delta on txn to the on-disk
// bitmap, in the order the deltas were recorded, updates
// free_block_count in memory accordingly, and releases the manager for
// the next transaction. It does not call Sync; the superblock is only
// persisted when the caller explicitly asks for it.
func (m *Manager) CompleteAllocation(ctx context.Context, txn *Transaction) error {
	if txn.manager != m {
		return status.Error(codes.FailedPrecondition, "Transaction does not belong to this manager")
	}
	defer func() {
		txn.reset()
		m.txnSem.Release(1)
	}()

	label := m.super.UUID.String()
	for _, delta := range txn.deltas {
		set := delta.op == opSet
		for _, r := range delta.blockIDs.Ranges() {
			if err := m.syncBitmapByRange(ctx, r.Start, r.End()-1, set); err != nil {
				return err
			}
			if set {
				m.super.FreeBlockCount -= r.Len
				blocksAllocated.WithLabelValues(label).Add(float64(r.Len))
			} else {
				m.super.FreeBlockCount += r.Len
				blocksFreed.WithLabelValues(label).Add(float64(r.Len))
			}
		}
	}
	freeBlockCount.WithLabelValues(label).Set(float64(m.super.FreeBlockCount))
	return nil
}

// syncBitmapByRange sets or clears bits [start, end] (inclusive) in the
// on-disk bitmap. Blocks entirely covered by the range are synthesized
// without a read; the first and last bitmap block touched are
// read-modify-written whenever the range does not start or end exactly
// on a bitmap-block boundary. Every touched block is assembled into one
// contiguous buffer and written with a single WriteAt spanning
// bitmapBlockAddr(startBB) through bitmapBlockAddr(endBB)+blockSize.
// Whether that write lands atomically across blocks is up to the device.
func (m *Manager) syncBitmapByRange(ctx context.Context, start, end BlockID, set bool) error {
	perBlock := maxBlockByBitmapBlock(int(m.super.BlockSize))
	crcEnabled := m.super.Feature&FeatureBitmapBlockCRC != 0

	startBB := start / perBlock
	endBB := end / perBlock
	startOff := start % perBlock
	endOff := end % perBlock

	blockCount := endBB - startBB + 1
	buf := make([]byte, 0, blockCount*uint64(m.super.BlockSize))

	for bb := startBB; bb <= endBB; bb++ {
		lo, hi := uint64(0), perBlock-1
		if bb == startBB {
			lo = startOff
		}
		if bb == endBB {
			hi = endOff
		}

		var block *BitmapBlock
		if lo == 0 && hi == perBlock-1 {
			if set {
				block = newFullBitmapBlock(int(m.super.BlockSize))
			} else {
				block = newBitmapBlock(int(m.super.BlockSize))
			}
		} else {
			var err error
			block, err = m.readBitmapBlock(ctx, bb, crcEnabled)
			if err != nil {
				return err
			}
			block.setRange(lo, hi, set)
		}
		buf = append(buf, block.encode(int(m.super.BlockSize), crcEnabled)...)
	}

	if uint64(len(buf)) != blockCount*uint64(m.super.BlockSize) {
		panic("syncBitmapByRange: combined buffer length does not match the number of blocks touched")
	}
	return m.device.WriteAt(ctx, m.bitmapBlockAddr(startBB), buf)
}

func (m *Manager) bitmapBlockAddr(bitmapBlockNo uint64) Addr {
	return m.super.StartAllocArea + Addr(bitmapBlockNo)*Addr(m.super.BlockSize)
}

func (m *Manager) readBitmapBlock(ctx context.Context, bitmapBlockNo uint64, crcEnabled bool) (*BitmapBlock, error) {
	page := make([]byte, m.super.BlockSize)
	if err := m.device.ReadAt(ctx, m.bitmapBlockAddr(bitmapBlockNo), page); err != nil {
		return nil, err
	}
	return decodeBitmapBlock(page, int(m.super.BlockSize), crcEnabled)
}

func (m *Manager) writeBitmapBlock(ctx context.Context, bitmapBlockNo uint64, block *BitmapBlock, crcEnabled bool) error {
	page := block.encode(int(m.super.BlockSize), crcEnabled)
	return m.device.WriteAt(ctx, m.bitmapBlockAddr(bitmapBlockNo), page)
}
