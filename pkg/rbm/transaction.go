package rbm

import "github.com/go-rbm/rbm/pkg/rbm/intervalset"

// allocDelta is a single entry of the ordered delta list a Transaction
// accumulates.
type allocDelta struct {
	op       allocOp
	blockIDs *intervalset.Set
}

// Transaction accumulates allocation and free deltas until they are
// either persisted by Manager.CompleteAllocation or discarded by
// Manager.AbortAllocation. A Transaction is exclusively owned by its
// creator and must be used with the Manager that created it
// (Manager.Begin).
type Transaction struct {
	manager *Manager
	deltas  []allocDelta
}

// Intersects reports whether block id is covered by any pending SET
// (to-be-allocated) delta on this transaction. findFreeBlock uses this
// to ensure two back-to-back AllocExtent calls on the same transaction
// never hand out overlapping blocks.
func (t *Transaction) Intersects(id BlockID) bool {
	for _, d := range t.deltas {
		if d.op == opSet && d.blockIDs.Intersects(id, 1) {
			return true
		}
	}
	return false
}

func (t *Transaction) addDelta(op allocOp, blockIDs *intervalset.Set) {
	t.deltas = append(t.deltas, allocDelta{op: op, blockIDs: blockIDs})
}

// reset clears every delta on the transaction, used by AbortAllocation
// and after a successful CompleteAllocation.
func (t *Transaction) reset() {
	t.deltas = t.deltas[:0]
}
