package transaction

import txerrors "github.com/R3E-Network/txflow/internal/errors"

// Batch is a transaction whose entries are submitted as one atomic unit:
// either every entry applies or none does.
type Batch struct {
	*Transaction
}

// NewBatch creates a batch from every entry of p. An empty batch is
// rejected.
func NewBatch(p Params, b Binding) (*Batch, error) {
	if len(p.Entries) == 0 {
		return nil, txerrors.Validation("a batch needs at least one entry", nil)
	}
	return &Batch{Transaction: newTransaction(p, b, true)}, nil
}

// Size returns the number of entries.
func (b *Batch) Size() int { return len(b.entries) }

// FailedIndex returns the failing entry of a failed batch, or -1 when the
// batch did not fail on a specific entry.
func (b *Batch) FailedIndex() int {
	if r := b.Receipt(); r != nil && r.Failure != nil {
		return r.Failure.Index
	}
	var e *txerrors.Error
	if err := b.Error(); err != nil && txerrors.As(err, &e) {
		if i, ok := e.Data["index"].(int); ok {
			return i
		}
	}
	return -1
}
