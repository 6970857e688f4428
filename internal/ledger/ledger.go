// Package ledger defines the boundary between the engine and a distributed
// ledger: call references, encoded values, receipts with their event logs,
// and the consumed chain interfaces (submission, fee/nonce, permissions).
package ledger

import (
	"context"
	"errors"
	"math"
)

// CallRef identifies a ledger call by module and method.
type CallRef struct {
	Module string `json:"module"`
	Method string `json:"method"`
}

// NewCallRef is shorthand for CallRef{module, method}.
func NewCallRef(module, method string) CallRef {
	return CallRef{Module: module, Method: method}
}

// String returns "module.method".
func (c CallRef) String() string { return c.Module + "." + c.Method }

// Call is one encoded invocation of a ledger state-transition function.
type Call struct {
	Ref  CallRef `json:"ref"`
	Args []Value `json:"args"`
}

// Fee is the fee attached to a submission.
type Fee struct {
	System  int64 `json:"system"`
	Network int64 `json:"network"`
}

// Total returns the combined fee.
func (f Fee) Total() int64 { return f.System + f.Network }

// Scale multiplies both components by m, rounding up. Non-positive m
// returns f unchanged.
func (f Fee) Scale(m float64) Fee {
	if m <= 0 || m == 1 {
		return f
	}
	return Fee{
		System:  int64(math.Ceil(float64(f.System) * m)),
		Network: int64(math.Ceil(float64(f.Network) * m)),
	}
}

// Signer is the identity calls are submitted for. Key material stays behind
// the adapter-specific signer implementation.
type Signer interface {
	Address() string
}

// ErrSignerRejected is returned (wrapped) by adapters when the signer
// declines to sign.
var ErrSignerRejected = errors.New("signer rejected the transaction")

// ErrNotFound is returned (wrapped) by adapters when a looked-up object is
// not known to the ledger yet.
var ErrNotFound = errors.New("not found")

// UpdateKind classifies submission lifecycle notifications.
type UpdateKind string

const (
	UpdateBroadcast UpdateKind = "broadcast"
	UpdateIncluded  UpdateKind = "included"
)

// Update is a lifecycle notification emitted by a submission.
type Update struct {
	Kind        UpdateKind
	TxHash      string
	BlockHash   string
	BlockNumber uint64
}

// Submission is everything an adapter needs to sign and broadcast.
type Submission struct {
	Signer Signer
	Calls  []Call
	// Atomic makes the calls one all-or-nothing unit.
	Atomic   bool
	Fee      Fee
	Nonce    uint64
	OnUpdate func(Update)
}

// Notify invokes OnUpdate when set.
func (s Submission) Notify(u Update) {
	if s.OnUpdate != nil {
		s.OnUpdate(u)
	}
}

// Handle tracks a broadcast submission.
type Handle interface {
	TxHash() string
	// Wait blocks until the submission is included and returns its receipt.
	Wait(ctx context.Context) (*Receipt, error)
}

// Event is one entry of a receipt's ordered event log.
type Event struct {
	Module string  `json:"module"`
	Method string  `json:"method"`
	Data   []Value `json:"data"`
	// Index is the position in the receipt's log.
	Index int `json:"index"`
}

// Tag returns the event's tag.
func (e Event) Tag() EventTag { return EventTag{Module: e.Module, Method: e.Method} }

// Failure describes a logical failure reported by an executed call.
type Failure struct {
	// Index is the failing entry of an atomic batch, -1 when unknown or not
	// applicable.
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Receipt is the finalized record of a submission.
type Receipt struct {
	TxHash      string   `json:"tx_hash"`
	BlockHash   string   `json:"block_hash"`
	BlockNumber uint64   `json:"block_number"`
	Events      []Event  `json:"events"`
	Failure     *Failure `json:"failure,omitempty"`
}

// Succeeded reports whether the receipt carries no failure.
func (r *Receipt) Succeeded() bool { return r != nil && r.Failure == nil }

// PermissionQuery asks whether a signer holds a permission or a role.
// When Role is set the query is a role assertion scoped by Asset.
type PermissionQuery struct {
	Signer    string
	Call      string
	Asset     string
	Portfolio string
	Role      string
}

// Ledger is the chain interface consumed by the engine.
type Ledger interface {
	// EstimateFee returns an advisory fee for submitting calls as one unit.
	EstimateFee(ctx context.Context, signer Signer, calls []Call, atomic bool) (Fee, error)

	// Nonce returns the advisory next nonce for signer.
	Nonce(ctx context.Context, signer Signer) (uint64, error)

	// Submit signs and broadcasts.
	Submit(ctx context.Context, sub Submission) (Handle, error)

	// HasPermission answers permission and role queries not statically
	// derivable by a procedure.
	HasPermission(ctx context.Context, q PermissionQuery) (bool, error)
}
