// Package txspec holds the declarative side of the engine: transaction and
// batch specs, and PostValue handles to results that only exist once a
// transaction has been included.
package txspec

import (
	"sync"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
)

type originState int

const (
	originPending originState = iota
	originSucceeded
	originFailed
)

// Origin is the settlement point shared by every PostValue derived from one
// transaction's receipt.
type Origin struct {
	mu      sync.RWMutex
	owner   string
	state   originState
	receipt *ledger.Receipt
}

// NewOrigin creates a pending origin.
func NewOrigin() *Origin { return &Origin{} }

// Bind records the id of the transaction owning o. Only the first call wins.
func (o *Origin) Bind(owner string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.owner == "" {
		o.owner = owner
	}
}

// Owner returns the owning transaction id, empty while unbound.
func (o *Origin) Owner() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.owner
}

// Settle marks o ready with the owning transaction's receipt.
func (o *Origin) Settle(r *ledger.Receipt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != originPending {
		return
	}
	o.state = originSucceeded
	o.receipt = r
}

// Fail marks o as never resolvable.
func (o *Origin) Fail() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == originPending {
		o.state = originFailed
	}
}

// Ready reports whether the owning transaction succeeded.
func (o *Origin) Ready() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == originSucceeded
}

// Failed reports whether the owning transaction ended without success.
func (o *Origin) Failed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state == originFailed
}

// Receipt returns the settled receipt, nil while pending.
func (o *Origin) Receipt() *ledger.Receipt {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.receipt
}

// Deferred is implemented by every PostValue so the engine can find and
// substitute deferred arguments without knowing their type.
type Deferred interface {
	// Origin returns the origin the value depends on, nil if pre-resolved.
	Origin() *Origin
	Ready() bool
	// Any resolves the value and returns it untyped.
	Any() (any, error)
}

// PostValue is a handle to a value known only after its owning transaction
// succeeds. The resolver runs at most once, on first read after success.
type PostValue[T any] struct {
	origin *Origin

	mu       sync.Mutex
	resolve  func() (T, error)
	consumed bool
	value    T
	err      error
}

// NewPostValue creates a handle resolved from origin's receipt.
func NewPostValue[T any](origin *Origin, resolver func(*ledger.Receipt) (T, error)) *PostValue[T] {
	p := &PostValue[T]{origin: origin}
	p.resolve = func() (T, error) {
		if resolver == nil {
			var zero T
			return zero, nil
		}
		return resolver(origin.Receipt())
	}
	return p
}

// Resolved creates an already-resolved handle.
func Resolved[T any](v T) *PostValue[T] {
	return &PostValue[T]{consumed: true, value: v}
}

// Transform derives a handle whose value is f applied to p's value. Nothing
// is evaluated until the derived handle is read.
func Transform[T, U any](p *PostValue[T], f func(T) (U, error)) *PostValue[U] {
	q := &PostValue[U]{origin: p.origin}
	q.resolve = func() (U, error) {
		v, err := p.Value()
		if err != nil {
			var zero U
			return zero, err
		}
		return f(v)
	}
	return q
}

// Origin implements Deferred.
func (p *PostValue[T]) Origin() *Origin { return p.origin }

// Ready reports whether the value can be read.
func (p *PostValue[T]) Ready() bool {
	return p.origin == nil || p.origin.Ready()
}

// Value returns the resolved value. Reading before the owning transaction
// succeeded is an UnmetPrerequisite error and does not consume the resolver.
func (p *PostValue[T]) Value() (T, error) {
	if !p.Ready() {
		var zero T
		msg := "value read before its transaction succeeded"
		if p.origin.Failed() {
			msg = "value depends on a transaction that did not succeed"
		}
		return zero, txerrors.UnmetPrerequisite(msg, map[string]any{"transaction": p.origin.Owner()})
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.consumed {
		p.value, p.err = p.resolve()
		p.consumed = true
		p.resolve = nil
	}
	return p.value, p.err
}

// Any implements Deferred.
func (p *PostValue[T]) Any() (any, error) {
	v, err := p.Value()
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Consumed reports whether the resolver has already run.
func (p *PostValue[T]) Consumed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed
}

func (p *PostValue[T]) outcome(*T) {}
