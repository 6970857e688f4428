package ledger

import (
	"math/big"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
)

// EventTag identifies an event kind by emitting module and event name.
type EventTag struct {
	Module string
	Method string
}

// String returns "module.method".
func (t EventTag) String() string { return t.Module + "." + t.Method }

// Decoder turns a raw event into a typed value.
type Decoder[T any] func(Event) (T, error)

// EventKind is a typed matcher for one event tag. Lookups through an
// EventKind return decoded values, never raw events.
type EventKind[T any] struct {
	Tag    EventTag
	Decode Decoder[T]
}

// NewEventKind creates a matcher for module.method events.
func NewEventKind[T any](module, method string, decode Decoder[T]) EventKind[T] {
	return EventKind[T]{Tag: EventTag{Module: module, Method: method}, Decode: decode}
}

// Matches reports whether ev carries this kind's tag.
func (k EventKind[T]) Matches(ev Event) bool {
	return ev.Module == k.Tag.Module && ev.Method == k.Tag.Method
}

// All decodes every matching event in log order.
func (k EventKind[T]) All(r *Receipt) ([]T, error) {
	if r == nil {
		return nil, txerrors.DataUnavailable("no receipt", map[string]any{"event": k.Tag.String()})
	}
	var out []T
	for _, ev := range r.Events {
		if !k.Matches(ev) {
			continue
		}
		v, err := k.Decode(ev)
		if err != nil {
			return nil, txerrors.DataUnavailable("cannot decode event", map[string]any{
				"event":  k.Tag.String(),
				"index":  ev.Index,
				"reason": err.Error(),
			})
		}
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of matching events.
func (k EventKind[T]) Count(r *Receipt) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, ev := range r.Events {
		if k.Matches(ev) {
			n++
		}
	}
	return n
}

// Nth decodes the n-th (zero-based) matching event. Batches emit one event
// per entry, so n selects the entry.
func (k EventKind[T]) Nth(r *Receipt, n int) (T, error) {
	var zero T
	if r == nil {
		return zero, txerrors.DataUnavailable("no receipt", map[string]any{"event": k.Tag.String()})
	}
	seen := 0
	for _, ev := range r.Events {
		if !k.Matches(ev) {
			continue
		}
		if seen == n {
			v, err := k.Decode(ev)
			if err != nil {
				return zero, txerrors.DataUnavailable("cannot decode event", map[string]any{
					"event":  k.Tag.String(),
					"index":  ev.Index,
					"reason": err.Error(),
				})
			}
			return v, nil
		}
		seen++
	}
	return zero, txerrors.DataUnavailable("event not found", map[string]any{
		"event":    k.Tag.String(),
		"position": n,
		"found":    seen,
	})
}

// First decodes the first matching event.
func (k EventKind[T]) First(r *Receipt) (T, error) { return k.Nth(r, 0) }

// Single decodes the only matching event; zero or several matches fail.
func (k EventKind[T]) Single(r *Receipt) (T, error) {
	if n := k.Count(r); n != 1 {
		var zero T
		return zero, txerrors.DataUnavailable("expected exactly one event", map[string]any{
			"event": k.Tag.String(),
			"found": n,
		})
	}
	return k.Nth(r, 0)
}

// Field returns data field i of ev.
func Field(ev Event, i int) (Value, error) {
	if i < 0 || i >= len(ev.Data) {
		return Value{}, txerrors.DataUnavailable("event field out of range", map[string]any{
			"event": ev.Tag().String(),
			"field": i,
			"len":   len(ev.Data),
		})
	}
	return ev.Data[i], nil
}

// IntegerField decodes data field i as an integer.
func IntegerField(i int) Decoder[*big.Int] {
	return func(ev Event) (*big.Int, error) {
		v, err := Field(ev, i)
		if err != nil {
			return nil, err
		}
		return v.AsInteger()
	}
}

// StringField decodes data field i as a string.
func StringField(i int) Decoder[string] {
	return func(ev Event) (string, error) {
		v, err := Field(ev, i)
		if err != nil {
			return "", err
		}
		return v.AsString()
	}
}

// Hash160Field decodes data field i as a script hash.
func Hash160Field(i int) Decoder[string] {
	return func(ev Event) (string, error) {
		v, err := Field(ev, i)
		if err != nil {
			return "", err
		}
		return v.AsHash160()
	}
}

// RawEvent returns the event unchanged.
func RawEvent(ev Event) (Event, error) { return ev, nil }
