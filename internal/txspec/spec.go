package txspec

import (
	"fmt"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// Resolver extracts a typed result from a finalized receipt.
type Resolver[R any] func(*ledger.Receipt) (R, error)

// Entry is one call of a spec: a call reference and its arguments. An
// argument may be a ledger.Value, a domain value for the codec, or a
// Deferred handle substituted just before submission.
type Entry struct {
	Call ledger.CallRef
	Args []any
}

// Spec describes one ledger call.
type Spec[R any] struct {
	Call ledger.CallRef
	Args []any
	// Fee overrides fee estimation when set.
	Fee *ledger.Fee
	// FeeMultiplier scales the estimated fee; 0 means 1.
	FeeMultiplier float64
	Resolver      Resolver[R]
}

// Entry returns s as a batch entry.
func (s *Spec[R]) Entry() Entry { return Entry{Call: s.Call, Args: s.Args} }

func (s *Spec[R]) outcome(*R) {}

// BatchSpec describes several calls submitted as one atomic unit.
type BatchSpec[R any] struct {
	Entries       []Entry
	Fee           *ledger.Fee
	FeeMultiplier float64
	Resolver      Resolver[R]
}

func (b *BatchSpec[R]) outcome(*R) {}

// Value is an immediate procedure result that needs no receipt.
type Value[R any] struct {
	V R
}

// Return wraps v as an immediate result.
func Return[R any](v R) Value[R] { return Value[R]{V: v} }

func (Value[R]) outcome(*R) {}

// Outcome is what a procedure's prepare-transaction stage produces: a
// *Spec[R], a *BatchSpec[R], a *PostValue[R] or a Value[R].
type Outcome[R any] interface {
	outcome(*R)
}

// =============================================================================
// Deferred argument handling
// =============================================================================

// DeferredArgs returns every Deferred found in args, including inside
// nested []any lists.
func DeferredArgs(args []any) []Deferred {
	var out []Deferred
	for _, a := range args {
		switch x := a.(type) {
		case Deferred:
			out = append(out, x)
		case []any:
			out = append(out, DeferredArgs(x)...)
		}
	}
	return out
}

// Substitute returns a copy of args with every Deferred replaced by its
// resolved value.
func Substitute(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		switch x := a.(type) {
		case Deferred:
			v, err := x.Any()
			if err != nil {
				return nil, err
			}
			out[i] = v
		case []any:
			nested, err := Substitute(x)
			if err != nil {
				return nil, err
			}
			out[i] = nested
		default:
			out[i] = a
		}
	}
	return out, nil
}

// Describe renders args for display without resolving deferred values.
func Describe(args []any) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch x := a.(type) {
		case Deferred:
			if x.Ready() {
				if v, err := x.Any(); err == nil {
					out[i] = fmt.Sprint(v)
					continue
				}
			}
			owner := ""
			if o := x.Origin(); o != nil {
				owner = o.Owner()
			}
			out[i] = fmt.Sprintf("<pending %s>", owner)
		case ledger.Value:
			out[i] = x.String()
		default:
			out[i] = fmt.Sprint(a)
		}
	}
	return out
}
