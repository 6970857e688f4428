package ledger

import (
	"fmt"
	"math/big"
	"sync"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
)

// Codec translates domain argument values into ledger-encoded values for a
// call. It owns arity and type checking.
type Codec interface {
	Encode(ref CallRef, args []any) ([]Value, error)
}

// Param declares one parameter of a call.
type Param struct {
	Name string
	Type ValueType
	// Elem is the element type of Array parameters; empty infers per item.
	Elem ValueType
}

// SchemaCodec encodes arguments against declared call signatures.
type SchemaCodec struct {
	mu    sync.RWMutex
	calls map[CallRef][]Param
}

// NewSchemaCodec creates an empty schema codec.
func NewSchemaCodec() *SchemaCodec {
	return &SchemaCodec{calls: make(map[CallRef][]Param)}
}

// Declare registers the parameters of ref and returns the codec for chaining.
func (c *SchemaCodec) Declare(ref CallRef, params ...Param) *SchemaCodec {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[ref] = append([]Param(nil), params...)
	return c
}

// Params returns the declared parameters of ref.
func (c *SchemaCodec) Params(ref CallRef) ([]Param, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.calls[ref]
	return p, ok
}

// Encode implements Codec.
func (c *SchemaCodec) Encode(ref CallRef, args []any) ([]Value, error) {
	params, ok := c.Params(ref)
	if !ok {
		return nil, txerrors.Validation("unknown call", map[string]any{"call": ref.String()})
	}
	if len(args) != len(params) {
		return nil, txerrors.Validation("argument count mismatch", map[string]any{
			"call":     ref.String(),
			"expected": len(params),
			"got":      len(args),
		})
	}

	out := make([]Value, len(args))
	for i, arg := range args {
		v, err := encodeAs(params[i].Type, params[i].Elem, arg)
		if err != nil {
			return nil, txerrors.Validation("cannot encode argument", map[string]any{
				"call":     ref.String(),
				"argument": params[i].Name,
				"index":    i,
				"reason":   err.Error(),
			})
		}
		out[i] = v
	}
	return out, nil
}

// InferCodec encodes arguments by their Go type, without arity checks.
type InferCodec struct{}

// Encode implements Codec.
func (InferCodec) Encode(ref CallRef, args []any) ([]Value, error) {
	out := make([]Value, len(args))
	for i, arg := range args {
		v, err := Infer(arg)
		if err != nil {
			return nil, txerrors.Validation("cannot encode argument", map[string]any{
				"call":   ref.String(),
				"index":  i,
				"reason": err.Error(),
			})
		}
		out[i] = v
	}
	return out, nil
}

// Infer encodes v by its Go type.
func Infer(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Any(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case string:
		return String(x), nil
	case []byte:
		return Bytes(x), nil
	case []Value:
		return Array(x...), nil
	case []any:
		items := make([]Value, len(x))
		for i, item := range x {
			enc, err := Infer(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = enc
		}
		return Array(items...), nil
	}
	if n, ok := toBigInt(v); ok {
		return Integer(n), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", v)
}

func encodeAs(t, elem ValueType, v any) (Value, error) {
	if enc, ok := v.(Value); ok {
		if enc.Type != t && t != TypeAny && !(isByteType(t) && enc.isBytes()) {
			return Value{}, fmt.Errorf("expected %s, got %s", t, enc.Type)
		}
		return enc, nil
	}

	switch t {
	case TypeAny:
		return Infer(v)
	case TypeInteger:
		if n, ok := toBigInt(v); ok {
			return Integer(n), nil
		}
		if s, ok := v.(string); ok {
			n, ok := new(big.Int).SetString(s, 10)
			if ok {
				return Integer(n), nil
			}
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return Bool(b), nil
		}
	case TypeByteArray, TypeByteStr, TypeBuffer:
		switch x := v.(type) {
		case []byte:
			return Bytes(x), nil
		case string:
			b, err := decodeBytes(x)
			if err != nil {
				return Value{}, err
			}
			return Bytes(b), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return String(x), nil
		case fmt.Stringer:
			return String(x.String()), nil
		}
	case TypeHash160:
		if s, ok := v.(string); ok && s != "" {
			return Hash160(s), nil
		}
	case TypeArray:
		var items []any
		switch x := v.(type) {
		case []any:
			items = x
		case []string:
			for _, s := range x {
				items = append(items, s)
			}
		case []int64:
			for _, n := range x {
				items = append(items, n)
			}
		default:
			return Value{}, fmt.Errorf("expected list, got %T", v)
		}
		out := make([]Value, len(items))
		for i, item := range items {
			var (
				enc Value
				err error
			)
			if elem == "" {
				enc, err = Infer(item)
			} else {
				enc, err = encodeAs(elem, "", item)
			}
			if err != nil {
				return Value{}, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = enc
		}
		return Array(out...), nil
	}
	return Value{}, fmt.Errorf("cannot encode %T as %s", v, t)
}

func isByteType(t ValueType) bool {
	return t == TypeByteArray || t == TypeByteStr || t == TypeBuffer
}

func toBigInt(v any) (*big.Int, bool) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, false
		}
		return new(big.Int).Set(x), true
	case int:
		return big.NewInt(int64(x)), true
	case int8:
		return big.NewInt(int64(x)), true
	case int16:
		return big.NewInt(int64(x)), true
	case int32:
		return big.NewInt(int64(x)), true
	case int64:
		return big.NewInt(x), true
	case uint:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(x)), true
	case uint64:
		return new(big.Int).SetUint64(x), true
	}
	return nil, false
}
