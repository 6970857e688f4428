package ledger

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// ValueType names the ledger-native type of an encoded value. The names
// follow Neo VM stack items and contract parameters.
type ValueType string

const (
	TypeAny       ValueType = "Any"
	TypeInteger   ValueType = "Integer"
	TypeBoolean   ValueType = "Boolean"
	TypeByteArray ValueType = "ByteArray"
	TypeByteStr   ValueType = "ByteString"
	TypeBuffer    ValueType = "Buffer"
	TypeString    ValueType = "String"
	TypeHash160   ValueType = "Hash160"
	TypeArray     ValueType = "Array"
	TypeStruct    ValueType = "Struct"
	TypeNull      ValueType = "Null"
)

// Value is a ledger-encoded value: a call argument or an event data field.
type Value struct {
	Type  ValueType       `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// =============================================================================
// Constructors
// =============================================================================

func mustRaw(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("ledger: marshal value: %v", err))
	}
	return raw
}

// Integer encodes an arbitrary precision integer.
func Integer(n *big.Int) Value {
	if n == nil {
		n = new(big.Int)
	}
	return Value{Type: TypeInteger, Value: mustRaw(n.String())}
}

// Int64 encodes a signed integer.
func Int64(n int64) Value { return Integer(big.NewInt(n)) }

// Bool encodes a boolean.
func Bool(b bool) Value { return Value{Type: TypeBoolean, Value: mustRaw(b)} }

// Bytes encodes a byte array (base64 on the wire).
func Bytes(b []byte) Value {
	return Value{Type: TypeByteArray, Value: mustRaw(base64.StdEncoding.EncodeToString(b))}
}

// String encodes a UTF-8 string.
func String(s string) Value { return Value{Type: TypeString, Value: mustRaw(s)} }

// Hash160 encodes a 20-byte script hash given as 0x-prefixed big-endian hex.
func Hash160(h string) Value {
	h = strings.TrimSpace(h)
	if !strings.HasPrefix(h, "0x") && !strings.HasPrefix(h, "0X") {
		h = "0x" + h
	}
	return Value{Type: TypeHash160, Value: mustRaw(strings.ToLower(h))}
}

// Array encodes an ordered list of values.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Type: TypeArray, Value: mustRaw(items)}
}

// Any encodes an empty (null) value.
func Any() Value { return Value{Type: TypeAny} }

// String returns a compact display form of v.
func (v Value) String() string {
	if len(v.Value) == 0 {
		return string(v.Type)
	}
	return fmt.Sprintf("%s(%s)", v.Type, string(v.Value))
}

// =============================================================================
// Parsers
// =============================================================================

func decodeBytes(value string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return hex.DecodeString(trimmed[2:])
	}

	// Neo RPC encodes ByteString/Buffer stack items as base64.
	if decoded, err := base64.StdEncoding.DecodeString(trimmed); err == nil {
		return decoded, nil
	}

	if len(trimmed)%2 != 0 {
		return nil, fmt.Errorf("invalid byte string")
	}
	return hex.DecodeString(trimmed)
}

func (v Value) isBytes() bool {
	return v.Type == TypeByteStr || v.Type == TypeBuffer || v.Type == TypeByteArray
}

// AsInteger parses an Integer value. Decimal strings and JSON numbers are
// both accepted.
func (v Value) AsInteger() (*big.Int, error) {
	if v.Type != TypeInteger {
		return nil, fmt.Errorf("unexpected type: %s", v.Type)
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		var num json.Number
		if err2 := json.Unmarshal(v.Value, &num); err2 != nil {
			return nil, fmt.Errorf("parse integer: %w", err)
		}
		s = num.String()
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return n, nil
}

// AsBool parses a Boolean value. Integer 0/1 is accepted as well.
func (v Value) AsBool() (bool, error) {
	switch v.Type {
	case TypeBoolean:
		var b bool
		if err := json.Unmarshal(v.Value, &b); err != nil {
			return false, err
		}
		return b, nil
	case TypeInteger:
		n, err := v.AsInteger()
		if err != nil {
			return false, err
		}
		return n.Sign() != 0, nil
	default:
		return false, fmt.Errorf("unexpected type: %s", v.Type)
	}
}

// AsBytes parses a byte array value. Null decodes to nil.
func (v Value) AsBytes() ([]byte, error) {
	if v.Type == TypeNull || v.Type == TypeAny {
		return nil, nil
	}
	if !v.isBytes() {
		return nil, fmt.Errorf("unexpected type: %s", v.Type)
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return nil, err
	}
	return decodeBytes(s)
}

// AsString parses a String value, or a byte array holding UTF-8 text.
func (v Value) AsString() (string, error) {
	switch {
	case v.Type == TypeString:
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return "", err
		}
		return s, nil
	case v.isBytes():
		b, err := v.AsBytes()
		if err != nil {
			return "", err
		}
		return string(b), nil
	case v.Type == TypeNull || v.Type == TypeAny:
		return "", nil
	default:
		return "", fmt.Errorf("unexpected type for string: %s", v.Type)
	}
}

// AsHash160 parses a script hash, returned as 0x-prefixed big-endian hex.
// Byte arrays are little-endian on the wire and are reversed.
func (v Value) AsHash160() (string, error) {
	if v.Type == TypeHash160 {
		var s string
		if err := json.Unmarshal(v.Value, &s); err != nil {
			return "", err
		}
		return strings.ToLower(s), nil
	}
	if !v.isBytes() {
		return "", fmt.Errorf("unexpected type: %s", v.Type)
	}
	b, err := v.AsBytes()
	if err != nil {
		return "", err
	}
	if len(b) != 20 {
		return "", fmt.Errorf("unexpected Hash160 length: %d", len(b))
	}
	reversed := make([]byte, len(b))
	for i, c := range b {
		reversed[len(b)-1-i] = c
	}
	return "0x" + hex.EncodeToString(reversed), nil
}

// AsArray parses an Array or Struct value.
func (v Value) AsArray() ([]Value, error) {
	if v.Type != TypeArray && v.Type != TypeStruct {
		return nil, fmt.Errorf("expected Array or Struct, got %s", v.Type)
	}
	var items []Value
	if err := json.Unmarshal(v.Value, &items); err != nil {
		return nil, fmt.Errorf("unmarshal array: %w", err)
	}
	return items, nil
}
