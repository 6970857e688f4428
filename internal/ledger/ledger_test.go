package ledger

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txerrors "github.com/R3E-Network/txflow/internal/errors"
)

// =============================================================================
// Value Tests
// =============================================================================

func TestValue_IntegerRoundTrip(t *testing.T) {
	n, ok := new(big.Int).SetString("123456789012345678901234567890", 10)
	require.True(t, ok)

	got, err := Integer(n).AsInteger()
	require.NoError(t, err)
	assert.Equal(t, 0, got.Cmp(n))
}

func TestValue_IntegerFromJSONNumber(t *testing.T) {
	v := Value{Type: TypeInteger, Value: json.RawMessage(`42`)}

	got, err := v.AsInteger()
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.Int64())
}

func TestValue_StackItemBytes(t *testing.T) {
	// "hello" base64, as Neo RPC returns ByteString items.
	v := Value{Type: TypeByteStr, Value: json.RawMessage(`"aGVsbG8="`)}

	s, err := v.AsString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	hexed := Value{Type: TypeByteStr, Value: json.RawMessage(`"0x68656c6c6f"`)}
	b, err := hexed.AsBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)
}

func TestValue_Hash160FromLittleEndianBytes(t *testing.T) {
	le := make([]byte, 20)
	le[0] = 0x01
	v := Bytes(le)

	h, err := v.AsHash160()
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000001", h)

	_, err = Bytes([]byte{1, 2}).AsHash160()
	assert.Error(t, err)
}

func TestValue_TypeMismatch(t *testing.T) {
	_, err := String("x").AsInteger()
	assert.Error(t, err)

	_, err = Int64(1).AsArray()
	assert.Error(t, err)

	b, err := Int64(1).AsBool()
	require.NoError(t, err)
	assert.True(t, b)
}

func TestValue_Array(t *testing.T) {
	items, err := Array(Int64(1), String("two")).AsArray()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, TypeString, items[1].Type)
}

func TestFee_Scale(t *testing.T) {
	f := Fee{System: 100, Network: 10}
	assert.Equal(t, Fee{System: 150, Network: 15}, f.Scale(1.5))
	assert.Equal(t, f, f.Scale(0))
	assert.Equal(t, int64(110), f.Total())
}

// =============================================================================
// Codec Tests
// =============================================================================

func transferCodec() *SchemaCodec {
	return NewSchemaCodec().Declare(NewCallRef("asset", "transfer"),
		Param{Name: "asset", Type: TypeInteger},
		Param{Name: "to", Type: TypeHash160},
		Param{Name: "amount", Type: TypeInteger},
	)
}

func TestSchemaCodec_Encode(t *testing.T) {
	vals, err := transferCodec().Encode(NewCallRef("asset", "transfer"), []any{
		7, "0xAbCd000000000000000000000000000000000000", big.NewInt(50),
	})
	require.NoError(t, err)
	require.Len(t, vals, 3)

	to, err := vals[1].AsHash160()
	require.NoError(t, err)
	assert.Equal(t, "0xabcd000000000000000000000000000000000000", to)
}

func TestSchemaCodec_Arity(t *testing.T) {
	_, err := transferCodec().Encode(NewCallRef("asset", "transfer"), []any{7})

	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrValidation)
	var e *txerrors.Error
	require.True(t, txerrors.As(err, &e))
	assert.Equal(t, 3, e.Data["expected"])
	assert.Equal(t, 1, e.Data["got"])
}

func TestSchemaCodec_UnknownCallAndBadType(t *testing.T) {
	_, err := transferCodec().Encode(NewCallRef("asset", "burn"), nil)
	assert.ErrorIs(t, err, txerrors.ErrValidation)

	_, err = transferCodec().Encode(NewCallRef("asset", "transfer"), []any{true, "0x01", 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argument=asset")
}

func TestSchemaCodec_PreEncodedPassThrough(t *testing.T) {
	vals, err := transferCodec().Encode(NewCallRef("asset", "transfer"), []any{
		Int64(7), Hash160("01"), Int64(1),
	})
	require.NoError(t, err)
	assert.Equal(t, Int64(7), vals[0])

	_, err = transferCodec().Encode(NewCallRef("asset", "transfer"), []any{
		String("7"), Hash160("01"), Int64(1),
	})
	assert.Error(t, err)
}

func TestInferCodec(t *testing.T) {
	vals, err := InferCodec{}.Encode(NewCallRef("m", "f"), []any{nil, true, "s", []byte{1}, uint32(9), []any{1, "x"}})
	require.NoError(t, err)
	assert.Equal(t, TypeAny, vals[0].Type)
	assert.Equal(t, TypeBoolean, vals[1].Type)
	assert.Equal(t, TypeString, vals[2].Type)
	assert.Equal(t, TypeByteArray, vals[3].Type)
	assert.Equal(t, TypeInteger, vals[4].Type)
	assert.Equal(t, TypeArray, vals[5].Type)

	_, err = InferCodec{}.Encode(NewCallRef("m", "f"), []any{struct{}{}})
	assert.ErrorIs(t, err, txerrors.ErrValidation)
}

// =============================================================================
// Event Matcher Tests
// =============================================================================

var assetCreated = NewEventKind("asset", "AssetCreated", IntegerField(2))

func receiptWith(events ...Event) *Receipt {
	for i := range events {
		events[i].Index = i
	}
	return &Receipt{TxHash: "0x01", Events: events}
}

func TestEventKind_FirstAndNth(t *testing.T) {
	r := receiptWith(
		Event{Module: "gas", Method: "Transfer"},
		Event{Module: "asset", Method: "AssetCreated", Data: []Value{String("alice"), String("TKN"), Int64(11)}},
		Event{Module: "asset", Method: "AssetCreated", Data: []Value{String("alice"), String("TKN2"), Int64(12)}},
	)

	first, err := assetCreated.First(r)
	require.NoError(t, err)
	assert.Equal(t, int64(11), first.Int64())

	second, err := assetCreated.Nth(r, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(12), second.Int64())

	all, err := assetCreated.All(r)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = assetCreated.Nth(r, 2)
	assert.ErrorIs(t, err, txerrors.ErrDataUnavailable)
}

func TestEventKind_SingleRejectsDuplicatesAndMissing(t *testing.T) {
	ev := Event{Module: "asset", Method: "AssetCreated", Data: []Value{String("a"), String("b"), Int64(1)}}

	_, err := assetCreated.Single(receiptWith(ev, ev))
	require.Error(t, err)
	var e *txerrors.Error
	require.True(t, txerrors.As(err, &e))
	assert.Equal(t, 2, e.Data["found"])

	_, err = assetCreated.Single(receiptWith())
	assert.ErrorIs(t, err, txerrors.ErrDataUnavailable)

	_, err = assetCreated.First(nil)
	assert.ErrorIs(t, err, txerrors.ErrDataUnavailable)
}

func TestEventKind_FieldOutOfRange(t *testing.T) {
	r := receiptWith(Event{Module: "asset", Method: "AssetCreated", Data: []Value{String("a")}})

	_, err := assetCreated.First(r)
	assert.ErrorIs(t, err, txerrors.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "out of range")
}
