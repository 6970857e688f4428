package neo

import (
	"fmt"
	"strings"

	"github.com/nspcc-dev/neo-go/pkg/crypto/keys"
	nio "github.com/nspcc-dev/neo-go/pkg/io"
	"github.com/nspcc-dev/neo-go/pkg/smartcontract/callflag"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/vm/emit"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// Signer signs with a neo-go wallet account. Its address is the account
// script hash in the 0x-prefixed form used by ledger Hash160 values.
type Signer struct {
	account *wallet.Account
}

var _ ledger.Signer = (*Signer)(nil)

// NewSigner parses a WIF or hex-encoded private key.
func NewSigner(key string) (*Signer, error) {
	key = strings.TrimSpace(key)
	pk, err := keys.NewPrivateKeyFromWIF(key)
	if err != nil {
		pk, err = keys.NewPrivateKeyFromHex(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse private key: not WIF or hex")
		}
	}
	return NewSignerFromPrivateKey(pk), nil
}

// NewSignerFromPrivateKey wraps an existing key.
func NewSignerFromPrivateKey(pk *keys.PrivateKey) *Signer {
	return &Signer{account: wallet.NewAccountFromPrivateKey(pk)}
}

// Address implements ledger.Signer.
func (s *Signer) Address() string { return hash160String(s.account.ScriptHash()) }

// NeoAddress returns the base58 account address.
func (s *Signer) NeoAddress() string { return s.account.Address }

// Account returns the wallet account.
func (s *Signer) Account() *wallet.Account { return s.account }

func hash160String(u util.Uint160) string { return "0x" + u.StringLE() }

func parseHash160(s string) (util.Uint160, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return util.Uint160DecodeStringLE(s)
}

// buildScript emits one contract call per entry into a single script. A
// script executes as a unit, so a batch is all-or-nothing on chain.
func buildScript(calls []ledger.Call, resolve func(module string) (util.Uint160, error)) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("no calls to encode")
	}
	w := nio.NewBufBinWriter()
	for i, call := range calls {
		hash, err := resolve(call.Ref.Module)
		if err != nil {
			return nil, fmt.Errorf("call %d: %w", i, err)
		}
		args := make([]any, len(call.Args))
		for j, v := range call.Args {
			arg, err := emitArg(v)
			if err != nil {
				return nil, fmt.Errorf("call %d (%s) arg %d: %w", i, call.Ref, j, err)
			}
			args[j] = arg
		}
		emit.AppCall(w.BinWriter, hash, call.Ref.Method, callflag.All, args...)
	}
	if w.Err != nil {
		return nil, fmt.Errorf("emit script: %w", w.Err)
	}
	return w.Bytes(), nil
}

// emitArg converts a ledger value to a type the script emitter accepts.
func emitArg(v ledger.Value) (any, error) {
	switch v.Type {
	case ledger.TypeInteger:
		return v.AsInteger()
	case ledger.TypeBoolean:
		return v.AsBool()
	case ledger.TypeByteArray, ledger.TypeByteStr, ledger.TypeBuffer:
		return v.AsBytes()
	case ledger.TypeString:
		return v.AsString()
	case ledger.TypeHash160:
		s, err := v.AsHash160()
		if err != nil {
			return nil, err
		}
		return parseHash160(s)
	case ledger.TypeArray, ledger.TypeStruct:
		items, err := v.AsArray()
		if err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			if out[i], err = emitArg(item); err != nil {
				return nil, err
			}
		}
		return out, nil
	case ledger.TypeAny, ledger.TypeNull:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", v.Type)
	}
}
