package simulated

import (
	"fmt"
	"math/big"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// AssetModule is the module name of the built-in asset contract.
const AssetModule = "asset"

// Calls of the built-in asset contract.
var (
	CreateCall   = ledger.NewCallRef(AssetModule, "create")
	IssueCall    = ledger.NewCallRef(AssetModule, "issue")
	TransferCall = ledger.NewCallRef(AssetModule, "transfer")
)

// Event names emitted by the built-in asset contract.
const (
	EventAssetCreated = "AssetCreated"
	EventIssued       = "Issued"
	EventTransfer     = "Transfer"
)

// Handler executes one call against st on behalf of sender and returns the
// events it emitted. An error is a logical failure of the call.
type Handler func(st *State, sender string, args []ledger.Value) ([]ledger.Event, error)

func assetHandlers() map[ledger.CallRef]Handler {
	return map[ledger.CallRef]Handler{
		CreateCall:   handleCreate,
		IssueCall:    handleIssue,
		TransferCall: handleTransfer,
	}
}

// create(symbol String, supply Integer) -> AssetCreated(owner, symbol, id)
func handleCreate(st *State, sender string, args []ledger.Value) ([]ledger.Event, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("create: expected 2 arguments, got %d", len(args))
	}
	symbol, err := args[0].AsString()
	if err != nil {
		return nil, fmt.Errorf("create: symbol: %w", err)
	}
	supply, err := args[1].AsInteger()
	if err != nil {
		return nil, fmt.Errorf("create: supply: %w", err)
	}
	if supply.Sign() < 0 {
		return nil, fmt.Errorf("create: negative supply")
	}
	id := st.CreateAsset(sender, symbol, supply)
	return []ledger.Event{{
		Module: AssetModule,
		Method: EventAssetCreated,
		Data:   []ledger.Value{ledger.Hash160(sender), ledger.String(symbol), ledger.Int64(id)},
	}}, nil
}

// issue(asset Integer, to Hash160, amount Integer) -> Issued(asset, to, amount)
func handleIssue(st *State, sender string, args []ledger.Value) ([]ledger.Event, error) {
	id, to, amount, err := assetArgs("issue", args)
	if err != nil {
		return nil, err
	}
	a, ok := st.Asset(id)
	if !ok {
		return nil, fmt.Errorf("issue: asset %d not found", id)
	}
	if a.Owner != sender {
		return nil, fmt.Errorf("issue: sender is not the asset owner")
	}
	if err := st.Issue(id, to, amount); err != nil {
		return nil, fmt.Errorf("issue: %w", err)
	}
	return []ledger.Event{{
		Module: AssetModule,
		Method: EventIssued,
		Data:   []ledger.Value{ledger.Int64(id), ledger.Hash160(to), ledger.Integer(amount)},
	}}, nil
}

// transfer(asset Integer, to Hash160, amount Integer) -> Transfer(asset, from, to, amount)
func handleTransfer(st *State, sender string, args []ledger.Value) ([]ledger.Event, error) {
	id, to, amount, err := assetArgs("transfer", args)
	if err != nil {
		return nil, err
	}
	if err := st.Transfer(id, sender, to, amount); err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	return []ledger.Event{{
		Module: AssetModule,
		Method: EventTransfer,
		Data:   []ledger.Value{ledger.Int64(id), ledger.Hash160(sender), ledger.Hash160(to), ledger.Integer(amount)},
	}}, nil
}

func assetArgs(method string, args []ledger.Value) (int64, string, *big.Int, error) {
	if len(args) != 3 {
		return 0, "", nil, fmt.Errorf("%s: expected 3 arguments, got %d", method, len(args))
	}
	id, err := args[0].AsInteger()
	if err != nil {
		return 0, "", nil, fmt.Errorf("%s: asset: %w", method, err)
	}
	to, err := args[1].AsHash160()
	if err != nil {
		return 0, "", nil, fmt.Errorf("%s: to: %w", method, err)
	}
	amount, err := args[2].AsInteger()
	if err != nil {
		return 0, "", nil, fmt.Errorf("%s: amount: %w", method, err)
	}
	return id.Int64(), to, amount, nil
}
