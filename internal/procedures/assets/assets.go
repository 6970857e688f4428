// Package assets holds the example asset procedures: create an asset,
// transfer a holding, and create-then-distribute composed from the two
// through the procedure registry.
package assets

import (
	"context"
	"math/big"
	"strconv"
	"strings"

	"github.com/R3E-Network/txflow/internal/authz"
	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
	"github.com/R3E-Network/txflow/internal/procedure"
	"github.com/R3E-Network/txflow/internal/txspec"
)

// Module is the asset contract module.
const Module = "asset"

// Procedure names.
const (
	CreateAssetName        = "assets.createAsset"
	TransferName           = "assets.transfer"
	IssueAndDistributeName = "assets.issueAndDistribute"
)

// Asset contract calls.
var (
	CreateCall   = ledger.NewCallRef(Module, "create")
	IssueCall    = ledger.NewCallRef(Module, "issue")
	TransferCall = ledger.NewCallRef(Module, "transfer")
)

// Permissions the procedures require.
var (
	CreatePermission   = authz.Permission{Call: CreateCall}
	IssuePermission    = authz.Permission{Call: IssueCall}
	TransferPermission = authz.Permission{Call: TransferCall}
)

// Events emitted by the asset contract.
var (
	// AssetCreated(owner, symbol, id) decoded to the new asset id.
	AssetCreated = ledger.NewEventKind(Module, "AssetCreated", ledger.IntegerField(2))
	// Issued(asset, to, amount) decoded to the amount.
	Issued = ledger.NewEventKind(Module, "Issued", ledger.IntegerField(2))
	// Transferred(asset, from, to, amount) decoded to the amount.
	Transferred = ledger.NewEventKind(Module, "Transfer", ledger.IntegerField(3))
)

// Codec declares the asset contract signatures.
func Codec() *ledger.SchemaCodec {
	holding := []ledger.Param{
		{Name: "asset", Type: ledger.TypeInteger},
		{Name: "to", Type: ledger.TypeHash160},
		{Name: "amount", Type: ledger.TypeInteger},
	}
	return ledger.NewSchemaCodec().
		Declare(CreateCall,
			ledger.Param{Name: "symbol", Type: ledger.TypeString},
			ledger.Param{Name: "supply", Type: ledger.TypeInteger},
		).
		Declare(IssueCall, holding...).
		Declare(TransferCall, holding...)
}

// BalanceReader is implemented by ledgers that can read asset holdings.
type BalanceReader interface {
	BalanceOf(ctx context.Context, asset int64, holder string) (*big.Int, error)
}

// Register adds every asset procedure to r.
func Register(r *procedure.Registry) *procedure.Registry {
	return r.Register(NewCreateAsset(), NewTransfer(), NewIssueAndDistribute())
}

// =============================================================================
// CreateAsset
// =============================================================================

// CreateArgs are the arguments of CreateAsset.
type CreateArgs struct {
	Symbol string `json:"symbol"`
	Supply int64  `json:"supply"`
}

// NewCreateAsset returns the procedure creating an asset with its initial
// supply credited to the signer. It resolves to the new asset id.
func NewCreateAsset() *procedure.Procedure[CreateArgs, int64, struct{}] {
	return procedure.New(CreateAssetName,
		func(_ context.Context, _ *procedure.Context, args CreateArgs) (authz.Authorization, error) {
			if strings.TrimSpace(args.Symbol) == "" {
				return authz.None(), txerrors.Validation("asset symbol is required", nil)
			}
			if args.Supply < 0 {
				return authz.None(), txerrors.Validation("supply must not be negative", map[string]any{"supply": args.Supply})
			}
			return authz.Require(CreatePermission), nil
		},
		nil,
		func(_ context.Context, _ *procedure.Context, args CreateArgs, _ struct{}) (txspec.Outcome[int64], error) {
			return &txspec.Spec[int64]{
				Call:     CreateCall,
				Args:     []any{args.Symbol, args.Supply},
				Resolver: CreatedID,
			}, nil
		},
	)
}

// CreatedID resolves the id announced by the receipt's single AssetCreated
// event.
func CreatedID(r *ledger.Receipt) (int64, error) {
	n, err := AssetCreated.Single(r)
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, txerrors.DataUnavailable("asset id out of range", map[string]any{"id": n.String()})
	}
	return n.Int64(), nil
}

// =============================================================================
// Transfer
// =============================================================================

// TransferArgs are the arguments of Transfer.
type TransferArgs struct {
	Asset  int64  `json:"asset"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// NewTransfer returns the procedure moving Amount of Asset from the signer
// to To. The signer's balance is checked before anything is queued, and the
// procedure resolves to the amount the receipt reports.
func NewTransfer() *procedure.Procedure[TransferArgs, *big.Int, *big.Int] {
	return procedure.New(TransferName,
		func(_ context.Context, _ *procedure.Context, args TransferArgs) (authz.Authorization, error) {
			if args.Amount <= 0 {
				return authz.None(), txerrors.Validation("amount must be positive", map[string]any{"amount": args.Amount})
			}
			if strings.TrimSpace(args.To) == "" {
				return authz.None(), txerrors.Validation("recipient is required", nil)
			}
			return authz.Require(TransferPermission.OnAsset(strconv.FormatInt(args.Asset, 10))), nil
		},
		func(ctx context.Context, pc *procedure.Context, args TransferArgs) (*big.Int, error) {
			reader, ok := pc.Ledger().(BalanceReader)
			if !ok {
				return nil, txerrors.DataUnavailable("ledger cannot read balances", nil)
			}
			balance, err := reader.BalanceOf(ctx, args.Asset, pc.Signer().Address())
			if err != nil {
				return nil, txerrors.Wrap(txerrors.CodeDataUnavailable, err, "balance lookup failed").
					With("asset", args.Asset)
			}
			if balance.Cmp(big.NewInt(args.Amount)) < 0 {
				return nil, txerrors.UnmetPrerequisite("insufficient balance", map[string]any{
					"asset":     args.Asset,
					"balance":   balance.String(),
					"requested": args.Amount,
				})
			}
			return balance, nil
		},
		func(_ context.Context, pc *procedure.Context, args TransferArgs, balance *big.Int) (txspec.Outcome[*big.Int], error) {
			pc.Logger().WithFields(map[string]any{
				"asset":   args.Asset,
				"balance": balance.String(),
				"amount":  args.Amount,
			}).Debug("Queueing transfer")
			return &txspec.Spec[*big.Int]{
				Call:     TransferCall,
				Args:     []any{args.Asset, args.To, args.Amount},
				Resolver: Transferred.Single,
			}, nil
		},
	)
}

// =============================================================================
// IssueAndDistribute
// =============================================================================

// Allocation is one recipient of IssueAndDistribute.
type Allocation struct {
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// DistributeArgs are the arguments of IssueAndDistribute.
type DistributeArgs struct {
	Symbol string       `json:"symbol"`
	Supply int64        `json:"supply"`
	To     []Allocation `json:"to"`
}

// NewIssueAndDistribute returns the procedure that creates an asset through
// the registered CreateAsset procedure and then issues to every recipient
// in one atomic batch. The batch embeds the asset id, which is only known
// once the creation is included. It resolves to the asset id.
func NewIssueAndDistribute() *procedure.Procedure[DistributeArgs, int64, struct{}] {
	return procedure.New(IssueAndDistributeName,
		func(_ context.Context, _ *procedure.Context, args DistributeArgs) (authz.Authorization, error) {
			if len(args.To) == 0 {
				return authz.None(), txerrors.Validation("at least one recipient is required", nil)
			}
			for i, a := range args.To {
				if a.Amount <= 0 || strings.TrimSpace(a.To) == "" {
					return authz.None(), txerrors.Validation("invalid allocation", map[string]any{"index": i})
				}
			}
			return authz.Require(IssuePermission), nil
		},
		nil,
		func(ctx context.Context, pc *procedure.Context, args DistributeArgs, _ struct{}) (txspec.Outcome[int64], error) {
			create, err := procedure.Lookup[CreateArgs, int64, struct{}](pc.Registry(), CreateAssetName)
			if err != nil {
				return nil, err
			}
			id, err := procedure.AddProcedure(ctx, pc, create, CreateArgs{Symbol: args.Symbol, Supply: args.Supply})
			if err != nil {
				return nil, err
			}

			batch := &txspec.BatchSpec[struct{}]{}
			for _, a := range args.To {
				batch.Entries = append(batch.Entries, txspec.Entry{
					Call: IssueCall,
					Args: []any{id, a.To, a.Amount},
				})
			}
			if _, err := procedure.AddBatchTransaction(pc, batch); err != nil {
				return nil, err
			}
			return id, nil
		},
	).WithChildren(func(_ context.Context, pc *procedure.Context, args DistributeArgs) ([]procedure.Child, error) {
		create, err := procedure.Lookup[CreateArgs, int64, struct{}](pc.Registry(), CreateAssetName)
		if err != nil {
			return nil, err
		}
		return []procedure.Child{procedure.Declare(create, CreateArgs{Symbol: args.Symbol, Supply: args.Supply})}, nil
	})
}
