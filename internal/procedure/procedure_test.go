package procedure

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/txflow/internal/authz"
	"github.com/R3E-Network/txflow/internal/engine/events"
	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
	"github.com/R3E-Network/txflow/internal/ledger/simulated"
	"github.com/R3E-Network/txflow/internal/transaction"
	"github.com/R3E-Network/txflow/internal/txspec"
)

var (
	alice = simulated.NewAccount("alice")
	bob   = simulated.NewAccount("bob")
	carol = simulated.NewAccount("carol")

	createPermission   = authz.PermissionFor(simulated.AssetModule, "create")
	transferPermission = authz.PermissionFor(simulated.AssetModule, "transfer")

	assetCreated = ledger.NewEventKind(simulated.AssetModule, simulated.EventAssetCreated, ledger.IntegerField(2))
)

type createArgs struct {
	Symbol string
	Supply int64
}

type transferArgs struct {
	Asset  int64
	To     simulated.Account
	Amount int64
}

func assetID(r *ledger.Receipt) (int64, error) {
	n, err := assetCreated.Single(r)
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}

func newCreate(storageCalls *int32) *Procedure[createArgs, int64, struct{}] {
	return New("test.createAsset",
		func(context.Context, *Context, createArgs) (authz.Authorization, error) {
			return authz.Require(createPermission), nil
		},
		func(context.Context, *Context, createArgs) (struct{}, error) {
			if storageCalls != nil {
				atomic.AddInt32(storageCalls, 1)
			}
			return struct{}{}, nil
		},
		func(_ context.Context, _ *Context, args createArgs, _ struct{}) (txspec.Outcome[int64], error) {
			return &txspec.Spec[int64]{
				Call:     simulated.CreateCall,
				Args:     []any{args.Symbol, args.Supply},
				Resolver: assetID,
			}, nil
		},
	)
}

func newCreateAndSend(child *Procedure[createArgs, int64, struct{}]) *Procedure[transferArgs, int64, struct{}] {
	return New("test.createAndSend",
		func(context.Context, *Context, transferArgs) (authz.Authorization, error) {
			return authz.Require(transferPermission), nil
		},
		nil,
		func(ctx context.Context, pc *Context, args transferArgs, _ struct{}) (txspec.Outcome[int64], error) {
			id, err := AddProcedure(ctx, pc, child, createArgs{Symbol: "TKN", Supply: 100})
			if err != nil {
				return nil, err
			}
			if _, err := AddTransaction(pc, &txspec.Spec[struct{}]{
				Call: simulated.TransferCall,
				Args: []any{id, ledger.Hash160(args.To.Address()), args.Amount},
			}); err != nil {
				return nil, err
			}
			return id, nil
		},
	)
}

func env(l *simulated.Ledger, signer simulated.Account) Env {
	return Env{Signer: signer, Ledger: l}
}

func grantAll(l *simulated.Ledger, signer simulated.Account) {
	l.Grant(signer.Address(), createPermission.Call.String(), "", "")
	l.Grant(signer.Address(), transferPermission.Call.String(), "", "")
}

// =============================================================================
// Scenarios
// =============================================================================

func TestPrepare_ResolvesIDFromEvent(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)

	q, err := newCreate(nil).Prepare(context.Background(), env(l, alice), createArgs{Symbol: "TKN", Supply: 1000})
	require.NoError(t, err)
	require.Equal(t, 1, q.Len())
	assert.Empty(t, l.Submissions(), "prepare must not submit")

	id, err := q.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Equal(t, transaction.StatusSucceeded, q.Status())
	assert.Equal(t, big.NewInt(1000), l.Balance(1, alice.Address()))
}

func TestPrepare_DependentTransactionRunsInOrder(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)

	q, err := newCreateAndSend(newCreate(nil)).Prepare(context.Background(), env(l, alice), transferArgs{To: bob, Amount: 40})
	require.NoError(t, err)
	require.Equal(t, 2, q.Len())

	id, err := q.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	assert.Empty(t, l.OrderViolations())

	subs := l.Submissions()
	require.Len(t, subs, 2)
	assert.Equal(t, simulated.CreateCall, subs[0].Calls[0].Ref)
	assert.Equal(t, simulated.TransferCall, subs[1].Calls[0].Ref)
	assert.Equal(t, big.NewInt(40), l.Balance(1, bob.Address()))
	assert.Equal(t, big.NewInt(60), l.Balance(1, alice.Address()))
}

func TestPrepare_MissingPermissionIsNotAuthorized(t *testing.T) {
	l := simulated.New()
	var storageCalls int32
	rb := events.NewRingBuffer(16)

	e := env(l, bob)
	e.Events = rb
	_, err := newCreate(&storageCalls).Prepare(context.Background(), e, createArgs{Symbol: "TKN", Supply: 1})
	require.Error(t, err)
	assert.True(t, txerrors.Has(err, txerrors.CodeNotAuthorized))

	var typed *txerrors.Error
	require.True(t, txerrors.As(err, &typed))
	assert.Equal(t, []string{"asset.create"}, typed.Data["missing_permissions"])
	assert.Equal(t, "test.createAsset", typed.Data["procedure"])

	assert.Zero(t, atomic.LoadInt32(&storageCalls), "storage must not be read for an unauthorized signer")
	assert.Empty(t, l.Submissions())
	assert.Len(t, rb.RecentByType(events.EventAuthorizationDenied, 10), 1)
	assert.Len(t, rb.RecentByType(events.EventProcedurePrepareFailed, 10), 1)
}

func TestPrepare_ChildAuthorizationFailsBeforeChildStorage(t *testing.T) {
	l := simulated.New()
	l.Grant(alice.Address(), transferPermission.Call.String(), "", "")
	var storageCalls int32

	_, err := newCreateAndSend(newCreate(&storageCalls)).Prepare(context.Background(), env(l, alice), transferArgs{To: bob, Amount: 1})
	require.Error(t, err)
	assert.True(t, txerrors.Has(err, txerrors.CodeNotAuthorized))

	var typed *txerrors.Error
	require.True(t, txerrors.As(err, &typed))
	assert.Equal(t, "test.createAsset", typed.Data["procedure"])
	assert.Zero(t, atomic.LoadInt32(&storageCalls))
	assert.Empty(t, l.Submissions())
}

func TestPrepare_BatchMiddleFailureLeavesBalances(t *testing.T) {
	l := simulated.New()
	var asset int64
	l.State(func(st *simulated.State) {
		asset = st.CreateAsset(alice.Address(), "TKN", big.NewInt(100))
	})

	batch := New("test.batchTransfer", nil, nil,
		func(_ context.Context, _ *Context, transfers []transferArgs, _ struct{}) (txspec.Outcome[struct{}], error) {
			spec := &txspec.BatchSpec[struct{}]{}
			for _, tr := range transfers {
				spec.Entries = append(spec.Entries, txspec.Entry{
					Call: simulated.TransferCall,
					Args: []any{tr.Asset, ledger.Hash160(tr.To.Address()), tr.Amount},
				})
			}
			return spec, nil
		},
	)

	q, err := batch.Prepare(context.Background(), env(l, alice), []transferArgs{
		{Asset: asset, To: bob, Amount: 10},
		{Asset: asset, To: carol, Amount: 500},
		{Asset: asset, To: bob, Amount: 10},
	})
	require.NoError(t, err)

	_, err = q.Run(context.Background())
	require.Error(t, err)
	assert.True(t, txerrors.Has(err, txerrors.CodeTransactionFailed))

	var typed *txerrors.Error
	require.True(t, txerrors.As(err, &typed))
	assert.Equal(t, 1, typed.Data["index"])

	tx := q.Transaction(0)
	assert.True(t, tx.Atomic())
	assert.Equal(t, transaction.StatusFailed, tx.Status())
	assert.Equal(t, 1, (&transaction.Batch{Transaction: tx}).FailedIndex())
	assert.Equal(t, big.NewInt(100), l.Balance(asset, alice.Address()))
	assert.Zero(t, l.Balance(asset, bob.Address()).Sign())
	assert.Zero(t, l.Balance(asset, carol.Address()).Sign())
}

func TestPrepare_FeeTimeoutLeavesTransactionIdle(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)
	l.BlockFeeEstimation()

	e := env(l, alice)
	e.Options = transaction.Options{ReadTimeout: 20 * time.Millisecond}
	q, err := newCreate(nil).Prepare(context.Background(), e, createArgs{Symbol: "TKN", Supply: 1})
	require.NoError(t, err)

	_, err = q.Run(context.Background())
	require.Error(t, err)
	assert.True(t, txerrors.Has(err, txerrors.CodeTimeout))

	tx := q.Transaction(0)
	assert.Equal(t, transaction.StatusIdle, tx.Status())
	assert.Error(t, tx.Error())
	assert.Empty(t, l.Submissions())
}

// =============================================================================
// Composition Tests
// =============================================================================

func TestAddProcedure_RequirementIsUnion(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)

	q, err := newCreateAndSend(newCreate(nil)).Prepare(context.Background(), env(l, alice), transferArgs{To: bob, Amount: 1})
	require.NoError(t, err)

	root := q.Authorization()
	assert.Equal(t, "test.createAndSend", root.Procedure)
	require.Len(t, root.Children, 1)
	assert.Equal(t, "test.createAsset", root.Children[0].Procedure)
	assert.True(t, root.Flatten().Equal(authz.NewRequirement([]authz.Permission{createPermission, transferPermission}, nil)))
}

func TestAddProcedure_UnionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	perm := gen.IntRange(0, 4).Map(func(i int) authz.Permission {
		return authz.PermissionFor("m", fmt.Sprintf("f%d", i))
	})
	level := gen.SliceOfN(2, perm)

	grants := authz.NewGrants()
	for i := 0; i < 5; i++ {
		grants.Grant(alice.Address(), authz.PermissionFor("m", fmt.Sprintf("f%d", i)))
	}

	requiring := func(name string, perms []authz.Permission, next func(context.Context, *Context) error) *Procedure[struct{}, struct{}, struct{}] {
		return New(name,
			func(context.Context, *Context, struct{}) (authz.Authorization, error) {
				return authz.Require(perms...), nil
			},
			nil,
			func(ctx context.Context, pc *Context, _ struct{}, _ struct{}) (txspec.Outcome[struct{}], error) {
				if next != nil {
					if err := next(ctx, pc); err != nil {
						return nil, err
					}
				}
				return txspec.Return(struct{}{}), nil
			},
		)
	}

	properties.Property("root requirement equals the union at every depth", prop.ForAll(
		func(parent, child, grandchild []authz.Permission) bool {
			g := requiring("grandchild", grandchild, nil)
			c := requiring("child", child, func(ctx context.Context, pc *Context) error {
				_, err := AddProcedure(ctx, pc, g, struct{}{})
				return err
			})
			p := requiring("parent", parent, func(ctx context.Context, pc *Context) error {
				_, err := AddProcedure(ctx, pc, c, struct{}{})
				return err
			})

			q, err := p.Prepare(context.Background(), Env{Signer: alice, Ledger: simulated.New(), Checker: grants}, struct{}{})
			if err != nil {
				return false
			}
			all := append(append(append([]authz.Permission{}, parent...), child...), grandchild...)
			return q.Authorization().Flatten().Equal(authz.NewRequirement(all, nil))
		},
		level, level, level,
	))

	properties.TestingRun(t)
}

func TestRegistry_SubstitutesChild(t *testing.T) {
	l := simulated.New()
	reg := NewRegistry()

	parent := New("test.parent", nil, nil,
		func(ctx context.Context, pc *Context, _ struct{}, _ struct{}) (txspec.Outcome[int64], error) {
			child, err := Lookup[createArgs, int64, struct{}](pc.Registry(), "test.createAsset")
			if err != nil {
				return nil, err
			}
			return mustAdd(AddProcedure(ctx, pc, child, createArgs{Symbol: "X", Supply: 1}))
		},
	)

	stub := New("test.createAsset", nil, nil,
		func(context.Context, *Context, createArgs, struct{}) (txspec.Outcome[int64], error) {
			return txspec.Return(int64(77)), nil
		},
	)
	reg.Register(stub)

	e := env(l, alice)
	e.Registry = reg
	q, err := parent.Prepare(context.Background(), e, struct{}{})
	require.NoError(t, err)
	assert.Zero(t, q.Len())

	got, err := q.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(77), got)
	assert.Equal(t, []string{"test.createAsset"}, reg.Names())
}

func mustAdd[R any](v *txspec.PostValue[R], err error) (txspec.Outcome[R], error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

func TestLookup_Errors(t *testing.T) {
	reg := NewRegistry().Register(newCreate(nil))

	_, err := Lookup[createArgs, int64, struct{}](reg, "missing")
	assert.True(t, txerrors.Has(err, txerrors.CodeValidation))

	_, err = Lookup[createArgs, string, struct{}](reg, "test.createAsset")
	assert.True(t, txerrors.Has(err, txerrors.CodeValidation))

	p, err := Lookup[createArgs, int64, struct{}](reg, "test.createAsset")
	require.NoError(t, err)
	assert.Equal(t, "test.createAsset", p.Name())
}

// =============================================================================
// Stage Error Tests
// =============================================================================

func TestPrepare_StageErrors(t *testing.T) {
	l := simulated.New()

	failing := func(err error) *Procedure[struct{}, struct{}, struct{}] {
		return New[struct{}, struct{}, struct{}]("test.failing", nil,
			func(context.Context, *Context, struct{}) (struct{}, error) { return struct{}{}, err },
			nil,
		)
	}

	t.Run("untyped error becomes validation", func(t *testing.T) {
		boom := errors.New("balance too low")
		_, err := failing(boom).Prepare(context.Background(), env(l, alice), struct{}{})
		assert.True(t, txerrors.Has(err, txerrors.CodeValidation))
		assert.ErrorIs(t, err, boom)

		var typed *txerrors.Error
		require.True(t, txerrors.As(err, &typed))
		assert.Equal(t, "prepareStorage", typed.Data["stage"])
	})

	t.Run("deadline becomes timeout", func(t *testing.T) {
		_, err := failing(context.DeadlineExceeded).Prepare(context.Background(), env(l, alice), struct{}{})
		assert.True(t, txerrors.Has(err, txerrors.CodeTimeout))
	})

	t.Run("typed error is kept", func(t *testing.T) {
		_, err := failing(txerrors.DataUnavailable("asset not found", nil)).Prepare(context.Background(), env(l, alice), struct{}{})
		assert.True(t, txerrors.Has(err, txerrors.CodeDataUnavailable))
	})

	t.Run("missing signer", func(t *testing.T) {
		_, err := failing(nil).Prepare(context.Background(), Env{Ledger: l}, struct{}{})
		assert.True(t, txerrors.Has(err, txerrors.CodeValidation))
	})
}

func TestAddProcedure_OutsidePrepareTransaction(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)
	child := newCreate(nil)

	p := New[struct{}, struct{}, struct{}]("test.early", nil,
		func(ctx context.Context, pc *Context, _ struct{}) (struct{}, error) {
			_, err := AddProcedure(ctx, pc, child, createArgs{Symbol: "X", Supply: 1})
			return struct{}{}, err
		},
		nil,
	)
	_, err := p.Prepare(context.Background(), env(l, alice), struct{}{})
	assert.True(t, txerrors.Has(err, txerrors.CodeValidation))
}

func TestPrepare_EmitsPreparedEvent(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)
	rb := events.NewRingBuffer(16)

	e := env(l, alice)
	e.Events = rb
	q, err := newCreate(nil).Prepare(context.Background(), e, createArgs{Symbol: "TKN", Supply: 1})
	require.NoError(t, err)

	prepared := rb.RecentByType(events.EventProcedurePrepared, 10)
	require.Len(t, prepared, 1)
	assert.Equal(t, q.ID(), prepared[0].QueueID)
	assert.Equal(t, "test.createAsset", prepared[0].Procedure)
}

func TestAddProcedure_ExplicitAllowCoversChildren(t *testing.T) {
	l := simulated.New()
	var storageCalls int32

	public := New("test.public",
		func(context.Context, *Context, struct{}) (authz.Authorization, error) {
			return authz.Allowed(), nil
		},
		nil,
		func(ctx context.Context, pc *Context, _ struct{}, _ struct{}) (txspec.Outcome[int64], error) {
			return mustAdd(AddProcedure(ctx, pc, newCreate(&storageCalls), createArgs{Symbol: "TKN", Supply: 1}))
		},
	)

	q, err := public.Prepare(context.Background(), env(l, bob), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, int32(1), atomic.LoadInt32(&storageCalls))
	assert.True(t, q.Authorization().Flatten().Empty())
}

func TestPrepare_DeclaredChildCheckedBeforeParentStorage(t *testing.T) {
	l := simulated.New()
	l.Grant(alice.Address(), transferPermission.Call.String(), "", "")
	var parentStorage, childStorage int32
	child := newCreate(&childStorage)

	parent := New("test.createAndSend",
		func(context.Context, *Context, transferArgs) (authz.Authorization, error) {
			return authz.Require(transferPermission), nil
		},
		func(context.Context, *Context, transferArgs) (struct{}, error) {
			atomic.AddInt32(&parentStorage, 1)
			return struct{}{}, nil
		},
		func(ctx context.Context, pc *Context, _ transferArgs, _ struct{}) (txspec.Outcome[int64], error) {
			return mustAdd(AddProcedure(ctx, pc, child, createArgs{Symbol: "TKN", Supply: 100}))
		},
	).WithChildren(func(context.Context, *Context, transferArgs) ([]Child, error) {
		return []Child{Declare(child, createArgs{Symbol: "TKN", Supply: 100})}, nil
	})

	_, err := parent.Prepare(context.Background(), env(l, alice), transferArgs{To: bob, Amount: 1})
	require.Error(t, err)
	assert.True(t, txerrors.Has(err, txerrors.CodeNotAuthorized))

	var typed *txerrors.Error
	require.True(t, txerrors.As(err, &typed))
	assert.Equal(t, "test.createAsset", typed.Data["procedure"])
	assert.Equal(t, []string{"asset.create"}, typed.Data["missing_permissions"])
	assert.Zero(t, atomic.LoadInt32(&parentStorage), "parent storage must not be read")
	assert.Zero(t, atomic.LoadInt32(&childStorage))

	grantAll(l, alice)
	q, err := parent.Prepare(context.Background(), env(l, alice), transferArgs{To: bob, Amount: 1})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&parentStorage))
	require.Len(t, q.Authorization().Children, 1)
}

func TestAddBatchTransaction_RejectsEmptyBatch(t *testing.T) {
	l := simulated.New()
	empty := New("test.emptyBatch", nil, nil,
		func(context.Context, *Context, struct{}, struct{}) (txspec.Outcome[struct{}], error) {
			return &txspec.BatchSpec[struct{}]{}, nil
		},
	)

	_, err := empty.Prepare(context.Background(), env(l, alice), struct{}{})
	assert.True(t, txerrors.Has(err, txerrors.CodeValidation))
	assert.Empty(t, l.Submissions())
}

func TestAddProcedure_FailedChildLeavesNoTransactions(t *testing.T) {
	l := simulated.New()
	grantAll(l, alice)

	broken := New("test.broken", nil, nil,
		func(_ context.Context, pc *Context, _ struct{}, _ struct{}) (txspec.Outcome[int64], error) {
			if _, err := AddTransaction(pc, &txspec.Spec[struct{}]{Call: simulated.CreateCall, Args: []any{"X", int64(1)}}); err != nil {
				return nil, err
			}
			return nil, txerrors.UnmetPrerequisite("asset is frozen", nil)
		},
	)
	recovering := New("test.recovering", nil, nil,
		func(ctx context.Context, pc *Context, _ struct{}, _ struct{}) (txspec.Outcome[int64], error) {
			if _, err := AddProcedure(ctx, pc, broken, struct{}{}); err == nil {
				return nil, errors.New("expected the child to fail")
			}
			assert.Zero(t, pc.Len())
			return txspec.Return(int64(0)), nil
		},
	)

	q, err := recovering.Prepare(context.Background(), env(l, alice), struct{}{})
	require.NoError(t, err)
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Authorization().Children)
}
