// Package procedure turns a high-level intent into a queue of ledger
// transactions. A procedure is three stages run in order: authorize,
// prepareStorage (chain reads and validation) and prepareTransaction
// (specs, batches and child procedures). Nothing is submitted until the
// returned queue is run.
package procedure

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/txflow/internal/authz"
	"github.com/R3E-Network/txflow/internal/engine/events"
	"github.com/R3E-Network/txflow/internal/engine/metrics"
	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
	"github.com/R3E-Network/txflow/internal/logging"
	"github.com/R3E-Network/txflow/internal/queue"
	"github.com/R3E-Network/txflow/internal/transaction"
	"github.com/R3E-Network/txflow/internal/txspec"
)

// AuthorizeFunc returns what the signer must hold to run the procedure.
type AuthorizeFunc[A any] func(ctx context.Context, pc *Context, args A) (authz.Authorization, error)

// PrepareStorageFunc reads the chain state the procedure needs.
type PrepareStorageFunc[A, S any] func(ctx context.Context, pc *Context, args A) (S, error)

// PrepareTransactionFunc builds the procedure's outcome.
type PrepareTransactionFunc[A, R, S any] func(ctx context.Context, pc *Context, args A, storage S) (txspec.Outcome[R], error)

// ChildrenFunc declares the child procedures an invocation composes. Their
// authorization is checked together with the caller's, before the caller's
// storage is read.
type ChildrenFunc[A any] func(ctx context.Context, pc *Context, args A) ([]Child, error)

// Child is a declared child invocation, built with Declare.
type Child interface {
	authorizeTree(ctx context.Context, pc *Context) (*authz.Node, error)
}

type declared[A, R, S any] struct {
	proc *Procedure[A, R, S]
	args A
}

func (d declared[A, R, S]) authorizeTree(ctx context.Context, pc *Context) (*authz.Node, error) {
	return d.proc.authorizeTree(ctx, pc, d.args)
}

// Declare names the invocation of child with args for a ChildrenFunc.
func Declare[A, R, S any](child *Procedure[A, R, S], args A) Child {
	return declared[A, R, S]{proc: child, args: args}
}

// Procedure is an immutable, reusable unit of work with arguments A,
// result R and storage S.
type Procedure[A, R, S any] struct {
	name               string
	authorize          AuthorizeFunc[A]
	children           ChildrenFunc[A]
	prepareStorage     PrepareStorageFunc[A, S]
	prepareTransaction PrepareTransactionFunc[A, R, S]
}

// New creates a procedure. A nil authorize requires nothing; a nil
// prepareStorage yields the zero storage; a nil prepareTransaction yields
// the zero result.
func New[A, R, S any](
	name string,
	authorize AuthorizeFunc[A],
	prepareStorage PrepareStorageFunc[A, S],
	prepareTransaction PrepareTransactionFunc[A, R, S],
) *Procedure[A, R, S] {
	return &Procedure[A, R, S]{
		name:               name,
		authorize:          authorize,
		prepareStorage:     prepareStorage,
		prepareTransaction: prepareTransaction,
	}
}

// Name returns the procedure name.
func (p *Procedure[A, R, S]) Name() string { return p.name }

// WithChildren returns a copy of p that declares its children with fn.
// Children added with AddProcedure but not declared are still checked
// before their own storage, and the whole tree once more after
// prepareTransaction, but only after p's storage has been read.
func (p *Procedure[A, R, S]) WithChildren(fn ChildrenFunc[A]) *Procedure[A, R, S] {
	cp := *p
	cp.children = fn
	return &cp
}

// Env is everything a procedure runs against.
type Env struct {
	Signer   ledger.Signer
	Ledger   ledger.Ledger
	Codec    ledger.Codec
	Checker  authz.Checker
	Registry *Registry
	Logger   *logging.Logger
	Events   events.EventLogger
	Metrics  metrics.MetricsCollector
	Options  transaction.Options
	Policy   queue.Policy
}

func (e Env) withDefaults() (Env, error) {
	if e.Signer == nil {
		return e, txerrors.Validation("environment has no signer", nil)
	}
	if e.Ledger == nil {
		return e, txerrors.Validation("environment has no ledger", nil)
	}
	if e.Codec == nil {
		e.Codec = ledger.InferCodec{}
	}
	if e.Checker == nil {
		e.Checker = authz.NewLedgerChecker(e.Ledger, e.Options.ReadTimeout)
	}
	if e.Registry == nil {
		e.Registry = NewRegistry()
	}
	if e.Logger == nil {
		e.Logger = logging.NewNop()
	}
	if e.Events == nil {
		e.Events = events.NoOpLogger{}
	}
	if e.Metrics == nil {
		e.Metrics = metrics.NewNoOpCollector()
	}
	return e, nil
}

// Context is the per-invocation state shared by a procedure and the
// children it composes.
type Context struct {
	env  Env
	txs  []*transaction.Transaction
	node *authz.Node
	// allowed is set while preparing below an explicit allow.
	allowed bool
}

// Signer returns the invoking signer.
func (pc *Context) Signer() ledger.Signer { return pc.env.Signer }

// Ledger returns the ledger for chain reads.
func (pc *Context) Ledger() ledger.Ledger { return pc.env.Ledger }

// Codec returns the argument codec.
func (pc *Context) Codec() ledger.Codec { return pc.env.Codec }

// Registry returns the child procedure registry.
func (pc *Context) Registry() *Registry { return pc.env.Registry }

// Logger returns the engine logger.
func (pc *Context) Logger() *logging.Logger { return pc.env.Logger }

// Options returns the transaction options.
func (pc *Context) Options() transaction.Options { return pc.env.Options }

// Len returns the number of transactions accumulated so far.
func (pc *Context) Len() int { return len(pc.txs) }

func (pc *Context) binding() transaction.Binding {
	return transaction.Binding{
		Ledger:  pc.env.Ledger,
		Codec:   pc.env.Codec,
		Signer:  pc.env.Signer,
		Options: pc.env.Options,
		Logger:  pc.env.Logger,
		Events:  pc.env.Events,
		Metrics: pc.env.Metrics,
	}
}

// Prepare runs the three stages against a fresh context and returns the
// queue to run. Authorization is checked before storage is read, and the
// whole tree is checked again once every child has been added.
func (p *Procedure[A, R, S]) Prepare(ctx context.Context, env Env, args A) (*queue.Queue[R], error) {
	env, err := env.withDefaults()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	pc := &Context{env: env}
	log := env.Logger.WithContext(ctx).WithField("procedure", p.name)

	q, err := p.prepare(ctx, pc, args)
	env.Metrics.RecordPrepare(p.name, time.Since(start), err)
	if err != nil {
		events.NewEvent(events.EventProcedurePrepareFailed).
			Procedure(p.name).
			ErrorFrom(err).
			Duration(time.Since(start)).
			LogToWithContext(ctx, env.Events)
		log.WithError(err).Warn("procedure preparation failed")
		return nil, err
	}

	events.NewEvent(events.EventProcedurePrepared).
		Procedure(p.name).
		Queue(q.ID()).
		Duration(time.Since(start)).
		LogToWithContext(ctx, env.Events)
	log.WithFields(map[string]interface{}{
		"queue_id":     q.ID(),
		"transactions": q.Len(),
	}).Debug("procedure prepared")
	return q, nil
}

func (p *Procedure[A, R, S]) prepare(ctx context.Context, pc *Context, args A) (*queue.Queue[R], error) {
	root, result, err := p.run(ctx, pc, args)
	if err != nil {
		return nil, err
	}
	if err := pc.evaluate(ctx, root); err != nil {
		return nil, err
	}
	return queue.New(queue.Config{
		Procedure: p.name,
		Policy:    pc.env.Policy,
		Logger:    pc.env.Logger,
		Events:    pc.env.Events,
		Metrics:   pc.env.Metrics,
	}, pc.txs, result, root)
}

// run executes the stages of p against pc and returns p's authorization
// node and result handle.
func (p *Procedure[A, R, S]) run(ctx context.Context, pc *Context, args A) (*authz.Node, *txspec.PostValue[R], error) {
	checked, err := p.authorizeTree(ctx, pc, args)
	if err != nil {
		return nil, nil, err
	}
	if !pc.allowed {
		if err := pc.evaluate(ctx, checked); err != nil {
			return nil, nil, err
		}
	}
	node := authz.NewNode(p.name, checked.Auth)

	var storage S
	if p.prepareStorage != nil {
		s, err := p.prepareStorage(ctx, pc, args)
		if err != nil {
			return nil, nil, p.stageError("prepareStorage", err)
		}
		storage = s
	}

	if p.prepareTransaction == nil {
		var zero R
		return node, txspec.Resolved(zero), nil
	}

	parent, parentAllowed := pc.node, pc.allowed
	pc.node = node
	pc.allowed = parentAllowed || node.Auth.IsAllowed()
	outcome, err := p.prepareTransaction(ctx, pc, args, storage)
	pc.node, pc.allowed = parent, parentAllowed
	if err != nil {
		return nil, nil, p.stageError("prepareTransaction", err)
	}

	result, err := materialize(pc, outcome)
	if err != nil {
		return nil, nil, p.stageError("prepareTransaction", err)
	}
	return node, result, nil
}

// authorizeTree runs the authorize stage of p and of every declared child,
// recursively, and returns the resulting tree.
func (p *Procedure[A, R, S]) authorizeTree(ctx context.Context, pc *Context, args A) (*authz.Node, error) {
	auth := authz.None()
	if p.authorize != nil {
		a, err := p.authorize(ctx, pc, args)
		if err != nil {
			return nil, p.stageError("authorize", err)
		}
		auth = a
	}
	node := authz.NewNode(p.name, auth)
	if p.children == nil {
		return node, nil
	}
	children, err := p.children(ctx, pc, args)
	if err != nil {
		return nil, p.stageError("authorize", err)
	}
	for _, c := range children {
		cn, err := c.authorizeTree(ctx, pc)
		if err != nil {
			return nil, err
		}
		node.AddChild(cn)
	}
	return node, nil
}

func (p *Procedure[A, R, S]) stageError(stage string, err error) error {
	var typed *txerrors.Error
	switch {
	case txerrors.As(err, &typed):
		return typed
	case errors.Is(err, context.DeadlineExceeded):
		return txerrors.Timeout(stage+" timed out", err).With("procedure", p.name)
	default:
		return txerrors.Wrap(txerrors.CodeValidation, err, stage+" failed").
			With("procedure", p.name).
			With("stage", stage)
	}
}

func (pc *Context) evaluate(ctx context.Context, node *authz.Node) error {
	err := authz.Evaluate(ctx, pc.env.Signer, node, pc.env.Checker)
	if err == nil {
		return nil
	}
	if txerrors.Has(err, txerrors.CodeNotAuthorized) {
		pc.env.Metrics.RecordAuthorizationDenied(node.Procedure)
		events.NewEvent(events.EventAuthorizationDenied).
			Procedure(node.Procedure).
			Severity(events.SeverityWarning).
			ErrorFrom(err).
			LogToWithContext(ctx, pc.env.Events)
	}
	return err
}

func materialize[R any](pc *Context, outcome txspec.Outcome[R]) (*txspec.PostValue[R], error) {
	switch o := outcome.(type) {
	case nil:
		var zero R
		return txspec.Resolved(zero), nil
	case *txspec.Spec[R]:
		return AddTransaction(pc, o)
	case *txspec.BatchSpec[R]:
		return AddBatchTransaction(pc, o)
	case *txspec.PostValue[R]:
		return o, nil
	case txspec.Value[R]:
		return txspec.Resolved(o.V), nil
	default:
		return nil, txerrors.Validation("unsupported procedure outcome", nil)
	}
}

// AddTransaction appends a single-call transaction to pc and returns a
// handle to its result.
func AddTransaction[R any](pc *Context, spec *txspec.Spec[R]) (*txspec.PostValue[R], error) {
	origin := txspec.NewOrigin()
	tx, err := transaction.New(transaction.Params{
		Entries:       []txspec.Entry{spec.Entry()},
		Fee:           spec.Fee,
		FeeMultiplier: spec.FeeMultiplier,
		Origin:        origin,
	}, pc.binding())
	if err != nil {
		return nil, err
	}
	pc.txs = append(pc.txs, tx)
	return txspec.NewPostValue[R](origin, spec.Resolver), nil
}

// AddBatchTransaction appends an atomic batch to pc and returns a handle
// to its result. An empty batch is rejected.
func AddBatchTransaction[R any](pc *Context, spec *txspec.BatchSpec[R]) (*txspec.PostValue[R], error) {
	origin := txspec.NewOrigin()
	b, err := transaction.NewBatch(transaction.Params{
		Entries:       spec.Entries,
		Fee:           spec.Fee,
		FeeMultiplier: spec.FeeMultiplier,
		Origin:        origin,
	}, pc.binding())
	if err != nil {
		return nil, err
	}
	pc.txs = append(pc.txs, b.Transaction)
	return txspec.NewPostValue[R](origin, spec.Resolver), nil
}

// AddProcedure runs child against pc, on the same signer and queue. The
// child's authorization is checked before its storage is read, unless an
// enclosing procedure carries an explicit allow, and its node joins the
// caller's authorization tree. On error, transactions the child added are
// dropped.
func AddProcedure[A, R, S any](ctx context.Context, pc *Context, child *Procedure[A, R, S], args A) (*txspec.PostValue[R], error) {
	if pc.node == nil {
		return nil, txerrors.Validation("child procedures can only be added while preparing transactions", map[string]any{
			"procedure": child.name,
		})
	}
	mark := len(pc.txs)
	node, result, err := child.run(ctx, pc, args)
	if err != nil {
		pc.txs = pc.txs[:mark]
		return nil, err
	}
	pc.node.AddChild(node)
	return result, nil
}
