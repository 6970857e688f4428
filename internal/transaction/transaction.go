// Package transaction materializes transaction specs into submittable
// transactions and drives them through their lifecycle:
// idle -> unsigned -> running -> succeeded | failed | aborted.
package transaction

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/R3E-Network/txflow/internal/engine/events"
	"github.com/R3E-Network/txflow/internal/engine/metrics"
	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/ledger"
	"github.com/R3E-Network/txflow/internal/logging"
	"github.com/R3E-Network/txflow/internal/txspec"
)

const (
	// DefaultReadTimeout bounds a fee or nonce read.
	DefaultReadTimeout = 30 * time.Second
	// DefaultInclusionTimeout bounds the wait for a finalized receipt.
	DefaultInclusionTimeout = 2 * time.Minute
)

// Options bound the chain interactions of one transaction.
type Options struct {
	ReadTimeout      time.Duration
	InclusionTimeout time.Duration
}

// DefaultOptions returns the default timeouts.
func DefaultOptions() Options {
	return Options{ReadTimeout: DefaultReadTimeout, InclusionTimeout: DefaultInclusionTimeout}
}

func (o Options) withDefaults() Options {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.InclusionTimeout <= 0 {
		o.InclusionTimeout = DefaultInclusionTimeout
	}
	return o
}

// Binding ties a transaction to the signer and chain it runs against.
type Binding struct {
	Ledger  ledger.Ledger
	Codec   ledger.Codec
	Signer  ledger.Signer
	Options Options
	Logger  *logging.Logger
	Events  events.EventLogger
	Metrics metrics.MetricsCollector
}

func (b Binding) withDefaults() Binding {
	if b.Codec == nil {
		b.Codec = ledger.InferCodec{}
	}
	if b.Logger == nil {
		b.Logger = logging.NewNop()
	}
	if b.Events == nil {
		b.Events = events.NoOpLogger{}
	}
	if b.Metrics == nil {
		b.Metrics = metrics.NewNoOpCollector()
	}
	b.Options = b.Options.withDefaults()
	return b
}

// Params is the materialized content of a spec.
type Params struct {
	Entries []txspec.Entry
	// Fee overrides estimation when set.
	Fee           *ledger.Fee
	FeeMultiplier float64
	// Origin is settled with the receipt on success; a fresh one is created
	// when nil.
	Origin *txspec.Origin
}

// StatusListener observes status transitions.
type StatusListener func(t *Transaction, from, to Status)

// Transaction is one submission to the ledger. A Batch wraps a Transaction
// whose entries are applied atomically.
type Transaction struct {
	id      string
	tag     string
	entries []txspec.Entry
	atomic  bool
	fixed   *ledger.Fee
	mult    float64
	origin  *txspec.Origin
	binding Binding

	mu          sync.Mutex
	queueID     string
	started     bool
	status      Status
	fee         ledger.Fee
	nonce       uint64
	txHash      string
	blockHash   string
	blockNumber uint64
	receipt     *ledger.Receipt
	err         error
	cancel      context.CancelFunc
	listeners   []StatusListener
}

// New creates a single-call transaction. p must carry exactly one entry;
// use NewBatch for more.
func New(p Params, b Binding) (*Transaction, error) {
	if len(p.Entries) != 1 {
		return nil, txerrors.Validation("a transaction takes exactly one entry", map[string]any{
			"entries": len(p.Entries),
		})
	}
	return newTransaction(p, b, false), nil
}

func newTransaction(p Params, b Binding, atomic bool) *Transaction {
	t := &Transaction{
		id:      uuid.NewString(),
		entries: p.Entries,
		atomic:  atomic,
		fixed:   p.Fee,
		mult:    p.FeeMultiplier,
		origin:  p.Origin,
		binding: b.withDefaults(),
	}
	if t.origin == nil {
		t.origin = txspec.NewOrigin()
	}
	t.origin.Bind(t.id)
	t.tag = tagFor(p.Entries, atomic)
	return t
}

func tagFor(entries []txspec.Entry, atomic bool) string {
	if !atomic {
		if len(entries) == 0 {
			return "empty"
		}
		return entries[0].Call.String()
	}
	seen := make(map[string]struct{})
	var refs []string
	for _, e := range entries {
		r := e.Call.String()
		if _, ok := seen[r]; !ok {
			seen[r] = struct{}{}
			refs = append(refs, r)
		}
	}
	sort.Strings(refs)
	return "batch:" + strings.Join(refs, "+")
}

// ID returns the engine-assigned transaction id.
func (t *Transaction) ID() string { return t.id }

// Tag names the call, or the set of calls for a batch.
func (t *Transaction) Tag() string { return t.tag }

// Entries returns the spec entries.
func (t *Transaction) Entries() []txspec.Entry { return t.entries }

// Atomic reports whether t is a batch.
func (t *Transaction) Atomic() bool { return t.atomic }

// Origin returns the origin settled by t.
func (t *Transaction) Origin() *txspec.Origin { return t.origin }

// SetQueueID records the queue t belongs to for events and logs.
func (t *Transaction) SetQueueID(id string) {
	t.mu.Lock()
	t.queueID = id
	t.mu.Unlock()
}

// Dependencies returns the origins of every deferred argument.
func (t *Transaction) Dependencies() []*txspec.Origin {
	var out []*txspec.Origin
	for _, e := range t.entries {
		for _, d := range txspec.DeferredArgs(e.Args) {
			if o := d.Origin(); o != nil {
				out = append(out, o)
			}
		}
	}
	return out
}

// Status returns the current status.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// TxHash returns the ledger hash once broadcast.
func (t *Transaction) TxHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txHash
}

// BlockHash returns the including block hash once succeeded.
func (t *Transaction) BlockHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockHash
}

// BlockNumber returns the including block number once succeeded.
func (t *Transaction) BlockNumber() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blockNumber
}

// Fee returns the attached fee.
func (t *Transaction) Fee() ledger.Fee {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fee
}

// Nonce returns the attached nonce.
func (t *Transaction) Nonce() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonce
}

// Receipt returns the finalized receipt, nil before inclusion.
func (t *Transaction) Receipt() *ledger.Receipt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.receipt
}

// Error returns the error that stopped t, if any.
func (t *Transaction) Error() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// OnStatusChange registers a listener called after every transition.
func (t *Transaction) OnStatusChange(fn StatusListener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Abort cancels t. A transaction already handed to the ledger stops being
// waited on; the broadcast itself is not recalled. It reports whether t
// was moved to aborted.
func (t *Transaction) Abort() bool {
	return t.abort(txerrors.Aborted("transaction aborted"))
}

func (t *Transaction) abort(err error) bool {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()

	ok := t.transition(StatusAborted, err)
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

// transition moves t to `to` when legal, recording err for failed and
// aborted states, then notifies listeners.
func (t *Transaction) transition(to Status, err error) bool {
	t.mu.Lock()
	from := t.status
	if !from.CanTransition(to) {
		t.mu.Unlock()
		return false
	}
	t.status = to
	if err != nil {
		t.err = err
	}
	listeners := append([]StatusListener(nil), t.listeners...)
	queueID := t.queueID
	txHash := t.txHash
	t.mu.Unlock()

	switch to {
	case StatusSucceeded:
		t.origin.Settle(t.Receipt())
	case StatusFailed, StatusAborted:
		t.origin.Fail()
	}
	t.record(queueID, txHash, from, to, err)

	for _, fn := range listeners {
		fn(t, from, to)
	}
	return true
}

func (t *Transaction) record(queueID, txHash string, from, to Status, err error) {
	b := t.binding
	b.Events.Log(events.NewEvent(events.EventTransactionStatus).
		Queue(queueID).
		Transaction(t.id, t.tag).
		Status(to.String()).
		TxHash(txHash).
		Severity(events.SeverityDebug).
		Metadata("from", from.String()).
		Build())

	var terminal events.EventType
	switch to {
	case StatusSucceeded:
		terminal = events.EventTransactionSucceeded
	case StatusFailed:
		terminal = events.EventTransactionFailed
	case StatusAborted:
		terminal = events.EventTransactionAborted
	default:
		return
	}
	b.Metrics.RecordTransaction(t.tag, to.String())
	if from == StatusRunning {
		b.Metrics.RecordInFlight(-1)
	}
	b.Events.Log(events.NewEvent(terminal).
		Queue(queueID).
		Transaction(t.id, t.tag).
		Status(to.String()).
		TxHash(txHash).
		ErrorFrom(err).
		Build())
}

// failIdle records a pre-submission error. The transaction stays idle.
func (t *Transaction) failIdle(ctx context.Context, err error) error {
	t.mu.Lock()
	if t.status.IsTerminal() {
		err = t.err
	} else {
		t.err = err
	}
	queueID := t.queueID
	t.mu.Unlock()

	t.origin.Fail()
	t.binding.Events.LogWithContext(ctx, events.NewEvent(events.EventTransactionFailed).
		Queue(queueID).
		Transaction(t.id, t.tag).
		Status(StatusIdle.String()).
		Message("transaction not submitted").
		ErrorFrom(err).
		Build())
	t.log(ctx).WithError(err).Warn("transaction could not be prepared for submission")
	return err
}

func (t *Transaction) log(ctx context.Context) *logrus.Entry {
	return t.binding.Logger.WithContext(ctx).WithFields(map[string]interface{}{
		"transaction_id": t.id,
		"tag":            t.tag,
	})
}

// Run encodes, signs, submits and waits for t. It may be called once.
func (t *Transaction) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.status != StatusIdle {
		status, prior := t.status, t.err
		t.mu.Unlock()
		if status == StatusAborted && prior != nil {
			return prior
		}
		return txerrors.Validation("transaction already run", map[string]any{"transaction": t.id, "status": status.String()})
	}
	t.started = true
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()
	defer cancel()

	calls, err := t.encode()
	if err != nil {
		return t.failIdle(ctx, err)
	}

	fee, nonce, err := t.readFeeAndNonce(ctx, calls)
	if err != nil {
		if aborted := t.abortedErr(ctx); aborted != nil {
			return aborted
		}
		return t.failIdle(ctx, err)
	}

	t.mu.Lock()
	t.fee, t.nonce = fee, nonce
	t.mu.Unlock()
	if !t.transition(StatusUnsigned, nil) {
		return t.abortedOr(txerrors.Aborted("transaction aborted"))
	}
	if !t.transition(StatusRunning, nil) {
		return t.abortedOr(txerrors.Aborted("transaction aborted"))
	}
	t.binding.Metrics.RecordInFlight(1)

	return t.submitAndWait(ctx, calls, fee, nonce)
}

func (t *Transaction) submitAndWait(ctx context.Context, calls []ledger.Call, fee ledger.Fee, nonce uint64) error {
	b := t.binding
	sub := ledger.Submission{
		Signer: b.Signer,
		Calls:  calls,
		Atomic: t.atomic,
		Fee:    fee,
		Nonce:  nonce,
		OnUpdate: func(u ledger.Update) {
			if u.Kind == ledger.UpdateIncluded {
				t.mu.Lock()
				t.blockHash, t.blockNumber = u.BlockHash, u.BlockNumber
				t.mu.Unlock()
			}
		},
	}

	submitStart := time.Now()
	handle, err := b.Ledger.Submit(ctx, sub)
	if err != nil {
		if aborted := t.abortedErr(ctx); aborted != nil {
			return aborted
		}
		return t.fail(ctx, submitError(err))
	}
	b.Metrics.RecordSubmit(t.tag, time.Since(submitStart))

	t.mu.Lock()
	t.txHash = handle.TxHash()
	queueID := t.queueID
	t.mu.Unlock()
	b.Events.LogWithContext(ctx, events.NewEvent(events.EventTransactionSubmitted).
		Queue(queueID).
		Transaction(t.id, t.tag).
		Status(StatusRunning.String()).
		TxHash(handle.TxHash()).
		Build())
	t.log(ctx).WithFields(logrus.Fields{
		"tx_hash": handle.TxHash(),
		"fee":     fee.Total(),
		"nonce":   nonce,
	}).Info("transaction submitted")

	waitCtx, cancelWait := context.WithTimeout(ctx, b.Options.InclusionTimeout)
	defer cancelWait()
	waitStart := time.Now()
	receipt, err := handle.Wait(waitCtx)
	if err != nil {
		if aborted := t.abortedErr(ctx); aborted != nil {
			return aborted
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return t.fail(ctx, txerrors.Timeout("inclusion wait timed out", err).
				With("tx_hash", handle.TxHash()))
		}
		return t.fail(ctx, txerrors.Wrap(txerrors.CodeTransactionFailed, err, "inclusion failed").
			With("tx_hash", handle.TxHash()))
	}
	b.Metrics.RecordInclusion(t.tag, time.Since(waitStart))

	t.mu.Lock()
	t.receipt = receipt
	if receipt.BlockHash != "" {
		t.blockHash, t.blockNumber = receipt.BlockHash, receipt.BlockNumber
	}
	t.mu.Unlock()

	if !receipt.Succeeded() {
		data := map[string]any{"tx_hash": receipt.TxHash, "reason": receipt.Failure.Reason}
		if t.atomic {
			data["index"] = receipt.Failure.Index
		}
		return t.fail(ctx, txerrors.TransactionFailed(failureMessage(receipt.Failure.Reason), data))
	}

	if !t.transition(StatusSucceeded, nil) {
		return t.abortedOr(txerrors.Aborted("transaction aborted"))
	}
	t.log(ctx).WithFields(logrus.Fields{
		"tx_hash":      receipt.TxHash,
		"block_number": receipt.BlockNumber,
	}).Info("transaction succeeded")
	return nil
}

func failureMessage(reason string) string {
	if reason == "" {
		return "transaction execution failed"
	}
	return "transaction execution failed: " + reason
}

func (t *Transaction) fail(ctx context.Context, err error) error {
	if !t.transition(StatusFailed, err) {
		return t.abortedOr(err)
	}
	t.log(ctx).WithError(err).Warn("transaction failed")
	return err
}

// abortedErr returns the abort error when t was aborted or ctx was
// cancelled by the caller.
func (t *Transaction) abortedErr(ctx context.Context) error {
	if t.Status() == StatusAborted {
		return t.Error()
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		err := txerrors.Aborted("transaction cancelled")
		if t.abort(err) {
			return err
		}
		return t.abortedOr(err)
	}
	return nil
}

func (t *Transaction) abortedOr(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusAborted && t.err != nil {
		return t.err
	}
	return err
}

func submitError(err error) error {
	var typed *txerrors.Error
	switch {
	case txerrors.As(err, &typed):
		return typed
	case errors.Is(err, ledger.ErrSignerRejected):
		return txerrors.TransactionRejected("signer rejected the transaction", err)
	case errors.Is(err, context.DeadlineExceeded):
		return txerrors.Timeout("submission timed out", err)
	default:
		return txerrors.Wrap(txerrors.CodeTransactionFailed, err, "broadcast failed")
	}
}

// =============================================================================
// Pre-submission
// =============================================================================

// encode substitutes deferred arguments and encodes every entry.
func (t *Transaction) encode() ([]ledger.Call, error) {
	calls := make([]ledger.Call, len(t.entries))
	for i, e := range t.entries {
		args, err := txspec.Substitute(e.Args)
		if err != nil {
			return nil, t.indexed(err, i)
		}
		values, err := t.binding.Codec.Encode(e.Call, args)
		if err != nil {
			return nil, t.indexed(txerrors.Wrap(txerrors.CodeValidation, err, "encode "+e.Call.String()), i)
		}
		calls[i] = ledger.Call{Ref: e.Call, Args: values}
	}
	return calls, nil
}

func (t *Transaction) indexed(err error, i int) error {
	var typed *txerrors.Error
	if !t.atomic || !txerrors.As(err, &typed) {
		return err
	}
	return typed.With("index", i)
}

// readFeeAndNonce fetches both concurrently; each read is bounded by the
// read timeout.
func (t *Transaction) readFeeAndNonce(ctx context.Context, calls []ledger.Call) (ledger.Fee, uint64, error) {
	b := t.binding
	var (
		fee   ledger.Fee
		nonce uint64
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if t.fixed != nil {
			fee = *t.fixed
			return nil
		}
		rctx, cancel := context.WithTimeout(gctx, b.Options.ReadTimeout)
		defer cancel()
		start := time.Now()
		est, err := b.Ledger.EstimateFee(rctx, b.Signer, calls, t.atomic)
		b.Metrics.RecordChainRead("fee", time.Since(start), err)
		if err != nil {
			return readError("fee estimation", err)
		}
		fee = est.Scale(t.mult)
		return nil
	})
	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, b.Options.ReadTimeout)
		defer cancel()
		start := time.Now()
		n, err := b.Ledger.Nonce(rctx, b.Signer)
		b.Metrics.RecordChainRead("nonce", time.Since(start), err)
		if err != nil {
			return readError("nonce lookup", err)
		}
		nonce = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return ledger.Fee{}, 0, err
	}
	return fee, nonce, nil
}

func readError(read string, err error) error {
	var typed *txerrors.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return txerrors.Timeout(read+" timed out", err).With("read", read)
	case txerrors.As(err, &typed):
		return typed
	default:
		return txerrors.Wrap(txerrors.CodeDataUnavailable, err, read+" failed").With("read", read)
	}
}
