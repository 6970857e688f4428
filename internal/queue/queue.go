// Package queue runs the ordered transactions a procedure prepared and
// resolves the procedure's result once they have settled.
package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/txflow/internal/authz"
	"github.com/R3E-Network/txflow/internal/engine/events"
	"github.com/R3E-Network/txflow/internal/engine/metrics"
	txerrors "github.com/R3E-Network/txflow/internal/errors"
	"github.com/R3E-Network/txflow/internal/logging"
	"github.com/R3E-Network/txflow/internal/transaction"
	"github.com/R3E-Network/txflow/internal/txspec"
)

// Policy decides what happens to the remaining transactions after one
// fails.
type Policy int

const (
	// ShortCircuit stops at the first failure and aborts the rest.
	ShortCircuit Policy = iota
	// ContinueIndependent keeps submitting transactions that do not depend,
	// directly or transitively, on a failed one.
	ContinueIndependent
)

func (p Policy) String() string {
	switch p {
	case ShortCircuit:
		return "short-circuit"
	case ContinueIndependent:
		return "continue-independent"
	default:
		return fmt.Sprintf("policy(%d)", p)
	}
}

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "short-circuit", "short_circuit", "shortcircuit":
		return ShortCircuit, nil
	case "continue-independent", "continue_independent", "continue":
		return ContinueIndependent, nil
	default:
		return ShortCircuit, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Config carries the queue's collaborators.
type Config struct {
	Procedure string
	Policy    Policy
	Logger    *logging.Logger
	Events    events.EventLogger
	Metrics   metrics.MetricsCollector
}

// Queue is the ordered list of transactions of one procedure invocation.
type Queue[R any] struct {
	id     string
	cfg    Config
	txs    []*transaction.Transaction
	result *txspec.PostValue[R]
	auth   *authz.Node

	mu      sync.Mutex
	ran     bool
	running bool
	aborted bool
	cancel  context.CancelFunc
	err     error
}

// New assembles a queue. Every deferred argument must come from an earlier
// transaction of the queue, or from one that already succeeded.
func New[R any](cfg Config, txs []*transaction.Transaction, result *txspec.PostValue[R], auth *authz.Node) (*Queue[R], error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.NoOpLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoOpCollector()
	}
	if result == nil {
		var zero R
		result = txspec.Resolved(zero)
	}
	if auth == nil {
		auth = authz.NewNode(cfg.Procedure, authz.None())
	}

	q := &Queue[R]{id: uuid.NewString(), cfg: cfg, txs: txs, result: result, auth: auth}
	if err := q.validate(); err != nil {
		return nil, err
	}
	for _, tx := range txs {
		tx.SetQueueID(q.id)
	}
	return q, nil
}

func (q *Queue[R]) validate() error {
	position := make(map[string]int, len(q.txs))
	for i, tx := range q.txs {
		position[tx.ID()] = i
	}
	for i, tx := range q.txs {
		for _, dep := range tx.Dependencies() {
			j, inQueue := position[dep.Owner()]
			switch {
			case inQueue && j >= i:
				return txerrors.Validation("argument depends on a later transaction", map[string]any{
					"transaction_index": i,
					"depends_on":        j,
				})
			case !inQueue && !dep.Ready():
				return txerrors.Validation("argument depends on a transaction outside the queue", map[string]any{
					"transaction_index": i,
					"depends_on":        dep.Owner(),
				})
			}
		}
	}
	if o := q.result.Origin(); o != nil {
		if _, inQueue := position[o.Owner()]; !inQueue && !o.Ready() {
			return txerrors.Validation("result depends on a transaction outside the queue", map[string]any{
				"depends_on": o.Owner(),
			})
		}
	}
	return nil
}

// ID returns the queue id.
func (q *Queue[R]) ID() string { return q.id }

// Procedure returns the name of the procedure that built q.
func (q *Queue[R]) Procedure() string { return q.cfg.Procedure }

// Policy returns the failure policy.
func (q *Queue[R]) Policy() Policy { return q.cfg.Policy }

// Len returns the number of transactions.
func (q *Queue[R]) Len() int { return len(q.txs) }

// Transaction returns the i-th transaction.
func (q *Queue[R]) Transaction(i int) *transaction.Transaction { return q.txs[i] }

// Result returns the handle resolved by Run.
func (q *Queue[R]) Result() *txspec.PostValue[R] { return q.result }

// Authorization returns the merged authorization tree.
func (q *Queue[R]) Authorization() *authz.Node { return q.auth }

// Error returns the error of the last run, if any.
func (q *Queue[R]) Error() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Status aggregates the constituent statuses: succeeded only if every
// transaction succeeded, failed on any failure, aborted if the run was
// aborted.
func (q *Queue[R]) Status() transaction.Status {
	q.mu.Lock()
	ran, running, aborted := q.ran, q.running, q.aborted
	q.mu.Unlock()

	switch {
	case aborted:
		return transaction.StatusAborted
	case !ran:
		return transaction.StatusIdle
	case running:
		return transaction.StatusRunning
	}
	for _, tx := range q.txs {
		if tx.Status() != transaction.StatusSucceeded {
			return transaction.StatusFailed
		}
	}
	return transaction.StatusSucceeded
}

// Abort stops the queue. Transactions not yet settled are aborted.
func (q *Queue[R]) Abort() {
	q.mu.Lock()
	q.aborted = true
	cancel := q.cancel
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, tx := range q.txs {
		tx.Abort()
	}
}

// Run submits the transactions in order and returns the resolved result.
// A queue runs at most once.
func (q *Queue[R]) Run(ctx context.Context) (R, error) {
	var zero R

	q.mu.Lock()
	if q.ran {
		q.mu.Unlock()
		return zero, txerrors.Validation("queue already run", map[string]any{"queue_id": q.id})
	}
	q.ran = true
	q.running = true
	ctx, cancel := context.WithCancel(logging.WithQueueID(ctx, q.id))
	q.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	start := time.Now()
	log := q.cfg.Logger.WithContext(ctx).WithField("procedure", q.cfg.Procedure)
	log.WithField("transactions", len(q.txs)).Debug("queue run started")
	events.NewEvent(events.EventQueueRunStarted).
		Procedure(q.cfg.Procedure).
		Queue(q.id).
		LogToWithContext(ctx, q.cfg.Events)

	var (
		firstErr   error
		firstIndex = -1
		succeeded  []int
	)
	for i, tx := range q.txs {
		if q.isAborted() || ctx.Err() != nil {
			tx.Abort()
			continue
		}
		if firstErr != nil && (q.cfg.Policy == ShortCircuit || dependsOnFailure(tx)) {
			tx.Abort()
			continue
		}
		if err := tx.Run(ctx); err != nil {
			if firstErr == nil {
				firstErr, firstIndex = err, i
			}
			continue
		}
		succeeded = append(succeeded, i)
	}

	var (
		value R
		err   error
	)
	switch {
	case firstErr != nil:
		err = q.decorate(firstErr, firstIndex, succeeded)
	case q.isAborted():
		err = q.decorate(txerrors.Aborted("queue aborted"), -1, succeeded)
	default:
		value, err = q.result.Value()
		if err != nil {
			err = q.decorate(err, -1, succeeded)
		}
	}

	q.mu.Lock()
	q.running = false
	if ctx.Err() != nil && firstErr != nil && txerrors.Has(firstErr, txerrors.CodeTransactionAborted) {
		q.aborted = true
	}
	q.err = err
	q.mu.Unlock()

	status := q.Status()
	q.cfg.Metrics.RecordQueueRun(q.cfg.Procedure, status.String(), time.Since(start))
	q.emitSettled(ctx, status, err, time.Since(start))

	if err != nil {
		log.WithError(err).WithField("status", status.String()).Warn("queue run failed")
		return zero, err
	}
	log.WithField("status", status.String()).Info("queue run succeeded")
	return value, nil
}

func (q *Queue[R]) isAborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.aborted
}

func dependsOnFailure(tx *transaction.Transaction) bool {
	for _, dep := range tx.Dependencies() {
		if dep.Failed() {
			return true
		}
	}
	return false
}

// decorate attaches the queue context to a run error.
func (q *Queue[R]) decorate(err error, index int, succeeded []int) error {
	var typed *txerrors.Error
	if !txerrors.As(err, &typed) {
		typed = txerrors.Wrap(txerrors.CodeUnexpected, err, "queue run failed")
	}
	if succeeded == nil {
		succeeded = []int{}
	}
	typed = typed.With("queue_id", q.id).With("succeeded", succeeded)
	if index >= 0 {
		typed = typed.With("transaction_index", index)
	}
	return typed
}

func (q *Queue[R]) emitSettled(ctx context.Context, status transaction.Status, err error, d time.Duration) {
	var kind events.EventType
	switch status {
	case transaction.StatusSucceeded:
		kind = events.EventQueueSucceeded
		if err != nil {
			kind = events.EventQueueFailed
		}
	case transaction.StatusAborted:
		kind = events.EventQueueAborted
	default:
		kind = events.EventQueueFailed
	}
	events.NewEvent(kind).
		Procedure(q.cfg.Procedure).
		Queue(q.id).
		Status(status.String()).
		ErrorFrom(err).
		Duration(d).
		LogToWithContext(ctx, q.cfg.Events)
}

// =============================================================================
// Summaries
// =============================================================================

// CallSummary describes one call of a transaction.
type CallSummary struct {
	Call string   `json:"call"`
	Args []string `json:"args"`
}

// Summary describes one transaction of the queue.
type Summary struct {
	Index       int                `json:"index"`
	ID          string             `json:"id"`
	Tag         string             `json:"tag"`
	Atomic      bool               `json:"atomic"`
	Calls       []CallSummary      `json:"calls"`
	Status      transaction.Status `json:"status"`
	TxHash      string             `json:"tx_hash,omitempty"`
	BlockNumber uint64             `json:"block_number,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Transactions summarizes every transaction in order.
func (q *Queue[R]) Transactions() []Summary {
	out := make([]Summary, len(q.txs))
	for i, tx := range q.txs {
		s := Summary{
			Index:       i,
			ID:          tx.ID(),
			Tag:         tx.Tag(),
			Atomic:      tx.Atomic(),
			Status:      tx.Status(),
			TxHash:      tx.TxHash(),
			BlockNumber: tx.BlockNumber(),
		}
		for _, e := range tx.Entries() {
			s.Calls = append(s.Calls, CallSummary{Call: e.Call.String(), Args: txspec.Describe(e.Args)})
		}
		if err := tx.Error(); err != nil {
			s.Error = err.Error()
		}
		out[i] = s
	}
	return out
}
