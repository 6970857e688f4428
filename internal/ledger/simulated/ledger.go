// Package simulated is an in-memory ledger. Submissions execute
// immediately against an asset state, one at a time, with whole-submission
// rollback on failure. Fault injection covers slow or failing reads,
// rejected signers, failing broadcasts and stalled inclusion.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// ErrOutOfOrder is returned by Submit while an earlier submission has not
// been waited on.
var ErrOutOfOrder = errors.New("simulated: submission while another is in flight")

// Default fee components per call.
const (
	DefaultSystemFee  int64 = 1_000_000
	DefaultNetworkFee int64 = 120_000
)

// Record is a submission observed by the ledger.
type Record struct {
	Signer  string
	Calls   []ledger.Call
	Atomic  bool
	Fee     ledger.Fee
	Nonce   uint64
	Receipt *ledger.Receipt
}

type grant struct {
	call, role, asset, portfolio string
}

type faults struct {
	blockFee      bool
	feeErr        error
	nonceErr      error
	blockPerm     bool
	broadcastErr  error
	holdInclusion bool
	rejected      map[string]bool
	failCalls     map[ledger.CallRef]string
}

// Ledger is the simulated chain.
type Ledger struct {
	mu          sync.Mutex
	state       *State
	handlers    map[ledger.CallRef]Handler
	grants      map[string][]grant
	nonces      map[string]uint64
	block       uint64
	seq         uint64
	inFlight    string
	submissions []Record
	violations  []string
	faults      faults
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates a ledger with the built-in asset contract registered.
func New() *Ledger {
	return &Ledger{
		state:    newState(),
		handlers: assetHandlers(),
		grants:   make(map[string][]grant),
		nonces:   make(map[string]uint64),
		faults: faults{
			rejected:  make(map[string]bool),
			failCalls: make(map[ledger.CallRef]string),
		},
	}
}

// Register installs or replaces the handler for ref.
func (l *Ledger) Register(ref ledger.CallRef, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[ref] = h
}

// State runs fn with exclusive access to the chain state.
func (l *Ledger) State(fn func(st *State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.state)
}

// Balance is shorthand for reading one holding.
func (l *Ledger) Balance(asset int64, addr string) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Balance(asset, addr)
}

// BalanceOf reads the holding of holder in asset, failing for an unknown
// asset.
func (l *Ledger) BalanceOf(ctx context.Context, asset int64, holder string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.state.Asset(asset); !ok {
		return nil, fmt.Errorf("asset %d: %w", asset, ledger.ErrNotFound)
	}
	return l.state.Balance(asset, strings.ToLower(holder)), nil
}

// Grant allows signer to invoke call ("module.method"), optionally scoped.
func (l *Ledger) Grant(signer, call, asset, portfolio string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grants[signer] = append(l.grants[signer], grant{call: call, asset: asset, portfolio: portfolio})
}

// GrantRole gives signer a role, optionally scoped to an asset.
func (l *Ledger) GrantRole(signer, role, scope string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.grants[signer] = append(l.grants[signer], grant{role: role, asset: scope})
}

// Submissions returns every submission accepted so far, in order.
func (l *Ledger) Submissions() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Record(nil), l.submissions...)
}

// OrderViolations lists submissions rejected because another was in flight.
func (l *Ledger) OrderViolations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.violations...)
}

// =============================================================================
// Fault injection
// =============================================================================

// BlockFeeEstimation makes EstimateFee wait until its context ends.
func (l *Ledger) BlockFeeEstimation() {
	l.mu.Lock()
	l.faults.blockFee = true
	l.mu.Unlock()
}

// FailFeeEstimation makes EstimateFee return err.
func (l *Ledger) FailFeeEstimation(err error) {
	l.mu.Lock()
	l.faults.feeErr = err
	l.mu.Unlock()
}

// FailNonce makes Nonce return err.
func (l *Ledger) FailNonce(err error) {
	l.mu.Lock()
	l.faults.nonceErr = err
	l.mu.Unlock()
}

// BlockPermissionQueries makes HasPermission wait until its context ends.
func (l *Ledger) BlockPermissionQueries() {
	l.mu.Lock()
	l.faults.blockPerm = true
	l.mu.Unlock()
}

// RejectSigner makes every submission by addr fail as rejected.
func (l *Ledger) RejectSigner(addr string) {
	l.mu.Lock()
	l.faults.rejected[addr] = true
	l.mu.Unlock()
}

// FailBroadcast makes Submit return err.
func (l *Ledger) FailBroadcast(err error) {
	l.mu.Lock()
	l.faults.broadcastErr = err
	l.mu.Unlock()
}

// HoldInclusion makes Handle.Wait block until its context ends.
func (l *Ledger) HoldInclusion() {
	l.mu.Lock()
	l.faults.holdInclusion = true
	l.mu.Unlock()
}

// FailCall makes every execution of ref fail with reason.
func (l *Ledger) FailCall(ref ledger.CallRef, reason string) {
	l.mu.Lock()
	l.faults.failCalls[ref] = reason
	l.mu.Unlock()
}

// ClearFaults removes every injected fault.
func (l *Ledger) ClearFaults() {
	l.mu.Lock()
	l.faults = faults{
		rejected:  make(map[string]bool),
		failCalls: make(map[ledger.CallRef]string),
	}
	l.mu.Unlock()
}

// =============================================================================
// ledger.Ledger
// =============================================================================

// EstimateFee implements ledger.Ledger.
func (l *Ledger) EstimateFee(ctx context.Context, _ ledger.Signer, calls []ledger.Call, _ bool) (ledger.Fee, error) {
	l.mu.Lock()
	block, err := l.faults.blockFee, l.faults.feeErr
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return ledger.Fee{}, ctx.Err()
	}
	if err != nil {
		return ledger.Fee{}, err
	}
	n := int64(len(calls))
	return ledger.Fee{System: DefaultSystemFee * n, Network: DefaultNetworkFee}, nil
}

// Nonce implements ledger.Ledger.
func (l *Ledger) Nonce(ctx context.Context, signer ledger.Signer) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.faults.nonceErr != nil {
		return 0, l.faults.nonceErr
	}
	return l.nonces[signer.Address()], nil
}

// HasPermission implements ledger.Ledger.
func (l *Ledger) HasPermission(ctx context.Context, q ledger.PermissionQuery) (bool, error) {
	l.mu.Lock()
	block := l.faults.blockPerm
	grants := append([]grant(nil), l.grants[q.Signer]...)
	l.mu.Unlock()

	if block {
		<-ctx.Done()
		return false, ctx.Err()
	}
	for _, g := range grants {
		if g.call != q.Call || g.role != q.Role {
			continue
		}
		if g.asset != "" && g.asset != q.Asset {
			continue
		}
		if g.portfolio != "" && g.portfolio != q.Portfolio {
			continue
		}
		return true, nil
	}
	return false, nil
}

// Submit implements ledger.Ledger. Calls execute in order against a
// snapshot that replaces the state only if every call succeeds.
func (l *Ledger) Submit(ctx context.Context, sub ledger.Submission) (ledger.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sender := sub.Signer.Address()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inFlight != "" {
		l.violations = append(l.violations, l.inFlight)
		return nil, fmt.Errorf("%w: %s", ErrOutOfOrder, l.inFlight)
	}
	if l.faults.rejected[sender] {
		return nil, fmt.Errorf("%s: %w", sender, ledger.ErrSignerRejected)
	}
	if l.faults.broadcastErr != nil {
		return nil, l.faults.broadcastErr
	}

	l.seq++
	hash := txHash(sender, l.seq)
	l.block++
	receipt := &ledger.Receipt{
		TxHash:      hash,
		BlockHash:   blockHash(l.block),
		BlockNumber: l.block,
	}

	working := l.state.clone()
	for i, call := range sub.Calls {
		evs, err := l.execute(working, sender, call)
		if err != nil {
			index := -1
			if sub.Atomic {
				index = i
			}
			receipt.Failure = &ledger.Failure{Index: index, Reason: err.Error()}
			receipt.Events = nil
			break
		}
		for _, ev := range evs {
			ev.Index = len(receipt.Events)
			receipt.Events = append(receipt.Events, ev)
		}
	}
	if receipt.Failure == nil {
		l.state = working
	}
	l.nonces[sender]++
	l.inFlight = hash
	l.submissions = append(l.submissions, Record{
		Signer:  sender,
		Calls:   sub.Calls,
		Atomic:  sub.Atomic,
		Fee:     sub.Fee,
		Nonce:   sub.Nonce,
		Receipt: receipt,
	})

	sub.Notify(ledger.Update{Kind: ledger.UpdateBroadcast, TxHash: hash})
	return &handle{ledger: l, sub: sub, receipt: receipt}, nil
}

func (l *Ledger) execute(st *State, sender string, call ledger.Call) ([]ledger.Event, error) {
	if reason, ok := l.faults.failCalls[call.Ref]; ok {
		return nil, errors.New(reason)
	}
	h, ok := l.handlers[call.Ref]
	if !ok {
		return nil, fmt.Errorf("unknown call %s", call.Ref)
	}
	return h(st, sender, call.Args)
}

type handle struct {
	ledger  *Ledger
	sub     ledger.Submission
	receipt *ledger.Receipt
}

func (h *handle) TxHash() string { return h.receipt.TxHash }

func (h *handle) Wait(ctx context.Context) (*ledger.Receipt, error) {
	l := h.ledger
	l.mu.Lock()
	hold := l.faults.holdInclusion
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.inFlight == h.receipt.TxHash {
			l.inFlight = ""
		}
		l.mu.Unlock()
	}()

	if hold {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.sub.Notify(ledger.Update{
		Kind:        ledger.UpdateIncluded,
		TxHash:      h.receipt.TxHash,
		BlockHash:   h.receipt.BlockHash,
		BlockNumber: h.receipt.BlockNumber,
	})
	return h.receipt, nil
}

func txHash(sender string, seq uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	sum := sha256.Sum256(append([]byte(sender), buf[:]...))
	return "0x" + hex.EncodeToString(sum[:])
}

func blockHash(n uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	sum := sha256.Sum256(append([]byte("block"), buf[:]...))
	return "0x" + hex.EncodeToString(sum[:])
}
