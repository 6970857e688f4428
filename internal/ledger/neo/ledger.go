package neo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/config/netmode"
	"github.com/nspcc-dev/neo-go/pkg/core/transaction"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/nspcc-dev/neo-go/pkg/wallet"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// DefaultValidUntilBlocks is how long a built transaction stays valid.
const DefaultValidUntilBlocks = 100

// Config configures the adapter.
type Config struct {
	// Magic is the network magic (MainNet 860833102, TestNet 894710606).
	Magic uint32
	// Contracts maps call-reference modules to contract script hashes.
	// A module that is itself a script hash needs no entry.
	Contracts map[string]string
	// PermissionContract answers hasPermission/hasRole queries.
	PermissionContract string
	// AssetModule is the module answering balanceOf(asset, holder).
	AssetModule      string
	PollInterval     time.Duration
	ValidUntilBlocks uint32
}

// Ledger is the Neo N3 ledger adapter.
type Ledger struct {
	client     *Client
	cfg        Config
	contracts  map[string]util.Uint160
	modules    map[util.Uint160]string
	permission *util.Uint160
}

var _ ledger.Ledger = (*Ledger)(nil)

// New creates an adapter over client.
func New(client *Client, cfg Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("neo client required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ValidUntilBlocks == 0 {
		cfg.ValidUntilBlocks = DefaultValidUntilBlocks
	}
	if cfg.AssetModule == "" {
		cfg.AssetModule = "asset"
	}

	l := &Ledger{
		client:    client,
		cfg:       cfg,
		contracts: make(map[string]util.Uint160, len(cfg.Contracts)),
		modules:   make(map[util.Uint160]string, len(cfg.Contracts)),
	}
	for module, hash := range cfg.Contracts {
		u, err := parseHash160(hash)
		if err != nil {
			return nil, fmt.Errorf("contract %s: invalid script hash %q: %w", module, hash, err)
		}
		l.contracts[module] = u
		l.modules[u] = module
	}
	if cfg.PermissionContract != "" {
		u, err := parseHash160(cfg.PermissionContract)
		if err != nil {
			return nil, fmt.Errorf("invalid permission contract %q: %w", cfg.PermissionContract, err)
		}
		l.permission = &u
	}
	return l, nil
}

func (l *Ledger) contractFor(module string) (util.Uint160, error) {
	if u, ok := l.contracts[module]; ok {
		return u, nil
	}
	if u, err := parseHash160(module); err == nil {
		return u, nil
	}
	return util.Uint160{}, fmt.Errorf("unknown contract module %q", module)
}

// moduleFor maps a notification's contract hash back to its module name.
func (l *Ledger) moduleFor(contract string) string {
	u, err := parseHash160(contract)
	if err != nil {
		return strings.ToLower(contract)
	}
	if module, ok := l.modules[u]; ok {
		return module
	}
	return hash160String(u)
}

func (l *Ledger) script(calls []ledger.Call) ([]byte, error) {
	return buildScript(calls, l.contractFor)
}

func accountOf(s ledger.Signer) (*wallet.Account, error) {
	ns, ok := s.(*Signer)
	if !ok || ns == nil || ns.account == nil {
		return nil, fmt.Errorf("%T has no neo account: %w", s, ledger.ErrSignerRejected)
	}
	return ns.account, nil
}

func rpcSigners(acc *wallet.Account) []RPCSigner {
	return []RPCSigner{{Account: hash160String(acc.ScriptHash()), Scopes: calledByEntry}}
}

func (l *Ledger) newTx(acc *wallet.Account, script []byte, fee ledger.Fee) *transaction.Transaction {
	tx := transaction.New(script, fee.System)
	tx.NetworkFee = fee.Network
	tx.Signers = []transaction.Signer{{
		Account: acc.ScriptHash(),
		Scopes:  transaction.CalledByEntry,
	}}
	return tx
}

// EstimateFee implements ledger.Ledger. The system fee is the GAS consumed
// by a dry run; the network fee comes from the node for a draft carrying
// the signer's verification script.
func (l *Ledger) EstimateFee(ctx context.Context, signer ledger.Signer, calls []ledger.Call, _ bool) (ledger.Fee, error) {
	acc, err := accountOf(signer)
	if err != nil {
		return ledger.Fee{}, err
	}
	script, err := l.script(calls)
	if err != nil {
		return ledger.Fee{}, err
	}

	res, err := l.client.InvokeScript(ctx, script, rpcSigners(acc))
	if err != nil {
		return ledger.Fee{}, fmt.Errorf("dry run: %w", err)
	}
	system, err := strconv.ParseInt(res.GasConsumed, 10, 64)
	if err != nil {
		return ledger.Fee{}, fmt.Errorf("parse gas consumed %q: %w", res.GasConsumed, err)
	}

	draft := l.newTx(acc, script, ledger.Fee{System: system})
	draft.Scripts = []transaction.Witness{{VerificationScript: acc.Contract.Script}}
	network, err := l.client.CalculateNetworkFee(ctx, draft.Bytes())
	if err != nil {
		return ledger.Fee{}, fmt.Errorf("network fee: %w", err)
	}
	return ledger.Fee{System: system, Network: network}, nil
}

// Nonce implements ledger.Ledger. Neo nonces only distinguish otherwise
// identical transactions, so the value is random; the block height read
// checks the node is reachable.
func (l *Ledger) Nonce(ctx context.Context, _ ledger.Signer) (uint64, error) {
	if _, err := l.client.GetBlockCount(ctx); err != nil {
		return 0, err
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("generate nonce: %w", err)
	}
	return uint64(binary.LittleEndian.Uint32(buf[:])), nil
}

// HasPermission implements ledger.Ledger through the permission contract's
// hasPermission(signer, call, asset, portfolio) and hasRole(signer, role,
// scope) methods.
func (l *Ledger) HasPermission(ctx context.Context, q ledger.PermissionQuery) (bool, error) {
	if l.permission == nil {
		return false, fmt.Errorf("no permission contract configured")
	}

	method := "hasPermission"
	args := []any{ledger.Hash160(q.Signer), ledger.String(q.Call), ledger.String(q.Asset), ledger.String(q.Portfolio)}
	if q.Role != "" {
		method = "hasRole"
		args = []any{ledger.Hash160(q.Signer), ledger.String(q.Role), ledger.String(q.Asset)}
	}

	res, err := l.client.InvokeFunction(ctx, hash160String(*l.permission), method, args, nil)
	if err != nil {
		return false, err
	}
	if !res.Halted() {
		return false, fmt.Errorf("%s faulted: %s", method, res.Exception)
	}
	if len(res.Stack) == 0 {
		return false, fmt.Errorf("%s returned no result", method)
	}
	return res.Stack[0].AsBool()
}

// BalanceOf reads a holding through the asset contract's balanceOf method.
func (l *Ledger) BalanceOf(ctx context.Context, asset int64, holder string) (*big.Int, error) {
	contract, err := l.contractFor(l.cfg.AssetModule)
	if err != nil {
		return nil, err
	}
	args := []any{ledger.Int64(asset), ledger.Hash160(holder)}
	res, err := l.client.InvokeFunction(ctx, hash160String(contract), "balanceOf", args, nil)
	if err != nil {
		return nil, err
	}
	if !res.Halted() {
		return nil, fmt.Errorf("balanceOf faulted: %s", res.Exception)
	}
	if len(res.Stack) == 0 {
		return nil, fmt.Errorf("balanceOf returned no result")
	}
	return res.Stack[0].AsInteger()
}

// Submit implements ledger.Ledger: build, sign and broadcast one
// transaction whose script calls every entry.
func (l *Ledger) Submit(ctx context.Context, sub ledger.Submission) (ledger.Handle, error) {
	acc, err := accountOf(sub.Signer)
	if err != nil {
		return nil, err
	}
	script, err := l.script(sub.Calls)
	if err != nil {
		return nil, err
	}
	height, err := l.client.GetBlockCount(ctx)
	if err != nil {
		return nil, err
	}

	tx := l.newTx(acc, script, sub.Fee)
	tx.Nonce = uint32(sub.Nonce)
	tx.ValidUntilBlock = height + l.cfg.ValidUntilBlocks
	if err := acc.SignTx(netmode.Magic(l.cfg.Magic), tx); err != nil {
		return nil, fmt.Errorf("sign: %v: %w", err, ledger.ErrSignerRejected)
	}

	hash, err := l.client.SendRawTransaction(ctx, tx.Bytes())
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}
	if hash == "" {
		hash = hash256String(tx.Hash())
	}
	sub.Notify(ledger.Update{Kind: ledger.UpdateBroadcast, TxHash: hash})
	return &handle{ledger: l, sub: sub, hash: hash}, nil
}

func hash256String(u util.Uint256) string { return "0x" + u.StringLE() }

type handle struct {
	ledger *Ledger
	sub    ledger.Submission
	hash   string
}

func (h *handle) TxHash() string { return h.hash }

// Wait polls for the application log, then looks up the including block.
func (h *handle) Wait(ctx context.Context) (*ledger.Receipt, error) {
	l := h.ledger
	appLog, err := l.client.WaitForApplicationLog(ctx, h.hash, l.cfg.PollInterval)
	if err != nil {
		return nil, err
	}

	receipt := &ledger.Receipt{TxHash: h.hash}
	if tx, err := l.client.GetTransaction(ctx, h.hash); err == nil && tx.BlockHash != "" {
		receipt.BlockHash = tx.BlockHash
		if header, err := l.client.GetBlockHeader(ctx, tx.BlockHash); err == nil {
			receipt.BlockNumber = uint64(header.Index)
		}
	} else if err != nil {
		return nil, fmt.Errorf("inclusion lookup: %w", err)
	}
	h.sub.Notify(ledger.Update{
		Kind:        ledger.UpdateIncluded,
		TxHash:      h.hash,
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber,
	})

	exec, ok := applicationExecution(appLog)
	if !ok {
		return nil, fmt.Errorf("application log for %s has no executions: %w", h.hash, ledger.ErrNotFound)
	}
	if !strings.HasPrefix(exec.VMState, vmHalt) {
		reason := exec.Exception
		if reason == "" {
			reason = "vm state " + exec.VMState
		}
		index := -1
		if h.sub.Atomic {
			index = l.locateFault(ctx, h.sub.Signer, h.sub.Calls)
		}
		receipt.Failure = &ledger.Failure{Index: index, Reason: reason}
		return receipt, nil
	}

	for i, n := range exec.Notifications {
		var data []ledger.Value
		if n.State.Type == ledger.TypeArray || n.State.Type == ledger.TypeStruct {
			items, err := n.State.AsArray()
			if err != nil {
				return nil, fmt.Errorf("notification %d (%s): %w", i, n.EventName, err)
			}
			data = items
		}
		receipt.Events = append(receipt.Events, ledger.Event{
			Module: l.moduleFor(n.Contract),
			Method: n.EventName,
			Data:   data,
			Index:  i,
		})
	}
	return receipt, nil
}

func applicationExecution(log *ApplicationLog) (Execution, bool) {
	for _, exec := range log.Executions {
		if exec.Trigger == "" || strings.EqualFold(exec.Trigger, trigger) {
			return exec, true
		}
	}
	return Execution{}, false
}

// locateFault finds the first faulting entry by dry-running growing
// prefixes of calls. It returns -1 when no prefix faults.
func (l *Ledger) locateFault(ctx context.Context, signer ledger.Signer, calls []ledger.Call) int {
	acc, err := accountOf(signer)
	if err != nil {
		return -1
	}
	for k := 1; k <= len(calls); k++ {
		script, err := l.script(calls[:k])
		if err != nil {
			return -1
		}
		res, err := l.client.InvokeScript(ctx, script, rpcSigners(acc))
		if err != nil {
			return -1
		}
		if !res.Halted() {
			return k - 1
		}
	}
	return -1
}
