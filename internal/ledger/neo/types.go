package neo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/R3E-Network/txflow/internal/ledger"
)

// RPCRequest is a JSON-RPC request.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// RPCResponse is a JSON-RPC response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// RPCSigner is a signer passed to invokescript/invokefunction.
type RPCSigner struct {
	Account string `json:"account"`
	Scopes  string `json:"scopes"`
}

// InvokeResult is the result of invokescript and invokefunction. Stack
// items share the wire shape of ledger values.
type InvokeResult struct {
	Script      string         `json:"script"`
	State       string         `json:"state"`
	GasConsumed string         `json:"gasconsumed"`
	Exception   string         `json:"exception,omitempty"`
	Stack       []ledger.Value `json:"stack"`
}

// Halted reports whether the VM finished without a fault.
func (r *InvokeResult) Halted() bool { return strings.HasPrefix(r.State, vmHalt) }

// ApplicationLog is the application log for a transaction.
type ApplicationLog struct {
	TxID       string      `json:"txid"`
	Executions []Execution `json:"executions"`
}

// Execution is a single execution in the application log.
type Execution struct {
	Trigger       string         `json:"trigger"`
	VMState       string         `json:"vmstate"`
	Exception     string         `json:"exception,omitempty"`
	GasConsumed   string         `json:"gasconsumed"`
	Stack         []ledger.Value `json:"stack"`
	Notifications []Notification `json:"notifications"`
}

// Notification is a contract notification.
type Notification struct {
	Contract  string       `json:"contract"`
	EventName string       `json:"eventname"`
	State     ledger.Value `json:"state"`
}

// RawTransaction is the verbose getrawtransaction result, reduced to the
// inclusion fields.
type RawTransaction struct {
	Hash          string `json:"hash"`
	BlockHash     string `json:"blockhash"`
	Confirmations uint32 `json:"confirmations"`
	BlockTime     uint64 `json:"blocktime"`
}

// BlockHeader is the verbose getblockheader result, reduced.
type BlockHeader struct {
	Hash  string `json:"hash"`
	Index uint32 `json:"index"`
	Time  uint64 `json:"time"`
}

const (
	vmHalt        = "HALT"
	trigger       = "Application"
	calledByEntry = "CalledByEntry"
)

// parseAmount accepts a fixed-point GAS amount as a quoted or bare integer.
func parseAmount(raw json.RawMessage) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return n, nil
}
