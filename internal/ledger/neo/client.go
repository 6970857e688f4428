// Package neo adapts a Neo N3 node to the ledger interface: JSON-RPC for
// reads and broadcast, neo-go for scripts, transaction building and
// signing.
package neo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout bounds a single HTTP round trip.
	DefaultTimeout = 30 * time.Second
	// DefaultPollInterval is the application log polling interval.
	DefaultPollInterval = 2 * time.Second
)

// Client is a rate-limited Neo N3 JSON-RPC client. It is safe for
// concurrent use.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Uint64
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	RPCURL  string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

// NewClient creates a new Neo N3 client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("RPC URL required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// =============================================================================
// Core RPC Methods
// =============================================================================

// Call makes an RPC call to the node.
func (c *Client) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("rate limit: %w", ctxErr)
		}
		// the limiter refuses to wait past the deadline
		return nil, fmt.Errorf("rate limit: %w: %v", context.DeadlineExceeded, err)
	}
	if params == nil {
		params = []any{}
	}

	req := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *Client) callInto(ctx context.Context, out any, method string, params ...any) error {
	result, err := c.Call(ctx, method, params...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", method, err)
	}
	return nil
}

// GetBlockCount returns the current block height.
func (c *Client) GetBlockCount(ctx context.Context) (uint32, error) {
	var count uint32
	if err := c.callInto(ctx, &count, "getblockcount"); err != nil {
		return 0, err
	}
	return count, nil
}

// GetBlockHeader returns a block header by hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash string) (*BlockHeader, error) {
	var header BlockHeader
	if err := c.callInto(ctx, &header, "getblockheader", hash, true); err != nil {
		return nil, err
	}
	return &header, nil
}

// GetTransaction returns a transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, txHash string) (*RawTransaction, error) {
	var tx RawTransaction
	if err := c.callInto(ctx, &tx, "getrawtransaction", txHash, true); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetApplicationLog returns the application log for a transaction.
func (c *Client) GetApplicationLog(ctx context.Context, txHash string) (*ApplicationLog, error) {
	var log ApplicationLog
	if err := c.callInto(ctx, &log, "getapplicationlog", txHash); err != nil {
		return nil, err
	}
	return &log, nil
}

// =============================================================================
// Invocation Methods
// =============================================================================

// InvokeScript runs a script read-only.
func (c *Client) InvokeScript(ctx context.Context, script []byte, signers []RPCSigner) (*InvokeResult, error) {
	params := []any{base64.StdEncoding.EncodeToString(script)}
	if len(signers) > 0 {
		params = append(params, signers)
	}
	var res InvokeResult
	if err := c.callInto(ctx, &res, "invokescript", params...); err != nil {
		return nil, err
	}
	return &res, nil
}

// InvokeFunction invokes a contract method read-only. Arguments use the
// contract parameter wire shape, which ledger values share.
func (c *Client) InvokeFunction(ctx context.Context, scriptHash, method string, args []any, signers []RPCSigner) (*InvokeResult, error) {
	if args == nil {
		args = []any{}
	}
	params := []any{scriptHash, method, args}
	if len(signers) > 0 {
		params = append(params, signers)
	}
	var res InvokeResult
	if err := c.callInto(ctx, &res, "invokefunction", params...); err != nil {
		return nil, err
	}
	return &res, nil
}

// CalculateNetworkFee asks the node for the network fee of a serialized
// transaction.
func (c *Client) CalculateNetworkFee(ctx context.Context, tx []byte) (int64, error) {
	var res struct {
		NetworkFee json.RawMessage `json:"networkfee"`
	}
	if err := c.callInto(ctx, &res, "calculatenetworkfee", base64.StdEncoding.EncodeToString(tx)); err != nil {
		return 0, err
	}
	return parseAmount(res.NetworkFee)
}

// SendRawTransaction broadcasts a signed transaction.
func (c *Client) SendRawTransaction(ctx context.Context, tx []byte) (string, error) {
	var res struct {
		Hash string `json:"hash"`
	}
	if err := c.callInto(ctx, &res, "sendrawtransaction", base64.StdEncoding.EncodeToString(tx)); err != nil {
		return "", err
	}
	return res.Hash, nil
}

// WaitForApplicationLog polls for a transaction application log until it is
// available or ctx is done. A missing transaction is treated as transient.
func (c *Client) WaitForApplicationLog(ctx context.Context, txHash string, pollInterval time.Duration) (*ApplicationLog, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		log, err := c.GetApplicationLog(ctx, txHash)
		switch {
		case err == nil:
			return log, nil
		case !isNotFoundError(err):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isNotFoundError(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return rpcErr.Code == -100 || strings.Contains(msg, "unknown") || strings.Contains(msg, "not found")
}
