package treasury

import (
	"CoinArena/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// txLookupMethods are tried in order; EVM-style and chain-specific names
// are both accepted and the first non-null answer wins.
var txLookupMethods = []string{
	"eth_getTransactionByHash",
	"quai_getTransactionByHash",
	"eth_getTransactionReceipt",
	"quai_getTransactionReceipt",
}

// RPCChain is a JSON-RPC client with a per-call timeout.
type RPCChain struct {
	client  *rpc.Client
	timeout time.Duration
	metrics *observability.Metrics
}

// DialChain connects to a JSON-RPC endpoint over HTTP or websocket.
func DialChain(ctx context.Context, url string, timeout time.Duration, metrics *observability.Metrics) (*RPCChain, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial chain rpc: %w", err)
	}
	return NewRPCChain(client, timeout, metrics), nil
}

func NewRPCChain(client *rpc.Client, timeout time.Duration, metrics *observability.Metrics) *RPCChain {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RPCChain{client: client, timeout: timeout, metrics: metrics}
}

func (c *RPCChain) Close() {
	c.client.Close()
}

func (c *RPCChain) call(ctx context.Context, result any, method string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.client.CallContext(ctx, result, method, args...)
	c.metrics.ChainCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s timed out after %s", method, c.timeout)
		}
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// PendingNonce returns the transaction count including pending ones.
func (c *RPCChain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var n hexutil.Uint64
	if err := c.call(ctx, &n, "eth_getTransactionCount", address, "pending"); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

// GasPrice returns the node's suggested gas price in wei.
func (c *RPCChain) GasPrice(ctx context.Context) (*big.Int, error) {
	var price hexutil.Big
	if err := c.call(ctx, &price, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return price.ToInt(), nil
}

// SendRawTransaction submits a signed transaction and returns the hash the
// node reports.
func (c *RPCChain) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "eth_sendRawTransaction", hexutil.Encode(raw)); err != nil {
		return "", err
	}
	return hash, nil
}

// TransactionKnown reports whether the node has seen txHash, either pending
// or mined. An error is returned only when every lookup failed.
func (c *RPCChain) TransactionKnown(ctx context.Context, txHash string) (bool, error) {
	var lastErr error
	failures := 0
	for _, method := range txLookupMethods {
		var raw json.RawMessage
		if err := c.call(ctx, &raw, method, txHash); err != nil {
			lastErr = err
			failures++
			continue
		}
		if len(raw) > 0 && string(raw) != "null" {
			return true, nil
		}
	}
	if failures == len(txLookupMethods) {
		return false, lastErr
	}
	return false, nil
}
