package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"

	"github.com/tip-ledger/internal/config"
	"github.com/tip-ledger/internal/logging"
	"github.com/tip-ledger/internal/retry"
)

// NodeClient talks to the coin daemon's wallet JSON-RPC interface. The
// daemon owns keys and signs transactions; this client only lists wallet
// activity, validates addresses, hands out receiving addresses and
// broadcasts sends. Every call is bounded by the configured timeout and
// the shared in-flight gate.
type NodeClient struct {
	rpc     *rpcclient.Client
	gate    *Gate
	timeout time.Duration
	window  int
	policy  retry.Policy
	breaker *Breaker
}

// NewNodeClient creates a node client in HTTP POST mode.
func NewNodeClient(cfg *config.NodeConfig, gate *Gate, policy retry.Policy) (*NodeClient, error) {
	rpc, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create node RPC client: %w", err)
	}

	policy.Retryable = transientNodeError
	return &NodeClient{
		rpc:     rpc,
		gate:    gate,
		timeout: cfg.RPCTimeout,
		window:  cfg.RecentTxWindow,
		policy:  policy,
		breaker: NewBreaker("node", 5, 30*time.Second),
	}, nil
}

// Name identifies the source in logs.
func (c *NodeClient) Name() string { return "node" }

// Shutdown tears down the underlying RPC client.
func (c *NodeClient) Shutdown() {
	c.rpc.Shutdown()
}

// call runs one RPC under the breaker, the gate, the timeout and the
// retry policy. The rpcclient API blocks without context support, so the
// call runs in a goroutine raced against the deadline.
func (c *NodeClient) call(ctx context.Context, op string, fn func() error) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	err := c.policy.Do(ctx, op, func(ctx context.Context) error {
		if err := c.gate.Acquire(ctx); err != nil {
			return err
		}
		defer c.gate.Release()

		cctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		done := make(chan error, 1)
		go func() { done <- fn() }()

		select {
		case err := <-done:
			return classifyNodeError(err)
		case <-cctx.Done():
			return fmt.Errorf("%s: %w", op, cctx.Err())
		}
	})
	c.breaker.Record(ctx, err)
	return err
}

// RecentOutputs lists recent wallet transactions and normalizes the
// confirmed receive legs, excluding wallet-internal change.
func (c *NodeClient) RecentOutputs(ctx context.Context, addresses []string) ([]Output, error) {
	var items []btcjson.ListTransactionsResult
	err := c.call(ctx, "listtransactions", func() error {
		var callErr error
		items, callErr = c.rpc.ListTransactionsCount("*", c.window)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	watched := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		watched[a] = true
	}

	return classifyReceives(ctx, items, watched, func(txid string) (bool, error) {
		return c.hasSendLeg(ctx, txid)
	}), nil
}

// hasSendLeg reports whether the wallet transaction also debits the
// wallet. A "receive" leg on such a transaction is change coming back
// from our own send, never an incoming deposit.
func (c *NodeClient) hasSendLeg(ctx context.Context, txid string) (bool, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false, fmt.Errorf("invalid txid %q: %w", txid, err)
	}

	var detail *btcjson.GetTransactionResult
	err = c.call(ctx, "gettransaction", func() error {
		var callErr error
		detail, callErr = c.rpc.GetTransaction(hash)
		return callErr
	})
	if err != nil {
		return false, err
	}

	for _, d := range detail.Details {
		if d.Category == "send" {
			return true, nil
		}
	}
	return false, nil
}

// classifyReceives filters a wallet listing down to receive legs on
// watched addresses. Failure to inspect one transaction skips that
// transaction only; it will be seen again next cycle.
func classifyReceives(ctx context.Context, items []btcjson.ListTransactionsResult, watched map[string]bool, hasSendLeg func(txid string) (bool, error)) []Output {
	logger := logging.FromContext(ctx)

	changeByTx := make(map[string]bool)
	var outputs []Output
	for _, item := range items {
		if item.Category != "receive" || item.Address == "" {
			continue
		}
		if len(watched) > 0 && !watched[item.Address] {
			continue
		}

		isChange, known := changeByTx[item.TxID]
		if !known {
			var err error
			isChange, err = hasSendLeg(item.TxID)
			if err != nil {
				logger.Warn("failed to inspect transaction for change legs, skipping this cycle",
					zap.String("txid", item.TxID), zap.Error(err))
				continue
			}
			changeByTx[item.TxID] = isChange
		}
		if isChange {
			continue
		}

		amount, err := btcutil.NewAmount(item.Amount)
		if err != nil || amount <= 0 {
			logger.Warn("skipping receive leg with unusable amount",
				zap.String("txid", item.TxID), zap.Float64("amount", item.Amount), zap.Error(err))
			continue
		}

		outputs = append(outputs, Output{
			TxID:          item.TxID,
			Vout:          item.Vout,
			Address:       item.Address,
			Amount:        int64(amount),
			Confirmations: item.Confirmations,
			Time:          time.Unix(item.Time, 0).UTC(),
		})
	}
	return outputs
}

// ValidateAddress asks the daemon whether an address is valid for its
// network. The daemon is the authority; no local decoding is attempted.
func (c *NodeClient) ValidateAddress(ctx context.Context, address string) (bool, error) {
	params, err := rawParams(address)
	if err != nil {
		return false, err
	}

	var result struct {
		IsValid bool `json:"isvalid"`
	}
	err = c.call(ctx, "validateaddress", func() error {
		raw, callErr := c.rpc.RawRequest("validateaddress", params)
		if callErr != nil {
			return callErr
		}
		return json.Unmarshal(raw, &result)
	})
	if err != nil {
		return false, err
	}
	return result.IsValid, nil
}

// SendToAddress broadcasts a payment of the given amount of lites and
// returns the transaction id.
func (c *NodeClient) SendToAddress(ctx context.Context, address string, lites int64) (string, error) {
	params, err := rawParams(address, btcutil.Amount(lites).ToBTC())
	if err != nil {
		return "", err
	}

	var txid string
	err = c.call(ctx, "sendtoaddress", func() error {
		raw, callErr := c.rpc.RawRequest("sendtoaddress", params)
		if callErr != nil {
			return callErr
		}
		return json.Unmarshal(raw, &txid)
	})
	if err != nil {
		return "", err
	}
	return txid, nil
}

// NewDepositAddress asks the wallet for a fresh receiving address under
// the given label.
func (c *NodeClient) NewDepositAddress(ctx context.Context, label string) (string, error) {
	params, err := rawParams(label)
	if err != nil {
		return "", err
	}

	var address string
	err = c.call(ctx, "getnewaddress", func() error {
		raw, callErr := c.rpc.RawRequest("getnewaddress", params)
		if callErr != nil {
			return callErr
		}
		return json.Unmarshal(raw, &address)
	})
	if err != nil {
		return "", err
	}
	return address, nil
}

// AddressesForLabel lists wallet addresses previously assigned to a
// label.
func (c *NodeClient) AddressesForLabel(ctx context.Context, label string) ([]string, error) {
	params, err := rawParams(label)
	if err != nil {
		return nil, err
	}

	var addresses []string
	err = c.call(ctx, "getaddressesbyaccount", func() error {
		raw, callErr := c.rpc.RawRequest("getaddressesbyaccount", params)
		if callErr != nil {
			return callErr
		}
		return json.Unmarshal(raw, &addresses)
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

// classifyNodeError maps the daemon's busy/warming-up responses onto
// ErrNodeBusy so callers can tell a transient condition from a hard
// failure.
func classifyNodeError(err error) error {
	if err == nil {
		return nil
	}
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		// -28: warming up; -4: wallet busy (rescanning, keypool, ...).
		if rpcErr.Code == -28 || rpcErr.Code == -4 || containsBusyMarker(rpcErr.Message) {
			return fmt.Errorf("%w: %s", ErrNodeBusy, rpcErr.Message)
		}
	}
	return err
}

func containsBusyMarker(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rescan") ||
		strings.Contains(lower, "loading") ||
		strings.Contains(lower, "warming up")
}

func transientNodeError(err error) bool {
	return errors.Is(err, ErrNodeBusy) || errors.Is(err, context.DeadlineExceeded)
}

func rawParams(values ...any) ([]json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal RPC parameter: %w", err)
		}
		params = append(params, b)
	}
	return params, nil
}
