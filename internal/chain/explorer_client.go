package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/tip-ledger/internal/config"
	"github.com/tip-ledger/internal/retry"
)

// ExplorerClient reads deposit activity from an esplora-style block
// explorer HTTP API. It is the fallback source when no wallet node is
// available; it can only observe, never spend.
type ExplorerClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	gate    *Gate
	policy  retry.Policy
	breaker *Breaker
}

// explorerTx mirrors the explorer's per-address transaction listing.
type explorerTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
}

// NewExplorerClient creates an explorer source from configuration.
func NewExplorerClient(cfg *config.ExplorerConfig, gate *Gate, policy retry.Policy) *ExplorerClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	policy.Retryable = transientExplorerError
	return &ExplorerClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		gate:    gate,
		policy:  policy,
		breaker: NewBreaker("explorer", 5, 30*time.Second),
	}
}

// do runs one explorer operation under the breaker and the retry policy.
func (c *ExplorerClient) do(ctx context.Context, op string, fn retry.Func) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}
	err := c.policy.Do(ctx, op, fn)
	c.breaker.Record(ctx, err)
	return err
}

// Name identifies the source in logs.
func (c *ExplorerClient) Name() string { return "explorer" }

// RecentOutputs fetches the chain tip once, then lists each watched
// address and normalizes the outputs paying it. Confirmations are
// derived from the tip height since the explorer does not report them
// directly.
func (c *ExplorerClient) RecentOutputs(ctx context.Context, addresses []string) ([]Output, error) {
	tip, err := c.tipHeight(ctx)
	if err != nil {
		return nil, err
	}

	var outputs []Output
	for _, address := range addresses {
		txs, err := c.addressTxs(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("failed to list transactions for %s: %w", address, err)
		}
		for _, tx := range txs {
			var confirmations int64
			if tx.Status.Confirmed {
				confirmations = tip - tx.Status.BlockHeight + 1
				if confirmations < 0 {
					confirmations = 0
				}
			}
			for vout, out := range tx.Vout {
				if out.Address != address || out.Value <= 0 {
					continue
				}
				outputs = append(outputs, Output{
					TxID:          tx.TxID,
					Vout:          uint32(vout),
					Address:       address,
					Amount:        out.Value,
					Confirmations: confirmations,
					Time:          time.Now().UTC(),
				})
			}
		}
	}
	return outputs, nil
}

// tipHeight fetches the current best block height. The endpoint returns
// the height as plain text.
func (c *ExplorerClient) tipHeight(ctx context.Context) (int64, error) {
	var tip int64
	err := c.do(ctx, "explorer tip height", func(ctx context.Context) error {
		body, err := c.get(ctx, "/blocks/tip/height")
		if err != nil {
			return err
		}
		tip, err = strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return fmt.Errorf("unexpected tip height response: %w", err)
		}
		return nil
	})
	return tip, err
}

func (c *ExplorerClient) addressTxs(ctx context.Context, address string) ([]explorerTx, error) {
	var txs []explorerTx
	err := c.do(ctx, "explorer address txs", func(ctx context.Context) error {
		body, err := c.get(ctx, "/address/"+address+"/txs")
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &txs); err != nil {
			return fmt.Errorf("failed to decode transaction listing: %w", err)
		}
		return nil
	})
	return txs, err
}

// get performs one rate-limited GET under the shared in-flight gate.
func (c *ExplorerClient) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read explorer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &explorerStatusError{status: resp.StatusCode, path: path}
	}
	return body, nil
}

type explorerStatusError struct {
	status int
	path   string
}

func (e *explorerStatusError) Error() string {
	return fmt.Sprintf("explorer returned HTTP %d for %s", e.status, e.path)
}

// transientExplorerError retries rate-limit and server-side failures;
// client errors such as an unknown address are permanent.
func transientExplorerError(err error) bool {
	var statusErr *explorerStatusError
	if errors.As(err, &statusErr) {
		return statusErr.status == http.StatusTooManyRequests || statusErr.status >= 500
	}
	return false
}
