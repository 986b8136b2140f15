// Package chain adapts the two interchangeable chain data sources (coin
// node wallet RPC and block explorer HTTP API) to one internal contract
// consumed by the deposit reconciler.
package chain

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// Output is one candidate receiving output, normalized from either
// source. Amounts are lites.
type Output struct {
	TxID          string
	Vout          uint32
	Address       string
	Amount        int64
	Confirmations int64
	Time          time.Time
}

// Reference returns the ledger idempotency reference for this output.
func (o Output) Reference() string {
	return o.TxID + ":" + strconv.FormatUint(uint64(o.Vout), 10)
}

// Source is the contract both data sources satisfy. Whichever source is
// configured must yield at most one output per (txid, vout); the
// database uniqueness constraint backs this even across source switches.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// RecentOutputs returns candidate receiving outputs for the watched
	// addresses. Unconfirmed outputs may be included; the reconciler
	// applies the confirmation threshold.
	RecentOutputs(ctx context.Context, addresses []string) ([]Output, error)
}

// ErrNodeBusy marks the node's "busy/rescanning/warming up" condition,
// which is transient and retried on a later cycle rather than treated as
// a hard failure.
var ErrNodeBusy = errors.New("node busy")
