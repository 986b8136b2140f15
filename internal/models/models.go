// Package models defines the persisted data model for the ledger service.
package models

import (
	"fmt"
	"time"
)

// Reason classifies a ledger entry. The set is closed: the (reason,
// reference) pair is the idempotency key for every posting, so a new
// reason is a schema-level change, not a call-site convenience.
type Reason string

const (
	ReasonDeposit    Reason = "deposit"
	ReasonWithdrawal Reason = "withdrawal"
	ReasonTipOut     Reason = "tip_out"
	ReasonTipIn      Reason = "tip_in"
	ReasonRainOut    Reason = "rain_out"
	ReasonRainIn     Reason = "rain_in"
	ReasonAirdropOut Reason = "airdrop_out"
	ReasonAirdropIn  Reason = "airdrop_in"
)

// ValidReason reports whether r belongs to the closed reason set.
func ValidReason(r Reason) bool {
	switch r {
	case ReasonDeposit, ReasonWithdrawal, ReasonTipOut, ReasonTipIn,
		ReasonRainOut, ReasonRainIn, ReasonAirdropOut, ReasonAirdropIn:
		return true
	}
	return false
}

// TipClass reports whether r is an internal transfer reason. Tip-class
// postings are the only writers of User.RunningTotal.
func (r Reason) TipClass() bool {
	switch r {
	case ReasonTipOut, ReasonTipIn, ReasonRainOut, ReasonRainIn,
		ReasonAirdropOut, ReasonAirdropIn:
		return true
	}
	return false
}

// InboundCounterpart returns the inbound reason paired with an outbound
// tip-class reason. ok is false for any other reason.
func (r Reason) InboundCounterpart() (Reason, bool) {
	switch r {
	case ReasonTipOut:
		return ReasonTipIn, true
	case ReasonRainOut:
		return ReasonRainIn, true
	case ReasonAirdropOut:
		return ReasonAirdropIn, true
	}
	return "", false
}

// User is a community member holding an internal balance.
// PlatformID is the stable numeric identity on the chat network; Handle
// is a mutable display name. RunningTotal accelerates balance reads and
// summarizes tip-class postings only; it is never an independent source
// of truth.
type User struct {
	ID             int64
	PlatformID     int64
	Handle         string
	DepositAddress string
	RunningTotal   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LedgerEntry is one immutable signed posting in lites. Credit positive,
// debit negative. (Reason, Reference) is unique.
type LedgerEntry struct {
	ID        int64
	UserID    int64
	Amount    int64
	Reason    Reason
	Reference string
	CreatedAt time.Time
}

// Deposit records one confirmed receiving output. (TxID, Vout) is unique
// so an output is credited at most once across restarts and source
// switches.
type Deposit struct {
	ID            int64
	UserID        int64
	TxID          string
	Vout          uint32
	Amount        int64
	Confirmations int64
	Credited      bool
	CreatedAt     time.Time
}

// DepositReference builds the idempotency reference for a deposit output.
func DepositReference(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// WithdrawalStatus is the lifecycle state of a withdrawal.
type WithdrawalStatus string

const (
	WithdrawalPending WithdrawalStatus = "pending"
	WithdrawalSent    WithdrawalStatus = "sent"
	WithdrawalFailed  WithdrawalStatus = "failed"
)

// Withdrawal records an outgoing on-chain payment. TxID stays empty until
// the broadcast succeeds and is unique once set.
type Withdrawal struct {
	ID        int64
	UserID    int64
	Address   string
	Amount    int64
	TxID      string
	Status    WithdrawalStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TipAudit pairs an outbound tip-class posting with its inbound
// counterpart for human-readable reporting. Each ledger entry appears in
// at most one audit row.
type TipAudit struct {
	ID            int64
	FromUserID    int64
	ToUserID      int64
	Amount        int64
	DebitEntryID  int64
	CreditEntryID int64
	CreatedAt     time.Time
}

// WatchedAddress maps a chain receiving address to the user it was
// assigned to. One active address per user in steady state, but
// historical multiples are tolerated.
type WatchedAddress struct {
	ID        int64
	UserID    int64
	Address   string
	Label     string
	CreatedAt time.Time
}
