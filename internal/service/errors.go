package service

import "errors"

// Sentinel errors returned by the services. The API layer maps these to
// HTTP status codes; callers branch with errors.Is.
var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAmountTooLarge      = errors.New("amount exceeds the transfer ceiling")
	ErrSelfTransfer        = errors.New("cannot transfer to yourself")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrWalletUnavailable   = errors.New("wallet operations unavailable on this chain source")
)
