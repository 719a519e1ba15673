package payout

import "errors"

var (
	ErrInsufficientTreasuryBalance = errors.New("insufficient treasury balance")
	ErrExternalCallFailed          = errors.New("external call failed")
	ErrPaymentNotVerified          = errors.New("payment could not be verified on-chain")
	ErrPaymentNotCompleted         = errors.New("payment not completed")
	ErrPayoutNotCompleted          = errors.New("creator payout not completed")
	ErrPayoutInProgress            = errors.New("payout is being processed")
	ErrForbidden                   = errors.New("purchase belongs to another buyer")
	ErrRailNotConfigured           = errors.New("rail not configured")
)
