package domain

import "errors"

var (
	ErrAccountNotFound      = errors.New("account_not_found")
	ErrInvalidExternalKey   = errors.New("invalid_external_key")
	ErrInvalidAccountKind   = errors.New("invalid_account_kind")
	ErrInvalidBillingMode   = errors.New("invalid_billing_mode")
	ErrAccountSuspended     = errors.New("account_suspended")
	ErrCreditModeNeedsFunds = errors.New("credit_mode_requires_available_balance")
)
