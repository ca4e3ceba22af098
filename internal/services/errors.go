package services

import "errors"

// Business-rule and validation errors returned to callers before any mutation.
// External-service failures after a local commit are never surfaced as errors;
// they are logged and recorded on the row's ledger_sync_status.
var (
	ErrSystemDisabled            = errors.New("escrow system is disabled")
	ErrDebtCeilingExceeded       = errors.New("debt ceiling exceeded")
	ErrNotFound                  = errors.New("not found")
	ErrNotFoundOrAlreadyReleased = errors.New("escrow not found or already released")
	ErrValidation                = errors.New("validation failed")
)
