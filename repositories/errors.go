package repositories

import "errors"

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrLedgerLockTimeout is returned when the ledger tail lock could not be
	// acquired in time, or a concurrent append won a uniqueness race
	ErrLedgerLockTimeout = errors.New("ledger lock not acquired")
)
