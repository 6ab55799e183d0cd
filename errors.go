package monsoon

import "errors"

// Error kinds surfaced across the public API. Callers should use
// errors.Is against these sentinels rather than comparing strings.
var (
	ErrLockBusy           = errors.New("monsoon: database file is locked by another engine instance")
	ErrIO                 = errors.New("monsoon: i/o failure")
	ErrDecode             = errors.New("monsoon: block decode failure")
	ErrNotFound           = errors.New("monsoon: key not found")
	ErrNotTxProc          = errors.New("monsoon: mutation attempted by a caller that does not hold the open transaction")
	ErrTxAlreadyStarted   = errors.New("monsoon: caller already holds an open transaction")
	ErrTxOccupied         = errors.New("monsoon: another caller already holds an open transaction")
	ErrWrongWritePosition = errors.New("monsoon: internal write queue position mismatch")
)
