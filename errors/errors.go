package errors

import "errors"

var (
	// ErrOutOfRange is returned when a block offset maps beyond the
	// configured counter space. Probes past end-of-device hit this; it is
	// harmless and callers treat it as "stop here".
	ErrOutOfRange = errors.New("block offset beyond configured bitmap size")

	// ErrNotFound is returned for create=false lookups on a counter page
	// that has never been allocated.
	ErrNotFound = errors.New("counter page has never been allocated")

	// ErrStale marks a bitmap whose on-disk record is no longer
	// trustworthy; the next activation must do a full resync.
	ErrStale = errors.New("bitmap is stale")

	// ErrFormat is returned when the on-disk superblock fails validation.
	ErrFormat = errors.New("invalid bitmap superblock")

	// ErrBusy is returned on configuration changes against an active bitmap.
	ErrBusy = errors.New("bitmap is active")

	// ErrInvalid is returned for malformed configuration values.
	ErrInvalid = errors.New("invalid bitmap configuration")

	// ErrShortFile is returned when the backing file cannot hold the bitmap.
	ErrShortFile = errors.New("bitmap file too short")

	ErrLockTimeout = errors.New("timeout when acquiring the bitmap file lock")

	// ErrOverlap is returned by the replicated backend when a bitmap page
	// write would land inside a member device's live data span.
	ErrOverlap = errors.New("bitmap page overlaps device data")
)
