package configs

import "time"

// //// System parameters //////
const (
	FlockDefaultTimeout time.Duration = 50 * time.Millisecond
	FlockMaximumRetry   time.Duration = 10
)

// //// Bitmap defaults //////
const (
	// DefaultChunkSize is used when no persistent superblock exists.
	DefaultChunkSize uint64 = 64 * 1024 * 1024

	// DefaultDaemonSleep is the fallback sweep interval when the stored one
	// is zero or out of range.
	DefaultDaemonSleep = 5 * time.Second

	// MaxDaemonSleep bounds the stored sweep interval on load.
	MaxDaemonSleep = 24 * time.Hour

	// MinChunkSize is the smallest legal chunk, in bytes.
	MinChunkSize uint64 = 512
)

// //// Debugging parameters //////
const (
	ShowDebugInfo = false
	ShowWarnings  = false || ShowDebugInfo
)
