package counts

// A Counter records the in-flight writes against one chunk. The low 14 bits
// are a saturating count; the top two bits are the sticky state flags.
type Counter uint16

const (
	// NeededMask marks a chunk that must be resynced.
	NeededMask Counter = 1 << 15
	// ResyncMask marks a chunk that is currently being resynced.
	ResyncMask Counter = 1 << 14
	// CounterMax is the largest in-flight count the low bits can hold.
	// Writers at CounterMax block until an EndWrite frees a slot.
	CounterMax = 1<<14 - 1
)

const (
	// PageSize is the allocation unit for counter pages and the on-disk
	// write-back unit.
	PageSize = 4096

	counterBytes = 2

	// PageCounterRatio counters fit one page.
	PageCounterRatio = PageSize / counterBytes
	PageCounterShift = 11
	PageCounterMask  = PageCounterRatio - 1
)

// Value returns the in-flight count with the flag bits stripped.
func (c Counter) Value() uint16 { return uint16(c &^ (NeededMask | ResyncMask)) }

func (c Counter) Needed() bool { return c&NeededMask != 0 }

func (c Counter) Resync() bool { return c&ResyncMask != 0 }
