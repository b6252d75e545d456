package counts

import (
	"sync"

	lock "github.com/viney-shih/go-lock"
	"go.uber.org/zap"

	"github.com/ldzhong/cluster-md/configs"
	wiErr "github.com/ldzhong/cluster-md/errors"
)

const (
	pageUnallocated = iota
	// pageHijacked reuses the page slot itself as two counters, each
	// covering half the page's chunk span. Entered when allocation fails;
	// left only once the page is fully idle again.
	pageHijacked
	pageAllocated
)

type page struct {
	mode     int
	counters []Counter  // PageCounterRatio entries when allocated
	hijack   [2]Counter // in use when hijacked
	count    int        // number of non-zero counters in this page
	pending  bool       // some counter here may need aging by the daemon
}

// Store is the two-level counter store: a fixed table of lazily allocated
// counter pages, each covering PageCounterRatio chunks.
//
// Every method below except Lock/Unlock requires the caller to hold the
// store latch. The critical section must not block on I/O; GetCounter drops
// and retakes the latch itself around page allocation.
type Store struct {
	latch lock.RWMutex

	// Overflow is broadcast whenever a counter leaves CounterMax. Writers
	// blocked on a full counter wait here; overflow is rare, so one wake
	// set per store is enough.
	Overflow *sync.Cond

	chunkshift uint
	chunks     uint64
	pages      []page
	missing    int
	allocated  int
	quota      int
}

// NewStore sizes a store for the given chunk count. chunkshift is the shift
// from 512-byte blocks to chunks. quota caps allocated counter pages
// (0 = unlimited); exceeding it behaves like an allocation failure and
// hijacks the page.
func NewStore(chunkshift uint, chunks uint64, quota int) *Store {
	mu := lock.NewCASMutex()
	n := int((chunks + PageCounterMask) >> PageCounterShift)
	return &Store{
		latch:      mu,
		Overflow:   sync.NewCond(mu),
		chunkshift: chunkshift,
		chunks:     chunks,
		pages:      make([]page, n),
		missing:    n,
		quota:      quota,
	}
}

func (s *Store) Lock()   { s.latch.Lock() }
func (s *Store) Unlock() { s.latch.Unlock() }

func (s *Store) ChunkShift() uint { return s.chunkshift }
func (s *Store) Chunks() uint64   { return s.chunks }
func (s *Store) Pages() int       { return len(s.pages) }

// MissingPages reports how many counter pages have never been allocated or
// were released when idle. Needs the latch.
func (s *Store) MissingPages() int { return s.missing }

// checkPage makes sure the counter page backing pageIdx exists, allocating
// it when create is set. The latch is dropped around the allocation and the
// page state re-validated afterwards, since another goroutine may have won
// the race meanwhile.
func (s *Store) checkPage(pageIdx int, create bool) error {
	if pageIdx >= len(s.pages) {
		// StartSync can probe past end-of-device while rounding up to a
		// whole page. Harmless.
		return wiErr.ErrOutOfRange
	}
	bp := &s.pages[pageIdx]
	if bp.mode != pageUnallocated {
		return nil
	}
	if !create {
		return wiErr.ErrNotFound
	}

	if s.quota > 0 && s.allocated >= s.quota {
		// Allocation failed: fall back to using the slot itself as two
		// counters rather than blocking the write.
		bp.mode = pageHijacked
		configs.Logger.Warn("counter page allocation failed, hijacking",
			zap.Int("page", pageIdx))
		return nil
	}

	s.latch.Unlock()
	counters := make([]Counter, PageCounterRatio)
	s.latch.Lock()

	if bp.mode != pageUnallocated {
		// Somebody beat us to this page.
		return nil
	}
	bp.mode = pageAllocated
	bp.counters = counters
	s.allocated++
	s.missing--
	return nil
}

// checkFree releases a fully idle page, or clears the hijacked flag so a
// later write retries a real allocation.
func (s *Store) checkFree(pageIdx int) {
	bp := &s.pages[pageIdx]
	if bp.count > 0 {
		return
	}
	switch bp.mode {
	case pageHijacked:
		bp.mode = pageUnallocated
		bp.hijack[0], bp.hijack[1] = 0, 0
	case pageAllocated:
		bp.mode = pageUnallocated
		bp.counters = nil
		s.allocated--
		s.missing++
	}
}

// GetCounter returns the counter covering the block at offset together with
// the number of blocks it actually spans. The span widens to half a page's
// worth of chunks when the covering page is hijacked or absent.
//
// Needs the latch; may drop and retake it when create is set.
func (s *Store) GetCounter(offset uint64, create bool) (*Counter, uint64, error) {
	chunk := offset >> s.chunkshift
	pageIdx := int(chunk >> PageCounterShift)
	pageOff := int(chunk & PageCounterMask)

	err := s.checkPage(pageIdx, create)
	if err == wiErr.ErrOutOfRange {
		// Still report a span so page-aligned probes can advance past
		// end-of-device.
		csize := uint64(1) << (s.chunkshift + PageCounterShift - 1)
		return nil, csize - (offset & (csize - 1)), err
	}

	bp := &s.pages[pageIdx]
	var csize uint64
	if bp.mode == pageAllocated {
		csize = uint64(1) << s.chunkshift
	} else {
		csize = uint64(1) << (s.chunkshift + PageCounterShift - 1)
	}
	blocks := csize - (offset & (csize - 1))

	if err != nil {
		return nil, blocks, err
	}
	if bp.mode == pageHijacked {
		hi := 0
		if pageOff >= PageCounterRatio/2 {
			hi = 1
		}
		return &bp.hijack[hi], blocks, nil
	}
	return &bp.counters[pageOff], blocks, nil
}

// CountPage adjusts the busy-reference count of the page covering offset.
// The count must always equal the number of non-zero counters in the page;
// a zero count releases the page.
func (s *Store) CountPage(offset uint64, inc int) {
	chunk := offset >> s.chunkshift
	pageIdx := int(chunk >> PageCounterShift)
	bp := &s.pages[pageIdx]
	bp.count += inc
	configs.Assert(bp.count >= 0, "counts.CountPage: busy count underflow")
	s.checkFree(pageIdx)
}

// SetPending flags the page covering offset for the daemon's next aging
// pass.
func (s *Store) SetPending(offset uint64) {
	chunk := offset >> s.chunkshift
	pageIdx := int(chunk >> PageCounterShift)
	if !s.pages[pageIdx].pending {
		s.pages[pageIdx].pending = true
	}
}

// PagePending reports and clears handling for the daemon walk.
func (s *Store) PagePending(pageIdx int) bool { return s.pages[pageIdx].pending }

func (s *Store) ClearPagePending(pageIdx int) { s.pages[pageIdx].pending = false }

// PageHijacked is a status probe used by tests and the status surface.
func (s *Store) PageHijacked(pageIdx int) bool { return s.pages[pageIdx].mode == pageHijacked }

func (s *Store) PageAllocated(pageIdx int) bool { return s.pages[pageIdx].mode == pageAllocated }
