package counts

import (
	"testing"

	"github.com/magiconair/properties/assert"

	wiErr "github.com/ldzhong/cluster-md/errors"
)

const testShift = 10 // 1024 blocks per chunk

func blockOf(chunk uint64) uint64 { return chunk << testShift }

func TestGetCounterAllocates(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	assert.Equal(t, s.Pages(), 2, "two pages expected for 3000 chunks")
	assert.Equal(t, s.MissingPages(), 2, "nothing allocated yet")

	s.Lock()
	defer s.Unlock()
	bmc, blocks, err := s.GetCounter(blockOf(5), true)
	assert.Equal(t, err, nil, "create lookup failed")
	assert.Equal(t, blocks, uint64(1)<<testShift, "span of one chunk expected")
	assert.Equal(t, *bmc, Counter(0), "fresh counter must be clean")
	assert.Equal(t, s.MissingPages(), 1, "first page should be allocated")
	assert.Equal(t, s.PageAllocated(0), true, "page 0 allocated")
}

func TestGetCounterSpansWithinChunk(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	s.Lock()
	defer s.Unlock()
	// An offset in the middle of a chunk spans only to the chunk end.
	_, blocks, err := s.GetCounter(blockOf(5)+100, true)
	assert.Equal(t, err, nil, "create lookup failed")
	assert.Equal(t, blocks, uint64(1)<<testShift-100, "span to chunk end expected")
}

func TestGetCounterOutOfRange(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	s.Lock()
	defer s.Unlock()
	_, _, err := s.GetCounter(blockOf(5000), true)
	assert.Equal(t, err, wiErr.ErrOutOfRange, "probe past the end must be out of range")
}

func TestGetCounterNotFound(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	s.Lock()
	defer s.Unlock()
	_, blocks, err := s.GetCounter(blockOf(5), false)
	assert.Equal(t, err, wiErr.ErrNotFound, "read-only lookup on a missing page")
	if blocks == 0 {
		t.Fatal("span must still be reported for read-only misses")
	}
}

func TestHijackOnAllocationFailure(t *testing.T) {
	s := NewStore(testShift, 3000, 1)
	s.Lock()
	defer s.Unlock()

	// Page 0 consumes the whole quota.
	_, _, err := s.GetCounter(blockOf(0), true)
	assert.Equal(t, err, nil, "first page must allocate")

	// Page 1 cannot allocate and must be hijacked, not fail.
	lo, blocks, err := s.GetCounter(blockOf(PageCounterRatio), true)
	assert.Equal(t, err, nil, "hijacked lookup must succeed")
	assert.Equal(t, s.PageHijacked(1), true, "page 1 should be hijacked")
	assert.Equal(t, blocks, uint64(1)<<(testShift+PageCounterShift-1),
		"hijacked counter covers half a page's chunk span")

	// The two hijack counters are distinct and cover the two halves.
	hi, _, err := s.GetCounter(blockOf(PageCounterRatio+PageCounterRatio/2), true)
	assert.Equal(t, err, nil, "second-half lookup must succeed")
	if lo == hi {
		t.Fatal("both halves of a hijacked page map to one counter")
	}

	// Drain the page back to idle: the hijack flag clears so a future
	// write retries a real allocation.
	*lo = 1
	s.CountPage(blockOf(PageCounterRatio), 1)
	*lo = 0
	s.CountPage(blockOf(PageCounterRatio), -1)
	assert.Equal(t, s.PageHijacked(1), false, "idle page must drop the hijack flag")

	// Free page 0 and retry: the allocation now goes through.
	s.CountPage(blockOf(0), 1)
	s.CountPage(blockOf(0), -1)
	_, _, err = s.GetCounter(blockOf(PageCounterRatio), true)
	assert.Equal(t, err, nil, "retried lookup must succeed")
	assert.Equal(t, s.PageAllocated(1), true, "retry should allocate for real")
}

func TestCheckFreeReleasesIdlePage(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	s.Lock()
	defer s.Unlock()

	bmc, _, _ := s.GetCounter(blockOf(3), true)
	*bmc = 2
	s.CountPage(blockOf(3), 1)
	assert.Equal(t, s.MissingPages(), 1, "page 0 busy")

	*bmc = 0
	s.CountPage(blockOf(3), -1)
	assert.Equal(t, s.MissingPages(), 2, "idle page must be released")
	assert.Equal(t, s.PageAllocated(0), false, "page 0 freed")
}

func TestPendingFlag(t *testing.T) {
	s := NewStore(testShift, 3000, 0)
	s.Lock()
	defer s.Unlock()
	assert.Equal(t, s.PagePending(0), false, "fresh page is not pending")
	s.SetPending(blockOf(7))
	assert.Equal(t, s.PagePending(0), true, "pending after SetPending")
	s.ClearPagePending(0)
	assert.Equal(t, s.PagePending(0), false, "cleared")
}

func TestCounterFlags(t *testing.T) {
	c := Counter(5) | NeededMask
	assert.Equal(t, c.Value(), uint16(5), "flags must not leak into the value")
	assert.Equal(t, c.Needed(), true, "needed flag set")
	assert.Equal(t, c.Resync(), false, "resync flag clear")
}
