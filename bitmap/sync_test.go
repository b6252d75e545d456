package bitmap

import (
	"testing"

	"github.com/magiconair/properties/assert"

	"github.com/ldzhong/cluster-md/counts"
)

func TestSyncNeededLifecycle(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.SetMemoryBits(0, true)
	c := counterAt(b, 0)
	assert.Equal(t, c.Needed(), true)
	assert.Equal(t, c.Value(), uint16(2))

	needed, blocks := b.StartSync(0, false)
	assert.Equal(t, needed, true)
	assert.Equal(t, blocks >= syncSpanBlocks, true)

	c = counterAt(b, 0)
	assert.Equal(t, c.Resync(), true)
	assert.Equal(t, c.Needed(), false)

	b.EndSync(0, false)
	c = counterAt(b, 0)
	assert.Equal(t, c.Resync(), false)
	assert.Equal(t, c, counts.Counter(2))

	// The counter cools down like any completed write.
	b.DaemonWork()
	b.DaemonWork()
	assert.Equal(t, counterAt(b, 0), counts.Counter(0))
}

func TestStartSyncCleanRange(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	needed, blocks := b.StartSync(0, false)
	assert.Equal(t, needed, false)
	assert.Equal(t, blocks >= syncSpanBlocks, true)
}

func TestEndSyncAbortRearmsNeeded(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.SetMemoryBits(0, true)
	needed, _ := b.StartSync(0, false)
	assert.Equal(t, needed, true)

	b.EndSync(0, true)
	c := counterAt(b, 0)
	assert.Equal(t, c.Resync(), false)
	assert.Equal(t, c.Needed(), true)

	// The chunk gets picked up again on the next pass.
	needed, _ = b.StartSync(0, false)
	assert.Equal(t, needed, true)
	assert.Equal(t, counterAt(b, 0).Resync(), true)
}

func TestDegradedSyncKeepsNeeded(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.SetMemoryBits(0, true)
	needed, _ := b.StartSync(0, true)
	assert.Equal(t, needed, true)

	// A degraded pass reports the chunk but must not consume it.
	c := counterAt(b, 0)
	assert.Equal(t, c.Needed(), true)
	assert.Equal(t, c.Resync(), false)
}

func TestCloseSyncRetiresWholePass(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	for chunk := uint64(0); chunk < 8; chunk++ {
		b.SetMemoryBits(chunk*testChunkSpan, true)
	}
	var offset uint64
	for offset < b.array.SyncSize() {
		_, blocks := b.StartSync(offset, false)
		if blocks == 0 {
			break
		}
		offset += blocks
	}
	b.CloseSync()

	for chunk := uint64(0); chunk < 8; chunk++ {
		c := counterAt(b, chunk*testChunkSpan)
		assert.Equal(t, c.Resync(), false)
		assert.Equal(t, c.Needed(), false)
	}
}

func TestCondEndSyncRateLimited(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.SetMemoryBits(0, true)
	b.StartSync(0, false)

	// First call after activation runs; the cursor is past chunk 0.
	b.CondEndSync(2 * testChunkSpan)
	assert.Equal(t, counterAt(b, 0).Resync(), false)

	b.SetMemoryBits(testChunkSpan, true)
	b.StartSync(testChunkSpan, false)

	// Within the sweep interval nothing is retired.
	b.CondEndSync(4 * testChunkSpan)
	assert.Equal(t, counterAt(b, testChunkSpan).Resync(), true)
}

func TestSetMemoryBitsOnlyWhenClean(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.StartWrite(0, 8, false)
	b.SetMemoryBits(0, true)

	// An in-flight counter is left alone.
	c := counterAt(b, 0)
	assert.Equal(t, c, counts.Counter(3))
	b.EndWrite(0, 8, true, false)
}

func TestDirtyBitsMarksRange(t *testing.T) {
	b, _ := newTestBitmap()
	defer b.Destroy()

	b.DirtyBits(2, 5)
	for chunk := uint64(2); chunk <= 5; chunk++ {
		c := counterAt(b, chunk*testChunkSpan)
		assert.Equal(t, c.Needed(), true)
		assert.Equal(t, c.Value(), uint16(2))
	}
	assert.Equal(t, counterAt(b, testChunkSpan), counts.Counter(0))
	assert.Equal(t, counterAt(b, 6*testChunkSpan), counts.Counter(0))
}
