package bitmap

import (
	"time"

	"github.com/ldzhong/cluster-md/counts"
)

// syncSpanBlocks is the granularity StartSync reports on: a whole
// page-equivalent range, so resync progress tracking stays page-aligned.
const syncSpanBlocks = counts.PageSize >> blockShift

// startSyncChunk probes one counter. NEEDED converts to RESYNC as a side
// effect, but only when the array is healthy — a degraded sync must not
// clear anything it cannot actually repair.
func (b *Bitmap) startSyncChunk(offset uint64, degraded bool) (bool, uint64) {
	b.counts.Lock()
	defer b.counts.Unlock()

	bmc, blocks, err := b.counts.GetCounter(offset, false)
	if err != nil || bmc == nil {
		return false, blocks
	}
	if bmc.Resync() {
		return true, blocks
	}
	if bmc.Needed() {
		if !degraded {
			*bmc |= counts.ResyncMask
			*bmc &^= counts.NeededMask
		}
		return true, blocks
	}
	return false, blocks
}

// StartSync reports whether the range at offset needs resync, always
// covering at least a page-equivalent span by accumulating sub-probes and
// OR-ing their answers. It never blocks.
func (b *Bitmap) StartSync(offset uint64, degraded bool) (needed bool, blocks uint64) {
	for blocks < syncSpanBlocks {
		rv, span := b.startSyncChunk(offset, degraded)
		needed = needed || rv
		if span == 0 {
			break
		}
		offset += span
		blocks += span
	}
	return needed, blocks
}

// EndSync completes one resync span. An aborted sync re-arms NEEDED so the
// chunk is retried; a successful one leaves the counter cooling down for
// the daemon. It never blocks.
func (b *Bitmap) EndSync(offset uint64, aborted bool) (blocks uint64) {
	b.counts.Lock()
	defer b.counts.Unlock()

	bmc, blocks, err := b.counts.GetCounter(offset, false)
	if err != nil || bmc == nil {
		return blocks
	}
	if bmc.Resync() {
		*bmc &^= counts.ResyncMask
		if !bmc.Needed() && aborted {
			*bmc |= counts.NeededMask
		} else if *bmc <= 2 {
			b.counts.SetPending(offset)
			b.allclean = false
		}
	}
	return blocks
}

// CloseSync clears RESYNC wherever it is still set once the whole sync pass
// has finished; aborted chunks were already re-armed by EndSync.
func (b *Bitmap) CloseSync() {
	var offset uint64
	for offset < b.array.SyncSize() {
		blocks := b.EndSync(offset, false)
		if blocks == 0 {
			break
		}
		offset += blocks
	}
}

// CondEndSync retires RESYNC state behind the resync cursor, rate-limited
// to once per sweep interval so a long resync still makes progress visible.
func (b *Bitmap) CondEndSync(sector uint64) {
	if sector == 0 {
		b.lastEndSync = time.Now()
		return
	}
	if time.Since(b.lastEndSync) < b.opt.DaemonSleep {
		return
	}
	sector &^= uint64(1)<<b.counts.ChunkShift() - 1
	var s uint64
	for s < sector && s < b.array.SyncSize() {
		blocks := b.EndSync(s, false)
		if blocks == 0 {
			break
		}
		s += blocks
	}
	b.lastEndSync = time.Now()
}

// SetMemoryBits forces the chunk covering offset to "dirty with 2
// references", optionally NEEDED. Only legal on a currently-clean counter;
// used when bootstrapping full-resync state or loading stale bitmaps.
func (b *Bitmap) SetMemoryBits(offset uint64, needed bool) {
	b.counts.Lock()
	defer b.counts.Unlock()

	bmc, _, err := b.counts.GetCounter(offset, true)
	if err != nil {
		return
	}
	if *bmc == 0 {
		*bmc = 2
		if needed {
			*bmc |= counts.NeededMask
		}
		b.counts.CountPage(offset, 1)
		b.counts.SetPending(offset)
		b.allclean = false
	}
}

// DirtyBits marks the chunk range [s, e] dirty in memory and on disk, as if
// writes against it were in flight. Used to assert staleness over a range.
func (b *Bitmap) DirtyBits(s, e uint64) {
	cshift := b.counts.ChunkShift()
	for chunk := s; chunk <= e; chunk++ {
		offset := chunk << cshift
		b.SetMemoryBits(offset, true)
		b.setFileBit(offset)
	}
	b.Wake()
}
