package bitmap

import (
	"github.com/ldzhong/cluster-md/configs"
	"github.com/ldzhong/cluster-md/counts"
)

// StartWrite records intent for a write of size blocks at offset. Every
// covered chunk's counter is raised; a 0 counter jumps to 2 (dirty) and the
// on-disk bit is set. When a counter sits at CounterMax the caller sleeps
// on the store's overflow cond until an EndWrite frees a slot — the count
// must never wrap.
//
// behind asks for write-behind bookkeeping: a separate outstanding counter
// used only for backpressure reporting.
func (b *Bitmap) StartWrite(offset, size uint64, behind bool) {
	if behind {
		b.behindMu.Lock()
		b.behindWrites++
		if b.behindWrites > b.behindUsed {
			b.behindUsed = b.behindWrites
		}
		configs.DPrintf("inc write-behind count %d/%d", b.behindWrites, b.opt.WriteBehind)
		b.behindMu.Unlock()
	}

	for size > 0 {
		b.counts.Lock()
		bmc, blocks, err := b.counts.GetCounter(offset, true)
		if err != nil {
			b.counts.Unlock()
			return
		}

		if bmc.Value() == counts.CounterMax {
			// Wait reopens the latch while parked and retakes it on wake;
			// loop back and re-inspect, another writer may have raced us.
			b.counts.Overflow.Wait()
			b.counts.Unlock()
			continue
		}

		switch *bmc {
		case 0:
			b.setFileBit(offset)
			b.counts.CountPage(offset, 1)
			fallthrough
		case 1:
			*bmc = 2
		}
		*bmc++
		b.counts.Unlock()

		offset += blocks
		if size > blocks {
			size -= blocks
		} else {
			size = 0
		}
	}
	b.Wake()
}

// EndWrite completes a StartWrite. A failed write marks every covered chunk
// NEEDED. A successful write on a non-degraded array advances the
// clean-through event number, which schedules a superblock rewrite on the
// next sweep. Counters dropping to 2 or below flag their page for aging.
func (b *Bitmap) EndWrite(offset, size uint64, success, behind bool) {
	if behind {
		b.behindMu.Lock()
		b.behindWrites--
		if b.behindWrites == 0 {
			b.behindCond.Broadcast()
		}
		configs.DPrintf("dec write-behind count %d/%d", b.behindWrites, b.opt.WriteBehind)
		b.behindMu.Unlock()
	}

	for size > 0 {
		b.counts.Lock()
		bmc, blocks, err := b.counts.GetCounter(offset, false)
		if err != nil {
			b.counts.Unlock()
			return
		}

		if success && !b.array.Degraded() && b.eventsCleared < b.array.Events() {
			b.eventsCleared = b.array.Events()
			b.needSync = true
		}
		if !success && !bmc.Needed() {
			*bmc |= counts.NeededMask
		}
		if bmc.Value() == counts.CounterMax {
			b.counts.Overflow.Broadcast()
		}
		*bmc--
		if *bmc <= 2 {
			b.counts.SetPending(offset)
			b.allclean = false
		}
		b.counts.Unlock()

		offset += blocks
		if size > blocks {
			size -= blocks
		} else {
			size = 0
		}
	}
}

// BehindWrites reports the outstanding write-behind count and its
// high-water mark.
func (b *Bitmap) BehindWrites() (current, used int64) {
	b.behindMu.Lock()
	defer b.behindMu.Unlock()
	return b.behindWrites, b.behindUsed
}

// WaitBehind blocks until all write-behind I/O has completed.
func (b *Bitmap) WaitBehind() {
	b.behindMu.Lock()
	for b.behindWrites > 0 {
		b.behindCond.Wait()
	}
	b.behindMu.Unlock()
}
