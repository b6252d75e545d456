package bitmap

import (
	"time"

	"github.com/ldzhong/cluster-md/counts"
	"github.com/ldzhong/cluster-md/storage"
)

// DaemonWork runs one scheduler sweep. Exactly one sweep runs at a time,
// mutually exclusive with resize and teardown.
//
// The sweep ages counters down: a counter of 1 with no pending superblock
// update is provably idle and drops to 0 (bit cleared); a counter of 1 or 2
// otherwise clamps to 1 and cools for another cycle. Pages whose aging
// decision must survive a crash are promoted PENDING -> NEEDWRITE first,
// then written out in index order — stopping at the first DIRTY page, which
// the unplug path must write and wait on itself so the superblock ordering
// is preserved.
func (b *Bitmap) DaemonWork() {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	if b.destroyed {
		return
	}

	b.counts.Lock()
	if b.allclean {
		b.counts.Unlock()
		return
	}
	b.allclean = true
	b.counts.Unlock()

	// Any PENDING page needs to be written now, so a crash after this
	// sweep's clears cannot lose the aging decision.
	if b.store != nil {
		for j := 0; j < b.store.Pages(); j++ {
			if b.store.TestAndClearAttr(j, storage.PagePending) {
				b.store.SetAttr(j, storage.PageNeedWrite)
			}
		}
	}

	b.counts.Lock()
	if b.needSync {
		// A clean-through update is owed: stage the superblock rewrite
		// together with the other changes.
		b.needSync = false
		if b.store != nil {
			b.refreshSuper()
			b.store.SetAttr(0, storage.PageNeedWrite)
		}
	}

	cshift := b.counts.ChunkShift()
	nextpage := uint64(0)
	for j := uint64(0); j < b.counts.Chunks(); j++ {
		if j == nextpage {
			nextpage += counts.PageCounterRatio
			pageIdx := int(j >> counts.PageCounterShift)
			if !b.counts.PagePending(pageIdx) {
				// Skip the whole page.
				j |= counts.PageCounterMask
				continue
			}
			b.counts.ClearPagePending(pageIdx)
		}

		block := j << cshift
		bmc, _, err := b.counts.GetCounter(block, false)
		if err != nil || bmc == nil {
			j |= counts.PageCounterMask
			continue
		}
		if *bmc == 1 && !b.needSync {
			// Provably idle, clear the bit.
			*bmc = 0
			b.counts.CountPage(block, -1)
			b.clearFileBit(block)
		} else if *bmc != 0 && *bmc <= 2 {
			*bmc = 1
			b.counts.SetPending(block)
			b.allclean = false
		}
	}
	b.counts.Unlock()

	if b.store == nil || b.Stale() {
		return
	}
	for j := 0; j < b.store.Pages(); j++ {
		if b.store.TestAttr(j, storage.PageDirty) {
			// Unplug writes and waits on DIRTY pages; nothing after this
			// one may be written first.
			break
		}
		if b.store.TestAndClearAttr(j, storage.PageNeedWrite) {
			b.store.WritePage(j, false)
		}
	}
	if b.store.WriteError() {
		b.kickStale()
	}
}

// Allclean reports whether the last sweep left nothing to age or write.
func (b *Bitmap) Allclean() bool {
	b.counts.Lock()
	defer b.counts.Unlock()
	return b.allclean
}

// RunDaemon starts the sweep goroutine. When a sweep finds everything clean
// the timer stays disarmed until new write intent wakes it.
func (b *Bitmap) RunDaemon() {
	go func() {
		timer := time.NewTimer(b.opt.DaemonSleep)
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				b.DaemonWork()
				if !b.Allclean() {
					timer.Reset(b.opt.DaemonSleep)
				}
			case <-b.wake:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(b.opt.DaemonSleep)
			case <-b.stop:
				return
			}
		}
	}()
}

// Wake re-arms the sweep timer after new write intent. Never blocks.
func (b *Bitmap) Wake() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Unplug flushes every DIRTY and NEEDWRITE page and waits for the DIRTY
// ones: the array must not issue dependent writes before the set bits that
// cover them are durable.
func (b *Bitmap) Unplug() {
	if b.store == nil || b.Stale() {
		return
	}
	wait := false
	for i := 0; i < b.store.Pages(); i++ {
		dirty := b.store.TestAndClearAttr(i, storage.PageDirty)
		needWrite := b.store.TestAndClearAttr(i, storage.PageNeedWrite)
		if dirty || needWrite {
			b.store.ClearAttr(i, storage.PagePending)
			b.store.WritePage(i, false)
		}
		if dirty {
			wait = true
		}
	}
	if wait {
		b.store.WaitWrites()
	}
	if b.store.WriteError() {
		b.kickStale()
	}
}

// Flush drains pending updates at shutdown: a few quick sweeps age the
// cooling counters down, then the final unplug makes everything durable.
func (b *Bitmap) Flush() {
	for i := 0; i < 3; i++ {
		b.DaemonWork()
	}
	b.Unplug()
}

// WriteAll schedules every persistence page for write-back, used after the
// on-disk state must be rebuilt wholesale (e.g. a replicated member
// rejoined).
func (b *Bitmap) WriteAll() {
	if b.store == nil {
		return
	}
	for i := 0; i < b.store.Pages(); i++ {
		b.store.SetAttr(i, storage.PageNeedWrite)
	}
	b.counts.Lock()
	b.allclean = false
	b.counts.Unlock()
	b.Wake()
}
