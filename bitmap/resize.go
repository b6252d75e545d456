package bitmap

import (
	"fmt"

	"github.com/jinzhu/copier"

	"github.com/ldzhong/cluster-md/configs"
	"github.com/ldzhong/cluster-md/counts"
	wiErr "github.com/ldzhong/cluster-md/errors"
	"github.com/ldzhong/cluster-md/storage"
)

// Resize changes the tracked span to blocks and optionally the chunk size.
// chunkSize == 0 picks one automatically: the current chunk size if the
// bitmap still fits the reserved on-disk space, else doubled until it does.
//
// A parallel counter store and persistence image are built, the superblock
// record carried over, and — with the array quiesced — every old chunk with
// NEEDED set is copied forward into the new chunk(s) covering the same
// address range and re-marked dirty on disk. Newly added address space is
// entirely NEEDED. Old storage is dropped only after the new one is fully
// installed. init skips the quiesce/flush dance for a not-yet-active array.
func (b *Bitmap) Resize(blocks uint64, chunkSize uint64, init bool) error {
	b.sweepMu.Lock()
	defer b.sweepMu.Unlock()
	if b.destroyed {
		return wiErr.ErrBusy
	}

	var cshift uint
	if chunkSize == 0 {
		space := uint64(b.sb.SectorsReserved)
		if space == 0 {
			// Unknown budget: limit to the current on-disk size.
			bytes := (b.counts.Chunks()+7)/8 + storage.SuperSize
			space = (bytes + 511) / 512
			b.sb.SectorsReserved = uint32(space)
			b.opt.SectorsReserved = b.sb.SectorsReserved
		}
		cshift = b.counts.ChunkShift() - 1
		for {
			cshift++
			chunks := (blocks + (uint64(1) << cshift) - 1) >> cshift
			bytes := (chunks+7)/8 + storage.SuperSize
			if bytes <= space*512 {
				break
			}
		}
	} else {
		if err := checkChunkSize(chunkSize); err != nil {
			return err
		}
		cshift = chunkShiftOf(chunkSize)
	}

	chunks := (blocks + (uint64(1) << cshift) - 1) >> cshift
	newCounts := counts.NewStore(cshift, chunks, b.opt.PageQuota)
	var newStore *storage.FileStore
	if b.store != nil {
		newStore = storage.NewFileStore(b.store.Backend(), chunks, true, b.logger)
	}

	if !init {
		b.array.Quiesce(true)
	}

	var sbCopy storage.Super
	if err := copier.CopyWithOption(&sbCopy, &b.sb, copier.Option{DeepCopy: true}); err != nil {
		if !init {
			b.array.Quiesce(false)
		}
		return fmt.Errorf("carrying superblock record forward: %w", err)
	}
	sbCopy.ChunkSize = uint32(1) << (cshift + blockShift)
	sbCopy.SyncSize = blocks
	if newStore != nil {
		newStore.WriteSuper(&sbCopy)
	}

	oldCounts := b.counts
	oldShift := oldCounts.ChunkShift()
	b.counts = newCounts
	b.store = newStore
	b.sb = sbCopy
	b.opt.ChunkSize = uint64(sbCopy.ChunkSize)

	limit := oldCounts.Chunks() << oldShift
	if chunks<<cshift < limit {
		limit = chunks << cshift
	}

	oldCounts.Lock()
	newCounts.Lock()

	var block uint64
	for block < limit {
		bmcOld, oldBlocks, err := oldCounts.GetCounter(block, false)
		if oldBlocks == 0 {
			break
		}
		if err == nil && bmcOld.Needed() {
			bmcNew, newBlocks, err2 := newCounts.GetCounter(block, true)
			if err2 == nil {
				if *bmcNew == 0 {
					// Dirty the on-disk bits for every new chunk the old
					// region covers.
					end := block + newBlocks
					for s := block >> cshift << cshift; s < end; s += uint64(1) << cshift {
						b.setFileBit(s)
					}
					*bmcNew = 2
					newCounts.CountPage(block, 1)
					newCounts.SetPending(block)
				}
				*bmcNew |= counts.NeededMask
				if newBlocks < oldBlocks {
					oldBlocks = newBlocks
				}
			}
		}
		block += oldBlocks
	}

	if !init {
		// Growth: everything past the old span must be resynced.
		for block < chunks<<cshift {
			bmc, newBlocks, err := newCounts.GetCounter(block, true)
			if newBlocks == 0 {
				break
			}
			if err == nil && *bmc == 0 {
				*bmc = counts.NeededMask | 2
				newCounts.CountPage(block, 1)
				newCounts.SetPending(block)
			}
			block += newBlocks
		}
		if newStore != nil {
			for i := 0; i < newStore.Pages(); i++ {
				newStore.SetAttr(i, storage.PageDirty)
			}
		}
	}
	b.allclean = false
	newCounts.Unlock()
	oldCounts.Unlock()

	if !init {
		b.Unplug()
		b.array.Quiesce(false)
	}
	configs.DPrintf("bitmap resized to %d chunks of %d bytes", chunks, b.opt.ChunkSize)
	return nil
}
