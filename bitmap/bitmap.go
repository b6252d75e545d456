// Package bitmap implements write-intent tracking for a redundant storage
// array: a two-level counter store records in-flight writes per chunk, a
// per-chunk state machine decides when a chunk is dirty, resyncing or clean,
// and a daemon sweep ages counters down and writes the on-disk bitmap back
// page by page. The bitmap is advisory: losing it never blocks array I/O,
// it only forces a fuller resync later.
package bitmap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ldzhong/cluster-md/configs"
	"github.com/ldzhong/cluster-md/counts"
	wiErr "github.com/ldzhong/cluster-md/errors"
	"github.com/ldzhong/cluster-md/storage"
)

// blockShift converts 512-byte blocks to bytes. All offsets and sizes below
// are in blocks.
const blockShift = 9

// ArrayState is what the bitmap needs to know about the array it serves.
type ArrayState interface {
	// Degraded reports whether the array is missing members. No bit state
	// changes while degraded: a degraded sync must not clear anything.
	Degraded() bool
	// Events is the array's monotonically increasing event counter.
	Events() uint64
	// SyncSize is the resync span in blocks.
	SyncSize() uint64
	// Quiesce pauses (true) or resumes (false) array I/O around resize.
	Quiesce(pause bool)
}

// Options carries the activation parameters. A valid on-disk superblock
// overrides ChunkSize, DaemonSleep, WriteBehind and Nodes on Open.
type Options struct {
	UUID            [16]byte
	ChunkSize       uint64 // bytes per chunk, power of two >= 512
	DaemonSleep     time.Duration
	WriteBehind     uint32
	PageQuota       int // counter-page quota, 0 = unlimited
	Nodes           uint32
	SectorsReserved uint32
}

// Bitmap is one active write-intent bitmap instance.
type Bitmap struct {
	array  ArrayState
	logger *zap.Logger
	opt    Options

	counts *counts.Store
	store  *storage.FileStore // nil for a non-persistent bitmap

	flags uint32 // storage.State* bits, atomic

	// The fields below are guarded by the counter-store latch.
	sb            storage.Super
	eventsCleared uint64
	needSync      bool
	allclean      bool

	behindMu     sync.Mutex
	behindCond   *sync.Cond
	behindWrites int64
	behindUsed   int64

	sweepMu   sync.Mutex // serializes daemon sweep vs resize vs destroy
	destroyed bool

	lastEndSync time.Time

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func chunkShiftOf(chunkSize uint64) uint { return configs.Shift(chunkSize) - blockShift }

func checkChunkSize(chunkSize uint64) error {
	if chunkSize < configs.MinChunkSize || !configs.IsPowerOf2(chunkSize) {
		return fmt.Errorf("%w: chunk size %d", wiErr.ErrInvalid, chunkSize)
	}
	return nil
}

func newBitmap(array ArrayState, backend storage.Backend, opt Options, logger *zap.Logger) *Bitmap {
	if logger == nil {
		logger = configs.Logger
	}
	cshift := chunkShiftOf(opt.ChunkSize)
	chunkBlocks := uint64(1) << cshift
	chunks := (array.SyncSize() + chunkBlocks - 1) >> cshift

	b := &Bitmap{
		array:  array,
		logger: logger,
		opt:    opt,
		counts: counts.NewStore(cshift, chunks, opt.PageQuota),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	b.behindCond = sync.NewCond(&b.behindMu)
	if backend != nil {
		b.store = storage.NewFileStore(backend, chunks, true, logger)
	}
	return b
}

func normalize(opt *Options) error {
	if err := checkChunkSize(opt.ChunkSize); err != nil {
		return err
	}
	if opt.DaemonSleep < time.Second || opt.DaemonSleep > configs.MaxDaemonSleep {
		opt.DaemonSleep = configs.DefaultDaemonSleep
	}
	if opt.WriteBehind > counts.CounterMax {
		opt.WriteBehind = counts.CounterMax / 2
	}
	return nil
}

// Create activates a brand-new bitmap. The fresh superblock carries the
// stale flag so that an interrupted first activation still forces a full
// resync.
func Create(array ArrayState, backend storage.Backend, opt Options, logger *zap.Logger) (*Bitmap, error) {
	if err := normalize(&opt); err != nil {
		return nil, err
	}
	b := newBitmap(array, backend, opt, logger)

	version := storage.MajorHi
	if opt.Nodes > 0 {
		version = storage.MajorClustered
	}
	b.flags = storage.StateStale
	b.eventsCleared = array.Events()
	b.sb = storage.Super{
		Magic:           storage.Magic,
		Version:         version,
		UUID:            opt.UUID,
		Events:          array.Events(),
		EventsCleared:   array.Events(),
		State:           b.flags,
		ChunkSize:       uint32(opt.ChunkSize),
		DaemonSleep:     uint32(opt.DaemonSleep / time.Second),
		WriteBehind:     opt.WriteBehind,
		SyncSize:        array.SyncSize(),
		SectorsReserved: opt.SectorsReserved,
		Nodes:           opt.Nodes,
	}
	if b.store != nil {
		b.store.WriteSuper(&b.sb)
	}
	return b, nil
}

// Open activates a bitmap over an existing on-disk record. The superblock
// is the authority: its chunk size, sweep interval, write-behind limit and
// node count replace whatever Options carries. Format errors surface to the
// caller, who decides whether to rebuild from scratch.
func Open(array ArrayState, backend storage.Backend, opt Options, logger *zap.Logger) (*Bitmap, error) {
	buf := make([]byte, counts.PageSize)
	if err := backend.ReadPage(0, buf); err != nil {
		return nil, err
	}
	sb, err := storage.UnmarshalSuper(buf[:storage.SuperSize])
	if err != nil {
		return nil, err
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}
	var zero [16]byte
	if opt.UUID != zero && opt.UUID != sb.UUID {
		return nil, fmt.Errorf("%w: superblock UUID mismatch", wiErr.ErrFormat)
	}

	opt.ChunkSize = uint64(sb.ChunkSize)
	opt.DaemonSleep = time.Duration(sb.DaemonSleep) * time.Second
	opt.WriteBehind = sb.WriteBehind
	opt.Nodes = sb.Nodes
	opt.SectorsReserved = sb.SectorsReserved

	b := newBitmap(array, backend, opt, logger)
	b.sb = *sb
	b.flags = sb.State & (storage.StateStale | storage.StateWriteError | storage.StateHostEndian)
	b.eventsCleared = sb.EventsCleared
	if sb.Events < array.Events() {
		b.logger.Info("bitmap is out of date, forcing full recovery",
			zap.Uint64("bitmap_events", sb.Events),
			zap.Uint64("array_events", array.Events()))
		b.setFlags(storage.StateStale)
	}
	return b, nil
}

// Load reads the persistence pages and rebuilds the in-memory counters:
// every set bit becomes a "dirty, two references" counter. Chunks ending at
// or past start are marked NEEDED; earlier ones were already recovered. A
// stale bitmap is rewritten all-ones first and forces a full resync.
func (b *Bitmap) Load(start uint64) error {
	cshift := b.counts.ChunkShift()

	if b.store == nil {
		// No permanent bitmap: everything not yet recovered is needed.
		for chunk := uint64(0); chunk < b.counts.Chunks(); chunk++ {
			needed := (chunk+1)<<cshift >= start
			b.SetMemoryBits(chunk<<cshift, needed)
		}
		return nil
	}

	outofdate := b.Stale()
	if outofdate {
		b.logger.Info("bitmap is out of date, doing full recovery",
			zap.String("location", b.store.Location()))
	}

	for page := 0; page < b.store.Pages(); page++ {
		if err := b.store.ReadPage(page); err != nil {
			b.logger.Error("bitmap initialisation failed",
				zap.Int("page", page), zap.Error(err))
			return err
		}
		if outofdate {
			b.store.FillBits(page)
			b.store.WritePage(page, true)
		}
	}
	if b.store.WriteError() {
		b.kickStale()
		return wiErr.ErrStale
	}

	bitCnt := uint64(0)
	for chunk := uint64(0); chunk < b.counts.Chunks(); chunk++ {
		if b.store.TestBit(chunk) {
			needed := (chunk+1)<<cshift >= start
			b.SetMemoryBits(chunk<<cshift, needed)
			bitCnt++
		}
	}
	b.logger.Info("bitmap initialized from disk",
		zap.Int("pages", b.store.Pages()),
		zap.Uint64("bits_set", bitCnt),
		zap.Uint64("chunks", b.counts.Chunks()))

	// The in-memory state is authoritative again.
	b.clearFlags(storage.StateStale)
	b.counts.Lock()
	b.refreshSuper()
	b.allclean = false
	b.counts.Unlock()
	b.store.SetAttr(0, storage.PageNeedWrite)
	return nil
}

// Destroy stops the daemon and releases the storage. It excludes any
// in-flight sweep.
func (b *Bitmap) Destroy() {
	b.sweepMu.Lock()
	b.destroyed = true
	b.sweepMu.Unlock()
	b.stopOnce.Do(func() { close(b.stop) })
	if b.store != nil {
		b.store.WaitWrites()
		b.store.Close()
	}
}

// Stale reports whether the on-disk record has stopped being authoritative.
func (b *Bitmap) Stale() bool {
	return atomic.LoadUint32(&b.flags)&storage.StateStale != 0
}

func (b *Bitmap) setFlags(f uint32) {
	for {
		old := atomic.LoadUint32(&b.flags)
		if atomic.CompareAndSwapUint32(&b.flags, old, old|f) {
			return
		}
	}
}

func (b *Bitmap) clearFlags(f uint32) {
	for {
		old := atomic.LoadUint32(&b.flags)
		if atomic.CompareAndSwapUint32(&b.flags, old, old&^f) {
			return
		}
	}
}

// kickStale permanently demotes the bitmap after a page write failure: the
// record is no longer trustworthy, so every future activation does a full
// resync instead.
func (b *Bitmap) kickStale() {
	if b.Stale() {
		return
	}
	b.setFlags(storage.StateStale | storage.StateWriteError)
	loc := "none"
	if b.store != nil {
		loc = b.store.Location()
	}
	b.logger.Error("disabling bitmap due to write errors, forcing full resync on next activation",
		zap.String("location", loc))
	if b.store != nil {
		b.counts.Lock()
		b.refreshSuper()
		b.counts.Unlock()
		b.store.WritePage(0, true)
	}
}

// refreshSuper rebuilds the record image in page 0 from live state. Needs
// the counter-store latch. The clean-through counter only ever rolls back
// to a degraded array's clamp.
func (b *Bitmap) refreshSuper() {
	ev := b.array.Events()
	if ev < b.eventsCleared {
		b.eventsCleared = ev
	}
	b.sb.Events = ev
	b.sb.EventsCleared = b.eventsCleared
	b.sb.SyncSize = b.array.SyncSize()
	b.sb.ChunkSize = uint32(1) << (b.counts.ChunkShift() + blockShift)
	b.sb.State = atomic.LoadUint32(&b.flags)
	if b.store != nil {
		b.store.WriteSuper(&b.sb)
	}
}

// setFileBit dirties the on-disk bit for the chunk covering offset. The
// page becomes DIRTY: it must be written and waited on by Unplug before any
// dependent array write is issued.
func (b *Bitmap) setFileBit(offset uint64) {
	if b.store == nil {
		return
	}
	chunk := offset >> b.counts.ChunkShift()
	b.store.SetBit(chunk)
	b.store.SetAttr(b.store.PageIndex(chunk), storage.PageDirty)
}

// clearFileBit clears the on-disk bit once the daemon proved the chunk
// idle. Needs the counter-store latch.
func (b *Bitmap) clearFileBit(offset uint64) {
	if b.store == nil {
		return
	}
	chunk := offset >> b.counts.ChunkShift()
	b.store.ClearBit(chunk)
	pageIdx := b.store.PageIndex(chunk)
	if !b.store.TestAttr(pageIdx, storage.PageNeedWrite) {
		b.store.SetAttr(pageIdx, storage.PagePending)
		b.allclean = false
	}
}

// Status is the read-only management view.
type Status struct {
	Chunks       uint64
	ChunkSize    uint64
	Pages        int
	MissingPages int
	Location     string
	Stale        bool
	BehindWrites int64
	BehindUsed   int64
}

func (b *Bitmap) Status() Status {
	b.counts.Lock()
	missing := b.counts.MissingPages()
	pages := b.counts.Pages()
	cshift := b.counts.ChunkShift()
	chunks := b.counts.Chunks()
	b.counts.Unlock()

	b.behindMu.Lock()
	bw, bu := b.behindWrites, b.behindUsed
	b.behindMu.Unlock()

	loc := "none"
	if b.store != nil {
		loc = b.store.Location()
	}
	return Status{
		Chunks:       chunks,
		ChunkSize:    uint64(1) << (cshift + blockShift),
		Pages:        pages,
		MissingPages: missing,
		Location:     loc,
		Stale:        b.Stale(),
		BehindWrites: bw,
		BehindUsed:   bu,
	}
}
