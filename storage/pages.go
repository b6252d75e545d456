package storage

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ldzhong/cluster-md/counts"
)

const pageSize = counts.PageSize

// Persistence-page attributes. DIRTY pages carry freshly set bits and must
// be written and waited on by the caller that set them (the unplug path).
// NEEDWRITE pages are scheduled for write-back by the daemon. PENDING pages
// hold bits being aged; the daemon rechecks them before the next decision.
const (
	PageDirty uint8 = 1 << iota
	PagePending
	PageNeedWrite
)

// Backend is the storage medium under the persistence pages. Both backends
// expose the same page read/write surface; everything above is agnostic.
type Backend interface {
	// WritePage persists one whole page. A failure fails the whole page,
	// never part of it. wait requests durability before returning.
	WritePage(idx int, data []byte, wait bool) error
	ReadPage(idx int, data []byte) error
	Location() string
	Close() error
}

// FileStore holds the in-memory image of the on-disk bitmap: one bit per
// chunk, packed into pages, plus per-page attributes and the write-back
// completion accounting.
type FileStore struct {
	mu   sync.Mutex
	cond *sync.Cond

	backend Backend
	pages   [][]byte
	attrs   []uint8
	bytes   int
	withSB  bool

	pending  int // in-flight page writes
	writeErr bool

	logger *zap.Logger
}

// NewFileStore sizes the page image for chunks bits, reserving leading room
// for the superblock record when co-located.
func NewFileStore(backend Backend, chunks uint64, withSB bool, logger *zap.Logger) *FileStore {
	bytes := int((chunks + 7) / 8)
	if withSB {
		bytes += SuperSize
	}
	n := (bytes + pageSize - 1) / pageSize
	fs := &FileStore{
		backend: backend,
		pages:   make([][]byte, n),
		attrs:   make([]uint8, n),
		bytes:   bytes,
		withSB:  withSB,
		logger:  logger,
	}
	fs.cond = sync.NewCond(&fs.mu)
	for i := range fs.pages {
		fs.pages[i] = make([]byte, pageSize)
	}
	return fs
}

func (fs *FileStore) Pages() int         { return len(fs.pages) }
func (fs *FileStore) Bytes() int         { return fs.bytes }
func (fs *FileStore) WithSuper() bool    { return fs.withSB }
func (fs *FileStore) Location() string   { return fs.backend.Location() }
func (fs *FileStore) Backend() Backend   { return fs.backend }
func (fs *FileStore) Close() error       { return fs.backend.Close() }

// bitIndex maps a chunk to its global bit position, past the superblock
// reservation.
func (fs *FileStore) bitIndex(chunk uint64) uint64 {
	if fs.withSB {
		return chunk + SuperSize*8
	}
	return chunk
}

// PageIndex returns the persistence page holding the bit for chunk.
func (fs *FileStore) PageIndex(chunk uint64) int {
	return int(fs.bitIndex(chunk) / (pageSize * 8))
}

func (fs *FileStore) SetBit(chunk uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b := fs.bitIndex(chunk)
	fs.pages[b/(pageSize*8)][(b/8)%pageSize] |= 1 << (b & 7)
}

func (fs *FileStore) ClearBit(chunk uint64) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b := fs.bitIndex(chunk)
	fs.pages[b/(pageSize*8)][(b/8)%pageSize] &^= 1 << (b & 7)
}

func (fs *FileStore) TestBit(chunk uint64) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b := fs.bitIndex(chunk)
	return fs.pages[b/(pageSize*8)][(b/8)%pageSize]&(1<<(b&7)) != 0
}

func (fs *FileStore) SetAttr(pageIdx int, attr uint8) {
	fs.mu.Lock()
	fs.attrs[pageIdx] |= attr
	fs.mu.Unlock()
}

func (fs *FileStore) ClearAttr(pageIdx int, attr uint8) {
	fs.mu.Lock()
	fs.attrs[pageIdx] &^= attr
	fs.mu.Unlock()
}

func (fs *FileStore) TestAttr(pageIdx int, attr uint8) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.attrs[pageIdx]&attr != 0
}

func (fs *FileStore) TestAndClearAttr(pageIdx int, attr uint8) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	set := fs.attrs[pageIdx]&attr != 0
	fs.attrs[pageIdx] &^= attr
	return set
}

// WriteSuper refreshes the superblock record held in page 0.
func (fs *FileStore) WriteSuper(sb *Super) {
	fs.mu.Lock()
	copy(fs.pages[0][:SuperSize], sb.Marshal())
	fs.mu.Unlock()
}

// ReadSuper parses the record currently held in page 0.
func (fs *FileStore) ReadSuper() (*Super, error) {
	fs.mu.Lock()
	buf := make([]byte, SuperSize)
	copy(buf, fs.pages[0][:SuperSize])
	fs.mu.Unlock()
	return UnmarshalSuper(buf)
}

// FillBits sets every bitmap bit in page pageIdx, skipping the superblock
// reservation. Used when a stale bitmap forces a full-recovery bootstrap.
func (fs *FileStore) FillBits(pageIdx int) {
	fs.mu.Lock()
	off := 0
	if fs.withSB && pageIdx == 0 {
		off = SuperSize
	}
	p := fs.pages[pageIdx]
	for i := off; i < pageSize; i++ {
		p[i] = 0xff
	}
	fs.mu.Unlock()
}

// WritePage dispatches one page to the backend. Dispatch is fire-and-forget;
// callers needing durability pass wait or call WaitWrites. A write failure
// never fails the caller — it raises the sticky write-error flag, which the
// bitmap escalates to Stale.
func (fs *FileStore) WritePage(pageIdx int, wait bool) {
	fs.mu.Lock()
	buf := make([]byte, pageSize)
	copy(buf, fs.pages[pageIdx])
	fs.pending++
	fs.mu.Unlock()

	go func() {
		err := fs.backend.WritePage(pageIdx, buf, wait)
		fs.mu.Lock()
		if err != nil {
			fs.writeErr = true
			fs.logger.Error("bitmap page write failed",
				zap.Int("page", pageIdx),
				zap.String("location", fs.backend.Location()),
				zap.Error(err))
		}
		fs.pending--
		if fs.pending == 0 {
			fs.cond.Broadcast()
		}
		fs.mu.Unlock()
	}()

	if wait {
		fs.WaitWrites()
	}
}

// WaitWrites blocks until every dispatched page write has completed.
func (fs *FileStore) WaitWrites() {
	fs.mu.Lock()
	for fs.pending > 0 {
		fs.cond.Wait()
	}
	fs.mu.Unlock()
}

// WriteError reports the sticky write-error flag.
func (fs *FileStore) WriteError() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writeErr
}

// ReadPage loads one page from the backend into the in-memory image.
func (fs *FileStore) ReadPage(pageIdx int) error {
	buf := make([]byte, pageSize)
	if err := fs.backend.ReadPage(pageIdx, buf); err != nil {
		return err
	}
	fs.mu.Lock()
	copy(fs.pages[pageIdx], buf)
	fs.mu.Unlock()
	return nil
}
