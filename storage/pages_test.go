package storage

import (
	"errors"
	"sync"
	"testing"

	"github.com/magiconair/properties/assert"
	"go.uber.org/zap"
)

// memBackend is an in-memory Backend with fault injection.
type memBackend struct {
	mu        sync.Mutex
	pages     map[int][]byte
	failWrite bool
	writes    int
}

func newMemBackend() *memBackend { return &memBackend{pages: map[int][]byte{}} }

func (m *memBackend) WritePage(idx int, data []byte, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrite {
		return errors.New("injected write error")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.pages[idx] = buf
	return nil
}

func (m *memBackend) ReadPage(idx int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[idx]; ok {
		copy(data, p)
	}
	return nil
}

func (m *memBackend) Location() string { return "mem" }
func (m *memBackend) Close() error     { return nil }

func TestBitMappingWithSuper(t *testing.T) {
	fs := NewFileStore(newMemBackend(), 100000, true, zap.NewNop())
	// 100000/8 + 256 bytes -> 4 pages.
	assert.Equal(t, fs.Pages(), 4, "page count")

	// The first chunk's bit sits right after the superblock reservation.
	fs.SetBit(0)
	assert.Equal(t, fs.TestBit(0), true, "bit 0 set")
	assert.Equal(t, fs.PageIndex(0), 0, "chunk 0 lives in page 0")

	// A chunk past the first page boundary maps to page 1.
	far := uint64(pageSize*8 - SuperSize*8)
	assert.Equal(t, fs.PageIndex(far), 1, "chunk past the boundary lives in page 1")
	fs.SetBit(far)
	assert.Equal(t, fs.TestBit(far), true, "far bit set")
	fs.ClearBit(far)
	assert.Equal(t, fs.TestBit(far), false, "far bit cleared")
}

func TestBitMappingWithoutSuper(t *testing.T) {
	fs := NewFileStore(newMemBackend(), 8, false, zap.NewNop())
	assert.Equal(t, fs.Pages(), 1, "one page for 8 chunks")
	fs.SetBit(3)
	assert.Equal(t, fs.TestBit(3), true, "bit set")
	assert.Equal(t, fs.TestBit(2), false, "neighbour untouched")
}

func TestPageAttrs(t *testing.T) {
	fs := NewFileStore(newMemBackend(), 8, false, zap.NewNop())
	fs.SetAttr(0, PageDirty|PagePending)
	assert.Equal(t, fs.TestAttr(0, PageDirty), true, "dirty set")
	assert.Equal(t, fs.TestAttr(0, PageNeedWrite), false, "needwrite clear")
	assert.Equal(t, fs.TestAndClearAttr(0, PagePending), true, "pending was set")
	assert.Equal(t, fs.TestAttr(0, PagePending), false, "pending cleared")
	assert.Equal(t, fs.TestAttr(0, PageDirty), true, "dirty untouched")
}

func TestWritePageAndWait(t *testing.T) {
	be := newMemBackend()
	fs := NewFileStore(be, 8, false, zap.NewNop())
	fs.SetBit(1)
	fs.WritePage(0, true)
	fs.WaitWrites()
	assert.Equal(t, fs.WriteError(), false, "no error expected")

	var buf [pageSize]byte
	be.ReadPage(0, buf[:])
	assert.Equal(t, buf[0], byte(1<<1), "bit 1 persisted")
}

func TestWriteErrorIsSticky(t *testing.T) {
	be := newMemBackend()
	be.failWrite = true
	fs := NewFileStore(be, 8, false, zap.NewNop())
	fs.WritePage(0, true)
	fs.WaitWrites()
	assert.Equal(t, fs.WriteError(), true, "write error must be recorded")
	be.failWrite = false
	fs.WritePage(0, true)
	fs.WaitWrites()
	assert.Equal(t, fs.WriteError(), true, "write error is sticky")
}

func TestSuperInPageZero(t *testing.T) {
	fs := NewFileStore(newMemBackend(), 100000, true, zap.NewNop())
	sb := goodSuper()
	fs.WriteSuper(sb)

	// Bitmap bits must not disturb the record.
	fs.SetBit(0)
	fs.SetBit(99999)

	got, err := fs.ReadSuper()
	assert.Equal(t, err, nil, "read super failed")
	assert.Equal(t, *got, *sb, "record must survive bit traffic")
}

func TestFillBitsSkipsSuper(t *testing.T) {
	fs := NewFileStore(newMemBackend(), 100000, true, zap.NewNop())
	sb := goodSuper()
	fs.WriteSuper(sb)
	fs.FillBits(0)
	got, err := fs.ReadSuper()
	assert.Equal(t, err, nil, "read super failed")
	assert.Equal(t, got.Magic, Magic, "fill must not touch the record")
	assert.Equal(t, fs.TestBit(0), true, "bits after the record are filled")
}
