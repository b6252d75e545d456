package bitmap

import (
	"errors"
	"sync"

	"github.com/ldzhong/cluster-md/counts"
)

// fakeArray is a controllable ArrayState.
type fakeArray struct {
	mu       sync.Mutex
	degraded bool
	events   uint64
	syncSize uint64
	quiesces int
	resumes  int
}

func (a *fakeArray) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

func (a *fakeArray) Events() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

func (a *fakeArray) SyncSize() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncSize
}

func (a *fakeArray) Quiesce(pause bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pause {
		a.quiesces++
	} else {
		a.resumes++
	}
}

func (a *fakeArray) setEvents(e uint64) {
	a.mu.Lock()
	a.events = e
	a.mu.Unlock()
}

func (a *fakeArray) setSyncSize(s uint64) {
	a.mu.Lock()
	a.syncSize = s
	a.mu.Unlock()
}

// testBackend is an in-memory page store with fault injection.
type testBackend struct {
	mu        sync.Mutex
	pages     map[int][]byte
	failWrite bool
}

func newTestBackend() *testBackend { return &testBackend{pages: map[int][]byte{}} }

func (m *testBackend) WritePage(idx int, data []byte, wait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("injected write error")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.pages[idx] = buf
	return nil
}

func (m *testBackend) ReadPage(idx int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pages[idx]; ok {
		copy(data, p)
	}
	return nil
}

func (m *testBackend) Location() string { return "mem" }
func (m *testBackend) Close() error     { return nil }

const (
	testChunkSize  = 64 * 1024 // bytes -> 128 blocks per chunk
	testChunkSpan  = testChunkSize >> blockShift
	testSyncBlocks = 8192 // 64 chunks
)

func testOptions() Options {
	opt := Options{ChunkSize: testChunkSize}
	copy(opt.UUID[:], "fedcba9876543210")
	return opt
}

// newTestBitmap builds a non-persistent bitmap over a healthy array.
func newTestBitmap() (*Bitmap, *fakeArray) {
	array := &fakeArray{events: 10, syncSize: testSyncBlocks}
	b, err := Create(array, nil, testOptions(), nil)
	if err != nil {
		panic(err)
	}
	return b, array
}

// counterAt reads a counter without creating it; 0 when absent.
func counterAt(b *Bitmap, offset uint64) counts.Counter {
	b.counts.Lock()
	defer b.counts.Unlock()
	bmc, _, err := b.counts.GetCounter(offset, false)
	if err != nil || bmc == nil {
		return 0
	}
	return *bmc
}
