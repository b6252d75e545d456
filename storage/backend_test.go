package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/magiconair/properties/assert"

	wiErr "github.com/ldzhong/cluster-md/errors"
)

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	be, err := OpenFile(path, 2, true)
	assert.Equal(t, err, nil, "create failed")

	data := make([]byte, pageSize)
	data[17] = 0xaa
	assert.Equal(t, be.WritePage(1, data, true), nil, "write failed")
	assert.Equal(t, be.Close(), nil, "close failed")

	be, err = OpenFile(path, 2, false)
	assert.Equal(t, err, nil, "reopen failed")
	defer be.Close()
	got := make([]byte, pageSize)
	assert.Equal(t, be.ReadPage(1, got), nil, "read failed")
	assert.Equal(t, got[17], byte(0xaa), "payload survived reopen")
}

func TestFileBackendShortFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bitmap")
	be, err := OpenFile(path, 1, true)
	assert.Equal(t, err, nil, "create failed")
	be.Close()

	_, err = OpenFile(path, 4, false)
	if !errors.Is(err, wiErr.ErrShortFile) {
		t.Fatalf("want ErrShortFile, got %v", err)
	}
}

// memDevice is a fixed-size byte store standing in for a member device.
type memDevice struct{ buf []byte }

func (d *memDevice) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, d.buf[off:]), nil
}

func (d *memDevice) WriteAt(p []byte, off int64) (int, error) {
	return copy(d.buf[off:], p), nil
}

func newMembers(n int) []*MemberDevice {
	devs := make([]*MemberDevice, n)
	for i := range devs {
		devs[i] = &MemberDevice{
			Name:         "dev" + string(rune('0'+i)),
			Dev:          &memDevice{buf: make([]byte, 64*1024)},
			InSync:       true,
			BitmapOffset: 8 * 1024,
			DataStart:    32 * 1024,
			DataEnd:      64 * 1024,
		}
	}
	return devs
}

func TestReplicatedBroadcast(t *testing.T) {
	devs := newMembers(3)
	devs[1].Faulty = true
	be := NewReplicated(devs)

	data := make([]byte, pageSize)
	data[0] = 0x55
	assert.Equal(t, be.WritePage(0, data, true), nil, "broadcast failed")

	for i, d := range devs {
		mem := d.Dev.(*memDevice)
		want := byte(0x55)
		if i == 1 {
			want = 0 // faulty member skipped
		}
		assert.Equal(t, mem.buf[8*1024], want, "replica content on "+d.Name)
	}

	got := make([]byte, pageSize)
	assert.Equal(t, be.ReadPage(0, got), nil, "read failed")
	assert.Equal(t, got[0], byte(0x55), "read served from a healthy member")
}

func TestReplicatedOverlapRejected(t *testing.T) {
	devs := newMembers(1)
	be := NewReplicated(devs)

	// Page 6 starts at 8K + 24K = 32K, the first data byte.
	err := be.WritePage(6, make([]byte, pageSize), false)
	if !errors.Is(err, wiErr.ErrOverlap) {
		t.Fatalf("want ErrOverlap, got %v", err)
	}
	// Page 5 ends exactly at the data start and is fine.
	assert.Equal(t, be.WritePage(5, make([]byte, pageSize), false), nil,
		"adjacent page must be allowed")
}
