package storage

import (
	"fmt"
	"io"

	wiErr "github.com/ldzhong/cluster-md/errors"
)

// ReadWriterAt is what a member device must expose for bitmap I/O.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// MemberDevice is one array member carrying a bitmap replica near its own
// metadata. DataStart/DataEnd bound the live data span in bytes; a bitmap
// page that would land inside it fails the write rather than corrupt data.
type MemberDevice struct {
	Name         string
	Dev          ReadWriterAt
	InSync       bool
	Faulty       bool
	BitmapOffset int64 // byte offset of the bitmap area on this device
	DataStart    int64
	DataEnd      int64
}

func (d *MemberDevice) healthy() bool { return d.InSync && !d.Faulty }

// ReplicatedBackend broadcasts every page to all in-sync, non-faulty
// members. Reads are served by the first healthy member.
type ReplicatedBackend struct {
	devs []*MemberDevice
}

func NewReplicated(devs []*MemberDevice) *ReplicatedBackend {
	return &ReplicatedBackend{devs: devs}
}

func (b *ReplicatedBackend) WritePage(idx int, data []byte, wait bool) error {
	for _, d := range b.devs {
		if !d.healthy() {
			continue
		}
		start := d.BitmapOffset + int64(idx)*pageSize
		if start < d.DataEnd && start+pageSize > d.DataStart {
			return fmt.Errorf("%w: page %d on %s", wiErr.ErrOverlap, idx, d.Name)
		}
		if _, err := d.Dev.WriteAt(data, start); err != nil {
			return fmt.Errorf("page %d on %s: %w", idx, d.Name, err)
		}
	}
	return nil
}

func (b *ReplicatedBackend) ReadPage(idx int, data []byte) error {
	for _, d := range b.devs {
		if !d.healthy() {
			continue
		}
		_, err := d.Dev.ReadAt(data, d.BitmapOffset+int64(idx)*pageSize)
		return err
	}
	return fmt.Errorf("no in-sync member to read bitmap page %d", idx)
}

func (b *ReplicatedBackend) Location() string {
	if len(b.devs) == 0 {
		return "offset:none"
	}
	return fmt.Sprintf("offset:%+d", b.devs[0].BitmapOffset)
}

func (b *ReplicatedBackend) Close() error { return nil }
