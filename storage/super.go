package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ldzhong/cluster-md/configs"
	"github.com/ldzhong/cluster-md/counts"
	wiErr "github.com/ldzhong/cluster-md/errors"
)

const (
	// Magic is "bitm" little-endian.
	Magic uint32 = 0x6d746962

	// Superblock versions. Version 3 records were written with host byte
	// order for the bitmap payload; 4 is little-endian; 5 adds clustering.
	MajorLo         uint32 = 3
	MajorHostEndian uint32 = 3
	MajorHi         uint32 = 4
	MajorClustered  uint32 = 5

	// SuperSize is the fixed on-disk record length. The record lives at the
	// start of page 0 when the superblock is co-located with the bitmap.
	SuperSize = 256
)

// Superblock state flags.
const (
	StateStale      uint32 = 1 << 1
	StateWriteError uint32 = 1 << 2
	StateHostEndian uint32 = 1 << 15
)

// Super is the logical superblock record. It is the authority for
// reconstructing the in-memory configuration after a restart.
type Super struct {
	Magic           uint32
	Version         uint32
	UUID            [16]byte
	Events          uint64
	EventsCleared   uint64
	State           uint32
	ChunkSize       uint32 // bytes
	DaemonSleep     uint32 // seconds
	WriteBehind     uint32
	SyncSize        uint64 // blocks; recomputed on load
	SectorsReserved uint32
	Nodes           uint32
}

// Marshal lays the record out at its fixed offsets, little-endian.
func (sb *Super) Marshal() []byte {
	b := make([]byte, SuperSize)
	binary.LittleEndian.PutUint32(b[0:], sb.Magic)
	binary.LittleEndian.PutUint32(b[4:], sb.Version)
	copy(b[8:24], sb.UUID[:])
	binary.LittleEndian.PutUint64(b[24:], sb.Events)
	binary.LittleEndian.PutUint64(b[32:], sb.EventsCleared)
	binary.LittleEndian.PutUint32(b[40:], sb.State)
	binary.LittleEndian.PutUint32(b[44:], sb.ChunkSize)
	binary.LittleEndian.PutUint32(b[48:], sb.DaemonSleep)
	binary.LittleEndian.PutUint32(b[52:], sb.WriteBehind)
	binary.LittleEndian.PutUint64(b[56:], sb.SyncSize)
	binary.LittleEndian.PutUint32(b[64:], sb.SectorsReserved)
	binary.LittleEndian.PutUint32(b[68:], sb.Nodes)
	return b
}

// UnmarshalSuper parses a record without validating it.
func UnmarshalSuper(b []byte) (*Super, error) {
	if len(b) < SuperSize {
		return nil, fmt.Errorf("%w: record truncated to %d bytes", wiErr.ErrFormat, len(b))
	}
	sb := &Super{
		Magic:           binary.LittleEndian.Uint32(b[0:]),
		Version:         binary.LittleEndian.Uint32(b[4:]),
		Events:          binary.LittleEndian.Uint64(b[24:]),
		EventsCleared:   binary.LittleEndian.Uint64(b[32:]),
		State:           binary.LittleEndian.Uint32(b[40:]),
		ChunkSize:       binary.LittleEndian.Uint32(b[44:]),
		DaemonSleep:     binary.LittleEndian.Uint32(b[48:]),
		WriteBehind:     binary.LittleEndian.Uint32(b[52:]),
		SyncSize:        binary.LittleEndian.Uint64(b[56:]),
		SectorsReserved: binary.LittleEndian.Uint32(b[64:]),
		Nodes:           binary.LittleEndian.Uint32(b[68:]),
	}
	copy(sb.UUID[:], b[8:24])
	return sb, nil
}

// Validate applies the load-time field checks. A failure means the record
// cannot be trusted; the caller decides whether to rebuild from scratch.
func (sb *Super) Validate() error {
	reason := ""
	switch {
	case sb.Magic != Magic:
		reason = "bad magic"
	case sb.Version < MajorLo || sb.Version > MajorClustered:
		reason = "unrecognized superblock version"
	case uint64(sb.ChunkSize) < configs.MinChunkSize:
		reason = "bitmap chunksize too small"
	case !configs.IsPowerOf2(uint64(sb.ChunkSize)):
		reason = "bitmap chunksize not a power of 2"
	case sb.DaemonSleep < 1 ||
		time.Duration(sb.DaemonSleep)*time.Second > configs.MaxDaemonSleep:
		reason = "daemon sleep period out of range"
	case sb.WriteBehind > counts.CounterMax:
		reason = "write-behind limit out of range (0 - 16383)"
	}
	if reason != "" {
		return fmt.Errorf("%w: %s", wiErr.ErrFormat, reason)
	}
	return nil
}

// HostEndian reports whether the record was written by an endian-naive
// writer (version 3 with the host-endian state bit).
func (sb *Super) HostEndian() bool {
	return sb.Version == MajorHostEndian && sb.State&StateHostEndian != 0
}
