package configs

import (
	"time"

	"github.com/magiconair/properties"
)

// Settings holds everything needed to activate a bitmap. When a persistent
// superblock exists it overrides ChunkSize, DaemonSleep and WriteBehind.
type Settings struct {
	File            string        // backing bitmap file, empty for none
	ChunkSize       uint64        // bytes per tracked region
	DaemonSleep     time.Duration // sweep interval
	WriteBehind     uint32        // max outstanding write-behind I/Os
	PageQuota       int           // max allocated counter pages, 0 = unlimited
	Nodes           uint32        // cluster node count, 0 for single-node
	SectorsReserved uint32        // on-disk space budget for auto-resize
	Debug           bool
}

// DefaultSettings mirrors the no-superblock fallback.
func DefaultSettings() *Settings {
	return &Settings{
		ChunkSize:   DefaultChunkSize,
		DaemonSleep: DefaultDaemonSleep,
	}
}

// Load reads a .properties config file.
func Load(path string) (*Settings, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, err
	}
	def := DefaultSettings()
	s := &Settings{
		File:            p.GetString("bitmap.file", ""),
		ChunkSize:       p.GetUint64("bitmap.chunk_size", def.ChunkSize),
		DaemonSleep:     p.GetParsedDuration("bitmap.daemon_sleep", def.DaemonSleep),
		WriteBehind:     uint32(p.GetUint64("bitmap.write_behind", 0)),
		PageQuota:       p.GetInt("bitmap.page_quota", 0),
		Nodes:           uint32(p.GetUint64("bitmap.nodes", 0)),
		SectorsReserved: uint32(p.GetUint64("bitmap.sectors_reserved", 0)),
		Debug:           p.GetBool("bitmap.debug", false),
	}
	return s, nil
}
