package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ldzhong/cluster-md/bitmap"
	"github.com/ldzhong/cluster-md/cluster"
	"github.com/ldzhong/cluster-md/configs"
	"github.com/ldzhong/cluster-md/counts"
	"github.com/ldzhong/cluster-md/storage"
)

var (
	conf    string
	file    string
	size    uint64
	chunk   uint64
	uuid    string
	addr    string
	create  bool
	debug   bool
	statSec int
)

func usage() {
	flag.PrintDefaults()
}

func init() {
	flag.StringVar(&conf, "conf", "", "the .properties config file")
	flag.StringVar(&file, "file", "", "the backing bitmap file")
	flag.Uint64Var(&size, "size", 1<<21, "the tracked span in 512-byte blocks")
	flag.Uint64Var(&chunk, "chunk", 0, "the chunk size in bytes, 0 for config default")
	flag.StringVar(&uuid, "uuid", "", "the 16-byte array identity")
	flag.StringVar(&addr, "addr", "127.0.0.1:5001", "the region-lock listen address")
	flag.BoolVar(&create, "create", false, "create a fresh bitmap instead of loading one")
	flag.BoolVar(&debug, "debug", false, "enable debug output")
	flag.IntVar(&statSec, "stat", 60, "seconds between status dumps, 0 to disable")

	flag.Usage = usage
}

// staticArray stands in for the array this daemon serves; a real integration
// wires the bitmap to its md driver instead.
type staticArray struct {
	syncSize uint64
}

func (a *staticArray) Degraded() bool     { return false }
func (a *staticArray) Events() uint64     { return 0 }
func (a *staticArray) SyncSize() uint64   { return a.syncSize }
func (a *staticArray) Quiesce(pause bool) {}

func filePages(syncSize, chunkSize uint64) int {
	chunkBlocks := chunkSize >> 9
	chunks := (syncSize + chunkBlocks - 1) / chunkBlocks
	bytes := (chunks+7)/8 + storage.SuperSize
	return int((bytes + counts.PageSize - 1) / counts.PageSize)
}

func main() {
	flag.Parse()

	settings := configs.DefaultSettings()
	if conf != "" {
		loaded, err := configs.Load(conf)
		configs.CheckError(err)
		settings = loaded
	}
	if file != "" {
		settings.File = file
	}
	if chunk != 0 {
		settings.ChunkSize = chunk
	}
	if debug {
		settings.Debug = true
	}
	configs.InitLogger(settings.Debug)
	logger := configs.Logger

	if settings.File == "" {
		logger.Fatal("no bitmap file configured")
	}

	array := &staticArray{syncSize: size}
	opt := bitmap.Options{
		ChunkSize:       settings.ChunkSize,
		DaemonSleep:     settings.DaemonSleep,
		WriteBehind:     settings.WriteBehind,
		PageQuota:       settings.PageQuota,
		Nodes:           settings.Nodes,
		SectorsReserved: settings.SectorsReserved,
	}
	copy(opt.UUID[:], uuid)

	backend, err := storage.OpenFile(settings.File,
		filePages(size, settings.ChunkSize), create)
	configs.CheckError(err)

	var bm *bitmap.Bitmap
	if create {
		bm, err = bitmap.Create(array, backend, opt, logger)
	} else {
		bm, err = bitmap.Open(array, backend, opt, logger)
	}
	configs.CheckError(err)
	configs.CheckError(bm.Load(0))

	var srv *cluster.Server
	if settings.Nodes > 0 {
		mgr := cluster.NewSlotManager(settings.Nodes, logger)
		srv, err = cluster.Serve(addr, mgr)
		configs.CheckError(err)
		logger.Info("region-lock service listening", zap.String("addr", srv.Addr()))
		go func() {
			for range mgr.Events() {
				bm.Wake()
			}
		}()
	}

	bm.RunDaemon()
	logger.Info("write-intent bitmap active",
		zap.String("file", settings.File),
		zap.Uint64("blocks", size),
		zap.Uint64("chunk_size", settings.ChunkSize))

	if statSec > 0 {
		go func() {
			tick := time.NewTicker(time.Duration(statSec) * time.Second)
			defer tick.Stop()
			for range tick.C {
				st := bm.Status()
				logger.Info("bitmap status",
					zap.Uint64("chunks", st.Chunks),
					zap.Int("pages", st.Pages),
					zap.Int("missing_pages", st.MissingPages),
					zap.String("location", st.Location),
					zap.Bool("stale", st.Stale),
					zap.Int64("behind_writes", st.BehindWrites))
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down, flushing bitmap")
	bm.Flush()
	bm.Destroy()
	if srv != nil {
		srv.Stop()
	}
}
