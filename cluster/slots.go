// Package cluster tracks which bitmap slots peer nodes hold and carries the
// region-lock traffic between them. It is a thin shim over an external lock
// protocol: slot transitions happen through Grant/Revoke callbacks, and no
// cross-node consistency is promised here.
package cluster

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"go.uber.org/zap"

	"github.com/ldzhong/cluster-md/configs"
	wiErr "github.com/ldzhong/cluster-md/errors"
)

// Mode is a region-lock mode.
type Mode uint32

const (
	// ModeCR watches a slot concurrently: the holder may read the peer's
	// bitmap to cover for it.
	ModeCR Mode = iota
	// ModePW protects a write-back in progress.
	ModePW
	// ModeEX takes a slot over exclusively.
	ModeEX
)

// SlotManager is the per-node slot table. A slot is "available" when its
// bitmap may be read by this node, and "reclaim" when the owner wants it
// back. Both transitions fire the events channel so the daemon re-runs.
type SlotManager struct {
	mu      sync.Mutex
	nodes   uint32
	avail   mapset.Set
	reclaim mapset.Set
	used    uint32

	events chan struct{}
	logger *zap.Logger
}

func NewSlotManager(nodes uint32, logger *zap.Logger) *SlotManager {
	if logger == nil {
		logger = configs.Logger
	}
	return &SlotManager{
		nodes:   nodes,
		avail:   mapset.NewSet(),
		reclaim: mapset.NewSet(),
		events:  make(chan struct{}, 1),
		logger:  logger,
	}
}

func (m *SlotManager) Nodes() uint32 { return m.nodes }

// Authority reports whether this node currently covers the slot. Never
// blocks.
func (m *SlotManager) Authority(node uint32) bool {
	return m.avail.Contains(node)
}

// Reclaiming reports whether the slot's owner has asked for it back.
func (m *SlotManager) Reclaiming(node uint32) bool {
	return m.reclaim.Contains(node)
}

// Used is the slot taken over exclusively, if any.
func (m *SlotManager) Used() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Grant is the lock-granted callback. A concurrent-read grant makes the
// slot available; an exclusive grant records the takeover.
func (m *SlotManager) Grant(node uint32, mode Mode) {
	m.mu.Lock()
	switch mode {
	case ModeCR:
		m.avail.Add(node)
		m.reclaim.Remove(node)
	case ModeEX:
		m.used = node
	}
	m.mu.Unlock()
	configs.DPrintf("slot %d granted in mode %d", node, mode)
	m.wake()
}

// Revoke is the blocking-notification callback: the owner wants its slot
// back. The slot moves from available to reclaim until released.
func (m *SlotManager) Revoke(node uint32) {
	m.mu.Lock()
	m.reclaim.Add(node)
	m.avail.Remove(node)
	m.mu.Unlock()
	m.logger.Info("slot reclaim requested", zap.Uint32("node", node))
	m.wake()
}

// AcquireRegionLock requests the slot and returns a completion channel,
// fulfilled once the grant callback has run. The local table grants
// immediately; remote acquisition goes through the transport client.
func (m *SlotManager) AcquireRegionLock(node uint32, mode Mode) <-chan error {
	done := make(chan error, 1)
	if node >= m.nodes {
		done <- fmt.Errorf("%w: slot %d of %d", wiErr.ErrOutOfRange, node, m.nodes)
		return done
	}
	m.Grant(node, mode)
	done <- nil
	return done
}

// ReleaseRegionLock gives the slot back: it leaves both sets.
func (m *SlotManager) ReleaseRegionLock(node uint32) {
	m.avail.Remove(node)
	m.reclaim.Remove(node)
	configs.DPrintf("slot %d released", node)
	m.wake()
}

// Events is the re-run channel: every slot transition posts here so the
// bitmap daemon wakes and reconsiders coverage.
func (m *SlotManager) Events() <-chan struct{} {
	return m.events
}

func (m *SlotManager) wake() {
	select {
	case m.events <- struct{}{}:
	default:
	}
}
