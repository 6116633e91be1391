// Package epoch implements epoch-based deferred cleanup: a lightweight
// alternative to reference counting every reader of a shared resource
// (a Version's file set, a sealed MemTable's arena). A reader brackets
// its work with EnterEpoch/ExitEpoch; anything retired while readers
// are active is only actually freed once the epoch manager can prove
// no reader that started before the retirement is still running.
package epoch

import (
	"sync"
	"sync/atomic"
)

// CleanupFunc releases a resource once it is provably unreachable.
type CleanupFunc func() error

// resourceWindow tracks one resource's retirement window: it was
// created at epoch Xmin and retired at epoch Xmax (zero while still
// live). Once the oldest active reader's epoch has passed Xmax, no
// reader can still be looking at the resource and Cleanup may run.
type resourceWindow struct {
	xmin    uint64
	xmax    atomic.Uint64
	cleanup CleanupFunc
}

// manager is the process-wide epoch tracker. There is exactly one
// instance (global), since epoch windows are meaningless unless every
// reader and every retirement shares the same clock.
type manager struct {
	currentEpoch atomic.Uint64

	readerCounts sync.Map // epoch uint64 -> *atomic.Int32

	pendingMu sync.Mutex
	pending   map[uint64][]CleanupFunc // legacy per-epoch callbacks, see ScheduleCleanup

	resourceMu sync.RWMutex
	resources  map[string]*resourceWindow
}

var global = &manager{pending: make(map[uint64][]CleanupFunc), resources: make(map[string]*resourceWindow)}

// EnterEpoch records a new active reader at the current epoch and
// returns that epoch; the caller must pass it to ExitEpoch when done.
func EnterEpoch() uint64 { return global.enter() }

// ExitEpoch releases the reader slot acquired by EnterEpoch.
func ExitEpoch(e uint64) { global.exit(e) }

// GetCurrentEpoch returns the epoch counter's current value.
func GetCurrentEpoch() uint64 { return global.currentEpoch.Load() }

// AdvanceEpoch bumps the epoch counter and returns the new value. Every
// publication of a new Version or sealed MemTable calls this so that
// readers entering afterward are attributed to a later epoch than any
// reader that might still be looking at the retired resource.
func AdvanceEpoch() uint64 { return global.currentEpoch.Add(1) }

// ScheduleCleanup queues cleanup against the current epoch; it runs the
// next time TryCleanup observes that epoch has no active readers. This
// is the lighter-weight sibling of RegisterResource/MarkResourceForCleanup,
// used when the caller has no natural resource ID (e.g. an evicted file
// cache entry).
func ScheduleCleanup(cleanup CleanupFunc) {
	e := global.currentEpoch.Load()
	global.pendingMu.Lock()
	global.pending[e] = append(global.pending[e], cleanup)
	global.pendingMu.Unlock()
}

// RegisterResource tracks a long-lived resource created at epoch e,
// identified by resourceID, with the function to run once it is safe
// to discard. MarkResourceForCleanup later sets its retirement point.
func RegisterResource(resourceID string, e uint64, cleanup CleanupFunc) {
	global.resourceMu.Lock()
	global.resources[resourceID] = &resourceWindow{xmin: e, cleanup: cleanup}
	global.resourceMu.Unlock()
}

// MarkResourceForCleanup retires resourceID as of the current epoch. A
// resource may be marked at most once; later calls are no-ops.
func MarkResourceForCleanup(resourceID string) {
	global.resourceMu.RLock()
	w, ok := global.resources[resourceID]
	global.resourceMu.RUnlock()
	if !ok {
		return
	}
	w.xmax.CompareAndSwap(0, global.currentEpoch.Load())
}

// TryCleanup runs every cleanup whose epoch window has closed and
// returns how many ran.
func TryCleanup() int { return global.tryCleanup() }

func (m *manager) enter() uint64 {
	for {
		e := m.currentEpoch.Load()
		c, _ := m.readerCounts.LoadOrStore(e, &atomic.Int32{})
		counter := c.(*atomic.Int32)
		counter.Add(1)
		if e == m.currentEpoch.Load() {
			return e
		}
		counter.Add(-1)
	}
}

func (m *manager) exit(e uint64) {
	if c, ok := m.readerCounts.Load(e); ok {
		c.(*atomic.Int32).Add(-1)
	}
}

// oldestActiveEpoch returns the lowest epoch with a positive reader
// count, or MaxUint64 if nobody is currently reading anything.
func (m *manager) oldestActiveEpoch() uint64 {
	oldest := ^uint64(0)
	m.readerCounts.Range(func(k, v any) bool {
		if v.(*atomic.Int32).Load() > 0 {
			if e := k.(uint64); e < oldest {
				oldest = e
			}
		}
		return true
	})
	return oldest
}

func (m *manager) tryCleanup() int {
	executed := 0

	m.pendingMu.Lock()
	ready := make([]uint64, 0)
	for e := range m.pending {
		if c, ok := m.readerCounts.Load(e); !ok || c.(*atomic.Int32).Load() == 0 {
			ready = append(ready, e)
		}
	}
	due := make([][]CleanupFunc, len(ready))
	for i, e := range ready {
		due[i] = m.pending[e]
		delete(m.pending, e)
	}
	m.pendingMu.Unlock()
	for i := range due {
		for _, cleanup := range due[i] {
			_ = cleanup() // background cleanup failures are not actionable here
			executed++
		}
	}

	floor := m.oldestActiveEpoch()
	m.resourceMu.Lock()
	var dueResources []*resourceWindow
	for id, w := range m.resources {
		if xmax := w.xmax.Load(); xmax != 0 && xmax < floor {
			dueResources = append(dueResources, w)
			delete(m.resources, id)
		}
	}
	m.resourceMu.Unlock()
	for _, w := range dueResources {
		_ = w.cleanup()
		executed++
	}

	return executed
}
