// Package history owns the daemon's append-only, ring-buffered build
// history: a map of in-flight builds keyed by build ID plus a bounded ring
// of finished records. TakeActiveBuild is the single atomic ownership gate
// both normal completion and cancellation cleanup race on, preventing
// double slot-release.
package history

import (
	"sync"

	"github.com/Dicklesworthstone/rchd/pkg/types"
)

// DefaultRingSize bounds the finished-build ring. The daemon persists no
// scheduler state across restarts beyond this bounded in-memory ring.
const DefaultRingSize = 1024

// History tracks in-flight and recently-finished builds.
type History struct {
	mu     sync.Mutex
	active map[string]*types.BuildRecord
	ring   []types.BuildRecord
	cap    int
	next   int
}

// New creates an empty history with the given ring capacity. A
// non-positive size falls back to DefaultRingSize.
func New(ringSize int) *History {
	if ringSize <= 0 {
		ringSize = DefaultRingSize
	}
	return &History{
		active: make(map[string]*types.BuildRecord),
		cap:    ringSize,
	}
}

// StartBuild registers a new in-flight build.
func (h *History) StartBuild(rec types.BuildRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[rec.ID] = &rec
}

// ActiveBuild returns a copy of an in-flight build's record, without
// claiming ownership of it.
func (h *History) ActiveBuild(id string) (types.BuildRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.active[id]
	if !ok {
		return types.BuildRecord{}, false
	}
	return *rec, true
}

// ActiveBuilds returns a snapshot of every in-flight build.
func (h *History) ActiveBuilds() []types.BuildRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.BuildRecord, 0, len(h.active))
	for _, rec := range h.active {
		out = append(out, *rec)
	}
	return out
}

// TakeActiveBuild atomically removes and returns a build from the active
// map. Exactly one caller racing on the same build ID observes ok == true;
// this is the ownership gate that keeps normal completion and cancellation
// cleanup from double-releasing worker slots.
func (h *History) TakeActiveBuild(id string) (types.BuildRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.active[id]
	if !ok {
		return types.BuildRecord{}, false
	}
	delete(h.active, id)
	return *rec, true
}

// RecordFinishedBuild appends a completed build record to the ring,
// overwriting the oldest entry once capacity is reached.
func (h *History) RecordFinishedBuild(rec types.BuildRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.ring) < h.cap {
		h.ring = append(h.ring, rec)
		return
	}
	h.ring[h.next] = rec
	h.next = (h.next + 1) % h.cap
}

// RecentBuilds returns a snapshot of the finished-build ring in
// insertion order (oldest first).
func (h *History) RecentBuilds() []types.BuildRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.ring) < h.cap {
		out := make([]types.BuildRecord, len(h.ring))
		copy(out, h.ring)
		return out
	}
	out := make([]types.BuildRecord, 0, h.cap)
	out = append(out, h.ring[h.next:]...)
	out = append(out, h.ring[:h.next]...)
	return out
}
