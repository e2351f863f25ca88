package markers

import (
	"sort"
	"sync"

	"go.viam.com/rdk/spatialmath"
)

// poseRing is a fixed-capacity ring of recent pose observations. Pushing at
// capacity evicts the oldest entry.
type poseRing struct {
	buf   []spatialmath.Pose
	start int
	count int
}

func newPoseRing(capacity int) *poseRing {
	return &poseRing{buf: make([]spatialmath.Pose, capacity)}
}

func (r *poseRing) push(pose spatialmath.Pose) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = pose
		r.count++
		return
	}
	r.buf[r.start] = pose
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the window contents oldest-first.
func (r *poseRing) snapshot() []spatialmath.Pose {
	out := make([]spatialmath.Pose, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// History keeps one bounded pose window per marker id. Rings are created
// lazily on first sight of an id and never destroyed; the marker id space is
// assumed small. The pipeline pushes from its frame loop while tracked-id
// queries arrive on request goroutines, so all access is mutex-guarded.
type History struct {
	mu         sync.Mutex
	windowSize int
	rings      map[int]*poseRing
}

// NewHistory returns a history whose per-marker windows hold windowSize poses.
func NewHistory(windowSize int) *History {
	return &History{
		windowSize: windowSize,
		rings:      make(map[int]*poseRing),
	}
}

// Push appends a pose to the marker's window, evicting the oldest entry when
// the window is full.
func (h *History) Push(markerID int, pose spatialmath.Pose) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[markerID]
	if !ok {
		ring = newPoseRing(h.windowSize)
		h.rings[markerID] = ring
	}
	ring.push(pose)
}

// Snapshot returns the marker's current window oldest-first, empty if the
// marker has never been seen.
func (h *History) Snapshot(markerID int) []spatialmath.Pose {
	h.mu.Lock()
	defer h.mu.Unlock()
	ring, ok := h.rings[markerID]
	if !ok {
		return nil
	}
	return ring.snapshot()
}

// TrackedIDs returns the ids of all markers seen so far, sorted.
func (h *History) TrackedIDs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int, 0, len(h.rings))
	for id := range h.rings {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
