// Package ranges tracks which chunk indices of a transfer have been
// received, as both an O(1) membership set and a compressed list of
// maximal contiguous inclusive ranges.
//
// The range list powers the resume protocol: a receiver snapshots it with
// Ranges, persists it across a reconnect, and restores it with LoadRanges.
// Insertions only update the membership set; the range list is rebuilt by
// sort-and-coalesce the next time Ranges is called after an insertion.
package ranges

import (
	"sort"

	"github.com/opd-ai/beam/wire"
)

// Tracker is the receiver-side record of accepted chunk indices.
type Tracker struct {
	totalChunks uint32
	received    map[uint32]struct{}
	ranges      []wire.Range
	dirty       bool
}

// NewTracker creates a tracker for a transfer of totalChunks chunks.
func NewTracker(totalChunks uint32) *Tracker {
	return &Tracker{
		totalChunks: totalChunks,
		received:    make(map[uint32]struct{}),
	}
}

// TotalChunks returns the expected chunk count.
func (t *Tracker) TotalChunks() uint32 {
	return t.totalChunks
}

// MarkReceived records a chunk index. Marking an index twice is a no-op.
func (t *Tracker) MarkReceived(index uint32) {
	if _, ok := t.received[index]; ok {
		return
	}
	t.received[index] = struct{}{}
	t.dirty = true
}

// Has reports whether the index has already been received.
func (t *Tracker) Has(index uint32) bool {
	_, ok := t.received[index]
	return ok
}

// Count returns the number of distinct received indices.
func (t *Tracker) Count() int {
	return len(t.received)
}

// IsComplete reports whether every chunk in [0, totalChunks) is present.
func (t *Tracker) IsComplete() bool {
	return uint32(len(t.received)) >= t.totalChunks
}

// Progress returns completion as a percentage in [0, 100]. A zero-chunk
// transfer is complete by definition.
func (t *Tracker) Progress() float64 {
	if t.totalChunks == 0 {
		return 100.0
	}
	return float64(len(t.received)) / float64(t.totalChunks) * 100.0
}

// Missing returns the ascending list of indices in [0, totalChunks) not yet
// received. A limit > 0 caps the result; pass 0 for no cap.
func (t *Tracker) Missing(limit int) []uint32 {
	missing := make([]uint32, 0)
	for i := uint32(0); i < t.totalChunks; i++ {
		if _, ok := t.received[i]; !ok {
			missing = append(missing, i)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	return missing
}

// MissingCount returns how many chunks are still outstanding.
func (t *Tracker) MissingCount() int {
	return int(t.totalChunks) - len(t.received)
}

// Ranges returns the maximal contiguous inclusive ranges of received
// indices, sorted ascending. The slice is rebuilt lazily after insertions.
func (t *Tracker) Ranges() []wire.Range {
	if t.dirty {
		t.rebuildRanges()
	}
	out := make([]wire.Range, len(t.ranges))
	copy(out, t.ranges)
	return out
}

// rebuildRanges recomputes the compressed list by sort-and-coalesce.
func (t *Tracker) rebuildRanges() {
	t.dirty = false
	t.ranges = t.ranges[:0]

	if len(t.received) == 0 {
		return
	}

	indices := make([]uint32, 0, len(t.received))
	for index := range t.received {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	current := wire.Range{Start: indices[0], End: indices[0]}
	for _, index := range indices[1:] {
		if index == current.End+1 {
			current.End = index
			continue
		}
		t.ranges = append(t.ranges, current)
		current = wire.Range{Start: index, End: index}
	}
	t.ranges = append(t.ranges, current)
}

// LoadRanges initialises the set from a resume snapshot. Existing state is
// replaced. Indices at or beyond totalChunks are ignored.
func (t *Tracker) LoadRanges(snapshot []wire.Range) {
	t.received = make(map[uint32]struct{})
	for _, r := range snapshot {
		if r.End < r.Start {
			continue
		}
		for i := r.Start; i <= r.End; i++ {
			if i < t.totalChunks {
				t.received[i] = struct{}{}
			}
			if i == ^uint32(0) {
				break
			}
		}
	}
	t.dirty = true
}
