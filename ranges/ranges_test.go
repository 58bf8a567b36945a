package ranges

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/beam/wire"
)

func TestMarkReceivedIdempotent(t *testing.T) {
	tr := NewTracker(10)

	tr.MarkReceived(3)
	tr.MarkReceived(3)

	assert.True(t, tr.Has(3))
	assert.Equal(t, 1, tr.Count())
}

func TestHasUnreceived(t *testing.T) {
	tr := NewTracker(10)
	assert.False(t, tr.Has(0))
}

func TestMissingAscending(t *testing.T) {
	tr := NewTracker(6)
	tr.MarkReceived(0)
	tr.MarkReceived(2)
	tr.MarkReceived(5)

	assert.Equal(t, []uint32{1, 3, 4}, tr.Missing(0))
	assert.Equal(t, 3, tr.MissingCount())
}

func TestMissingCapped(t *testing.T) {
	tr := NewTracker(100)
	tr.MarkReceived(0)

	missing := tr.Missing(20)
	require.Len(t, missing, 20)
	assert.Equal(t, uint32(1), missing[0])
	assert.Equal(t, uint32(20), missing[19])
}

func TestRangesCoalesce(t *testing.T) {
	tr := NewTracker(20)
	for _, i := range []uint32{0, 1, 2, 7, 9, 10, 3} {
		tr.MarkReceived(i)
	}

	want := []wire.Range{
		{Start: 0, End: 3},
		{Start: 7, End: 7},
		{Start: 9, End: 10},
	}
	assert.Equal(t, want, tr.Ranges())
}

func TestRangesEmpty(t *testing.T) {
	tr := NewTracker(5)
	assert.Empty(t, tr.Ranges())
}

func TestLoadRangesRoundTrip(t *testing.T) {
	tr := NewTracker(50)
	for _, i := range []uint32{0, 1, 2, 10, 11, 30, 48, 49} {
		tr.MarkReceived(i)
	}
	snapshot := tr.Ranges()

	restored := NewTracker(50)
	restored.LoadRanges(snapshot)

	assert.Equal(t, snapshot, restored.Ranges())
	assert.Equal(t, tr.Count(), restored.Count())
	assert.Equal(t, tr.Missing(0), restored.Missing(0))
}

func TestLoadRangesReplacesState(t *testing.T) {
	tr := NewTracker(10)
	tr.MarkReceived(9)

	tr.LoadRanges([]wire.Range{{Start: 0, End: 2}})

	assert.False(t, tr.Has(9))
	assert.Equal(t, 3, tr.Count())
}

func TestLoadRangesIgnoresOutOfBounds(t *testing.T) {
	tr := NewTracker(4)
	tr.LoadRanges([]wire.Range{{Start: 2, End: 7}})

	assert.Equal(t, 2, tr.Count())
	assert.True(t, tr.Has(2))
	assert.True(t, tr.Has(3))
	assert.False(t, tr.Has(4))
}

func TestIsCompleteAndProgress(t *testing.T) {
	tr := NewTracker(4)
	assert.False(t, tr.IsComplete())
	assert.Equal(t, 0.0, tr.Progress())

	for i := uint32(0); i < 4; i++ {
		tr.MarkReceived(i)
	}

	assert.True(t, tr.IsComplete())
	assert.Equal(t, 100.0, tr.Progress())
}

func TestZeroChunkTransferComplete(t *testing.T) {
	tr := NewTracker(0)
	assert.True(t, tr.IsComplete())
	assert.Equal(t, 100.0, tr.Progress())
	assert.Empty(t, tr.Missing(0))
}
