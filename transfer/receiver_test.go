package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/beam/wire"
)

func metaMessage(t *testing.T, name string, size uint64, totalChunks uint32, checksum string) []byte {
	t.Helper()
	msg, err := wire.EncodeMessage(&wire.Message{
		Type:        wire.TypeFileMeta,
		Name:        name,
		Size:        size,
		MimeType:    "application/octet-stream",
		TotalChunks: totalChunks,
		Checksum:    checksum,
	})
	require.NoError(t, err)
	return msg
}

func chunkFrame(index uint32, payload []byte) []byte {
	return wire.EncodeChunk(index, payload)
}

// textByType filters recorded text frames by control message type.
func textByType(t *testing.T, p *mockPipe, msgType string) []*wire.Message {
	t.Helper()
	var out []*wire.Message
	for _, data := range p.sentText() {
		msg, err := wire.DecodeMessage(data)
		require.NoError(t, err)
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func TestReceiverMetaInitialises(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{})

	p.injectText(metaMessage(t, "file.bin", 3*wire.ChunkSize, 3, ""))

	assert.Equal(t, ReceiverReceiving, r.State())
	assert.Equal(t, "file.bin", r.Meta().Name)

	ready := textByType(t, p, wire.TypeControl)
	require.Len(t, ready, 1)
	assert.Equal(t, wire.ActionReady, ready[0].Action)
}

func TestReceiverAcksBatched(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 4})

	p.injectText(metaMessage(t, "file.bin", 8*wire.ChunkSize, 8, ""))

	payload := bytes.Repeat([]byte{0x11}, wire.ChunkSize)
	for i := uint32(0); i < 3; i++ {
		p.injectBinary(chunkFrame(i, payload))
	}
	assert.Empty(t, textByType(t, p, wire.TypeAck), "no flush below the batch size")

	p.injectBinary(chunkFrame(3, payload))

	acks := textByType(t, p, wire.TypeAck)
	require.Len(t, acks, 4)
	for i, ack := range acks {
		assert.Equal(t, uint32(i), ack.ChunkIndex)
	}
	_ = r
}

func TestReceiverDuplicateKeptOnceAndReAcked(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	p.injectText(metaMessage(t, "file.bin", 2*wire.ChunkSize, 2, ""))

	payload := bytes.Repeat([]byte{0x22}, wire.ChunkSize)
	p.injectBinary(chunkFrame(0, payload))
	p.injectBinary(chunkFrame(0, payload))

	acks := textByType(t, p, wire.TypeAck)
	require.Len(t, acks, 2, "a duplicate is re-acknowledged")
	assert.Equal(t, uint32(0), acks[0].ChunkIndex)
	assert.Equal(t, uint32(0), acks[1].ChunkIndex)

	// The duplicate is not counted twice.
	assert.Equal(t, uint64(wire.ChunkSize), func() uint64 {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.receivedBytes
	}())
}

func TestReceiverMalformedFrameDropped(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{})

	p.injectText(metaMessage(t, "file.bin", wire.ChunkSize, 1, ""))

	p.injectBinary([]byte{1, 2, 3})
	frame := chunkFrame(0, []byte("data"))
	p.injectBinary(append(frame, 0xFF)) // trailing byte

	assert.Equal(t, uint64(2), r.MalformedFrames())
	assert.Equal(t, ReceiverReceiving, r.State())
}

func TestReceiverOutOfRangeIndexDropped(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	p.injectText(metaMessage(t, "file.bin", 2*wire.ChunkSize, 2, ""))
	p.injectBinary(chunkFrame(5, []byte("beyond")))

	assert.Empty(t, textByType(t, p, wire.TypeAck))
	assert.Equal(t, ReceiverReceiving, r.State())
}

func TestReceiverOutOfOrderMemoryAssembly(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	chunks := [][]byte{
		bytes.Repeat([]byte{0xA0}, wire.ChunkSize),
		bytes.Repeat([]byte{0xB1}, wire.ChunkSize),
		[]byte("tail"),
	}
	size := uint64(2*wire.ChunkSize + 4)

	p.injectText(metaMessage(t, "file.bin", size, 3, ""))

	// Delivery order 2, 0, 1.
	p.injectBinary(chunkFrame(2, chunks[2]))
	p.injectBinary(chunkFrame(0, chunks[0]))
	p.injectBinary(chunkFrame(1, chunks[1]))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverComplete
	}))

	artifact, ok := r.Artifact()
	require.True(t, ok)
	want := append(append(append([]byte{}, chunks[0]...), chunks[1]...), chunks[2]...)
	assert.Equal(t, want, artifact)

	completes := textByType(t, p, wire.TypeTransferComplete)
	require.Len(t, completes, 1)
	assert.True(t, completes[0].Success)
	assert.Equal(t, size, completes[0].BytesReceived)
}

func TestReceiverFileSinkWritesAtOffsets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{
		AckBatchSize: 1,
		SinkProvider: func(meta Meta) (Sink, error) {
			return CreateFileSink(path)
		},
	})

	data := make([]byte, wire.ChunkSize+100)
	rand.New(rand.NewSource(7)).Read(data)

	p.injectText(metaMessage(t, "out.bin", uint64(len(data)), 2, ""))
	p.injectBinary(chunkFrame(1, data[wire.ChunkSize:]))
	p.injectBinary(chunkFrame(0, data[:wire.ChunkSize]))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverComplete
	}))

	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, written)

	_, ok := r.Artifact()
	assert.False(t, ok, "file-sink path exposes no in-memory artifact")
}

func TestReceiverSinkProviderRefusalFallsBack(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{
		AckBatchSize: 1,
		SinkProvider: func(meta Meta) (Sink, error) {
			return nil, os.ErrPermission
		},
	})

	p.injectText(metaMessage(t, "file.bin", 4, 1, ""))
	p.injectBinary(chunkFrame(0, []byte("data")))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverComplete
	}))

	artifact, ok := r.Artifact()
	require.True(t, ok)
	assert.Equal(t, []byte("data"), artifact)
}

func TestReceiverProtocolViolationOnMidTransferMeta(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{})

	var failure error
	r.OnComplete(func(err error) { failure = err })

	p.injectText(metaMessage(t, "a.bin", 4*wire.ChunkSize, 4, ""))
	p.injectBinary(chunkFrame(0, bytes.Repeat([]byte{1}, wire.ChunkSize)))
	p.injectText(metaMessage(t, "b.bin", 2*wire.ChunkSize, 2, ""))

	assert.Equal(t, ReceiverFailed, r.State())
	assert.ErrorIs(t, failure, ErrProtocolViolation)
}

func TestReceiverNackTimer(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{
		AckBatchSize: 1,
		NackTimeout:  50 * time.Millisecond,
	})

	p.injectText(metaMessage(t, "file.bin", 4*wire.ChunkSize, 4, ""))

	payload := bytes.Repeat([]byte{0x33}, wire.ChunkSize)
	p.injectBinary(chunkFrame(0, payload))
	p.injectBinary(chunkFrame(1, payload))
	p.injectBinary(chunkFrame(3, payload))

	require.True(t, waitUntil(time.Second, func() bool {
		return len(textByType(t, p, wire.TypeNack)) >= 1
	}), "nack timer should request the gap")

	nacks := textByType(t, p, wire.TypeNack)
	assert.Equal(t, []uint32{2}, nacks[0].MissingChunks)
	_ = r
}

func TestReceiverNackSuppressedForFreshTransfer(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{
		AckBatchSize: 1,
		NackTimeout:  30 * time.Millisecond,
	})

	// 200 chunks, none received: gap-NACKing is pointless.
	p.injectText(metaMessage(t, "file.bin", 200*wire.ChunkSize, 200, ""))

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, textByType(t, p, wire.TypeNack))
	_ = r
}

func TestReceiverZeroChunkTransfer(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{})

	p.injectText(metaMessage(t, "empty.bin", 0, 0, ""))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverComplete
	}))

	completes := textByType(t, p, wire.TypeTransferComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, uint64(0), completes[0].BytesReceived)
}

func TestReceiverPauseResumeControls(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	p.injectText(metaMessage(t, "file.bin", 3*wire.ChunkSize, 3, ""))

	require.NoError(t, r.Pause())
	assert.Equal(t, ReceiverPaused, r.State())

	controls := textByType(t, p, wire.TypeControl)
	require.Len(t, controls, 2) // ready, pause
	assert.Equal(t, wire.ActionPause, controls[1].Action)

	// Late in-flight chunks are still accepted while paused.
	p.injectBinary(chunkFrame(0, bytes.Repeat([]byte{1}, wire.ChunkSize)))
	acks := textByType(t, p, wire.TypeAck)
	require.Len(t, acks, 1)

	require.NoError(t, r.Resume())
	assert.Equal(t, ReceiverReceiving, r.State())
}

func TestReceiverChecksumVerified(t *testing.T) {
	data := []byte("payload under test")
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	p.injectText(metaMessage(t, "file.bin", uint64(len(data)), 1, digest))
	p.injectBinary(chunkFrame(0, data))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverComplete
	}))
}

func TestReceiverChecksumMismatchFails(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	var failure error
	r.OnComplete(func(err error) { failure = err })

	p.injectText(metaMessage(t, "file.bin", 4, 1, "0000000000000000"))
	p.injectBinary(chunkFrame(0, []byte("data")))

	require.True(t, waitUntil(time.Second, func() bool {
		return r.State() == ReceiverFailed
	}))
	assert.ErrorIs(t, failure, ErrChecksumMismatch)
}

func TestReceiverTransportClosedKeepsPartialSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "partial.bin")

	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{
		AckBatchSize: 1,
		SinkProvider: func(meta Meta) (Sink, error) {
			return CreateFileSink(path)
		},
	})

	var failure error
	r.OnComplete(func(err error) { failure = err })

	p.injectText(metaMessage(t, "partial.bin", 4*wire.ChunkSize, 4, ""))
	p.injectBinary(chunkFrame(0, bytes.Repeat([]byte{0x44}, wire.ChunkSize)))

	require.NoError(t, p.Close())

	assert.Equal(t, ReceiverFailed, r.State())
	assert.ErrorIs(t, failure, ErrTransportClosed)

	// Closed, not deleted: the partial artifact survives for the caller.
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestReceiverResumeSnapshotRoundTrip(t *testing.T) {
	p := newMockPipe()
	r := NewReceiver(p, ReceiverConfig{AckBatchSize: 1})

	size := uint64(3 * wire.ChunkSize)
	p.injectText(metaMessage(t, "file.bin", size, 3, ""))
	p.injectBinary(chunkFrame(0, bytes.Repeat([]byte{1}, wire.ChunkSize)))
	p.injectBinary(chunkFrame(2, bytes.Repeat([]byte{2}, wire.ChunkSize)))

	snapshot := r.ReceivedRanges()
	require.Len(t, snapshot, 2)

	// A fresh engine primed with the snapshot answers the repeated
	// announcement with received-ranges.
	p2 := newMockPipe()
	r2 := NewReceiver(p2, ReceiverConfig{AckBatchSize: 1})
	r2.LoadReceivedRanges(Meta{Name: "file.bin", Size: size}, 3, snapshot)

	p2.injectText(metaMessage(t, "file.bin", size, 3, ""))

	reported := textByType(t, p2, wire.TypeReceivedRanges)
	require.Len(t, reported, 1)
	assert.Equal(t, snapshot, reported[0].Ranges)

	// Only the gap remains; receiving it completes the transfer.
	p2.injectBinary(chunkFrame(1, bytes.Repeat([]byte{3}, wire.ChunkSize)))
	require.True(t, waitUntil(time.Second, func() bool {
		return r2.State() == ReceiverComplete
	}))

	completes := textByType(t, p2, wire.TypeTransferComplete)
	require.Len(t, completes, 1)
	assert.Equal(t, size, completes[0].BytesReceived)
}
