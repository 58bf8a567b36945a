// Package window implements the sender-side sliding window that bounds the
// number of chunks in flight between transmission and acknowledgement.
//
// The window is chunk-count based: maxChunksInFlight is derived from the
// byte budget once, which keeps every operation O(1). Callers that need to
// block until capacity frees use WaitForSpace; waiters are resumed in FIFO
// order as acknowledgements arrive.
package window

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultMaxOutstandingBytes bounds unacknowledged data at 8 MiB.
const DefaultMaxOutstandingBytes = 8 * 1024 * 1024

// DefaultChunkSize matches the data-pipe chunk payload size.
const DefaultChunkSize = 65536

// ErrWindowFull indicates MarkSent was called without capacity. This is a
// programmer error: callers must gate sends on CanSend or WaitForSpace.
var ErrWindowFull = errors.New("sliding window full")

// ErrWindowClosed indicates the window was cleared while a caller was
// waiting for space. Waiters observing it must not send.
var ErrWindowClosed = errors.New("sliding window cleared")

// Stats is a point-in-time snapshot of window occupancy.
type Stats struct {
	OutstandingChunks int
	OutstandingBytes  uint64
	Paused            bool
}

// Window tracks chunks sent but not yet acknowledged and suspends senders
// when the in-flight budget is exhausted.
type Window struct {
	mu sync.Mutex

	chunkSize         uint64
	maxChunksInFlight int

	outstanding map[uint32]time.Time
	paused      bool
	waiters     []chan error
}

// New creates a window with the given byte budget and chunk size. Zero or
// negative arguments fall back to the defaults.
func New(maxOutstandingBytes, chunkSize int) *Window {
	if maxOutstandingBytes <= 0 {
		maxOutstandingBytes = DefaultMaxOutstandingBytes
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	maxInFlight := maxOutstandingBytes / chunkSize
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	logrus.WithFields(logrus.Fields{
		"function":             "New",
		"max_outstanding":      maxOutstandingBytes,
		"chunk_size":           chunkSize,
		"max_chunks_in_flight": maxInFlight,
	}).Debug("Creating sliding window")

	return &Window{
		chunkSize:         uint64(chunkSize),
		maxChunksInFlight: maxInFlight,
		outstanding:       make(map[uint32]time.Time),
	}
}

// CanSend reports whether another chunk may be marked sent right now.
func (w *Window) CanSend() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canSendLocked()
}

func (w *Window) canSendLocked() bool {
	return !w.paused && len(w.outstanding) < w.maxChunksInFlight
}

// MarkSent records a chunk as in flight. Calling it without capacity
// returns ErrWindowFull.
func (w *Window) MarkSent(index uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.canSendLocked() {
		logrus.WithFields(logrus.Fields{
			"function":    "MarkSent",
			"chunk_index": index,
			"outstanding": len(w.outstanding),
			"paused":      w.paused,
		}).Error("MarkSent called on a full or paused window")
		return ErrWindowFull
	}

	w.outstanding[index] = time.Now()
	return nil
}

// OnAck removes an acknowledged chunk and wakes waiters that now fit.
// Acknowledgements for unknown indices are ignored; ACKs are idempotent.
func (w *Window) OnAck(index uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.outstanding, index)
	w.wakeLocked()
}

// OnAckBatch removes a batch of acknowledged chunks in one pass.
func (w *Window) OnAckBatch(indices []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, index := range indices {
		delete(w.outstanding, index)
	}
	w.wakeLocked()
}

// WaitForSpace blocks until the window can accept another chunk. It returns
// immediately when capacity is available, ErrWindowClosed if the window is
// cleared while waiting, or the context error on cancellation. Waiters are
// admitted in FIFO order.
func (w *Window) WaitForSpace(ctx context.Context) error {
	w.mu.Lock()
	if w.canSendLocked() {
		w.mu.Unlock()
		return nil
	}

	waiter := make(chan error, 1)
	w.waiters = append(w.waiters, waiter)
	w.mu.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		w.removeWaiter(waiter)
		return ctx.Err()
	}
}

// removeWaiter drops a cancelled waiter so a later wake cycle does not
// resume it.
func (w *Window) removeWaiter(waiter chan error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i, candidate := range w.waiters {
		if candidate == waiter {
			w.waiters = append(w.waiters[:i], w.waiters[i+1:]...)
			return
		}
	}
}

// wakeLocked resumes as many FIFO waiters as there are free slots. Each
// resumed waiter accounts for one slot so a notification cycle can never
// oversubscribe the window.
func (w *Window) wakeLocked() {
	if w.paused {
		return
	}

	free := w.maxChunksInFlight - len(w.outstanding)
	for free > 0 && len(w.waiters) > 0 {
		waiter := w.waiters[0]
		w.waiters = w.waiters[1:]
		waiter <- nil
		free--
	}
}

// Pause stops admissions; in-flight chunks are unaffected.
func (w *Window) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = true

	logrus.WithFields(logrus.Fields{
		"function":    "Pause",
		"outstanding": len(w.outstanding),
	}).Info("Sliding window paused")
}

// Resume re-enables admissions and wakes eligible waiters.
func (w *Window) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused = false
	w.wakeLocked()

	logrus.WithFields(logrus.Fields{
		"function":    "Resume",
		"outstanding": len(w.outstanding),
		"waiters":     len(w.waiters),
	}).Info("Sliding window resumed")
}

// Retransmittable filters a NACK's missing indices down to chunks that are
// still in flight. Indices already acknowledged are dropped silently; the
// request was stale.
func (w *Window) Retransmittable(missing []uint32) []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	eligible := make([]uint32, 0, len(missing))
	for _, index := range missing {
		if _, inFlight := w.outstanding[index]; inFlight {
			eligible = append(eligible, index)
		}
	}
	return eligible
}

// Clear resets all window state. Pending waiters are released with
// ErrWindowClosed and must not send.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Clear",
		"outstanding": len(w.outstanding),
		"waiters":     len(w.waiters),
	}).Info("Clearing sliding window")

	w.outstanding = make(map[uint32]time.Time)
	w.paused = false

	for _, waiter := range w.waiters {
		waiter <- ErrWindowClosed
	}
	w.waiters = nil
}

// Stats returns the current occupancy snapshot.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		OutstandingChunks: len(w.outstanding),
		OutstandingBytes:  uint64(len(w.outstanding)) * w.chunkSize,
		Paused:            w.paused,
	}
}
