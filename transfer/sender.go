package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/beam/pipe"
	"github.com/opd-ai/beam/window"
	"github.com/opd-ai/beam/wire"
)

// SenderState is the sender engine's lifecycle state.
type SenderState uint8

const (
	// SenderIdle indicates no transfer has been started.
	SenderIdle SenderState = iota
	// SenderMetadata indicates file-meta is being flushed.
	SenderMetadata
	// SenderTransferring indicates chunks are being sent.
	SenderTransferring
	// SenderPaused indicates the receiver requested a pause.
	SenderPaused
	// SenderComplete indicates every chunk was acknowledged.
	SenderComplete
	// SenderFailed indicates the transfer tore down.
	SenderFailed
)

// DefaultBufferLowThreshold is the transport-tier backpressure bound: when
// the pipe's outbound buffer exceeds it, the sender waits for the
// buffered-amount-low event before sending more.
const DefaultBufferLowThreshold = 1 * 1024 * 1024

// SenderConfig tunes the sender engine. Zero values select defaults.
type SenderConfig struct {
	// MaxOutstandingBytes bounds unacknowledged data (default 8 MiB).
	MaxOutstandingBytes int

	// ChunkSize is the chunk size the window uses to turn
	// MaxOutstandingBytes into a chunk budget (default 64 KiB). Chunk
	// payloads are always wire.ChunkSize bytes, whatever this is set to.
	ChunkSize int

	// BufferLowThreshold is the transport outbound-buffer bound
	// (default 1 MiB).
	BufferLowThreshold uint64
}

func (c *SenderConfig) applyDefaults() {
	if c.MaxOutstandingBytes <= 0 {
		c.MaxOutstandingBytes = window.DefaultMaxOutstandingBytes
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = wire.ChunkSize
	}
	if c.BufferLowThreshold == 0 {
		c.BufferLowThreshold = DefaultBufferLowThreshold
	}
}

// Result is the sender's completion handle. It resolves only once every
// chunk has been acknowledged, never at "last chunk sent".
type Result struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

func (r *Result) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// Done returns a channel closed when the transfer finishes either way.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome after Done is closed: nil on success.
func (r *Result) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait blocks until the transfer finishes or the context is cancelled.
func (r *Result) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sender streams one file at a time over a pipe, bounded by a sliding
// window on the application tier and the pipe's outbound buffer on the
// transport tier.
type Sender struct {
	mu sync.Mutex

	pipe pipe.Pipe
	cfg  SenderConfig
	win  *window.Window

	state       SenderState
	src         *Source
	totalChunks uint32
	nextChunk   uint32
	sentBytes   uint64
	startTime   time.Time
	speed       *speedMeter
	result      *Result

	cancelled  bool
	cancelRun  context.CancelFunc
	skip       map[uint32]struct{} // indices the receiver already holds
	bufferLow  chan struct{}
	timeSource TimeProvider

	progressCallback func(Progress)
}

// NewSender creates a sender engine bound to a pipe. The engine claims the
// pipe's text, close, and buffered-amount-low callbacks.
func NewSender(p pipe.Pipe, cfg SenderConfig) *Sender {
	cfg.applyDefaults()

	s := &Sender{
		pipe:       p,
		cfg:        cfg,
		win:        window.New(cfg.MaxOutstandingBytes, cfg.ChunkSize),
		state:      SenderIdle,
		bufferLow:  make(chan struct{}, 1),
		timeSource: defaultTimeProvider,
	}
	s.speed = newSpeedMeter(s.timeSource)

	p.SetBufferedAmountLowThreshold(cfg.BufferLowThreshold)
	p.OnBufferedAmountLow(func() {
		select {
		case s.bufferLow <- struct{}{}:
		default:
		}
	})
	p.OnText(s.handleText)
	p.OnClose(s.handleClose)

	logrus.WithFields(logrus.Fields{
		"function":             "NewSender",
		"max_outstanding":      cfg.MaxOutstandingBytes,
		"chunk_size":           cfg.ChunkSize,
		"buffer_low_threshold": cfg.BufferLowThreshold,
	}).Info("Sender engine created")

	return s
}

// SetTimeProvider overrides the clock for deterministic testing.
func (s *Sender) SetTimeProvider(tp TimeProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeSource = tp
	s.speed = newSpeedMeter(tp)
}

// OnProgress registers the progress callback. Safe for concurrent use.
func (s *Sender) OnProgress(callback func(Progress)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progressCallback = callback
}

// State returns the engine state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WindowStats exposes the sliding window occupancy, mainly for tests and
// progress displays.
func (s *Sender) WindowStats() window.Stats {
	return s.win.Stats()
}

// Send starts transferring src. It sends file-meta, then streams chunks
// under the two-tier backpressure, and returns a Result that resolves when
// the window drains and every chunk is acknowledged.
func (s *Sender) Send(ctx context.Context, src *Source) (*Result, error) {
	if !s.pipe.Open() {
		return nil, ErrNotReady
	}

	s.mu.Lock()
	if s.state == SenderMetadata || s.state == SenderTransferring || s.state == SenderPaused {
		s.mu.Unlock()
		return nil, ErrTransferActive
	}

	meta := src.Meta()
	totalChunks := src.TotalChunks()

	s.src = src
	s.totalChunks = totalChunks
	s.nextChunk = 0
	s.sentBytes = 0
	s.cancelled = false
	s.skip = nil
	s.startTime = s.timeSource.Now()
	s.speed.reset()
	s.result = newResult()
	s.state = SenderMetadata
	s.win.Clear()
	result := s.result
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"file_name":    meta.Name,
		"file_size":    meta.Size,
		"total_chunks": totalChunks,
	}).Info("Starting file transfer")

	metaMsg, err := wire.EncodeMessage(&wire.Message{
		Type:        wire.TypeFileMeta,
		Name:        meta.Name,
		Size:        meta.Size,
		MimeType:    meta.MimeType,
		TotalChunks: totalChunks,
		Checksum:    meta.Checksum,
	})
	if err != nil {
		s.fail(fmt.Errorf("encode file-meta: %w", err))
		return nil, err
	}

	if err := s.pipe.SendText(metaMsg); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransportClosed, err))
		return result, nil
	}

	s.mu.Lock()
	s.state = SenderTransferring
	s.mu.Unlock()

	// A zero-byte file is complete once the metadata is flushed.
	if totalChunks == 0 {
		s.complete()
		return result, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	go s.run(runCtx)

	return result, nil
}

// run is the hot loop: admit through the window, yield to transport
// backpressure, read, frame, send.
func (s *Sender) run(ctx context.Context) {
	for {
		index, ok := s.nextPending()
		if !ok {
			// All chunks handed to the pipe; completion fires from the
			// ack path once the window drains.
			s.checkComplete()
			return
		}

		if err := s.win.WaitForSpace(ctx); err != nil {
			s.failFromLoop(err)
			return
		}

		if err := s.waitBufferDrain(ctx); err != nil {
			s.failFromLoop(err)
			return
		}

		if s.isCancelled() {
			return
		}

		// A received-ranges report may have arrived while this loop was
		// suspended; a chunk the receiver now holds is skipped, not sent.
		s.mu.Lock()
		_, skipped := s.skip[index]
		s.mu.Unlock()
		if skipped {
			continue
		}

		// Register with the window and advance the cursor before the
		// frame hits the pipe, so an ACK racing the send can neither
		// trigger a duplicate nor observe a completion gap.
		if err := s.win.MarkSent(index); err != nil {
			s.failFromLoop(err)
			return
		}
		s.mu.Lock()
		s.nextChunk = index + 1
		s.mu.Unlock()

		if err := s.sendChunk(index, false); err != nil {
			s.failFromLoop(err)
			return
		}
	}
}

// nextPending advances the cursor past skipped indices and returns the
// next chunk to transmit.
func (s *Sender) nextPending() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.nextChunk < s.totalChunks {
		if _, skipped := s.skip[s.nextChunk]; !skipped {
			return s.nextChunk, true
		}
		s.nextChunk++
	}
	return 0, false
}

// sendChunk reads, frames, and transmits one chunk. The caller is
// responsible for window registration; retransmissions keep their
// original slot.
func (s *Sender) sendChunk(index uint32, retransmit bool) error {
	payload, err := s.src.ReadChunk(index)
	if err != nil {
		return fmt.Errorf("read chunk %d: %w", index, err)
	}

	frame := wire.EncodeChunk(index, payload)
	if err := s.pipe.Send(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	s.mu.Lock()
	s.sentBytes += uint64(len(payload))
	s.speed.observe(uint64(len(payload)))
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "sendChunk",
		"chunk_index":  index,
		"payload_size": len(payload),
		"retransmit":   retransmit,
	}).Debug("Chunk sent")

	s.emitProgress(StatusTransferring, nil)
	return nil
}

// waitBufferDrain blocks while the pipe's outbound buffer sits above the
// transport-tier threshold.
func (s *Sender) waitBufferDrain(ctx context.Context) error {
	for s.pipe.BufferedAmount() > s.cfg.BufferLowThreshold {
		select {
		case <-s.bufferLow:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// handleText processes control messages arriving on the pipe.
func (s *Sender) handleText(data []byte) {
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleText",
			"error":    err.Error(),
		}).Warn("Dropping malformed control message")
		return
	}

	switch msg.Type {
	case wire.TypeAck:
		s.win.OnAck(msg.ChunkIndex)
		s.checkComplete()

	case wire.TypeNack:
		go s.retransmit(msg.MissingChunks)

	case wire.TypeControl:
		s.handleControl(msg.Action)

	case wire.TypeReceivedRanges:
		s.applyReceivedRanges(msg.Ranges)

	case wire.TypeTransferComplete:
		// Informational; completion is ACK-driven and idempotent.
		if msg.Success {
			s.checkComplete()
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function":     "handleText",
			"message_type": msg.Type,
		}).Debug("Ignoring unknown control message type")
	}
}

// handleControl applies ready/pause/resume flow commands from the receiver.
func (s *Sender) handleControl(action string) {
	switch action {
	case wire.ActionReady:
		s.win.Resume()

	case wire.ActionPause:
		s.win.Pause()
		s.mu.Lock()
		if s.state == SenderTransferring {
			s.state = SenderPaused
		}
		s.mu.Unlock()
		s.emitProgress(StatusPaused, nil)

	case wire.ActionResume:
		s.mu.Lock()
		if s.state == SenderPaused {
			s.state = SenderTransferring
		}
		s.mu.Unlock()
		s.win.Resume()
		s.emitProgress(StatusTransferring, nil)

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handleControl",
			"action":   action,
		}).Debug("Ignoring unknown control action")
	}
}

// retransmit resends the subset of missing chunks that are still in
// flight. Window admission is bypassed for these (they already hold a
// slot) but transport backpressure is still honoured.
func (s *Sender) retransmit(missing []uint32) {
	eligible := s.win.Retransmittable(missing)
	if len(eligible) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":  "retransmit",
		"requested": len(missing),
		"eligible":  len(eligible),
	}).Info("Retransmitting NACKed chunks")

	for _, index := range eligible {
		if s.isCancelled() {
			return
		}
		if err := s.waitBufferDrain(context.Background()); err != nil {
			return
		}
		if err := s.sendChunk(index, true); err != nil {
			s.failFromLoop(err)
			return
		}
	}
}

// applyReceivedRanges records a resume snapshot from the receiver: covered
// indices are skipped by the cursor and treated as acknowledged.
func (s *Sender) applyReceivedRanges(rs []wire.Range) {
	s.mu.Lock()
	if s.skip == nil {
		s.skip = make(map[uint32]struct{})
	}
	acked := make([]uint32, 0)
	for _, r := range rs {
		for i := r.Start; i <= r.End; i++ {
			s.skip[i] = struct{}{}
			acked = append(acked, i)
			if i == ^uint32(0) {
				break
			}
		}
	}
	s.mu.Unlock()

	s.win.OnAckBatch(acked)

	logrus.WithFields(logrus.Fields{
		"function":       "applyReceivedRanges",
		"ranges":         len(rs),
		"covered_chunks": len(acked),
	}).Info("Receiver reported already-held chunks; skipping them")

	s.checkComplete()
}

// checkComplete resolves the transfer once the cursor has passed the last
// chunk and the window is empty.
func (s *Sender) checkComplete() {
	s.mu.Lock()
	finished := (s.state == SenderTransferring || s.state == SenderPaused) &&
		s.pendingLocked() == 0 && s.win.Stats().OutstandingChunks == 0
	s.mu.Unlock()

	if finished {
		s.complete()
	}
}

// pendingLocked counts not-yet-sent chunks, excluding skipped indices.
func (s *Sender) pendingLocked() int {
	pending := 0
	for i := s.nextChunk; i < s.totalChunks; i++ {
		if _, skipped := s.skip[i]; !skipped {
			pending++
		}
	}
	return pending
}

// complete transitions to SenderComplete and resolves the result.
func (s *Sender) complete() {
	s.mu.Lock()
	if s.state == SenderComplete || s.state == SenderFailed {
		s.mu.Unlock()
		return
	}
	s.state = SenderComplete
	result := s.result
	sentBytes := s.sentBytes
	elapsed := s.timeSource.Since(s.startTime)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "complete",
		"sent_bytes": sentBytes,
		"elapsed":    elapsed,
	}).Info("Transfer complete, all chunks acknowledged")

	s.emitProgress(StatusComplete, nil)
	result.resolve(nil)
}

// Cancel aborts the transfer. The window is cleared so suspended waiters
// observe cancellation and exit without sending; the result rejects with
// ErrCancelled. Cancelling a finished transfer is a no-op.
func (s *Sender) Cancel() {
	s.mu.Lock()
	if s.state == SenderComplete || s.state == SenderFailed || s.state == SenderIdle {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	s.state = SenderFailed
	result := s.result
	cancel := s.cancelRun
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Cancel",
	}).Info("Transfer cancelled by caller")

	if cancel != nil {
		cancel()
	}
	s.win.Clear()
	s.emitProgress(StatusFailed, ErrCancelled)
	if result != nil {
		result.resolve(ErrCancelled)
	}
}

func (s *Sender) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// failFromLoop maps loop-exit errors: cancellation is reported as
// ErrCancelled by Cancel itself, everything else tears the transfer down.
func (s *Sender) failFromLoop(err error) {
	if s.isCancelled() {
		return
	}
	if err == context.Canceled || err == window.ErrWindowClosed {
		s.fail(ErrCancelled)
		return
	}
	s.fail(err)
}

// fail transitions to SenderFailed and rejects the result.
func (s *Sender) fail(err error) {
	s.mu.Lock()
	if s.state == SenderComplete || s.state == SenderFailed {
		s.mu.Unlock()
		return
	}
	s.state = SenderFailed
	result := s.result
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "fail",
		"error":    err.Error(),
	}).Error("Transfer failed")

	s.win.Clear()
	s.emitProgress(StatusFailed, err)
	if result != nil {
		result.resolve(err)
	}
}

// handleClose tears down an active transfer when the pipe closes.
func (s *Sender) handleClose() {
	s.mu.Lock()
	active := s.state == SenderMetadata || s.state == SenderTransferring || s.state == SenderPaused
	s.mu.Unlock()

	if active {
		s.fail(ErrTransportClosed)
	}
}

// emitProgress snapshots state and invokes the progress callback.
func (s *Sender) emitProgress(status Status, err error) {
	s.mu.Lock()
	callback := s.progressCallback
	var total uint64
	if s.src != nil {
		total = s.src.Meta().Size
	}
	p := Progress{
		Status:      status,
		Transferred: s.sentBytes,
		Total:       total,
		Speed:       s.speed.value(),
		Err:         err,
	}
	if total > 0 {
		p.Percent = float64(s.sentBytes) / float64(total) * 100.0
	} else if status == StatusComplete {
		p.Percent = 100.0
	}
	s.mu.Unlock()

	if callback != nil {
		callback(p)
	}
}
