package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/beam/pipe"
	"github.com/opd-ai/beam/ranges"
	"github.com/opd-ai/beam/wire"
)

// ReceiverState is the receiver engine's lifecycle state.
type ReceiverState uint8

const (
	// ReceiverIdle indicates the engine is not attached to a transfer.
	ReceiverIdle ReceiverState = iota
	// ReceiverAwaitingMeta indicates the engine is waiting for file-meta.
	ReceiverAwaitingMeta
	// ReceiverReceiving indicates chunks are being accepted.
	ReceiverReceiving
	// ReceiverPaused indicates the receiver asked the sender to stop.
	ReceiverPaused
	// ReceiverFinalising indicates the last chunk arrived and the sink is
	// being closed out.
	ReceiverFinalising
	// ReceiverComplete indicates the artifact is assembled.
	ReceiverComplete
	// ReceiverFailed indicates the transfer tore down.
	ReceiverFailed
)

// Receiver defaults.
const (
	// DefaultAckBatchSize flushes ACKs every 4 chunks.
	DefaultAckBatchSize = 4

	// DefaultNackTimeout is the gap-detection period.
	DefaultNackTimeout = 2 * time.Second

	// nackFreshTransferFloor suppresses NACKs when this many chunks or
	// more are missing; a mostly-empty tracker means the transfer is
	// young, not lossy.
	nackFreshTransferFloor = 100

	// nackBatchLimit caps the indices carried in one NACK.
	nackBatchLimit = 20
)

// ReceiverConfig tunes the receiver engine. Zero values select defaults.
type ReceiverConfig struct {
	// AckBatchSize is the number of pending ACKs that forces a flush.
	AckBatchSize int

	// NackTimeout is the gap-detection timer period.
	NackTimeout time.Duration

	// SinkProvider acquires a write sink when file-meta arrives. Nil, or
	// a provider error, selects in-memory accumulation.
	SinkProvider SinkProvider
}

func (c *ReceiverConfig) applyDefaults() {
	if c.AckBatchSize <= 0 {
		c.AckBatchSize = DefaultAckBatchSize
	}
	if c.NackTimeout <= 0 {
		c.NackTimeout = DefaultNackTimeout
	}
}

// Receiver accepts one file transfer at a time from a pipe, acknowledging
// in batches and requesting retransmission of detected gaps.
type Receiver struct {
	mu sync.Mutex

	pipe pipe.Pipe
	cfg  ReceiverConfig

	state         ReceiverState
	meta          Meta
	totalChunks   uint32
	tracker       *ranges.Tracker
	sink          Sink
	memSink       *MemorySink // set when the fallback path is active
	receivedBytes uint64
	startTime     time.Time
	speed         *speedMeter
	pendingAcks   []uint32

	resumePrimed bool // a LoadReceivedRanges snapshot awaits the next file-meta

	nackStop chan struct{}

	malformedFrames uint64
	timeSource      TimeProvider

	progressCallback func(Progress)
	completeCallback func(error)
}

// NewReceiver creates a receiver engine bound to a pipe. The engine claims
// the pipe's binary, text, and close callbacks and waits for file-meta.
func NewReceiver(p pipe.Pipe, cfg ReceiverConfig) *Receiver {
	cfg.applyDefaults()

	r := &Receiver{
		pipe:       p,
		cfg:        cfg,
		state:      ReceiverAwaitingMeta,
		timeSource: defaultTimeProvider,
	}
	r.speed = newSpeedMeter(r.timeSource)

	p.OnBinary(r.handleBinary)
	p.OnText(r.handleText)
	p.OnClose(r.handleClose)

	logrus.WithFields(logrus.Fields{
		"function":       "NewReceiver",
		"ack_batch_size": cfg.AckBatchSize,
		"nack_timeout":   cfg.NackTimeout,
	}).Info("Receiver engine created")

	return r
}

// SetTimeProvider overrides the clock for deterministic testing.
func (r *Receiver) SetTimeProvider(tp TimeProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeSource = tp
	r.speed = newSpeedMeter(tp)
}

// OnProgress registers the progress callback. Safe for concurrent use.
func (r *Receiver) OnProgress(callback func(Progress)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressCallback = callback
}

// OnComplete registers a callback invoked once when the transfer finishes;
// the error is nil on success.
func (r *Receiver) OnComplete(callback func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completeCallback = callback
}

// State returns the engine state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Meta returns the metadata of the announced transfer.
func (r *Receiver) Meta() Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// MalformedFrames returns the count of dropped undecodable frames.
func (r *Receiver) MalformedFrames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.malformedFrames
}

// Artifact returns the assembled bytes when the in-memory fallback path
// was used; ok is false on the file-sink path.
func (r *Receiver) Artifact() (data []byte, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.memSink == nil || r.state != ReceiverComplete {
		return nil, false
	}
	return r.memSink.Bytes(), true
}

// ReceivedRanges snapshots the compressed received set so an upper layer
// can persist it across a reconnect.
func (r *Receiver) ReceivedRanges() []wire.Range {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tracker == nil {
		return nil
	}
	return r.tracker.Ranges()
}

// LoadReceivedRanges primes the engine with a resume snapshot. When the
// next file-meta matches the recorded identity, the receiver replies with
// a received-ranges message so the sender skips chunks already held.
func (r *Receiver) LoadReceivedRanges(meta Meta, totalChunks uint32, snapshot []wire.Range) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.meta = meta
	r.totalChunks = totalChunks
	r.tracker = ranges.NewTracker(totalChunks)
	r.tracker.LoadRanges(snapshot)
	r.resumePrimed = true
	r.state = ReceiverAwaitingMeta

	logrus.WithFields(logrus.Fields{
		"function":     "LoadReceivedRanges",
		"file_name":    meta.Name,
		"total_chunks": totalChunks,
		"held_chunks":  r.tracker.Count(),
	}).Info("Primed receiver with resume snapshot")
}

// Pause asks the sender to stop and marks the engine paused. Late
// in-flight chunks are still accepted.
func (r *Receiver) Pause() error {
	r.mu.Lock()
	if r.state != ReceiverReceiving {
		r.mu.Unlock()
		return fmt.Errorf("receiver is not receiving")
	}
	r.state = ReceiverPaused
	r.mu.Unlock()

	return r.sendControl(wire.ActionPause)
}

// Resume asks the sender to continue.
func (r *Receiver) Resume() error {
	r.mu.Lock()
	if r.state != ReceiverPaused {
		r.mu.Unlock()
		return fmt.Errorf("receiver is not paused")
	}
	r.state = ReceiverReceiving
	r.mu.Unlock()

	return r.sendControl(wire.ActionResume)
}

func (r *Receiver) sendControl(action string) error {
	msg, err := wire.EncodeMessage(&wire.Message{Type: wire.TypeControl, Action: action})
	if err != nil {
		return err
	}
	return r.pipe.SendText(msg)
}

// handleText processes control messages; the receiver cares about
// file-meta and flow-control commands.
func (r *Receiver) handleText(data []byte) {
	msg, err := wire.DecodeMessage(data)
	if err != nil {
		r.mu.Lock()
		r.malformedFrames++
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleText",
			"error":    err.Error(),
		}).Warn("Dropping malformed control message")
		return
	}

	switch msg.Type {
	case wire.TypeFileMeta:
		r.handleMeta(msg)

	case wire.TypeControl:
		switch msg.Action {
		case wire.ActionPause:
			r.mu.Lock()
			if r.state == ReceiverReceiving {
				r.state = ReceiverPaused
			}
			r.mu.Unlock()
		case wire.ActionResume:
			r.mu.Lock()
			if r.state == ReceiverPaused {
				r.state = ReceiverReceiving
			}
			r.mu.Unlock()
		}

	default:
		logrus.WithFields(logrus.Fields{
			"function":     "handleText",
			"message_type": msg.Type,
		}).Debug("Ignoring control message type")
	}
}

// handleMeta initialises transfer state from a file-meta announcement.
func (r *Receiver) handleMeta(msg *wire.Message) {
	r.mu.Lock()

	if r.state == ReceiverReceiving || r.state == ReceiverPaused || r.state == ReceiverFinalising {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "handleMeta",
			"file_name": msg.Name,
		}).Error("file-meta arrived while a transfer is in progress")
		r.teardown(ErrProtocolViolation)
		return
	}

	meta := Meta{Name: msg.Name, Size: msg.Size, MimeType: msg.MimeType, Checksum: msg.Checksum}

	resuming := r.resumePrimed && r.tracker != nil &&
		r.meta.Name == meta.Name && r.meta.Size == meta.Size && r.totalChunks == msg.TotalChunks
	r.resumePrimed = false

	if !resuming {
		r.tracker = ranges.NewTracker(msg.TotalChunks)
	}

	r.meta = meta
	r.totalChunks = msg.TotalChunks
	r.receivedBytes = 0
	if resuming {
		r.receivedBytes = heldBytes(r.tracker, meta.Size, msg.TotalChunks)
	}
	r.pendingAcks = nil
	r.startTime = r.timeSource.Now()
	r.speed.reset()

	r.sink = nil
	r.memSink = nil
	if r.cfg.SinkProvider != nil {
		if sink, err := r.cfg.SinkProvider(meta); err == nil && sink != nil {
			r.sink = sink
		} else if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "handleMeta",
				"file_name": meta.Name,
				"error":     err.Error(),
			}).Warn("Sink provider refused; falling back to in-memory accumulation")
		}
	}
	if r.sink == nil {
		r.memSink = NewMemorySink()
		r.sink = r.memSink
	}

	r.state = ReceiverReceiving
	stop := make(chan struct{})
	r.nackStop = stop
	total := msg.TotalChunks
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "handleMeta",
		"file_name":    meta.Name,
		"file_size":    meta.Size,
		"total_chunks": total,
		"resuming":     resuming,
	}).Info("Transfer announced")

	if err := r.sendControl(wire.ActionReady); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleMeta",
			"error":    err.Error(),
		}).Warn("Failed to send ready control")
	}

	if resuming {
		r.sendReceivedRanges()
	}

	go r.nackLoop(stop)

	r.emitProgress(StatusTransferring, nil)

	// A zero-chunk announcement is complete immediately.
	if total == 0 {
		r.finalise()
	}
}

// heldBytes sums the payload bytes covered by a resume snapshot. Every
// held chunk is ChunkSize bytes except a held final chunk, which carries
// the remainder.
func heldBytes(tracker *ranges.Tracker, size uint64, totalChunks uint32) uint64 {
	if totalChunks == 0 {
		return 0
	}
	held := uint64(tracker.Count()) * wire.ChunkSize
	if tracker.Has(totalChunks - 1) {
		fullPrefix := uint64(totalChunks-1) * wire.ChunkSize
		held = held - wire.ChunkSize + (size - fullPrefix)
	}
	return held
}

// sendReceivedRanges reports the held-chunk snapshot to the sender.
func (r *Receiver) sendReceivedRanges() {
	r.mu.Lock()
	snapshot := r.tracker.Ranges()
	r.mu.Unlock()

	msg, err := wire.EncodeMessage(&wire.Message{Type: wire.TypeReceivedRanges, Ranges: snapshot})
	if err != nil {
		return
	}
	if err := r.pipe.SendText(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendReceivedRanges",
			"error":    err.Error(),
		}).Warn("Failed to send received-ranges snapshot")
	}
}

// handleBinary processes one chunk frame.
func (r *Receiver) handleBinary(frame []byte) {
	index, payload, err := wire.DecodeChunk(frame)
	if err != nil {
		r.mu.Lock()
		r.malformedFrames++
		count := r.malformedFrames
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":         "handleBinary",
			"error":            err.Error(),
			"malformed_frames": count,
		}).Warn("Dropping malformed chunk frame")
		return
	}

	r.mu.Lock()

	if r.state != ReceiverReceiving && r.state != ReceiverPaused {
		r.mu.Unlock()
		return
	}

	if index >= r.totalChunks {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":     "handleBinary",
			"chunk_index":  index,
			"total_chunks": r.totalChunks,
		}).Warn("Dropping chunk with out-of-range index")
		return
	}

	if r.tracker.Has(index) {
		// Duplicate: keep the first copy, but re-acknowledge in case the
		// original ACK was lost.
		r.pendingAcks = append(r.pendingAcks, index)
		flush := len(r.pendingAcks) >= r.cfg.AckBatchSize
		r.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function":    "handleBinary",
			"chunk_index": index,
		}).Debug("Dropping duplicate chunk")

		if flush {
			r.flushAcks()
		}
		return
	}

	if err := r.sink.WriteChunk(index, payload); err != nil {
		r.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":    "handleBinary",
			"chunk_index": index,
			"error":       err.Error(),
		}).Error("Sink write failed")
		r.teardown(fmt.Errorf("%w: %v", ErrSinkWrite, err))
		return
	}

	r.tracker.MarkReceived(index)
	r.receivedBytes += uint64(len(payload))
	r.speed.observe(uint64(len(payload)))

	r.pendingAcks = append(r.pendingAcks, index)
	flush := len(r.pendingAcks) >= r.cfg.AckBatchSize
	complete := r.tracker.IsComplete()
	r.mu.Unlock()

	if flush {
		r.flushAcks()
	}

	r.emitProgress(StatusTransferring, nil)

	if complete {
		r.finalise()
	}
}

// flushAcks sends every pending acknowledgement.
func (r *Receiver) flushAcks() {
	r.mu.Lock()
	pending := r.pendingAcks
	r.pendingAcks = nil
	r.mu.Unlock()

	for _, index := range pending {
		msg, err := wire.EncodeMessage(&wire.Message{Type: wire.TypeAck, ChunkIndex: index})
		if err != nil {
			continue
		}
		if err := r.pipe.SendText(msg); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":    "flushAcks",
				"chunk_index": index,
				"error":       err.Error(),
			}).Warn("Failed to send ack")
			return
		}
	}
}

// nackLoop runs gap detection on the configured period until the transfer
// finishes.
func (r *Receiver) nackLoop(stop chan struct{}) {
	ticker := time.NewTicker(r.cfg.NackTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.maybeNack()
		case <-stop:
			return
		}
	}
}

// maybeNack requests retransmission of detected gaps. A fresh transfer
// (nothing missing, or a hundred-plus holes) is left to the normal flow.
func (r *Receiver) maybeNack() {
	r.mu.Lock()
	if r.state != ReceiverReceiving || r.tracker == nil {
		r.mu.Unlock()
		return
	}
	missingCount := r.tracker.MissingCount()
	if missingCount == 0 || missingCount >= nackFreshTransferFloor {
		r.mu.Unlock()
		return
	}
	missing := r.tracker.Missing(nackBatchLimit)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "maybeNack",
		"missing_total": missingCount,
		"requested":     len(missing),
	}).Info("Requesting retransmission of missing chunks")

	msg, err := wire.EncodeMessage(&wire.Message{Type: wire.TypeNack, MissingChunks: missing})
	if err != nil {
		return
	}
	if err := r.pipe.SendText(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "maybeNack",
			"error":    err.Error(),
		}).Warn("Failed to send nack")
	}
}

// finalise flushes remaining ACKs, verifies the checksum when one was
// announced, closes the sink, and reports completion to the sender.
func (r *Receiver) finalise() {
	r.mu.Lock()
	if r.state != ReceiverReceiving && r.state != ReceiverPaused {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverFinalising
	stop := r.nackStop
	r.nackStop = nil
	r.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	r.flushAcks()

	r.mu.Lock()
	sink := r.sink
	meta := r.meta
	received := r.receivedBytes
	r.mu.Unlock()

	if meta.Checksum != "" {
		if summer, ok := sink.(checksummer); ok {
			digest, err := summer.Checksum(meta.Size)
			if err == nil && digest != meta.Checksum {
				err = fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, digest, meta.Checksum)
			}
			if err != nil {
				r.teardown(err)
				return
			}
		}
	}

	if err := sink.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "finalise",
			"error":    err.Error(),
		}).Warn("Failed to close sink")
	}

	msg, err := wire.EncodeMessage(&wire.Message{
		Type:          wire.TypeTransferComplete,
		Success:       true,
		BytesReceived: received,
	})
	if err == nil {
		if sendErr := r.pipe.SendText(msg); sendErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "finalise",
				"error":    sendErr.Error(),
			}).Warn("Failed to send transfer-complete")
		}
	}

	r.mu.Lock()
	r.state = ReceiverComplete
	callback := r.completeCallback
	elapsed := r.timeSource.Since(r.startTime)
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":       "finalise",
		"file_name":      meta.Name,
		"bytes_received": received,
		"elapsed":        elapsed,
	}).Info("Transfer complete")

	r.emitProgress(StatusComplete, nil)
	if callback != nil {
		callback(nil)
	}
}

// teardown fails the transfer: the sink is closed but never deleted; the
// caller decides what happens to the partial artifact.
func (r *Receiver) teardown(err error) {
	r.mu.Lock()
	if r.state == ReceiverComplete || r.state == ReceiverFailed {
		r.mu.Unlock()
		return
	}
	r.state = ReceiverFailed
	sink := r.sink
	stop := r.nackStop
	r.nackStop = nil
	callback := r.completeCallback
	r.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "teardown",
		"error":    err.Error(),
	}).Error("Transfer failed")

	if stop != nil {
		close(stop)
	}
	if sink != nil {
		if closeErr := sink.Close(); closeErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "teardown",
				"error":    closeErr.Error(),
			}).Warn("Failed to close sink during teardown")
		}
	}

	r.emitProgress(StatusFailed, err)
	if callback != nil {
		callback(err)
	}
}

// handleClose tears down an active transfer when the pipe closes.
func (r *Receiver) handleClose() {
	r.mu.Lock()
	active := r.state == ReceiverReceiving || r.state == ReceiverPaused || r.state == ReceiverFinalising
	r.mu.Unlock()

	if active {
		r.teardown(ErrTransportClosed)
	}
}

// emitProgress snapshots state and invokes the progress callback.
func (r *Receiver) emitProgress(status Status, err error) {
	r.mu.Lock()
	callback := r.progressCallback
	p := Progress{
		Status:      status,
		Transferred: r.receivedBytes,
		Total:       r.meta.Size,
		Speed:       r.speed.value(),
		Err:         err,
	}
	if r.tracker != nil {
		p.Percent = r.tracker.Progress()
	}
	r.mu.Unlock()

	if callback != nil {
		callback(p)
	}
}
