// Package pipe abstracts the reliable, ordered, message-oriented
// bidirectional transport the transfer engines run over.
//
// A Pipe carries two frame kinds: binary frames (file chunks) and text
// frames (JSON control messages). The interface mirrors the surface of an
// RTCDataChannel, including the observable outbound-buffer byte counter
// and the buffered-amount-low event the sender uses for transport-tier
// backpressure, so the WebRTC adapter is a thin wrapper and the in-memory
// implementation can script loss and latency in tests.
package pipe

import "errors"

// ErrPipeClosed indicates a send on a pipe that is no longer open.
var ErrPipeClosed = errors.New("pipe closed")

// Pipe is a reliable, ordered, bidirectional message transport.
//
// Handler registration is not synchronized with delivery: register all
// callbacks before the first frame can arrive.
type Pipe interface {
	// Send transmits a binary frame.
	Send(frame []byte) error

	// SendText transmits a text frame.
	SendText(data []byte) error

	// BufferedAmount returns the number of bytes queued locally for
	// transmission but not yet handed to the transport.
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold sets the level at which the
	// buffered-amount-low callback fires.
	SetBufferedAmountLowThreshold(n uint64)

	// OnBufferedAmountLow registers a callback invoked when the outbound
	// buffer drains to or below the configured threshold.
	OnBufferedAmountLow(fn func())

	// OnBinary registers the handler for inbound binary frames.
	OnBinary(fn func(frame []byte))

	// OnText registers the handler for inbound text frames.
	OnText(fn func(data []byte))

	// OnClose registers a callback invoked once when the pipe closes.
	OnClose(fn func())

	// Open reports whether the pipe can currently send.
	Open() bool

	// Close tears down the pipe. Closing twice is a no-op.
	Close() error
}
