package pipe

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// WebRTCPipe adapts a pion DataChannel to the Pipe interface. The data
// channel must be negotiated as ordered and reliable (the pion default).
type WebRTCPipe struct {
	dc       *webrtc.DataChannel
	onBinary func([]byte)
	onText   func([]byte)
}

// NewWebRTCPipe wraps an established data channel. The channel's OnMessage
// handler is claimed by the adapter; register frame handlers through the
// Pipe interface instead.
func NewWebRTCPipe(dc *webrtc.DataChannel) *WebRTCPipe {
	p := &WebRTCPipe{dc: dc}

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			if p.onText != nil {
				p.onText(msg.Data)
			}
			return
		}
		if p.onBinary != nil {
			p.onBinary(msg.Data)
		}
	})

	logrus.WithFields(logrus.Fields{
		"function": "NewWebRTCPipe",
		"label":    dc.Label(),
	}).Debug("Wrapped data channel as pipe")

	return p
}

// Send transmits a binary frame.
func (p *WebRTCPipe) Send(frame []byte) error {
	if !p.Open() {
		return ErrPipeClosed
	}
	return p.dc.Send(frame)
}

// SendText transmits a text frame.
func (p *WebRTCPipe) SendText(data []byte) error {
	if !p.Open() {
		return ErrPipeClosed
	}
	return p.dc.SendText(string(data))
}

// BufferedAmount returns the data channel's outbound buffer size.
func (p *WebRTCPipe) BufferedAmount() uint64 {
	return p.dc.BufferedAmount()
}

// SetBufferedAmountLowThreshold forwards the drain threshold to the channel.
func (p *WebRTCPipe) SetBufferedAmountLowThreshold(n uint64) {
	p.dc.SetBufferedAmountLowThreshold(n)
}

// OnBufferedAmountLow registers the buffer-drain callback.
func (p *WebRTCPipe) OnBufferedAmountLow(fn func()) {
	p.dc.OnBufferedAmountLow(fn)
}

// OnBinary registers the inbound binary frame handler.
func (p *WebRTCPipe) OnBinary(fn func(frame []byte)) {
	p.onBinary = fn
}

// OnText registers the inbound text frame handler.
func (p *WebRTCPipe) OnText(fn func(data []byte)) {
	p.onText = fn
}

// OnClose registers the close callback.
func (p *WebRTCPipe) OnClose(fn func()) {
	p.dc.OnClose(fn)
}

// Open reports whether the underlying channel is in the open state.
func (p *WebRTCPipe) Open() bool {
	return p.dc.ReadyState() == webrtc.DataChannelStateOpen
}

// Close closes the underlying data channel.
func (p *WebRTCPipe) Close() error {
	return p.dc.Close()
}
