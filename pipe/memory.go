package pipe

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// memoryQueueDepth bounds frames in flight inside one MemoryPipe direction.
const memoryQueueDepth = 4096

type memoryFrame struct {
	data   []byte
	binary bool
	delay  time.Duration
	sender *MemoryPipe
}

// MemoryPipe is an in-process Pipe endpoint. NewMemoryPair connects two of
// them back to back; frames sent on one side are delivered, in order, to
// the other side's handlers on a dedicated pump goroutine.
//
// Test hooks allow scripting lossy or slow links: a binary filter can drop
// chunk frames, and per-kind delays hold frames back before delivery.
type MemoryPipe struct {
	mu sync.Mutex

	peer  *MemoryPipe
	queue chan memoryFrame
	open  bool

	buffered     uint64
	lowThreshold uint64

	onLow    func()
	onClose  func()
	onBinary func([]byte)
	onText   func([]byte)

	binaryFilter func(frame []byte) bool
	binaryDelay  time.Duration
	textDelay    time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemoryPair creates two connected MemoryPipe endpoints.
func NewMemoryPair() (*MemoryPipe, *MemoryPipe) {
	a := newMemoryPipe()
	b := newMemoryPipe()
	a.peer = b
	b.peer = a
	go a.pump()
	go b.pump()
	return a, b
}

func newMemoryPipe() *MemoryPipe {
	return &MemoryPipe{
		queue: make(chan memoryFrame, memoryQueueDepth),
		open:  true,
		done:  make(chan struct{}),
	}
}

// SetBinaryFilter installs a hook consulted for every outbound binary
// frame; returning false drops the frame. Used to script chunk loss.
func (p *MemoryPipe) SetBinaryFilter(filter func(frame []byte) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binaryFilter = filter
}

// SetBinaryDelay delays delivery of every outbound binary frame.
func (p *MemoryPipe) SetBinaryDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binaryDelay = d
}

// SetTextDelay delays delivery of every outbound text frame. Because the
// pipe is ordered, the delay backs up frames queued behind it.
func (p *MemoryPipe) SetTextDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.textDelay = d
}

// Send transmits a binary frame to the peer.
func (p *MemoryPipe) Send(frame []byte) error {
	return p.send(frame, true)
}

// SendText transmits a text frame to the peer.
func (p *MemoryPipe) SendText(data []byte) error {
	return p.send(data, false)
}

func (p *MemoryPipe) send(data []byte, binary bool) error {
	p.mu.Lock()
	if !p.open {
		p.mu.Unlock()
		return ErrPipeClosed
	}

	if binary && p.binaryFilter != nil && !p.binaryFilter(data) {
		p.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "send",
			"frame_size": len(data),
		}).Debug("Binary filter dropped frame")
		return nil
	}

	delay := p.textDelay
	if binary {
		delay = p.binaryDelay
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	p.buffered += uint64(len(buf))
	peer := p.peer
	p.mu.Unlock()

	select {
	case peer.queue <- memoryFrame{data: buf, binary: binary, delay: delay, sender: p}:
		return nil
	case <-peer.done:
		return ErrPipeClosed
	}
}

// pump delivers queued frames to the local handlers in order.
func (p *MemoryPipe) pump() {
	for {
		select {
		case frame := <-p.queue:
			if frame.delay > 0 {
				time.Sleep(frame.delay)
			}
			p.dispatch(frame)
			frame.sender.releaseBuffered(uint64(len(frame.data)))
		case <-p.done:
			return
		}
	}
}

func (p *MemoryPipe) dispatch(frame memoryFrame) {
	p.mu.Lock()
	handler := p.onText
	if frame.binary {
		handler = p.onBinary
	}
	p.mu.Unlock()

	if handler != nil {
		handler(frame.data)
	}
}

// releaseBuffered credits delivered bytes back and fires the
// buffered-amount-low callback when the buffer drains past the threshold.
func (p *MemoryPipe) releaseBuffered(n uint64) {
	p.mu.Lock()
	wasAbove := p.buffered > p.lowThreshold
	if n > p.buffered {
		p.buffered = 0
	} else {
		p.buffered -= n
	}
	nowBelow := p.buffered <= p.lowThreshold
	callback := p.onLow
	p.mu.Unlock()

	if wasAbove && nowBelow && callback != nil {
		callback()
	}
}

// BufferedAmount returns bytes accepted for sending but not yet delivered.
func (p *MemoryPipe) BufferedAmount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffered
}

// SetBufferedAmountLowThreshold sets the drain level for OnBufferedAmountLow.
func (p *MemoryPipe) SetBufferedAmountLowThreshold(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lowThreshold = n
}

// OnBufferedAmountLow registers the buffer-drain callback.
func (p *MemoryPipe) OnBufferedAmountLow(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLow = fn
}

// OnBinary registers the inbound binary frame handler.
func (p *MemoryPipe) OnBinary(fn func(frame []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onBinary = fn
}

// OnText registers the inbound text frame handler.
func (p *MemoryPipe) OnText(fn func(data []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onText = fn
}

// OnClose registers the close callback.
func (p *MemoryPipe) OnClose(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onClose = fn
}

// Open reports whether the pipe accepts sends.
func (p *MemoryPipe) Open() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

// Close shuts down both ends of the pair. Frames already queued are
// discarded, matching an abrupt transport teardown.
func (p *MemoryPipe) Close() error {
	p.closeLocal()
	if p.peer != nil {
		p.peer.closeLocal()
	}
	return nil
}

func (p *MemoryPipe) closeLocal() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.open = false
		callback := p.onClose
		p.mu.Unlock()

		close(p.done)
		if callback != nil {
			callback()
		}
	})
}
