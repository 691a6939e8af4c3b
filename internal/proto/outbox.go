package proto

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const (
	envelopeSlack = 64 << 10
	// MaxFrameSize bounds one bridged websocket frame so that its base64
	// ws-data envelope still fits in a control message.
	MaxFrameSize = (MaxMessageSize - envelopeSlack) / 4 * 3

	// DefaultOutboxFrames and DefaultOutboxBytes bound how far a socket's
	// peer may fall behind before the socket is dropped.
	DefaultOutboxFrames = 1024
	DefaultOutboxBytes  = 32 << 20
)

var (
	ErrOutboxOverflow = errors.New("outbox overflow")
	ErrOutboxClosed   = errors.New("outbox closed")
	ErrOutboxStopped  = errors.New("outbox stopped")
)

// Frame is one websocket data message.
type Frame struct {
	Binary  bool
	Payload []byte
}

func (f Frame) MessageType() int {
	if f.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

type outboxItem struct {
	frame Frame
	last  bool
}

// Outbox is the write queue of one bridged socket. Push never blocks; Run
// drains it in order from the socket's own goroutine.
type Outbox struct {
	items    chan outboxItem
	maxBytes int64
	queued   atomic.Int64

	mu      sync.Mutex
	closed  bool
	stopped chan struct{}
}

func NewOutbox(frames int, maxBytes int64) *Outbox {
	if frames <= 0 {
		frames = DefaultOutboxFrames
	}
	if maxBytes <= 0 {
		maxBytes = DefaultOutboxBytes
	}
	return &Outbox{
		items:    make(chan outboxItem, frames),
		maxBytes: maxBytes,
		stopped:  make(chan struct{}),
	}
}

// Push queues f. It fails with ErrOutboxOverflow when the queue is full and
// with ErrOutboxClosed once Finish or Stop has been called.
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	n := int64(len(f.Payload))
	if o.queued.Load()+n > o.maxBytes {
		return ErrOutboxOverflow
	}
	select {
	case o.items <- outboxItem{frame: f}:
		o.queued.Add(n)
		return nil
	default:
		return ErrOutboxOverflow
	}
}

// Finish ends the stream after the frames already queued. It reports false
// if there was no room for the end marker, in which case the outbox is
// stopped instead.
func (o *Outbox) Finish() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.closed = true
	select {
	case o.items <- outboxItem{last: true}:
		return true
	default:
		close(o.stopped)
		return false
	}
}

// Stop discards whatever is still queued.
func (o *Outbox) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.stopped:
	default:
		close(o.stopped)
	}
	o.closed = true
}

// Run hands queued frames to write in order. It returns nil after Finish,
// ErrOutboxStopped after Stop, or the first write error.
func (o *Outbox) Run(write func(Frame) error) error {
	for {
		select {
		case <-o.stopped:
			return ErrOutboxStopped
		case it := <-o.items:
			if it.last {
				return nil
			}
			o.queued.Add(-int64(len(it.frame.Payload)))
			if err := write(it.frame); err != nil {
				return err
			}
		}
	}
}

// Queued returns the number of payload bytes waiting to be written.
func (o *Outbox) Queued() int64 { return o.queued.Load() }
