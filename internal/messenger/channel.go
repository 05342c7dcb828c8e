// ABOUTME: Frame transports under the IPC messenger: newline-delimited JSON
// ABOUTME: over OS pipes, and in-process ports for thread workers.

package messenger

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("messenger: channel closed")

// maxFrameSize bounds a single newline-delimited frame.
const maxFrameSize = 16 << 20

// Channel carries encoded envelopes to and from the supervisor.
type Channel interface {
	// Send transmits one encoded envelope.
	Send(frame []byte) error
	// OnMessage registers fn for every inbound frame and returns a function
	// that removes it.
	OnMessage(fn func(frame []byte)) (remove func())
}

// handlers is the set of registered inbound frame callbacks.
type handlers struct {
	mu  sync.RWMutex
	fns map[string]func([]byte)
}

func (h *handlers) add(fn func([]byte)) func() {
	id := uuid.New().String()
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[string]func([]byte))
	}
	h.fns[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.fns, id)
		h.mu.Unlock()
	}
}

func (h *handlers) dispatch(frame []byte) {
	h.mu.RLock()
	targets := make([]func([]byte), 0, len(h.fns))
	for _, fn := range h.fns {
		targets = append(targets, fn)
	}
	h.mu.RUnlock()

	for _, fn := range targets {
		fn(frame)
	}
}

// StreamChannel frames envelopes as newline-delimited JSON over a reader and
// writer, typically the pipes a forked worker inherits from the master.
type StreamChannel struct {
	r      io.Reader
	w      io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	handlers handlers
	done     chan struct{}
}

// NewStreamChannel starts reading frames from r in a background goroutine.
func NewStreamChannel(r io.Reader, w io.Writer, logger *slog.Logger) *StreamChannel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &StreamChannel{
		r:      r,
		w:      w,
		logger: logger.With("component", "stream_channel"),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StreamChannel) readLoop() {
	defer close(c.done)

	scanner := bufio.NewScanner(c.r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		c.handlers.dispatch(frame)
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("channel read failed", "error", err)
	}
}

// Send writes one frame followed by a newline.
func (c *StreamChannel) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// OnMessage registers an inbound frame handler.
func (c *StreamChannel) OnMessage(fn func(frame []byte)) func() {
	return c.handlers.add(fn)
}

// Done is closed when the reader reaches EOF or fails.
func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

// Close stops further sends and closes the underlying reader and writer
// when they are closable.
func (c *StreamChannel) Close() error {
	c.writeMu.Lock()
	if c.closed {
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	c.writeMu.Unlock()

	var errs []error
	if wc, ok := c.w.(io.Closer); ok {
		errs = append(errs, wc.Close())
	}
	if rc, ok := c.r.(io.Closer); ok {
		errs = append(errs, rc.Close())
	}
	return errors.Join(errs...)
}

// Port is one end of an in-process message port pair, the transport of a
// worker that runs as a goroutine inside the master.
type Port struct {
	peer     *Port
	handlers handlers

	mu     sync.Mutex
	closed bool
	queue  *loop
}

// NewPortPair returns two connected ports. Frames sent on one are delivered,
// in order and asynchronously, to the handlers of the other.
func NewPortPair() (*Port, *Port) {
	a := &Port{queue: newLoop()}
	b := &Port{queue: newLoop()}
	a.peer, b.peer = b, a
	go a.queue.run()
	go b.queue.run()
	return a, b
}

// Send delivers a copy of frame to the peer port.
func (p *Port) Send(frame []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	peer := p.peer
	cp := make([]byte, len(frame))
	copy(cp, frame)
	peer.queue.push(func() {
		peer.handlers.dispatch(cp)
	})
	return nil
}

// OnMessage registers an inbound frame handler.
func (p *Port) OnMessage(fn func(frame []byte)) func() {
	return p.handlers.add(fn)
}

// Close stops this port's delivery loop and rejects further sends.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue.close()
	return nil
}
