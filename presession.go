package wampio

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// maxSniffBytes bounds what a connection may send before it is classified
const maxSniffBytes = 64 * 1024

// ProtocolFunc receives the builder of the framer chosen for a connection
// together with ownership of its handle. It is expected to construct the
// framer, typically by passing build to NewSession.
type ProtocolFunc func(build FramerBuilder, h *IOHandle)

// PreSessionOptions configures the framers a PreSession may build
type PreSessionOptions struct {
	RawSocket RawSocketOptions
	WebSocket WebSocketOptions

	// Timeout defaults to the kernel's PendingOpenTimeout
	Timeout time.Duration
}

type preSessionState int

const (
	preInit preSessionState = iota
	preClosing
	preClosed
	preTransferredIO
)

// PreSession owns a freshly accepted connection until its wire protocol is
// known, then hands the connection and the bytes read so far to the framer
// of that protocol.
type PreSession struct {
	k       *Kernel
	id      uint64
	log     zerolog.Logger
	opts    PreSessionOptions
	created time.Time

	onClosed   func(*PreSession)
	onProtocol ProtocolFunc

	mu     sync.Mutex
	state  preSessionState
	handle *IOHandle
	timer  *time.Timer

	buf bytes.Buffer // only touched from the read goroutine
}

// NewPreSession starts reading h. onClosed runs on the processing context
// after the connection has been released, unless it was handed over.
func NewPreSession(k *Kernel, h *IOHandle, opts PreSessionOptions, onClosed func(*PreSession), onProtocol ProtocolFunc) *PreSession {
	if opts.Timeout <= 0 {
		opts.Timeout = k.cfg.PendingOpenTimeout
	}
	id := k.nextSessionID()
	p := &PreSession{
		k:          k,
		id:         id,
		log:        k.log.With().Uint64("presession", id).Str("remote", h.RemoteAddr()).Logger(),
		opts:       opts,
		created:    time.Now(),
		onClosed:   onClosed,
		onProtocol: onProtocol,
		handle:     h,
	}
	p.mu.Lock()
	p.timer = k.loop.DispatchAfter(opts.Timeout, p.timeout)
	p.mu.Unlock()
	h.StartRead(p)
	return p
}

func (p *PreSession) ID() uint64 { return p.id }

// IsTransferred reports whether the connection has been handed to a framer
func (p *PreSession) IsTransferred() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == preTransferredIO
}

func (p *PreSession) timeout() {
	p.mu.Lock()
	pending := p.state == preInit
	p.mu.Unlock()
	if pending {
		p.log.Warn().Dur("after", p.opts.Timeout).Msg("closing connection: no protocol detected")
		p.k.metrics.recordPreSession("timeout")
		p.Close()
	}
}

// IORead buffers b and classifies the stream once enough bytes arrived
func (p *PreSession) IORead(b []byte) {
	if err := p.ioRead(b); err != nil {
		p.log.Warn().Err(err).Msg("closing connection")
		p.k.metrics.recordPreSession("rejected")
		p.Close()
	}
}

func (p *PreSession) ioRead(b []byte) error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if state != preInit {
		return nil
	}

	if p.buf.Len()+len(b) > maxSniffBytes {
		return fmt.Errorf("%w: %d bytes without a recognizable header", ErrHandshake, p.buf.Len()+len(b))
	}
	p.buf.Write(b)
	data := p.buf.Bytes()
	if len(data) < RawSocketHandshakeSize {
		return nil
	}

	var build FramerBuilder
	var name string
	switch {
	case data[0] == RawSocketMagic:
		build, name = RawSocketBuilder(Passive, p.opts.RawSocket), rawSocketName
	case isHTTPGet(data):
		build, name = WebSocketBuilder(Passive, p.opts.WebSocket), webSocketName
	default:
		return fmt.Errorf("%w: first bytes % x", ErrUnknownProtocol, data[:RawSocketHandshakeSize])
	}

	var built Framer
	capture := func(h *IOHandle, onMsg MessageFunc) (Framer, error) {
		f, err := build(h, onMsg)
		if err == nil {
			built = f
		}
		return f, err
	}

	// hand-off: one reference owns the handle at any time
	p.mu.Lock()
	h := p.handle
	p.handle = nil
	p.state = preTransferredIO
	timer := p.timer
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	p.onProtocol(capture, h)

	if built == nil {
		p.mu.Lock()
		p.handle = h
		p.state = preInit
		p.mu.Unlock()
		return fmt.Errorf("%w: %s identified but no framer was created", ErrHandshake, name)
	}

	p.log.Debug().Str("protocol", name).Int("buffered", len(data)).Msg("protocol detected")
	p.k.metrics.recordPreSession(name)
	replay := bytes.Clone(data)
	p.buf.Reset()
	if err := built.IORead(replay); err != nil {
		// the framer owns the handle now and has closed it
		p.log.Warn().Err(err).Str("protocol", name).Msg("framer rejected handshake")
	}
	return nil
}

func isHTTPGet(b []byte) bool {
	return bytes.HasPrefix(b, []byte("GET "))
}

// Close requests the connection to close. It is a no-op once closing, closed
// or handed over.
func (p *PreSession) Close() {
	p.mu.Lock()
	if p.state != preInit {
		p.mu.Unlock()
		return
	}
	p.state = preClosing
	h := p.handle
	timer := p.timer
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}
	if h != nil {
		h.RequestClose()
	}
}

// IOClosed runs on the read goroutine; the final teardown waits for that
// goroutine on the processing context.
func (p *PreSession) IOClosed() {
	p.mu.Lock()
	if p.state == preTransferredIO || p.state == preClosed {
		p.mu.Unlock()
		return
	}
	p.state = preClosing
	h := p.handle
	timer := p.timer
	p.mu.Unlock()
	if timer != nil {
		timer.Stop()
	}

	finish := func() {
		if h != nil {
			<-h.RequestClose()
		}
		p.mu.Lock()
		p.state = preClosed
		p.mu.Unlock()
		if p.onClosed != nil {
			p.onClosed(p)
		}
	}
	if !p.k.loop.Dispatch(finish) {
		go finish()
	}
}
