package wampio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const webSocketName = "websocket"

// WebSocketOptions configures a websocket framer
type WebSocketOptions struct {
	// URL and Origin of the upgrade request sent by an active framer
	URL    string
	Origin string

	// Serializer requested by an active framer
	Serializer Serializer

	// Serializers a passive framer accepts, in order of preference.
	// Empty accepts every serializer this package implements.
	Serializers []Serializer

	// InboundMaxMsgSize caps the payload of received frames
	InboundMaxMsgSize MaxMsgSize

	// Reject makes a passive framer refuse the upgrade with 403
	Reject bool
}

// WebSocketBuilder returns a builder for websocket framers. The framer runs
// golang.org/x/net/websocket over an in-memory pipe fed by IORead.
func WebSocketBuilder(mode ConnectionMode, opts WebSocketOptions) FramerBuilder {
	return func(h *IOHandle, onMsg MessageFunc) (Framer, error) {
		if mode == Active && opts.URL == "" {
			return nil, fmt.Errorf("%w: websocket client needs a URL", ErrHandshake)
		}
		w := newWebSocket(h, onMsg, mode, opts)
		if mode == Passive {
			go w.serve()
		}
		return w, nil
	}
}

type webSocket struct {
	h     *IOHandle
	onMsg MessageFunc
	mode  ConnectionMode
	opts  WebSocketOptions

	// bytes fed by IORead are read by the websocket goroutine from pr
	pr *io.PipeReader
	pw *io.PipeWriter

	mu           sync.Mutex
	state        framerState
	ws           *websocket.Conn
	ser          Serializer
	initiateDone func(error)
}

func newWebSocket(h *IOHandle, onMsg MessageFunc, mode ConnectionMode, opts WebSocketOptions) *webSocket {
	if opts.Serializer == nil {
		opts.Serializer = JSON
	}
	if opts.InboundMaxMsgSize == 0 {
		opts.InboundMaxMsgSize = MaxMsgSize512KB
	}
	pr, pw := io.Pipe()
	return &webSocket{h: h, onMsg: onMsg, mode: mode, opts: opts, pr: pr, pw: pw}
}

func (w *webSocket) Name() string { return webSocketName }

func (w *webSocket) IORead(b []byte) error {
	if _, err := w.pw.Write(b); err != nil {
		w.fail(err)
		return fmt.Errorf("%w: websocket: %v", ErrProtocolViolation, err)
	}
	return nil
}

func (w *webSocket) Initiate(done func(error)) {
	w.mu.Lock()
	if w.mode != Active || w.state != framerHandshaking || w.initiateDone != nil {
		w.mu.Unlock()
		done(fmt.Errorf("%w: websocket initiate in wrong state", ErrHandshake))
		return
	}
	w.initiateDone = done
	w.mu.Unlock()
	go w.dial()
}

func (w *webSocket) dial() {
	origin := w.opts.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	cfg, err := websocket.NewConfig(w.opts.URL, origin)
	if err != nil {
		w.fail(err)
		return
	}
	cfg.Protocol = []string{w.opts.Serializer.Subprotocol()}
	ws, err := websocket.NewClient(cfg, w.conn(w.pr))
	if err != nil {
		w.fail(fmt.Errorf("%w: websocket upgrade: %v", ErrHandshake, err))
		return
	}
	if p := ws.Config().Protocol; len(p) > 0 && p[0] != w.opts.Serializer.Subprotocol() {
		w.fail(fmt.Errorf("%w: router chose subprotocol %q", ErrHandshake, p[0]))
		return
	}
	w.open(ws, w.opts.Serializer)
	w.mu.Lock()
	done := w.initiateDone
	w.initiateDone = nil
	w.mu.Unlock()
	if done != nil {
		done(nil)
	}
	w.receive(ws)
}

// serve answers the upgrade request of a passive connection
func (w *webSocket) serve() {
	br := bufio.NewReader(w.pr)
	req, err := http.ReadRequest(br)
	if err != nil {
		w.fail(fmt.Errorf("%w: websocket upgrade: %v", ErrHandshake, err))
		return
	}
	served := false
	srv := websocket.Server{
		Handshake: w.negotiate,
		Handler: func(ws *websocket.Conn) {
			served = true
			w.mu.Lock()
			ser := w.ser
			w.mu.Unlock()
			w.open(ws, ser)
			w.receive(ws)
		},
	}
	pc := w.conn(br)
	srv.ServeHTTP(&hijackWriter{conn: pc, brw: bufio.NewReadWriter(br, bufio.NewWriter(pc))}, req)
	if !served {
		w.fail(fmt.Errorf("%w: websocket upgrade refused", ErrHandshake))
	}
}

// negotiate picks the first subprotocol offered by the client that names a
// serializer we accept
func (w *webSocket) negotiate(cfg *websocket.Config, _ *http.Request) error {
	if w.opts.Reject {
		return fmt.Errorf("%w: websocket upgrade rejected", ErrHandshake)
	}
	for _, p := range cfg.Protocol {
		ser := SerializerBySubprotocol(p)
		if ser == nil || !w.accepts(ser) {
			continue
		}
		cfg.Protocol = []string{p}
		w.mu.Lock()
		w.ser = ser
		w.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: no supported websocket subprotocol in %v", ErrHandshake, cfg.Protocol)
}

func (w *webSocket) accepts(ser Serializer) bool {
	if len(w.opts.Serializers) == 0 {
		return true
	}
	for _, s := range w.opts.Serializers {
		if s.ID() == ser.ID() {
			return true
		}
	}
	return false
}

func (w *webSocket) open(ws *websocket.Conn, ser Serializer) {
	ws.MaxPayloadBytes = w.opts.InboundMaxMsgSize.Bytes()
	if ser.Binary() {
		ws.PayloadType = websocket.BinaryFrame
	} else {
		ws.PayloadType = websocket.TextFrame
	}
	w.mu.Lock()
	w.ws = ws
	w.ser = ser
	if w.state == framerHandshaking {
		w.state = framerOpen
	}
	w.mu.Unlock()
}

func (w *webSocket) receive(ws *websocket.Conn) {
	for {
		var data []byte
		if err := websocket.Message.Receive(ws, &data); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				w.fail(err)
			} else {
				w.h.RequestClose()
			}
			return
		}
		m, err := w.ser.Unmarshal(data)
		if err != nil {
			w.fail(err)
			return
		}
		w.onMsg(m)
	}
}

func (w *webSocket) SendMessage(m Message) error {
	w.mu.Lock()
	state, ws, ser := w.state, w.ws, w.ser
	w.mu.Unlock()
	if state != framerOpen || ws == nil {
		return fmt.Errorf("%w: websocket not open", ErrSessionClosed)
	}
	payload, err := ser.Marshal(m)
	if err != nil {
		return err
	}
	if ser.Binary() {
		return websocket.Message.Send(ws, payload)
	}
	return websocket.Message.Send(ws, string(payload))
}

func (w *webSocket) fail(err error) {
	w.mu.Lock()
	if w.state < framerClosing {
		w.state = framerClosing
	}
	done := w.initiateDone
	w.initiateDone = nil
	w.mu.Unlock()
	w.pw.CloseWithError(err)
	w.h.RequestClose()
	if done != nil {
		done(err)
	}
}

func (w *webSocket) Close() {
	w.mu.Lock()
	w.state = framerClosed
	done := w.initiateDone
	w.initiateDone = nil
	w.mu.Unlock()
	w.pw.CloseWithError(io.ErrClosedPipe)
	w.pr.Close()
	if done != nil {
		done(errors.Join(ErrHandshake, ErrSessionClosed))
	}
}

func (w *webSocket) conn(r io.Reader) *pipeConn {
	return &pipeConn{r: r, h: w.h}
}

// -----------------------------------------------------------------------------------------------

// pipeConn presents the framer's inbound pipe and the IOHandle's writer as a
// net.Conn for the websocket package
type pipeConn struct {
	r io.Reader
	h *IOHandle
}

func (c *pipeConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func (c *pipeConn) Write(b []byte) (int, error) {
	if err := c.h.Write(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *pipeConn) Close() error {
	c.h.RequestClose()
	return nil
}

func (c *pipeConn) LocalAddr() net.Addr                { return pipeAddr("local") }
func (c *pipeConn) RemoteAddr() net.Addr               { return pipeAddr(c.h.RemoteAddr()) }
func (c *pipeConn) SetDeadline(t time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(t time.Time) error { return nil }

type pipeAddr string

func (pipeAddr) Network() string  { return "wampio" }
func (a pipeAddr) String() string { return string(a) }

// hijackWriter is the http.ResponseWriter handed to websocket.Server. The
// upgrade answer is written after Hijack, through brw.
type hijackWriter struct {
	conn   *pipeConn
	brw    *bufio.ReadWriter
	header http.Header
}

func (w *hijackWriter) Header() http.Header {
	if w.header == nil {
		w.header = make(http.Header)
	}
	return w.header
}

func (w *hijackWriter) Write(b []byte) (int, error) { return w.conn.Write(b) }
func (w *hijackWriter) WriteHeader(int)             {}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, w.brw, nil
}
