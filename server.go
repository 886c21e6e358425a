package wampio

import (
	"bytes"
	"cmp"
	"crypto/tls"
	"errors"
	"io"
	"maps"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

type SessionHandler func(*Session)

// ListenerOptions configures a Listener. Zero fields take the kernel's
// configuration.
type ListenerOptions struct {
	// Router serving the sessions. Defaults to a router with DefaultHandlers.
	Router *Router

	// Auth admits sessions to realms. Defaults to a StaticAuth built from the
	// kernel's auth configuration when that names any realm, else everyone is
	// admitted.
	Auth AuthProvider

	// TLS wraps accepted connections when set
	TLS *tls.Config

	// MaxSessions caps concurrent sessions; clients over the cap are refused
	// during the framing handshake
	MaxSessions int

	// Function to be invoked when an accepted session has opened. It runs on
	// the processing context.
	AcceptHandler SessionHandler

	RawSocket RawSocketOptions
	WebSocket WebSocketOptions
}

// Listener accepts WAMP connections, detects their wire protocol and serves
// them as passive sessions
type Listener struct {
	k      *Kernel
	router *Router
	auth   AuthProvider
	opts   ListenerOptions
	log    zerolog.Logger

	listener net.Listener

	mu       sync.Mutex
	pre      map[*IOHandle]*PreSession
	sessions map[uint64]*Session
	closing  bool
}

type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (net.Conn, error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
	return tc, nil
}

// NewListener serves connections accepted from l. Call Accept to start.
// l may be nil for listeners only fed through ServeHTTP.
func NewListener(k *Kernel, l net.Listener, opts ListenerOptions) (*Listener, error) {
	if opts.Router == nil {
		opts.Router = NewRouter(k, nil)
	}
	if opts.Auth == nil && len(k.cfg.Auth.Realms) > 0 {
		auth, err := NewStaticAuth(k.cfg.Auth)
		if err != nil {
			return nil, err
		}
		opts.Auth = auth
	}
	if opts.MaxSessions == 0 {
		opts.MaxSessions = k.cfg.MaxSessions
	}
	if opts.RawSocket.InboundMaxMsgSize == 0 {
		opts.RawSocket.InboundMaxMsgSize = k.cfg.MaxMsgSize
	}
	if opts.WebSocket.InboundMaxMsgSize == 0 {
		opts.WebSocket.InboundMaxMsgSize = k.cfg.MaxMsgSize
	}
	if l != nil && opts.TLS != nil {
		l = tls.NewListener(l, opts.TLS)
	}
	return &Listener{
		k:        k,
		router:   opts.Router,
		auth:     opts.Auth,
		opts:     opts,
		log:      k.log.With().Str("component", "listener").Logger(),
		listener: l,
		pre:      make(map[*IOHandle]*PreSession),
		sessions: make(map[uint64]*Session),
	}, nil
}

// Start a `network` listener for connections at `addr`. You need to call
// Accept() on the returned listener to start accepting connections. `network`
// and `addr` are passed to `net.Listen()` and thus any values accepted by
// net.Listen are valid. Without opts.TLS, the kernel's TLS configuration
// applies.
func Listen(k *Kernel, network, addr string, opts ListenerOptions) (*Listener, error) {
	if opts.TLS == nil {
		tlsConfig, err := k.cfg.TLS.ServerTLS()
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}

	l, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	if tcpl, ok := l.(*net.TCPListener); ok {
		// Wrap TCP listener to enable TCP keep-alive
		l = &tcpKeepAliveListener{tcpl}
	}

	s, err := NewListener(k, l, opts)
	if err != nil {
		l.Close()
		return nil, err
	}

	if network == "unix" || network == "unixpacket" {
		// Unix sockets must be unlink()ed before being reused again.
		// Handle common process-killing signals so we can gracefully shut down.
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		go func(c chan os.Signal) {
			sig := <-c // Wait for a signal
			s.log.Info().Str("signal", sig.String()).Msg("shutting down")
			s.Close() // Stop listening and unlink the socket
			os.Exit(0)
		}(sigc)
	}

	return s, nil
}

// Start a `network` listener accepting connections at `addr`
func Serve(k *Kernel, network, addr string, opts ListenerOptions) error {
	s, err := Listen(k, network, addr, opts)
	if err != nil {
		return err
	}
	return s.Accept()
}

// Accept connections. Blocks until Close() is called or an error occurs.
func (l *Listener) Accept() error {
	if l.listener == nil {
		return errors.New("wampio: listener has no net.Listener")
	}
	l.log.Info().Str("addr", l.Addr()).Msg("accepting connections")
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		c, e := l.listener.Accept()
		if e != nil {
			if ne, ok := e.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			l.mu.Lock()
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return nil
			}
			return e
		}
		tempDelay = 0
		l.accept(c)
	}
}

// accept starts sniffing the protocol of c
func (l *Listener) accept(c io.ReadWriteCloser) {
	h := NewIOHandle(c)

	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		c.Close()
		return
	}
	opts := PreSessionOptions{RawSocket: l.opts.RawSocket, WebSocket: l.opts.WebSocket}
	if l.opts.MaxSessions > 0 && len(l.sessions)+len(l.pre) >= l.opts.MaxSessions {
		opts.RawSocket.Reject = ErrCodeMaxConnectionCountReach
		opts.WebSocket.Reject = true
	}
	l.pre[h] = nil // reserved until NewPreSession returns
	l.mu.Unlock()

	p := NewPreSession(l.k, h, opts, func(*PreSession) { l.forgetPre(h) }, l.startSession)

	l.mu.Lock()
	if _, ok := l.pre[h]; ok {
		l.pre[h] = p
	}
	l.mu.Unlock()
}

func (l *Listener) forgetPre(h *IOHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pre, h)
}

// startSession receives connections whose protocol was detected
func (l *Listener) startSession(build FramerBuilder, h *IOHandle) {
	l.forgetPre(h)
	s, err := NewSession(l.k, h, build, Passive, SessionOptions{
		OnStateChange: l.sessionState,
		Server:        l.router,
		Auth:          l.auth,
	})
	if err != nil {
		l.log.Warn().Err(err).Msg("failed to create session")
		h.RequestClose()
		return
	}
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		s.Close()
		return
	}
	l.sessions[s.ID()] = s
	l.mu.Unlock()
	go func() {
		<-s.Done()
		l.router.SessionClosed(s)
		l.mu.Lock()
		delete(l.sessions, s.ID())
		l.mu.Unlock()
	}()
}

func (l *Listener) sessionState(s *Session, isOpen bool, err error) {
	if !isOpen {
		if err != nil {
			l.log.Debug().Err(err).Uint64("session", s.ID()).Msg("session ended")
		}
		return
	}
	if l.opts.AcceptHandler != nil {
		l.opts.AcceptHandler(s)
	}
}

// Router serving this listener's sessions
func (l *Listener) Router() *Router { return l.router }

// Sessions returns the current sessions ordered by id
func (l *Listener) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := slices.Collect(maps.Values(l.sessions))
	slices.SortFunc(out, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Address this listener is listening at
func (l *Listener) Addr() string {
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return ""
}

// Stop listening for and accepting connections, then close every session
// and wait for them to end
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return nil
	}
	l.closing = true
	pre := slices.Collect(maps.Values(l.pre))
	sessions := slices.Collect(maps.Values(l.sessions))
	l.mu.Unlock()

	var err error
	if l.listener != nil {
		err = l.listener.Close()
	}
	for _, p := range pre {
		if p != nil {
			p.Close()
		}
	}
	for _, s := range sessions {
		<-s.Close()
	}
	return err
}

// -----------------------------------------------------------------------------------------------
// net/http integration

// ServeHTTP takes over a WebSocket upgrade request from a net/http server.
// The connection is hijacked and goes through protocol detection like any
// accepted connection.
func (l *Listener) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade needs a hijackable connection", http.StatusInternalServerError)
		return
	}
	conn, rw, err := hj.Hijack()
	if err != nil {
		l.log.Warn().Err(err).Msg("hijack failed")
		return
	}
	var head bytes.Buffer
	if err := req.Write(&head); err != nil {
		conn.Close()
		return
	}
	if n := rw.Reader.Buffered(); n > 0 {
		b, _ := rw.Reader.Peek(n)
		head.Write(b)
	}
	l.accept(&replayConn{Conn: conn, r: io.MultiReader(&head, conn)})
}

// replayConn is a hijacked connection whose first bytes were already
// consumed by net/http
type replayConn struct {
	net.Conn
	r io.Reader
}

func (c *replayConn) Read(b []byte) (int, error) { return c.r.Read(b) }
