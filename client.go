package wampio

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"weak"
)

// ClientOptions configures Connect. Zero fields take the kernel's
// configuration.
type ClientOptions struct {
	// Protocol is "rawsocket" (default) or "websocket"
	Protocol string

	Serializer Serializer

	// URL of the WebSocket endpoint. Defaults to ws://addr/.
	URL    string
	Origin string

	// TLS dials with TLS when set
	TLS *tls.Config

	Credentials ClientCredentials

	OnStateChange StateFunc

	Heartbeat         time.Duration
	InboundMaxMsgSize MaxMsgSize
}

func (o ClientOptions) builder(k *Kernel, addr string) (FramerBuilder, error) {
	ser := o.Serializer
	if ser == nil {
		ser = k.cfg.serializer()
	}
	size := o.InboundMaxMsgSize
	if size == 0 {
		size = k.cfg.MaxMsgSize
	}
	switch o.Protocol {
	case "", rawSocketName:
		return RawSocketBuilder(Active, RawSocketOptions{InboundMaxMsgSize: size, Serializer: ser}), nil
	case webSocketName:
		url := o.URL
		if url == "" {
			scheme := "ws"
			if o.TLS != nil {
				scheme = "wss"
			}
			url = scheme + "://" + addr + "/"
		}
		return WebSocketBuilder(Active, WebSocketOptions{
			URL:               url,
			Origin:            o.Origin,
			Serializer:        ser,
			InboundMaxMsgSize: size,
		}), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, o.Protocol)
}

// Connect dials a router at addr, joins opts.Credentials.Realm and returns
// the open session. It fails if the session closes before opening or ctx
// ends first.
func Connect(ctx context.Context, k *Kernel, network, addr string, opts ClientOptions) (*Session, error) {
	if opts.TLS == nil {
		tlsConfig, err := k.cfg.TLS.ClientTLS()
		if err != nil {
			return nil, err
		}
		opts.TLS = tlsConfig
	}
	build, err := opts.builder(k, addr)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if opts.TLS != nil {
		cfg := opts.TLS.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName, _, _ = net.SplitHostPort(addr)
		}
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tc
	}
	return ConnectConn(ctx, k, conn, build, opts)
}

// ConnectConn runs the client handshake over an established connection
func ConnectConn(ctx context.Context, k *Kernel, conn net.Conn, build FramerBuilder, opts ClientOptions) (*Session, error) {
	opened := make(chan error, 1)
	stateFn := func(s *Session, isOpen bool, err error) {
		if opts.OnStateChange != nil {
			opts.OnStateChange(s, isOpen, err)
		}
		if !isOpen && err == nil {
			err = ErrSessionClosed
		}
		if isOpen {
			err = nil
		}
		select {
		case opened <- err:
		default:
		}
	}

	s, err := NewSession(k, NewIOHandle(conn), build, Active, SessionOptions{
		OnStateChange: stateFn,
		Heartbeat:     opts.Heartbeat,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.InitiateHandshake(opts.Credentials); err != nil {
		s.Close()
		return nil, err
	}

	select {
	case err := <-opened:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// -----------------------------------------------------------------------------------------------

// RouterConn is a callback style client owned by application code. Its
// callbacks stop as soon as Close is called or the RouterConn itself is
// garbage collected, even while the session is still winding down.
//
// Deprecated: use Connect and the methods of Session.
type RouterConn struct {
	// Associate some application-specific data with this connection
	UserData any

	impl *routerConnImpl
}

// routerConnImpl is the part of a RouterConn that session callbacks hold on
// to. It refers back to its RouterConn weakly.
type routerConnImpl struct {
	k       *Kernel
	owner   weak.Pointer[RouterConn]
	onState func(rc *RouterConn, isOpen bool, err error)

	closed  atomic.Bool
	session atomic.Pointer[Session]

	mu    sync.Mutex // held while a callback runs
	valid bool
}

// NewRouterConn returns an unconnected RouterConn. onState may be nil.
func NewRouterConn(k *Kernel, onState func(rc *RouterConn, isOpen bool, err error)) *RouterConn {
	rc := &RouterConn{}
	rc.impl = &routerConnImpl{k: k, owner: weak.Make(rc), onState: onState, valid: true}
	runtime.AddCleanup(rc, (*routerConnImpl).close, rc.impl)
	return rc
}

// invoke runs fn with the owning RouterConn while the connection is valid
func (c *routerConnImpl) invoke(fn func(rc *RouterConn)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.closed.Load() {
		return
	}
	rc := c.owner.Value()
	if rc == nil {
		return
	}
	fn(rc)
}

// close invalidates the connection and tears the session down on the
// processing context, never inside a callback
func (c *routerConnImpl) close() {
	if c.closed.Swap(true) {
		return
	}
	teardown := func() {
		c.mu.Lock()
		c.valid = false
		c.mu.Unlock()
		if s := c.session.Load(); s != nil {
			s.Close()
		}
	}
	if !c.k.loop.Dispatch(teardown) {
		go teardown()
	}
}

func (c *routerConnImpl) currentSession() (*Session, error) {
	if c.closed.Load() {
		return nil, ErrSessionClosed
	}
	s := c.session.Load()
	if s == nil {
		return nil, ErrNotOpen
	}
	return s, nil
}

// Connect dials a router and waits for the session to open
func (rc *RouterConn) Connect(ctx context.Context, network, addr string, opts ClientOptions) error {
	c := rc.impl
	if c.closed.Load() {
		return ErrSessionClosed
	}
	user := opts.OnStateChange
	opts.OnStateChange = func(s *Session, isOpen bool, err error) {
		if user != nil {
			user(s, isOpen, err)
		}
		if c.onState != nil {
			c.invoke(func(rc *RouterConn) { c.onState(rc, isOpen, err) })
		}
	}
	s, err := Connect(ctx, c.k, network, addr, opts)
	if err != nil {
		return err
	}
	c.session.Store(s)
	if c.closed.Load() {
		s.Close()
		return ErrSessionClosed
	}
	return nil
}

// Session returns the underlying session, or nil before Connect succeeded
func (rc *RouterConn) Session() *Session {
	s, _ := rc.impl.currentSession()
	return s
}

func (rc *RouterConn) Call(uri string, opts map[string]any, args Args, cb func(rc *RouterConn, r CallResult)) (uint64, error) {
	s, err := rc.impl.currentSession()
	if err != nil {
		return 0, err
	}
	c := rc.impl
	return s.Call(uri, opts, args, func(r CallResult) {
		c.invoke(func(rc *RouterConn) { cb(rc, r) })
	})
}

func (rc *RouterConn) Subscribe(uri string, opts map[string]any, cb func(rc *RouterConn, e SubscriptionEvent)) (uint64, error) {
	s, err := rc.impl.currentSession()
	if err != nil {
		return 0, err
	}
	c := rc.impl
	return s.Subscribe(uri, opts, func(e SubscriptionEvent) {
		c.invoke(func(rc *RouterConn) { cb(rc, e) })
	})
}

func (rc *RouterConn) Provide(uri string, opts map[string]any, cb func(rc *RouterConn, e ProcedureEvent)) (uint64, error) {
	s, err := rc.impl.currentSession()
	if err != nil {
		return 0, err
	}
	c := rc.impl
	return s.Provide(uri, opts, func(e ProcedureEvent) {
		c.invoke(func(rc *RouterConn) { cb(rc, e) })
	})
}

func (rc *RouterConn) Publish(uri string, opts map[string]any, args Args) (uint64, error) {
	s, err := rc.impl.currentSession()
	if err != nil {
		return 0, err
	}
	return s.Publish(uri, opts, args)
}

// Close stops every callback of rc and closes its session. It may be called
// from inside a callback.
func (rc *RouterConn) Close() {
	rc.impl.close()
}
