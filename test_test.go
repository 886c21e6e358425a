package wampio

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func newTestKernel(t *testing.T, modify ...func(*Config)) *Kernel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Log = LogConfig{Level: "error", Output: io.Discard}
	for _, fn := range modify {
		fn(&cfg)
	}
	k := NewKernel(cfg)
	t.Cleanup(k.Close)
	return k
}

// recv waits for a value on ch
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	panic("unreachable")
}

func waitClosed(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for close")
	}
}

// newServerSession starts a passive rawsocket session on one end of a pipe
// and returns the other end
func newServerSession(t *testing.T, k *Kernel, opts SessionOptions) (*Session, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	s, err := NewSession(k, NewIOHandle(c2), RawSocketBuilder(Passive, RawSocketOptions{}), Passive, opts)
	require.NoError(t, err)
	t.Cleanup(func() { <-s.Close() })
	return s, c1
}

// connectPipe opens a client session over a pipe to a fresh server session
func connectPipe(t *testing.T, k *Kernel, serverOpts SessionOptions, opts ClientOptions) (client, server *Session, err error) {
	t.Helper()
	server, conn := newServerSession(t, k, serverOpts)
	if opts.Credentials.Realm == "" {
		opts.Credentials.Realm = "realm1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err = ConnectConn(ctx, k, conn, RawSocketBuilder(Active, RawSocketOptions{}), opts)
	if client != nil {
		t.Cleanup(func() { <-client.Close() })
	}
	return client, server, err
}

func newTestListener(t *testing.T, k *Kernel, opts ListenerOptions) *Listener {
	t.Helper()
	l, err := NewListener(k, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

// dialListener connects a client to l over a pipe
func dialListener(t *testing.T, k *Kernel, l *Listener, build FramerBuilder, opts ClientOptions) (*Session, error) {
	t.Helper()
	c1, c2 := net.Pipe()
	l.accept(c2)
	if build == nil {
		build = RawSocketBuilder(Active, RawSocketOptions{})
	}
	if opts.Credentials.Realm == "" {
		opts.Credentials.Realm = "realm1"
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := ConnectConn(ctx, k, c1, build, opts)
	if s != nil {
		t.Cleanup(func() { <-s.Close() })
	}
	return s, err
}

// stubServer is a ServerHandler whose calls are answered by the test
type stubServer struct {
	calls chan stubCall
}

type stubCall struct {
	req   CallRequest
	reply ReplyFunc
}

func newStubServer() *stubServer {
	return &stubServer{calls: make(chan stubCall, 16)}
}

func (s *stubServer) InboundCall(_ *Session, req CallRequest, reply ReplyFunc) {
	s.calls <- stubCall{req, reply}
}

func (s *stubServer) InboundPublish(*Session, string, map[string]any, Args) (uint64, error) {
	return 1, nil
}

func (s *stubServer) InboundSubscribe(*Session, string, map[string]any) (uint64, error) {
	return 1, nil
}

func (s *stubServer) InboundRegister(*Session, string, map[string]any) (uint64, error) {
	return 1, nil
}
