package wampio

import (
	"context"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerMaxSessions(t *testing.T) {
	k := newTestKernel(t)
	l := newTestListener(t, k, ListenerOptions{Router: NewRouter(k, NewHandlers()), MaxSessions: 1})

	_, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	_, err = dialListener(t, k, l, nil, ClientOptions{})
	var rerr *RawSocketError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, ErrCodeMaxConnectionCountReach, rerr.Code)
	require.Eventually(t, func() bool { return len(l.Sessions()) == 1 }, testTimeout, 5*time.Millisecond)
}

func TestListenerSessions(t *testing.T) {
	k := newTestKernel(t)
	accepted := make(chan *Session, 2)
	l := newTestListener(t, k, ListenerOptions{
		Router:        NewRouter(k, NewHandlers()),
		AcceptHandler: func(s *Session) { accepted <- s },
	})

	a, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)
	_, err = dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)

	first, second := recv(t, accepted), recv(t, accepted)
	assert.Equal(t, Passive, first.Mode())
	sessions := l.Sessions()
	require.Len(t, sessions, 2)
	assert.Less(t, sessions[0].ID(), sessions[1].ID())
	assert.ElementsMatch(t, []*Session{first, second}, sessions)

	waitClosed(t, a.Close())
	require.Eventually(t, func() bool { return len(l.Sessions()) == 1 }, testTimeout, 5*time.Millisecond)
}

func TestListenerClose(t *testing.T) {
	k := newTestKernel(t)
	l, err := NewListener(k, nil, ListenerOptions{Router: NewRouter(k, NewHandlers())})
	require.NoError(t, err)

	s, err := dialListener(t, k, l, nil, ClientOptions{})
	require.NoError(t, err)
	require.NoError(t, l.Close())
	waitClosed(t, s.Done())
	require.Eventually(t, func() bool { return len(l.Sessions()) == 0 }, testTimeout, 5*time.Millisecond)
	assert.NoError(t, l.Close())

	// connections accepted after Close are dropped
	c1, c2 := net.Pipe()
	l.accept(c2)
	_, err = c1.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Error(t, l.Accept())
}

func TestListenerCloseDuringHandOff(t *testing.T) {
	k := newTestKernel(t)
	l, err := NewListener(k, nil, ListenerOptions{Router: NewRouter(k, NewHandlers())})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// protocol detection finishes after Close collected its sessions
	c1, c2 := net.Pipe()
	defer c1.Close()
	l.startSession(RawSocketBuilder(Passive, RawSocketOptions{}), NewIOHandle(c2))
	assert.Empty(t, l.Sessions())
	_, err = c1.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestListenerTCP(t *testing.T) {
	k := newTestKernel(t)
	h := NewHandlers()
	h.Handle("com.example.ping", func() (string, error) { return "pong", nil })
	l, err := Listen(k, "tcp", "127.0.0.1:0", ListenerOptions{Router: NewRouter(k, h)})
	require.NoError(t, err)
	accepting := make(chan error, 1)
	go func() { accepting <- l.Accept() }()
	t.Cleanup(func() {
		assert.NoError(t, l.Close())
		assert.NoError(t, recv(t, accepting))
	})

	for _, protocol := range []string{rawSocketName, webSocketName} {
		t.Run(protocol, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()
			s, err := Connect(ctx, k, "tcp", l.Addr(), ClientOptions{
				Protocol:    protocol,
				Credentials: ClientCredentials{Realm: "realm1"},
			})
			require.NoError(t, err)
			defer func() { <-s.Close() }()
			assert.Equal(t, protocol, s.FramerName())

			r := recv(t, call(t, s, "com.example.ping", nil, Args{}))
			require.NoError(t, r.Err)
			assert.Equal(t, []any{"pong"}, r.Args.List)
		})
	}
}

func TestListenerServeHTTP(t *testing.T) {
	k := newTestKernel(t)
	h := NewHandlers()
	h.Handle("com.example.ping", func() (string, error) { return "pong", nil })
	l := newTestListener(t, k, ListenerOptions{Router: NewRouter(k, h)})
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := Connect(ctx, k, "tcp", strings.TrimPrefix(srv.URL, "http://"), ClientOptions{
		Protocol:    webSocketName,
		Serializer:  MsgPack,
		Credentials: ClientCredentials{Realm: "realm1"},
	})
	require.NoError(t, err)
	defer func() { <-s.Close() }()

	r := recv(t, call(t, s, "com.example.ping", nil, Args{}))
	require.NoError(t, r.Err)
	assert.Equal(t, []any{"pong"}, r.Args.List)
}

func TestConnectUnknownProtocol(t *testing.T) {
	k := newTestKernel(t)
	_, err := Connect(context.Background(), k, "tcp", "127.0.0.1:1", ClientOptions{Protocol: "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}
