package wampio

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newTestPreSession(t *testing.T, k *Kernel, opts PreSessionOptions, onProtocol ProtocolFunc) (*PreSession, net.Conn, chan *PreSession) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close() })
	closed := make(chan *PreSession, 1)
	if onProtocol == nil {
		onProtocol = func(FramerBuilder, *IOHandle) { t.Error("unexpected protocol hand-off") }
	}
	p := NewPreSession(k, NewIOHandle(c2), opts, func(p *PreSession) { closed <- p }, onProtocol)
	return p, c1, closed
}

func TestPreSessionUnknownProtocol(t *testing.T) {
	k := newTestKernel(t)
	p, conn, closed := newTestPreSession(t, k, PreSessionOptions{}, nil)

	go conn.Write([]byte("HELO world"))
	assert.Equal(t, p, recv(t, closed))
	assert.False(t, p.IsTransferred())

	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestPreSessionTimeout(t *testing.T) {
	k := newTestKernel(t)
	p, _, closed := newTestPreSession(t, k, PreSessionOptions{Timeout: 30 * time.Millisecond}, nil)
	assert.Equal(t, p, recv(t, closed))
}

func TestPreSessionRawSocketHandOff(t *testing.T) {
	k := newTestKernel(t)
	built := make(chan Framer, 1)
	p, conn, closed := newTestPreSession(t, k, PreSessionOptions{}, func(build FramerBuilder, h *IOHandle) {
		f, err := build(h, func(Message) {})
		require.NoError(t, err)
		built <- f
	})

	// handshake arrives in two pieces
	go func() {
		conn.Write([]byte{RawSocketMagic, 0xF1})
		conn.Write([]byte{0, 0})
	}()
	reply := make([]byte, RawSocketHandshakeSize)
	_, err := io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, []byte{RawSocketMagic, 0xA1, 0, 0}, reply)

	assert.Equal(t, rawSocketName, recv(t, built).Name())
	assert.True(t, p.IsTransferred())

	// closing a handed over connection does not report the presession closed
	p.Close()
	conn.Close()
	select {
	case <-closed:
		t.Fatal("presession reported closed after hand-off")
	case <-time.After(50 * time.Millisecond):
	}
}

// framerFeed passes the bytes of a handed over connection to its framer
type framerFeed struct{ f Framer }

func (l framerFeed) IORead(b []byte) { l.f.IORead(b) }
func (l framerFeed) IOClosed()       {}

func TestPreSessionWebSocketHandOff(t *testing.T) {
	k := newTestKernel(t)
	handOffs := make(chan Framer, 2)
	msgs := make(chan Message, 4)
	p, conn, _ := newTestPreSession(t, k, PreSessionOptions{}, func(build FramerBuilder, h *IOHandle) {
		f, err := build(h, func(m Message) { msgs <- m })
		require.NoError(t, err)
		h.StartRead(framerFeed{f})
		handOffs <- f
	})

	cfg, err := websocket.NewConfig("ws://wampio.test/", "http://wampio.test/")
	require.NoError(t, err)
	cfg.Protocol = []string{"wamp.2.json"}
	ws, err := websocket.NewClient(cfg, conn)
	require.NoError(t, err)
	assert.Equal(t, webSocketName, recv(t, handOffs).Name())
	assert.True(t, p.IsTransferred())

	// the upgrade request was replayed once: the next frame decodes cleanly
	require.NoError(t, websocket.Message.Send(ws, `[1,"realm1",{}]`))
	m := recv(t, msgs)
	typ, err := m.Type()
	require.NoError(t, err)
	assert.Equal(t, MsgHello, typ)
	assert.Equal(t, "realm1", m[1])
	assert.Empty(t, handOffs)
	assert.Empty(t, msgs)
}

func TestPreSessionNoFramerBuilt(t *testing.T) {
	k := newTestKernel(t)
	p, conn, closed := newTestPreSession(t, k, PreSessionOptions{}, func(FramerBuilder, *IOHandle) {})

	go conn.Write([]byte{RawSocketMagic, 0xF1, 0, 0})
	assert.Equal(t, p, recv(t, closed))
	assert.False(t, p.IsTransferred())
}
