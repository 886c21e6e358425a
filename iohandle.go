package wampio

import (
	"io"
	"net"
	"sync"
)

// IOListener receives the events of an IOHandle. Both methods run on the
// handle's read goroutine and must not block on the processing context.
type IOListener interface {
	IORead(b []byte)
	IOClosed()
}

const ioReadSize = 64 * 1024

// IOHandle owns a connected byte stream. Exactly one listener at a time
// receives its bytes; StartRead swaps listeners when ownership moves.
type IOHandle struct {
	conn io.ReadWriteCloser

	wmu sync.Mutex // guards writes on conn

	lmu         sync.Mutex
	listener    IOListener
	started     bool
	closedEarly bool // closed before any read goroutine ran

	closeOnce sync.Once
	done      chan struct{} // closed once the read goroutine has exited
}

func NewIOHandle(c io.ReadWriteCloser) *IOHandle {
	return &IOHandle{conn: c, done: make(chan struct{})}
}

// StartRead installs l as the receiver of read events. The first call starts
// the read goroutine; later calls hand the stream over to l.
func (h *IOHandle) StartRead(l IOListener) {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	h.listener = l
	if h.closedEarly {
		go l.IOClosed()
		return
	}
	if !h.started {
		h.started = true
		go h.readLoop()
	}
}

func (h *IOHandle) currentListener() IOListener {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	return h.listener
}

func (h *IOHandle) readLoop() {
	defer close(h.done)
	buf := make([]byte, ioReadSize)
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if l := h.currentListener(); l != nil {
				l.IORead(chunk)
			}
		}
		if err != nil {
			break
		}
	}
	h.conn.Close()
	if l := h.currentListener(); l != nil {
		l.IOClosed()
	}
}

// Write sends b in full. Concurrent writers never interleave.
func (h *IOHandle) Write(b []byte) error {
	h.wmu.Lock()
	defer h.wmu.Unlock()
	_, err := h.conn.Write(b)
	return err
}

// RequestClose closes the stream. The returned channel is closed once the
// read goroutine has exited, after the listener's IOClosed has returned.
// It must not be waited on from the read goroutine itself.
func (h *IOHandle) RequestClose() <-chan struct{} {
	h.closeOnce.Do(func() {
		h.conn.Close()
		h.lmu.Lock()
		started := h.started
		h.started = true
		h.closedEarly = !started
		h.lmu.Unlock()
		if !started {
			close(h.done)
		}
	})
	return h.done
}

// Done is closed once the read goroutine has exited
func (h *IOHandle) Done() <-chan struct{} { return h.done }

// RemoteAddr of the stream, or "" if it is not a network connection
func (h *IOHandle) RemoteAddr() string {
	if nc, ok := h.conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		return nc.RemoteAddr().String()
	}
	return ""
}
