package wampio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	RawSocketMagic         = 0x7F
	RawSocketHandshakeSize = 4
	rawSocketHeaderSize    = 4
	rawSocketName          = "rawsocket"
)

// MaxMsgSize is one of the 16 rawsocket size classes, 512 B to 16 MB.
// The zero value means "not set"; bucket n is stored as n+1.
type MaxMsgSize uint8

const (
	MaxMsgSize512B MaxMsgSize = iota + 1
	MaxMsgSize1KB
	MaxMsgSize2KB
	MaxMsgSize4KB
	MaxMsgSize8KB
	MaxMsgSize16KB
	MaxMsgSize32KB
	MaxMsgSize64KB
	MaxMsgSize128KB
	MaxMsgSize256KB
	MaxMsgSize512KB
	MaxMsgSize1MB
	MaxMsgSize2MB
	MaxMsgSize4MB
	MaxMsgSize8MB
	MaxMsgSize16MB
)

// Bytes returns the size limit in bytes
func (s MaxMsgSize) Bytes() int {
	return 1 << (9 + int(s.exponent()))
}

func (s MaxMsgSize) exponent() byte {
	if s == 0 {
		return byte(MaxMsgSize512KB - 1)
	}
	return byte(s - 1)
}

func maxMsgSizeFromExponent(e byte) MaxMsgSize { return MaxMsgSize(e + 1) }

// MaxMsgSizeFor returns the size class holding exactly n bytes
func MaxMsgSizeFor(n int) (MaxMsgSize, error) {
	for s := MaxMsgSize512B; s <= MaxMsgSize16MB; s++ {
		if s.Bytes() == n {
			return s, nil
		}
	}
	return 0, fmt.Errorf("wampio: %d is not a rawsocket size class (512 B .. 16 MB, powers of two)", n)
}

// HandshakeErrorCode is sent by a passive rawsocket peer to refuse a connection
type HandshakeErrorCode byte

const (
	ErrCodeSerializerUnsupported    = HandshakeErrorCode(1)
	ErrCodeMaxMsgLengthUnacceptable = HandshakeErrorCode(2)
	ErrCodeUseOfReservedBits        = HandshakeErrorCode(3)
	ErrCodeMaxConnectionCountReach  = HandshakeErrorCode(4)
)

func (c HandshakeErrorCode) String() string {
	switch c {
	case ErrCodeSerializerUnsupported:
		return "serializer unsupported"
	case ErrCodeMaxMsgLengthUnacceptable:
		return "maximum message length unacceptable"
	case ErrCodeUseOfReservedBits:
		return "use of reserved bits"
	case ErrCodeMaxConnectionCountReach:
		return "maximum connection count reached"
	}
	return fmt.Sprintf("handshake error %d", byte(c))
}

// RawSocketError is a handshake refusal received from, or sent to, a peer
type RawSocketError struct {
	Code HandshakeErrorCode
}

func (e *RawSocketError) Error() string { return "wampio: rawsocket: " + e.Code.String() }
func (e *RawSocketError) Unwrap() error { return ErrHandshake }

// RawSocketOptions configures a rawsocket framer
type RawSocketOptions struct {
	// InboundMaxMsgSize is the largest message this side accepts
	InboundMaxMsgSize MaxMsgSize

	// Serializer requested by the active side. Passive peers accept any
	// serializer they support.
	Serializer Serializer

	// Reject makes a passive framer refuse the handshake with this code
	Reject HandshakeErrorCode
}

// Rawsocket frame types
const (
	rawFrameMessage = 0
	rawFramePing    = 1
	rawFramePong    = 2
)

// RawSocketBuilder returns a builder for length-prefixed rawsocket framers
func RawSocketBuilder(mode ConnectionMode, opts RawSocketOptions) FramerBuilder {
	return func(h *IOHandle, onMsg MessageFunc) (Framer, error) {
		return newRawSocket(h, onMsg, mode, opts), nil
	}
}

type rawSocket struct {
	h     *IOHandle
	onMsg MessageFunc
	mode  ConnectionMode
	opts  RawSocketOptions

	mu           sync.Mutex
	state        framerState
	ser          Serializer
	selfMaxSize  int
	peerMaxSize  int
	initiateDone func(error)

	// read side; only touched from the read goroutine
	buf []byte
}

func newRawSocket(h *IOHandle, onMsg MessageFunc, mode ConnectionMode, opts RawSocketOptions) *rawSocket {
	if opts.InboundMaxMsgSize == 0 {
		opts.InboundMaxMsgSize = MaxMsgSize512KB
	}
	if opts.Serializer == nil {
		opts.Serializer = JSON
	}
	return &rawSocket{
		h:           h,
		onMsg:       onMsg,
		mode:        mode,
		opts:        opts,
		selfMaxSize: opts.InboundMaxMsgSize.Bytes(),
	}
}

func (r *rawSocket) Name() string { return rawSocketName }

func (r *rawSocket) Initiate(done func(error)) {
	r.mu.Lock()
	if r.mode != Active || r.state != framerHandshaking || r.initiateDone != nil {
		r.mu.Unlock()
		done(fmt.Errorf("%w: rawsocket initiate in wrong state", ErrHandshake))
		return
	}
	r.initiateDone = done
	r.mu.Unlock()
	hs := []byte{RawSocketMagic, r.opts.InboundMaxMsgSize.exponent()<<4 | byte(r.opts.Serializer.ID()), 0, 0}
	if err := r.h.Write(hs); err != nil {
		r.fail(err)
	}
}

func (r *rawSocket) IORead(b []byte) error {
	r.buf = append(r.buf, b...)
	for {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()
		switch state {
		case framerHandshaking:
			if len(r.buf) < RawSocketHandshakeSize {
				return nil
			}
			hs := r.buf[:RawSocketHandshakeSize]
			r.buf = r.buf[RawSocketHandshakeSize:]
			var err error
			if r.mode == Passive {
				err = r.acceptHandshake(hs)
			} else {
				err = r.completeHandshake(hs)
			}
			if err != nil {
				r.fail(err)
				return err
			}
		case framerOpen:
			if err := r.decode(); err != nil {
				r.fail(err)
				return err
			}
			return nil
		default:
			r.buf = nil
			return nil
		}
	}
}

// acceptHandshake validates a client handshake and replies
func (r *rawSocket) acceptHandshake(hs []byte) error {
	if hs[0] != RawSocketMagic {
		return fmt.Errorf("%w: rawsocket magic byte is %#x", ErrHandshake, hs[0])
	}
	if code := r.opts.Reject; code != 0 {
		r.replyError(code)
		return &RawSocketError{Code: code}
	}
	if hs[2] != 0 || hs[3] != 0 {
		r.replyError(ErrCodeUseOfReservedBits)
		return &RawSocketError{Code: ErrCodeUseOfReservedBits}
	}
	ser := SerializerByID(SerializerID(hs[1] & 0x0F))
	if ser == nil {
		r.replyError(ErrCodeSerializerUnsupported)
		return &RawSocketError{Code: ErrCodeSerializerUnsupported}
	}
	reply := []byte{RawSocketMagic, r.opts.InboundMaxMsgSize.exponent()<<4 | byte(ser.ID()), 0, 0}
	if err := r.h.Write(reply); err != nil {
		return err
	}
	r.mu.Lock()
	r.ser = ser
	r.peerMaxSize = maxMsgSizeFromExponent(hs[1] >> 4).Bytes()
	r.state = framerOpen
	r.mu.Unlock()
	return nil
}

// completeHandshake checks the router's reply to our handshake
func (r *rawSocket) completeHandshake(hs []byte) error {
	if hs[0] != RawSocketMagic {
		return fmt.Errorf("%w: rawsocket magic byte is %#x", ErrHandshake, hs[0])
	}
	if hs[1]&0x0F == 0 {
		return &RawSocketError{Code: HandshakeErrorCode(hs[1] >> 4)}
	}
	if SerializerID(hs[1]&0x0F) != r.opts.Serializer.ID() {
		return fmt.Errorf("%w: peer chose serializer %d", ErrHandshake, hs[1]&0x0F)
	}
	r.mu.Lock()
	r.ser = r.opts.Serializer
	r.peerMaxSize = maxMsgSizeFromExponent(hs[1] >> 4).Bytes()
	r.state = framerOpen
	done := r.initiateDone
	r.initiateDone = nil
	r.mu.Unlock()
	if done != nil {
		done(nil)
	}
	return nil
}

func (r *rawSocket) replyError(code HandshakeErrorCode) {
	r.h.Write([]byte{RawSocketMagic, byte(code) << 4, 0, 0})
}

func (r *rawSocket) decode() error {
	for len(r.buf) >= rawSocketHeaderSize {
		frameType := r.buf[0] & 0x07
		if r.buf[0]&0xF8 != 0 {
			return fmt.Errorf("%w: rawsocket reserved header bits set", ErrProtocolViolation)
		}
		size := int(binary.BigEndian.Uint32(r.buf[:4]) & 0x00FFFFFF)
		if size > r.selfMaxSize {
			return fmt.Errorf("%w: %d byte frame exceeds %d", ErrMessageTooLarge, size, r.selfMaxSize)
		}
		if len(r.buf) < rawSocketHeaderSize+size {
			return nil
		}
		payload := r.buf[rawSocketHeaderSize : rawSocketHeaderSize+size]
		r.buf = r.buf[rawSocketHeaderSize+size:]
		switch frameType {
		case rawFrameMessage:
			m, err := r.ser.Unmarshal(payload)
			if err != nil {
				return err
			}
			r.onMsg(m)
		case rawFramePing:
			if err := r.writeFrame(rawFramePong, payload); err != nil {
				return err
			}
		case rawFramePong:
		default:
			return fmt.Errorf("%w: rawsocket frame type %d", ErrProtocolViolation, frameType)
		}
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return nil
}

func (r *rawSocket) writeFrame(frameType byte, payload []byte) error {
	frame := make([]byte, rawSocketHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame[0] = frameType
	copy(frame[rawSocketHeaderSize:], payload)
	return r.h.Write(frame)
}

func (r *rawSocket) SendMessage(m Message) error {
	r.mu.Lock()
	state, ser, peerMax := r.state, r.ser, r.peerMaxSize
	r.mu.Unlock()
	if state != framerOpen {
		return fmt.Errorf("%w: rawsocket not open", ErrSessionClosed)
	}
	payload, err := ser.Marshal(m)
	if err != nil {
		return err
	}
	if len(payload) > peerMax {
		return fmt.Errorf("%w: %d byte message exceeds peer limit %d", ErrMessageTooLarge, len(payload), peerMax)
	}
	return r.writeFrame(rawFrameMessage, payload)
}

// fail closes the stream after a fatal framing error and reports it to a
// pending Initiate.
func (r *rawSocket) fail(err error) {
	r.mu.Lock()
	r.state = framerClosing
	done := r.initiateDone
	r.initiateDone = nil
	r.mu.Unlock()
	r.h.RequestClose()
	if done != nil {
		done(err)
	}
}

func (r *rawSocket) Close() {
	r.mu.Lock()
	r.state = framerClosed
	done := r.initiateDone
	r.initiateDone = nil
	r.mu.Unlock()
	if done != nil {
		done(errors.Join(ErrHandshake, ErrSessionClosed))
	}
}
