package wampio

// ConnectionMode is the role of a peer on a connection
type ConnectionMode int

const (
	// Active peers initiate the handshake and act as clients
	Active ConnectionMode = iota
	// Passive peers receive the handshake and act as servers
	Passive
)

func (m ConnectionMode) String() string {
	if m == Active {
		return "active"
	}
	return "passive"
}

// Framer turns the byte stream of an IOHandle into discrete messages and
// back. A framer owns its IOHandle: when it meets a fatal framing error it
// requests the handle to close before returning the error.
type Framer interface {
	// IORead feeds raw bytes read from the stream
	IORead(b []byte) error

	// Initiate starts the framer's own handshake. done runs once, with nil
	// when the framer is ready to carry messages.
	Initiate(done func(error))

	// SendMessage frames and writes m
	SendMessage(m Message) error

	Name() string

	// Close releases resources held by the framer. The stream itself is
	// closed through the IOHandle.
	Close()
}

// MessageFunc receives decoded messages in stream order
type MessageFunc func(m Message)

// FramerBuilder constructs a framer bound to h that delivers decoded
// messages to onMsg. Role and options are bound by the function that
// returns the builder.
type FramerBuilder func(h *IOHandle, onMsg MessageFunc) (Framer, error)

// Framer handshake states
type framerState int

const (
	framerHandshaking framerState = iota
	framerOpen
	framerClosing
	framerClosed
)
