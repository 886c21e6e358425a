package wampio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// SerializerID is the serializer code used in the rawsocket handshake
type SerializerID byte

const (
	SerializerJSON    = SerializerID(1)
	SerializerMsgPack = SerializerID(2)
	SerializerCBOR    = SerializerID(3)
)

// Serializer encodes and decodes whole messages
type Serializer interface {
	ID() SerializerID
	Name() string
	// Subprotocol is the websocket subprotocol announcing this serializer
	Subprotocol() string
	// Binary reports whether encoded messages go in binary websocket frames
	Binary() bool
	Marshal(m Message) ([]byte, error)
	Unmarshal(b []byte) (Message, error)
}

var (
	JSON    Serializer = jsonSerializer{}
	MsgPack Serializer = msgpackSerializer{}
	CBOR    Serializer = newCBORSerializer()

	serializers = []Serializer{JSON, MsgPack, CBOR}
)

// SerializerByID looks up a serializer by its rawsocket code. Returns nil if
// the code is unknown.
func SerializerByID(id SerializerID) Serializer {
	for _, s := range serializers {
		if s.ID() == id {
			return s
		}
	}
	return nil
}

// SerializerByName accepts "json", "msgpack" or "cbor"
func SerializerByName(name string) (Serializer, error) {
	for _, s := range serializers {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("wampio: unknown serializer %q", name)
}

// SerializerBySubprotocol looks up a serializer by websocket subprotocol
func SerializerBySubprotocol(p string) Serializer {
	for _, s := range serializers {
		if s.Subprotocol() == p {
			return s
		}
	}
	return nil
}

func decodedMessage(v any) (Message, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: message is %T, want list", ErrProtocolViolation, v)
	}
	return Message(list), nil
}

// -----------------------------------------------------------------------------------------------

type jsonSerializer struct{}

func (jsonSerializer) ID() SerializerID    { return SerializerJSON }
func (jsonSerializer) Name() string        { return "json" }
func (jsonSerializer) Subprotocol() string { return "wamp.2.json" }
func (jsonSerializer) Binary() bool        { return false }

func (jsonSerializer) Marshal(m Message) ([]byte, error) {
	return json.Marshal([]any(m))
}

func (jsonSerializer) Unmarshal(b []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return decodedMessage(v)
}

// -----------------------------------------------------------------------------------------------

type msgpackSerializer struct{}

func (msgpackSerializer) ID() SerializerID    { return SerializerMsgPack }
func (msgpackSerializer) Name() string        { return "msgpack" }
func (msgpackSerializer) Subprotocol() string { return "wamp.2.msgpack" }
func (msgpackSerializer) Binary() bool        { return true }

func (msgpackSerializer) Marshal(m Message) ([]byte, error) {
	return msgpack.Marshal([]any(m))
}

func (msgpackSerializer) Unmarshal(b []byte) (Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	v, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return decodedMessage(v)
}

// -----------------------------------------------------------------------------------------------

type cborSerializer struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORSerializer() *cborSerializer {
	enc, err := cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborSerializer{enc: enc, dec: dec}
}

func (*cborSerializer) ID() SerializerID    { return SerializerCBOR }
func (*cborSerializer) Name() string        { return "cbor" }
func (*cborSerializer) Subprotocol() string { return "wamp.2.cbor" }
func (*cborSerializer) Binary() bool        { return true }

func (c *cborSerializer) Marshal(m Message) ([]byte, error) {
	return c.enc.Marshal([]any(m))
}

func (c *cborSerializer) Unmarshal(b []byte) (Message, error) {
	var v any
	if err := c.dec.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	return decodedMessage(v)
}
