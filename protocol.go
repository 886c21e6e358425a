package wampio

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// WAMP v2 message types
const (
	MsgHello        = MsgType(1)
	MsgWelcome      = MsgType(2)
	MsgAbort        = MsgType(3)
	MsgChallenge    = MsgType(4)
	MsgAuthenticate = MsgType(5)
	MsgGoodbye      = MsgType(6)
	MsgHeartbeat    = MsgType(7)
	MsgError        = MsgType(8)
	MsgPublish      = MsgType(16)
	MsgPublished    = MsgType(17)
	MsgSubscribe    = MsgType(32)
	MsgSubscribed   = MsgType(33)
	MsgUnsubscribe  = MsgType(34)
	MsgUnsubscribed = MsgType(35)
	MsgEvent        = MsgType(36)
	MsgCall         = MsgType(48)
	MsgCancel       = MsgType(49)
	MsgResult       = MsgType(50)
	MsgRegister     = MsgType(64)
	MsgRegistered   = MsgType(65)
	MsgUnregister   = MsgType(66)
	MsgUnregistered = MsgType(67)
	MsgInvocation   = MsgType(68)
	MsgInterrupt    = MsgType(69)
	MsgYield        = MsgType(70)
)

// Protocol message type
type MsgType int

var msgTypeNames = map[MsgType]string{
	MsgHello:        "HELLO",
	MsgWelcome:      "WELCOME",
	MsgAbort:        "ABORT",
	MsgChallenge:    "CHALLENGE",
	MsgAuthenticate: "AUTHENTICATE",
	MsgGoodbye:      "GOODBYE",
	MsgHeartbeat:    "HEARTBEAT",
	MsgError:        "ERROR",
	MsgPublish:      "PUBLISH",
	MsgPublished:    "PUBLISHED",
	MsgSubscribe:    "SUBSCRIBE",
	MsgSubscribed:   "SUBSCRIBED",
	MsgUnsubscribe:  "UNSUBSCRIBE",
	MsgUnsubscribed: "UNSUBSCRIBED",
	MsgEvent:        "EVENT",
	MsgCall:         "CALL",
	MsgCancel:       "CANCEL",
	MsgResult:       "RESULT",
	MsgRegister:     "REGISTER",
	MsgRegistered:   "REGISTERED",
	MsgUnregister:   "UNREGISTER",
	MsgUnregistered: "UNREGISTERED",
	MsgInvocation:   "INVOCATION",
	MsgInterrupt:    "INTERRUPT",
	MsgYield:        "YIELD",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return "MsgType(" + strconv.Itoa(int(t)) + ")"
}

// Well-known URIs
const (
	URINotAuthorized        = "wamp.error.not_authorized"
	URINoSuchRealm          = "wamp.error.no_such_realm"
	URIAuthenticationFailed = "wamp.error.authentication_failed"
	URINoAuthMethod         = "wamp.error.no_auth_method"
	URIProtocolViolation    = "wamp.error.protocol_violation"
	URINoSuchProcedure      = "wamp.error.no_such_procedure"
	URIProcedureExists      = "wamp.error.procedure_already_exists"
	URINoSuchRegistration   = "wamp.error.no_such_registration"
	URINoSuchSubscription   = "wamp.error.no_such_subscription"
	URIInvalidArgument      = "wamp.error.invalid_argument"
	URICanceled             = "wamp.error.canceled"
	URIRuntimeError         = "wamp.error.runtime_error"
	URICloseRealm           = "wamp.close.close_realm"
	URIGoodbyeAndOut        = "wamp.close.goodbye_and_out"
	URISystemShutdown       = "wamp.close.system_shutdown"
	URISessionClosed        = "wampio.error.session_closed"
	URILimitReached         = "wampio.error.limit_reached"
	URIHandshakeTimeout     = "wampio.error.handshake_timeout"
	URIHeartbeatTimeout     = "wampio.error.heartbeat_timeout"
)

// Message is one decoded WAMP message: an array whose first element is the
// message type.
type Message []any

// Args holds the positional and keyword arguments of a call, event or result
type Args struct {
	List []any
	Dict map[string]any
}

// IsEmpty reports whether both parts are empty
func (a Args) IsEmpty() bool { return len(a.List) == 0 && len(a.Dict) == 0 }

// appendArgs appends a to m, omitting trailing empty parts as WAMP requires
func appendArgs(m Message, a Args) Message {
	if len(a.Dict) > 0 {
		list := a.List
		if list == nil {
			list = []any{}
		}
		return append(m, list, a.Dict)
	}
	if len(a.List) > 0 {
		return append(m, a.List)
	}
	return m
}

// Type returns the message type, or an error if m has no valid type tag
func (m Message) Type() (MsgType, error) {
	if len(m) == 0 {
		return 0, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}
	n, ok := toUint64(m[0])
	if !ok {
		return 0, fmt.Errorf("%w: message type is %T", ErrProtocolViolation, m[0])
	}
	return MsgType(n), nil
}

func (m Message) need(n int) error {
	if len(m) < n {
		t, _ := m.Type()
		return fmt.Errorf("%w: %s has %d elements, need %d", ErrProtocolViolation, t, len(m), n)
	}
	return nil
}

func (m Message) uint64At(i int) (uint64, error) {
	if err := m.need(i + 1); err != nil {
		return 0, err
	}
	n, ok := toUint64(m[i])
	if !ok {
		return 0, fmt.Errorf("%w: element %d is %T, want id", ErrProtocolViolation, i, m[i])
	}
	return n, nil
}

func (m Message) stringAt(i int) (string, error) {
	if err := m.need(i + 1); err != nil {
		return "", err
	}
	s, ok := m[i].(string)
	if !ok {
		return "", fmt.Errorf("%w: element %d is %T, want string", ErrProtocolViolation, i, m[i])
	}
	return s, nil
}

// dictAt returns the dict at i. A missing trailing element yields an empty dict.
func (m Message) dictAt(i int) (map[string]any, error) {
	if i >= len(m) {
		return map[string]any{}, nil
	}
	d, ok := toDict(m[i])
	if !ok {
		return nil, fmt.Errorf("%w: element %d is %T, want dict", ErrProtocolViolation, i, m[i])
	}
	return d, nil
}

// argsAt reads the optional args list at i and kwargs dict at i+1
func (m Message) argsAt(i int) (Args, error) {
	var a Args
	if i < len(m) {
		list, ok := m[i].([]any)
		if !ok && m[i] != nil {
			return a, fmt.Errorf("%w: element %d is %T, want list", ErrProtocolViolation, i, m[i])
		}
		a.List = list
	}
	if i+1 < len(m) {
		d, ok := toDict(m[i+1])
		if !ok {
			return a, fmt.Errorf("%w: element %d is %T, want dict", ErrProtocolViolation, i+1, m[i+1])
		}
		a.Dict = d
	}
	return a, nil
}

// toDict accepts the map shapes the serializers produce
func toDict(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case map[string]any:
		return d, true
	case map[any]any:
		out := make(map[string]any, len(d))
		for k, v := range d {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = v
		}
		return out, true
	case nil:
		return map[string]any{}, true
	}
	return nil, false
}

// toUint64 normalises the numeric representations of the serializers
func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case MsgType:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint:
		return uint64(n), true
	case int64:
		return uint64(n), n >= 0
	case int32:
		return uint64(n), n >= 0
	case int16:
		return uint64(n), n >= 0
	case int8:
		return uint64(n), n >= 0
	case int:
		return uint64(n), n >= 0
	case float64:
		if n < 0 || n != math.Trunc(n) || n > (1<<53) {
			return 0, false
		}
		return uint64(n), true
	case float32:
		return toUint64(float64(n))
	case json.Number:
		u, err := strconv.ParseUint(string(n), 10, 64)
		return u, err == nil
	}
	return 0, false
}

// optBool reads a boolean option, tolerating absent keys
func optBool(d map[string]any, key string, def bool) bool {
	if v, ok := d[key].(bool); ok {
		return v
	}
	return def
}

// optString reads a string option, tolerating absent keys
func optString(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}
