package wampio

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
)

// Handlers holds procedures and topic handlers that a Router serves itself,
// without a callee session.
type Handlers struct {
	callsMu       sync.RWMutex
	calls         map[string]Callable
	callFallback  Callable
	topicsMu      sync.RWMutex
	topics        map[string]TopicHandler
	topicFallback TopicHandler
}

func NewHandlers() *Handlers {
	return &Handlers{calls: make(map[string]Callable), topics: make(map[string]TopicHandler)}
}

// Callable serves a CALL of procedure uri with raw arguments
type Callable func(s *Session, uri string, args Args) (Args, error)

// TopicHandler receives events published to topic
type TopicHandler func(s *Session, topic string, args Args)

var DefaultHandlers = NewHandlers()

// Handle procedure with automatic JSON conversion of values.
//
// `fn` must conform to one of the following signatures:
//
//	func(*Session, string, T) (R, error) -- takes session, procedure uri and parameters
//	func(*Session, T) (R, error)         -- takes session and parameters
//	func(T) (R, error)                   -- takes parameters, but no session
//	func(*Session) (R, error)            -- takes no parameters
//	func() (R, error)                    -- takes no session or parameters
//
// Where optionally the R return value can be omitted, i.e:
//
//	func(*Session, string, T) error
//	func(*Session, T) error
//	func(T) error
//	func(*Session) error
//	func() error
//
// The parameters are the first positional argument of the call, or its
// keyword arguments when there are no positional ones. A result R is
// returned as the only positional argument.
//
// If `uri` is empty, handle all calls which don't have a specific handler
// registered.
func Handle(uri string, fn any) {
	DefaultHandlers.Handle(uri, fn)
}

// Handle procedure with raw arguments. If `uri` is empty, handle all calls
// which don't have a specific handler registered.
func HandleCallable(uri string, fn Callable) {
	DefaultHandlers.HandleCallable(uri, fn)
}

// Handle events published to a topic with automatic JSON conversion of values.
//
// `fn` must conform to one of the following signatures:
//
//	func(s *Session, topic string, v T) -- takes session, topic and parameters
//	func(topic string, v T)             -- takes topic and parameters, but no session
//	func(v T)                           -- takes only parameters
//
// If `topic` is empty, handle all events which don't have a specific handler
// registered.
func HandleEvent(topic string, fn any) {
	DefaultHandlers.HandleEvent(topic, fn)
}

// Handle events published to a topic with raw arguments
func HandleTopic(topic string, fn TopicHandler) {
	DefaultHandlers.HandleTopic(topic, fn)
}

// -------------------------------------------------------------------------------------

// See Handle()
func (h *Handlers) Handle(uri string, fn any) {
	h.HandleCallable(uri, wrapFuncCallable(fn))
}

// See HandleCallable()
func (h *Handlers) HandleCallable(uri string, fn Callable) {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	if len(uri) == 0 {
		h.callFallback = fn
	} else {
		h.calls[uri] = fn
	}
}

// See HandleEvent()
func (h *Handlers) HandleEvent(topic string, fn any) {
	h.HandleTopic(topic, wrapFuncTopicHandler(fn))
}

// See HandleTopic()
func (h *Handlers) HandleTopic(topic string, fn TopicHandler) {
	h.topicsMu.Lock()
	defer h.topicsMu.Unlock()
	if len(topic) == 0 {
		h.topicFallback = fn
	} else {
		h.topics[topic] = fn
	}
}

// Look up a handler for procedure `uri`. Returns `nil` if not found.
func (h *Handlers) FindCallable(uri string) Callable {
	h.callsMu.RLock()
	defer h.callsMu.RUnlock()
	if handler := h.calls[uri]; handler != nil {
		return handler
	}
	return h.callFallback
}

// Look up a handler for `topic`. Returns `nil` if not found.
func (h *Handlers) FindTopicHandler(topic string) TopicHandler {
	h.topicsMu.RLock()
	defer h.topicsMu.RUnlock()
	if handler := h.topics[topic]; handler != nil {
		return handler
	}
	return h.topicFallback
}

// -------------------------------------------------------------------------------------

var (
	errMsgBadHandler        = "invalid handler func signature (see wampio.Handlers)"
	errUnexpectedParamType  = errors.New("unexpected parameter type")
	errUnexpectedResultType = errors.New("result is not JSON encodable")

	kErrorType   = reflect.TypeFor[error]()
	kSessionType = reflect.TypeFor[Session]()
)

func valToErr(r reflect.Value) error {
	v := r.Interface()
	if err, ok := v.(error); ok {
		return err
	} else if s, ok := v.(string); ok {
		return errors.New(s)
	}
	return errors.New("error")
}

func decodeResult(r []reflect.Value) (Args, error) {
	if len(r) == 2 {
		if !r[1].IsNil() {
			return Args{}, valToErr(r[1])
		}
		v, err := normalize(r[0].Interface())
		if err != nil {
			return Args{}, err
		}
		return Args{List: []any{v}}, nil
	} else if r[0].IsNil() {
		return Args{}, nil
	}
	return Args{}, valToErr(r[0])
}

// normalize converts v into the plain maps, slices and numbers every
// serializer encodes the same way
func normalize(v any) (any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errUnexpectedResultType
	}
	var out any
	if err := json.Unmarshal(buf, &out); err != nil {
		return nil, errUnexpectedResultType
	}
	return out, nil
}

func decodeParams(paramsType reflect.Type, args Args) (reflect.Value, error) {
	paramsVal := reflect.New(paramsType)
	var in any
	if len(args.List) > 0 {
		in = args.List[0]
	} else if len(args.Dict) > 0 {
		in = args.Dict
	}
	buf, err := json.Marshal(in)
	if err != nil {
		return paramsVal, errUnexpectedParamType
	}
	if err := json.Unmarshal(buf, paramsVal.Interface()); err != nil {
		return paramsVal, NewError(URIInvalidArgument, errUnexpectedParamType.Error())
	}
	return paramsVal, nil
}

func typeIsSessionPtr(t reflect.Type) bool {
	return t.Kind() == reflect.Pointer && t.Elem().AssignableTo(kSessionType)
}

func wrapFuncCallable(fn any) Callable {
	fnv := reflect.ValueOf(fn)
	fnt := fnv.Type()

	if fnt.Kind() != reflect.Func {
		panic("handler must be a function")
	}

	if fnt.NumIn() > 3 || fnt.NumOut() < 1 || fnt.NumOut() > 2 ||
		!fnt.Out(fnt.NumOut()-1).Implements(kErrorType) {
		panic(errMsgBadHandler)
	}

	switch fnt.NumIn() {
	case 3:
		// Signature: `func(*Session, string, T) (R, error)`
		if !typeIsSessionPtr(fnt.In(0)) || fnt.In(1).Kind() != reflect.String {
			panic(errMsgBadHandler)
		}
		paramsType := fnt.In(2)
		return func(s *Session, uri string, args Args) (Args, error) {
			paramsVal, err := decodeParams(paramsType, args)
			if err != nil {
				return Args{}, err
			}
			return decodeResult(fnv.Call([]reflect.Value{reflect.ValueOf(s), reflect.ValueOf(uri), paramsVal.Elem()}))
		}

	case 2:
		// Signature: `func(*Session, T) (R, error)`
		if !typeIsSessionPtr(fnt.In(0)) {
			panic(errMsgBadHandler)
		}
		paramsType := fnt.In(1)
		return func(s *Session, _ string, args Args) (Args, error) {
			paramsVal, err := decodeParams(paramsType, args)
			if err != nil {
				return Args{}, err
			}
			return decodeResult(fnv.Call([]reflect.Value{reflect.ValueOf(s), paramsVal.Elem()}))
		}

	case 1:
		if typeIsSessionPtr(fnt.In(0)) {
			// Signature: `func(*Session) (R, error)`
			return func(s *Session, _ string, _ Args) (Args, error) {
				return decodeResult(fnv.Call([]reflect.Value{reflect.ValueOf(s)}))
			}
		}
		// Signature: `func(T) (R, error)`
		paramsType := fnt.In(0)
		return func(_ *Session, _ string, args Args) (Args, error) {
			paramsVal, err := decodeParams(paramsType, args)
			if err != nil {
				return Args{}, err
			}
			return decodeResult(fnv.Call([]reflect.Value{paramsVal.Elem()}))
		}
	}

	// Signature: `func() (R, error)`
	return func(_ *Session, _ string, _ Args) (Args, error) {
		return decodeResult(fnv.Call(nil))
	}
}

func wrapFuncTopicHandler(fn any) TopicHandler {
	fnv := reflect.ValueOf(fn)
	fnt := fnv.Type()

	if fnt.Kind() != reflect.Func {
		panic("handler must be a function")
	}

	if fnt.NumIn() < 1 || fnt.NumIn() > 3 || fnt.NumOut() > 0 {
		panic(errMsgBadHandler)
	}

	switch fnt.NumIn() {
	case 3:
		// Signature: `func(*Session, string, T)`
		if !typeIsSessionPtr(fnt.In(0)) || fnt.In(1).Kind() != reflect.String {
			panic(errMsgBadHandler)
		}
		paramsType := fnt.In(2)
		return func(s *Session, topic string, args Args) {
			paramsVal, _ := decodeParams(paramsType, args)
			fnv.Call([]reflect.Value{reflect.ValueOf(s), reflect.ValueOf(topic), paramsVal.Elem()})
		}
	case 2:
		// Signature: `func(string, T)`
		if fnt.In(0).Kind() != reflect.String {
			panic(errMsgBadHandler)
		}
		paramsType := fnt.In(1)
		return func(_ *Session, topic string, args Args) {
			paramsVal, _ := decodeParams(paramsType, args)
			fnv.Call([]reflect.Value{reflect.ValueOf(topic), paramsVal.Elem()})
		}
	}

	// Signature: `func(T)`
	paramsType := fnt.In(0)
	return func(_ *Session, _ string, args Args) {
		paramsVal, _ := decodeParams(paramsType, args)
		fnv.Call([]reflect.Value{paramsVal.Elem()})
	}
}
