package wampio

import "fmt"

// checkOpen fails operations on sessions that are not open
func (s *Session) checkOpen() error {
	switch st := s.State(); {
	case st >= StateClosing:
		return ErrSessionClosed
	case st != StateOpen:
		return ErrNotOpen
	}
	return nil
}

func orEmpty(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}

// Call invokes procedure uri. cb runs exactly once on the processing context:
// with the result, with an *Error, or with ErrSessionClosed if the session
// ends first. The request id is returned immediately.
func (s *Session) Call(uri string, opts map[string]any, args Args, cb CallResultFunc) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if cb == nil {
		cb = func(CallResult) {}
	}
	id := s.nextRequestID()
	if !insertPending(s, &s.pendingCall, id, &pendingCall{uri: uri, cb: cb}) {
		return 0, ErrSessionClosed
	}
	if err := s.send(appendArgs(Message{MsgCall, id, orEmpty(opts), uri}, args)); err != nil {
		if _, ok := takePending(s, &s.pendingCall, id); !ok {
			return id, nil // already failed by drainPending
		}
		return 0, err
	}
	return id, nil
}

// Subscribe subscribes to topic uri. cb is told whether the subscription
// succeeded, then receives every event published to it.
func (s *Session) Subscribe(uri string, opts map[string]any, cb SubscriptionFunc) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if cb == nil {
		return 0, fmt.Errorf("wampio: Subscribe %q with nil callback", uri)
	}
	id := s.nextRequestID()
	if !insertPending(s, &s.pendingSubscribe, id, &subscription{uri: uri, cb: cb}) {
		return 0, ErrSessionClosed
	}
	if err := s.send(Message{MsgSubscribe, id, orEmpty(opts), uri}); err != nil {
		if _, ok := takePending(s, &s.pendingSubscribe, id); !ok {
			return id, nil // already failed by drainPending
		}
		return 0, err
	}
	return id, nil
}

// Unsubscribe detaches the most recent local subscriber of subscription
// subID. The router is sent UNSUBSCRIBE only once no local subscriber is
// left; cb, which may be nil, then receives the router's answer. Otherwise
// cb is called with nil right away.
func (s *Session) Unsubscribe(subID uint64, cb func(error)) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	remaining, ok := s.dropSubscriber(subID)
	if !ok {
		return 0, NewError(URINoSuchSubscription, subID)
	}
	id := s.nextRequestID()
	if remaining > 0 {
		if cb != nil {
			s.k.loop.Dispatch(func() { s.userCallback("unsubscribe", func() { cb(nil) }) })
		}
		return id, nil
	}
	if !insertPending(s, &s.pendingUnsubscribe, id, pendingRelease{id: subID, cb: cb}) {
		return 0, ErrSessionClosed
	}
	if err := s.send(Message{MsgUnsubscribe, id, subID}); err != nil {
		if _, ok := takePending(s, &s.pendingUnsubscribe, id); !ok {
			return id, nil // already failed by drainPending
		}
		return 0, err
	}
	return id, nil
}

// Provide registers procedure uri. cb is told whether the registration
// succeeded, then receives every invocation of it.
func (s *Session) Provide(uri string, opts map[string]any, cb ProcedureFunc) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if cb == nil {
		return 0, fmt.Errorf("wampio: Provide %q with nil callback", uri)
	}
	id := s.nextRequestID()
	if !insertPending(s, &s.pendingRegister, id, &procedure{uri: uri, cb: cb}) {
		return 0, ErrSessionClosed
	}
	if err := s.send(Message{MsgRegister, id, orEmpty(opts), uri}); err != nil {
		if _, ok := takePending(s, &s.pendingRegister, id); !ok {
			return id, nil // already failed by drainPending
		}
		return 0, err
	}
	return id, nil
}

// Unprovide withdraws registration regID
func (s *Session) Unprovide(regID uint64, cb func(error)) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if _, ok := lookup(s, &s.procedures, regID); !ok {
		return 0, NewError(URINoSuchRegistration, regID)
	}
	id := s.nextRequestID()
	if !insertPending(s, &s.pendingUnregister, id, pendingRelease{id: regID, cb: cb}) {
		return 0, ErrSessionClosed
	}
	if err := s.send(Message{MsgUnregister, id, regID}); err != nil {
		if _, ok := takePending(s, &s.pendingUnregister, id); !ok {
			return id, nil // already failed by drainPending
		}
		return 0, err
	}
	return id, nil
}

// Publish sends an event to topic uri. Nothing is correlated with the
// returned request id: a PUBLISHED acknowledgement, when requested with the
// "acknowledge" option, is ignored.
func (s *Session) Publish(uri string, opts map[string]any, args Args) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	id := s.nextRequestID()
	if err := s.send(appendArgs(Message{MsgPublish, id, orEmpty(opts), uri}, args)); err != nil {
		return 0, err
	}
	return id, nil
}

// InvocationYield answers invocation reqID with args. Answers to invocations
// this session does not know about, or no longer knows about, are dropped.
func (s *Session) InvocationYield(reqID uint64, args Args) error {
	if _, ok := takePending(s, &s.inboundInvocations, reqID); !ok {
		s.log.Debug().Uint64("request", reqID).Msg("dropping YIELD for unknown invocation")
		return nil
	}
	return s.send(appendArgs(Message{MsgYield, reqID, map[string]any{}}, args))
}

// InvocationError fails invocation reqID with uri
func (s *Session) InvocationError(reqID uint64, uri string, args Args) error {
	if _, ok := takePending(s, &s.inboundInvocations, reqID); !ok {
		s.log.Debug().Uint64("request", reqID).Msg("dropping ERROR for unknown invocation")
		return nil
	}
	return s.ReplyWithError(MsgInvocation, reqID, args, uri)
}

// ReplyWithError sends an ERROR answering request reqID of type reqType
func (s *Session) ReplyWithError(reqType MsgType, reqID uint64, args Args, uri string) error {
	return s.send(appendArgs(Message{MsgError, reqType, reqID, map[string]any{}, uri}, args))
}

// Invocation sends an INVOCATION of registration regID to this session's
// peer, a callee. reply runs once with the callee's YIELD or ERROR, or with
// ErrSessionClosed.
func (s *Session) Invocation(regID uint64, details map[string]any, args Args, reply ReplyFunc) (uint64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if !s.limits.incInvocation() {
		return 0, &Error{URI: URILimitReached, Args: limitReachedArgs("invocations")}
	}
	id := s.nextRequestID()
	if !insertPending(s, &s.pendingInvocation, id, &pendingInvocation{reply: reply}) {
		s.limits.decInvocation()
		return 0, ErrSessionClosed
	}
	if err := s.send(appendArgs(Message{MsgInvocation, id, regID, orEmpty(details)}, args)); err != nil {
		if _, ok := takePending(s, &s.pendingInvocation, id); !ok {
			return id, nil // already failed by drainPending
		}
		s.limits.decInvocation()
		return 0, err
	}
	return id, nil
}

// Event sends an EVENT of subscription subID to this session's peer
func (s *Session) Event(subID, pubID uint64, details map[string]any, args Args) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.send(appendArgs(Message{MsgEvent, subID, pubID, orEmpty(details)}, args))
}
