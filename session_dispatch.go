package wampio

import (
	"fmt"
	"sync"
)

// process runs on the processing context for every decoded message, in the
// order the messages arrived
func (s *Session) process(m Message) {
	if s.State() >= StateClosing {
		return
	}
	t, err := m.Type()
	if err != nil {
		s.abort(URIProtocolViolation, err)
		return
	}
	s.k.metrics.recordMessage("in", t)
	if err := s.dispatch(t, m); err != nil {
		s.abort(URIProtocolViolation, err)
	}
}

func (s *Session) dispatch(t MsgType, m Message) error {
	state := s.State()
	if t == MsgAbort {
		return s.handleAbort(m)
	}
	if state == StateOpen {
		return s.dispatchOpen(t, m)
	}
	switch {
	case s.mode == Passive && t == MsgHello:
		return s.handleHello(m)
	case s.mode == Passive && t == MsgAuthenticate:
		return s.handleAuthenticate(m)
	case s.mode == Active && t == MsgChallenge:
		return s.handleChallenge(m)
	case s.mode == Active && t == MsgWelcome:
		return s.handleWelcome(m)
	}
	return fmt.Errorf("%w: %s in state %s", ErrProtocolViolation, t, state)
}

func (s *Session) dispatchOpen(t MsgType, m Message) error {
	switch t {
	// requests from a client
	case MsgCall:
		return s.inboundCall(m)
	case MsgPublish:
		return s.inboundPublish(m)
	case MsgSubscribe:
		return s.inboundSubscribe(m)
	case MsgRegister:
		return s.inboundRegister(m)
	case MsgUnsubscribe:
		return s.inboundUnsubscribe(m)
	case MsgUnregister:
		return s.inboundUnregister(m)
	case MsgYield:
		return s.handleYield(m)
	case MsgCancel:
		return s.inboundCancel(m)

	// replies and notifications from a router
	case MsgResult:
		return s.handleResult(m)
	case MsgError:
		return s.handleError(m)
	case MsgSubscribed:
		return s.handleSubscribed(m)
	case MsgRegistered:
		return s.handleRegistered(m)
	case MsgUnsubscribed:
		return s.handleUnsubscribed(m)
	case MsgUnregistered:
		return s.handleUnregistered(m)
	case MsgEvent:
		return s.handleEvent(m)
	case MsgInvocation:
		return s.handleInvocation(m)
	case MsgInterrupt:
		s.log.Debug().Msg("ignoring INTERRUPT: cancellation is not supported")
		return nil
	case MsgPublished:
		return nil

	case MsgGoodbye:
		return s.handleGoodbye(m)
	case MsgHeartbeat:
		return nil
	}
	return fmt.Errorf("%w: %s in state open", ErrProtocolViolation, t)
}

// requireServer fails inbound requests reaching an active session
func (s *Session) requireServer(t MsgType) error {
	if s.mode != Passive {
		return fmt.Errorf("%w: %s sent to a client", ErrProtocolViolation, t)
	}
	return nil
}

// -----------------------------------------------------------------------------------------------
// Inbound requests (router role)

func (s *Session) inboundCall(m Message) error {
	if err := s.requireServer(MsgCall); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	opts, err := m.dictAt(2)
	if err != nil {
		return err
	}
	uri, err := m.stringAt(3)
	if err != nil {
		return err
	}
	args, err := m.argsAt(4)
	if err != nil {
		return err
	}
	if s.server == nil {
		return s.ReplyWithError(MsgCall, req, Args{}, URINoSuchProcedure)
	}
	if !s.limits.incCall() {
		s.log.Debug().Str("uri", uri).Msg("call limit reached")
		return s.ReplyWithError(MsgCall, req, limitReachedArgs("calls"), URILimitReached)
	}

	var once sync.Once
	reply := func(args Args, err error) {
		once.Do(func() {
			s.limits.decCall()
			if err != nil {
				s.ReplyWithError(MsgCall, req, errorArgs(err), errorURI(err))
				return
			}
			if err := s.send(appendArgs(Message{MsgResult, req, map[string]any{}}, args)); err != nil {
				s.log.Debug().Err(err).Uint64("request", req).Msg("dropping RESULT")
			}
		})
	}
	s.userCallback("call handler", func() {
		s.server.InboundCall(s, CallRequest{RequestID: req, URI: uri, Options: opts, Args: args}, reply)
	})
	return nil
}

func (s *Session) inboundPublish(m Message) error {
	if err := s.requireServer(MsgPublish); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	opts, err := m.dictAt(2)
	if err != nil {
		return err
	}
	topic, err := m.stringAt(3)
	if err != nil {
		return err
	}
	args, err := m.argsAt(4)
	if err != nil {
		return err
	}
	if s.server == nil {
		return nil
	}
	var pubID uint64
	var perr error
	s.userCallback("publish handler", func() {
		pubID, perr = s.server.InboundPublish(s, topic, opts, args)
	})
	if !optBool(opts, "acknowledge", false) {
		return nil
	}
	if perr != nil {
		return s.ReplyWithError(MsgPublish, req, errorArgs(perr), errorURI(perr))
	}
	return s.send(Message{MsgPublished, req, pubID})
}

func (s *Session) inboundSubscribe(m Message) error {
	if err := s.requireServer(MsgSubscribe); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	opts, err := m.dictAt(2)
	if err != nil {
		return err
	}
	topic, err := m.stringAt(3)
	if err != nil {
		return err
	}
	if s.server == nil {
		return s.ReplyWithError(MsgSubscribe, req, Args{}, URINotAuthorized)
	}
	var subID uint64
	serr := fmt.Errorf("%w: subscribe handler failed", ErrProtocolViolation)
	s.userCallback("subscribe handler", func() {
		subID, serr = s.server.InboundSubscribe(s, topic, opts)
	})
	if serr != nil {
		return s.ReplyWithError(MsgSubscribe, req, errorArgs(serr), errorURI(serr))
	}
	return s.send(Message{MsgSubscribed, req, subID})
}

func (s *Session) inboundRegister(m Message) error {
	if err := s.requireServer(MsgRegister); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	opts, err := m.dictAt(2)
	if err != nil {
		return err
	}
	uri, err := m.stringAt(3)
	if err != nil {
		return err
	}
	if s.server == nil {
		return s.ReplyWithError(MsgRegister, req, Args{}, URINotAuthorized)
	}
	var regID uint64
	rerr := fmt.Errorf("%w: register handler failed", ErrProtocolViolation)
	s.userCallback("register handler", func() {
		regID, rerr = s.server.InboundRegister(s, uri, opts)
	})
	if rerr != nil {
		return s.ReplyWithError(MsgRegister, req, errorArgs(rerr), errorURI(rerr))
	}
	return s.send(Message{MsgRegistered, req, regID})
}

func (s *Session) inboundUnsubscribe(m Message) error {
	if err := s.requireServer(MsgUnsubscribe); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	subID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	u, ok := s.server.(ServerUnsubscriber)
	if !ok {
		return s.ReplyWithError(MsgUnsubscribe, req, Args{}, URINoSuchSubscription)
	}
	if err := u.InboundUnsubscribe(s, subID); err != nil {
		return s.ReplyWithError(MsgUnsubscribe, req, errorArgs(err), errorURI(err))
	}
	return s.send(Message{MsgUnsubscribed, req})
}

func (s *Session) inboundUnregister(m Message) error {
	if err := s.requireServer(MsgUnregister); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	regID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	u, ok := s.server.(ServerUnregisterer)
	if !ok {
		return s.ReplyWithError(MsgUnregister, req, Args{}, URINoSuchRegistration)
	}
	if err := u.InboundUnregister(s, regID); err != nil {
		return s.ReplyWithError(MsgUnregister, req, errorArgs(err), errorURI(err))
	}
	return s.send(Message{MsgUnregistered, req})
}

func (s *Session) inboundCancel(m Message) error {
	if err := s.requireServer(MsgCancel); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	return s.ReplyWithError(MsgCancel, req, Args{List: []any{"call cancellation is not supported"}}, URIInvalidArgument)
}

// handleYield completes an INVOCATION this session sent
func (s *Session) handleYield(m Message) error {
	if err := s.requireServer(MsgYield); err != nil {
		return err
	}
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	args, err := m.argsAt(3)
	if err != nil {
		return err
	}
	inv, ok := takePending(s, &s.pendingInvocation, req)
	if !ok {
		return fmt.Errorf("%w: YIELD for unknown invocation %d", ErrProtocolViolation, req)
	}
	s.limits.decInvocation()
	s.userCallback("invocation reply", func() { inv.reply(args, nil) })
	return nil
}

func (s *Session) handleGoodbye(m Message) error {
	reason, _ := m.stringAt(2)
	s.log.Debug().Str("reason", reason).Bool("reply", s.goodbyeSent).Msg("GOODBYE")
	if !s.goodbyeSent {
		s.goodbyeSent = true
		if err := s.send(Message{MsgGoodbye, map[string]any{}, URIGoodbyeAndOut}); err != nil {
			s.log.Debug().Err(err).Msg("failed to answer GOODBYE")
		}
	}
	s.Close()
	return nil
}

// -----------------------------------------------------------------------------------------------
// Replies and notifications (client role)

func (s *Session) handleResult(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	details, err := m.dictAt(2)
	if err != nil {
		return err
	}
	args, err := m.argsAt(3)
	if err != nil {
		return err
	}
	c, ok := takePending(s, &s.pendingCall, req)
	if !ok {
		return fmt.Errorf("%w: RESULT for unknown call %d", ErrProtocolViolation, req)
	}
	s.userCallback("call", func() {
		c.cb(CallResult{RequestID: req, URI: c.uri, Details: details, Args: args})
	})
	return nil
}

func (s *Session) handleError(m Message) error {
	reqType, err := m.uint64At(1)
	if err != nil {
		return err
	}
	req, err := m.uint64At(2)
	if err != nil {
		return err
	}
	details, err := m.dictAt(3)
	if err != nil {
		return err
	}
	uri, err := m.stringAt(4)
	if err != nil {
		return err
	}
	args, err := m.argsAt(5)
	if err != nil {
		return err
	}
	werr := &Error{URI: uri, Args: args, Details: details}
	unknown := fmt.Errorf("%w: ERROR for unknown %s %d", ErrProtocolViolation, MsgType(reqType), req)

	switch MsgType(reqType) {
	case MsgCall:
		c, ok := takePending(s, &s.pendingCall, req)
		if !ok {
			return unknown
		}
		s.userCallback("call", func() {
			c.cb(CallResult{RequestID: req, URI: c.uri, Details: details, Err: werr})
		})
	case MsgSubscribe:
		sub, ok := takePending(s, &s.pendingSubscribe, req)
		if !ok {
			return unknown
		}
		s.userCallback("subscription", func() {
			sub.cb(SubscriptionEvent{Kind: SubscribeFailed, URI: sub.uri, Err: werr})
		})
	case MsgRegister:
		p, ok := takePending(s, &s.pendingRegister, req)
		if !ok {
			return unknown
		}
		s.userCallback("procedure", func() {
			p.cb(ProcedureEvent{Kind: RegisterFailed, URI: p.uri, Err: werr})
		})
	case MsgInvocation:
		if err := s.requireServer(MsgError); err != nil {
			return err
		}
		inv, ok := takePending(s, &s.pendingInvocation, req)
		if !ok {
			return unknown
		}
		s.limits.decInvocation()
		s.userCallback("invocation reply", func() { inv.reply(Args{}, werr) })
	case MsgUnsubscribe:
		rel, ok := takePending(s, &s.pendingUnsubscribe, req)
		if !ok {
			return unknown
		}
		if rel.cb != nil {
			s.userCallback("unsubscribe", func() { rel.cb(werr) })
		}
	case MsgUnregister:
		rel, ok := takePending(s, &s.pendingUnregister, req)
		if !ok {
			return unknown
		}
		if rel.cb != nil {
			s.userCallback("unregister", func() { rel.cb(werr) })
		}
	case MsgPublish:
		s.log.Info().Err(werr).Uint64("request", req).Msg("publish refused")
	default:
		return fmt.Errorf("%w: ERROR for request type %d", ErrProtocolViolation, reqType)
	}
	return nil
}

func (s *Session) handleSubscribed(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	subID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	sub, ok := takePending(s, &s.pendingSubscribe, req)
	if !ok {
		return fmt.Errorf("%w: SUBSCRIBED for unknown request %d", ErrProtocolViolation, req)
	}
	sub.id = subID
	if !s.addSubscriber(subID, sub) {
		return nil
	}
	s.userCallback("subscription", func() {
		sub.cb(SubscriptionEvent{Kind: Subscribed, SubscriptionID: subID, URI: sub.uri})
	})
	return nil
}

func (s *Session) handleRegistered(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	regID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	p, ok := takePending(s, &s.pendingRegister, req)
	if !ok {
		return fmt.Errorf("%w: REGISTERED for unknown request %d", ErrProtocolViolation, req)
	}
	p.id = regID
	insertPending(s, &s.procedures, regID, p)
	s.userCallback("procedure", func() {
		p.cb(ProcedureEvent{Kind: Registered, RegistrationID: regID, URI: p.uri})
	})
	return nil
}

func (s *Session) handleUnsubscribed(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	rel, ok := takePending(s, &s.pendingUnsubscribe, req)
	if !ok {
		return fmt.Errorf("%w: UNSUBSCRIBED for unknown request %d", ErrProtocolViolation, req)
	}
	s.forgetSubscription(rel.id)
	if rel.cb != nil {
		s.userCallback("unsubscribe", func() { rel.cb(nil) })
	}
	return nil
}

func (s *Session) handleUnregistered(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	if req == 0 {
		// router revoked a registration without being asked
		if details, err := m.dictAt(2); err == nil {
			if regID, ok := toUint64(details["registration"]); ok {
				takePending(s, &s.procedures, regID)
			}
		}
		return nil
	}
	rel, ok := takePending(s, &s.pendingUnregister, req)
	if !ok {
		return fmt.Errorf("%w: UNREGISTERED for unknown request %d", ErrProtocolViolation, req)
	}
	takePending(s, &s.procedures, rel.id)
	if rel.cb != nil {
		s.userCallback("unregister", func() { rel.cb(nil) })
	}
	return nil
}

func (s *Session) handleEvent(m Message) error {
	subID, err := m.uint64At(1)
	if err != nil {
		return err
	}
	pubID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	details, err := m.dictAt(3)
	if err != nil {
		return err
	}
	args, err := m.argsAt(4)
	if err != nil {
		return err
	}
	subs := s.subscribers(subID)
	if len(subs) == 0 {
		s.log.Debug().Uint64("subscription", subID).Msg("EVENT for unknown subscription")
		return nil
	}
	for _, sub := range subs {
		s.userCallback("subscription", func() {
			sub.cb(SubscriptionEvent{
				Kind:           EventReceived,
				SubscriptionID: subID,
				PublicationID:  pubID,
				URI:            sub.uri,
				Details:        details,
				Args:           args,
			})
		})
	}
	return nil
}

func (s *Session) handleInvocation(m Message) error {
	req, err := m.uint64At(1)
	if err != nil {
		return err
	}
	regID, err := m.uint64At(2)
	if err != nil {
		return err
	}
	details, err := m.dictAt(3)
	if err != nil {
		return err
	}
	args, err := m.argsAt(4)
	if err != nil {
		return err
	}
	p, ok := lookup(s, &s.procedures, regID)
	if !ok {
		return s.ReplyWithError(MsgInvocation, req, Args{}, URINoSuchRegistration)
	}
	if !insertPending(s, &s.inboundInvocations, req, struct{}{}) {
		return nil
	}
	inv := &Invocation{
		RequestID:      req,
		RegistrationID: regID,
		URI:            p.uri,
		Details:        details,
		Args:           args,
		session:        s,
	}
	s.userCallback("procedure", func() {
		p.cb(ProcedureEvent{Kind: Invoked, RegistrationID: regID, URI: p.uri, Invocation: inv})
	})
	return nil
}
