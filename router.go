package wampio

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Router is a ServerHandler acting as WAMP dealer and broker. Calls go to the
// session that registered the procedure, or to a local Callable from its
// Handlers; events go to every subscriber of the topic in the publisher's
// realm and to a local TopicHandler.
type Router struct {
	k        *Kernel
	handlers *Handlers
	log      zerolog.Logger

	mu     sync.Mutex
	realms map[string]*routerRealm
}

type routerRealm struct {
	procs  map[string]*registration // by uri
	regs   map[uint64]*registration
	topics map[string]*routerSub // by topic
	subs   map[uint64]*routerSub
}

type registration struct {
	id     uint64
	uri    string
	callee *Session
}

type routerSub struct {
	id          uint64
	topic       string
	subscribers map[*Session]struct{}
}

// NewRouter returns a router serving the local procedures of handlers, or of
// DefaultHandlers when handlers is nil
func NewRouter(k *Kernel, handlers *Handlers) *Router {
	if handlers == nil {
		handlers = DefaultHandlers
	}
	return &Router{
		k:        k,
		handlers: handlers,
		log:      k.log.With().Str("component", "router").Logger(),
		realms:   make(map[string]*routerRealm),
	}
}

func (r *Router) Handlers() *Handlers { return r.handlers }

// realm returns the state of name, creating it. Must hold r.mu.
func (r *Router) realm(name string) *routerRealm {
	rr := r.realms[name]
	if rr == nil {
		rr = &routerRealm{
			procs:  make(map[string]*registration),
			regs:   make(map[uint64]*registration),
			topics: make(map[string]*routerSub),
			subs:   make(map[uint64]*routerSub),
		}
		r.realms[name] = rr
	}
	return rr
}

// Procedures lists the procedures registered by sessions in realm
func (r *Router) Procedures(realm string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realms[realm]
	if rr == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(rr.procs))
}

// Subscribers returns the number of sessions subscribed to topic in realm
func (r *Router) Subscribers(realm, topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rr := r.realms[realm]; rr != nil {
		if sub := rr.topics[topic]; sub != nil {
			return len(sub.subscribers)
		}
	}
	return 0
}

// -----------------------------------------------------------------------------------------------
// Dealer

func (r *Router) InboundCall(s *Session, req CallRequest, reply ReplyFunc) {
	r.mu.Lock()
	reg := r.realm(s.Realm()).procs[req.URI]
	r.mu.Unlock()

	if reg != nil {
		details := map[string]any{}
		if optBool(req.Options, "disclose_me", false) {
			details["caller"] = s.ID()
		}
		if _, err := reg.callee.Invocation(reg.id, details, req.Args, reply); err != nil {
			r.log.Debug().Err(err).Str("uri", req.URI).Uint64("callee", reg.callee.ID()).Msg("invocation failed")
			reply(Args{}, err)
		}
		return
	}

	fn := r.handlers.FindCallable(req.URI)
	if fn == nil {
		reply(Args{}, NewError(URINoSuchProcedure, req.URI))
		return
	}
	go func() {
		defer func() {
			if v := recover(); v != nil {
				err := fmt.Errorf("%v", v)
				CallbackErrorLogger(s, err, "procedure "+req.URI+" panicked")
				reply(Args{}, NewError(URIRuntimeError, err.Error()))
			}
		}()
		reply(fn(s, req.URI, req.Args))
	}()
}

func (r *Router) InboundRegister(s *Session, uri string, opts map[string]any) (uint64, error) {
	if uri == "" {
		return 0, NewError(URIInvalidArgument, "empty procedure uri")
	}
	if inv := optString(opts, "invoke"); inv != "" && inv != "single" {
		return 0, NewError(URIInvalidArgument, "shared registrations are not supported")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realm(s.Realm())
	if _, exists := rr.procs[uri]; exists {
		return 0, NewError(URIProcedureExists, uri)
	}
	reg := &registration{id: r.k.nextScopeID(), uri: uri, callee: s}
	rr.procs[uri] = reg
	rr.regs[reg.id] = reg
	r.log.Debug().Str("uri", uri).Uint64("registration", reg.id).Uint64("callee", s.ID()).Msg("registered")
	return reg.id, nil
}

func (r *Router) InboundUnregister(s *Session, regID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realm(s.Realm())
	reg := rr.regs[regID]
	if reg == nil || reg.callee != s {
		return NewError(URINoSuchRegistration, regID)
	}
	delete(rr.regs, regID)
	delete(rr.procs, reg.uri)
	return nil
}

// -----------------------------------------------------------------------------------------------
// Broker

func (r *Router) InboundSubscribe(s *Session, topic string, opts map[string]any) (uint64, error) {
	if topic == "" {
		return 0, NewError(URIInvalidArgument, "empty topic")
	}
	if match := optString(opts, "match"); match != "" && match != "exact" {
		return 0, NewError(URIInvalidArgument, "only exact topic matching is supported")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realm(s.Realm())
	sub := rr.topics[topic]
	if sub == nil {
		sub = &routerSub{id: r.k.nextScopeID(), topic: topic, subscribers: make(map[*Session]struct{})}
		rr.topics[topic] = sub
		rr.subs[sub.id] = sub
	}
	sub.subscribers[s] = struct{}{}
	return sub.id, nil
}

func (r *Router) InboundUnsubscribe(s *Session, subID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realm(s.Realm())
	sub := rr.subs[subID]
	if sub == nil {
		return NewError(URINoSuchSubscription, subID)
	}
	if _, ok := sub.subscribers[s]; !ok {
		return NewError(URINoSuchSubscription, subID)
	}
	rr.unsubscribe(sub, s)
	return nil
}

// unsubscribe removes s from sub, dropping sub once it has no subscribers.
// Must hold the router lock.
func (rr *routerRealm) unsubscribe(sub *routerSub, s *Session) {
	delete(sub.subscribers, s)
	if len(sub.subscribers) == 0 {
		delete(rr.subs, sub.id)
		delete(rr.topics, sub.topic)
	}
}

func (r *Router) InboundPublish(s *Session, topic string, opts map[string]any, args Args) (uint64, error) {
	if topic == "" {
		return 0, NewError(URIInvalidArgument, "empty topic")
	}
	pubID := r.k.nextScopeID()
	excludeMe := optBool(opts, "exclude_me", true)

	r.mu.Lock()
	var subID uint64
	var targets []*Session
	if sub := r.realm(s.Realm()).topics[topic]; sub != nil {
		subID = sub.id
		for sess := range sub.subscribers {
			if sess == s && excludeMe {
				continue
			}
			targets = append(targets, sess)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(targets, func(a, b *Session) int { return cmp.Compare(a.ID(), b.ID()) })
	details := map[string]any{"topic": topic}
	if optBool(opts, "disclose_me", false) {
		details["publisher"] = s.ID()
	}
	for _, sess := range targets {
		if err := sess.Event(subID, pubID, details, args); err != nil {
			r.log.Debug().Err(err).Uint64("session", sess.ID()).Str("topic", topic).Msg("event not delivered")
		}
	}
	if fn := r.handlers.FindTopicHandler(topic); fn != nil {
		fn(s, topic, args)
	}
	return pubID, nil
}

// -----------------------------------------------------------------------------------------------

// SessionClosed forgets the registrations and subscriptions of s
func (r *Router) SessionClosed(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr := r.realms[s.Realm()]
	if rr == nil {
		return
	}
	for id, reg := range rr.regs {
		if reg.callee == s {
			delete(rr.regs, id)
			delete(rr.procs, reg.uri)
		}
	}
	for _, sub := range rr.subs {
		if _, ok := sub.subscribers[s]; ok {
			rr.unsubscribe(sub, s)
		}
	}
}
