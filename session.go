package wampio

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the position of a session in its lifecycle. States only
// move forward, toward StateClosed.
type SessionState int

const (
	StateInit SessionState = iota

	// passive (router side) handshake
	StateRecvHello
	StateSentChallenge
	StateRecvAuth

	// active (client side) handshake
	StateSentHello
	StateRecvChallenge
	StateSentAuth

	StateOpen
	StateClosing
	StateClosed
)

var sessionStateNames = [...]string{
	"init", "recv_hello", "sent_challenge", "recv_auth",
	"sent_hello", "recv_challenge", "sent_auth",
	"open", "closing", "closed",
}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// ServerHandler performs the inbound requests of passive sessions: the
// routing table behind a router.
type ServerHandler interface {
	InboundCall(s *Session, req CallRequest, reply ReplyFunc)
	InboundPublish(s *Session, uri string, opts map[string]any, args Args) (uint64, error)
	InboundSubscribe(s *Session, uri string, opts map[string]any) (uint64, error)
	InboundRegister(s *Session, uri string, opts map[string]any) (uint64, error)
}

// ServerUnsubscriber is implemented by server handlers supporting UNSUBSCRIBE
type ServerUnsubscriber interface {
	InboundUnsubscribe(s *Session, subscriptionID uint64) error
}

// ServerUnregisterer is implemented by server handlers supporting UNREGISTER
type ServerUnregisterer interface {
	InboundUnregister(s *Session, registrationID uint64) error
}

// SessionOptions configures NewSession. All fields are optional.
type SessionOptions struct {
	OnStateChange StateFunc

	// Server handles inbound requests of a passive session
	Server ServerHandler

	// Auth decides realm admission of a passive session. Nil admits everyone.
	Auth AuthProvider

	// Heartbeat defaults to the kernel's HeartbeatInterval
	Heartbeat time.Duration

	// Limits defaults to the kernel's CallLimit and InvocationLimit
	Limits Limits
}

// Session is one WAMP peer session over a framed connection.
//
// Bytes are decoded on the connection's read goroutine; every decoded
// message is then processed on the kernel's processing context, where all
// state transitions, correlation matches and user callbacks happen.
type Session struct {
	// Associate some application-specific data with this session
	UserData any

	k       *Kernel
	id      uint64
	mode    ConnectionMode
	log     zerolog.Logger
	handle  *IOHandle
	proto   Framer
	created time.Time

	stateFn StateFunc
	server  ServerHandler
	auth    AuthProvider
	limits  Limits

	hbInterval time.Duration
	hbSeq      uint64 // processing context only
	lastRecv   atomic.Int64

	stateMu  sync.Mutex
	state    SessionState
	closeErr error // first failure, reported to stateFn
	notified bool  // stateFn told about the close

	reqMu     sync.Mutex
	nextReqID uint64

	realmMu    sync.RWMutex
	realm      string
	authID     string
	authRole   string
	authMethod string
	peerID     uint64 // session id assigned by the router, active sessions only

	// handshake data, processing context only
	creds       ClientCredentials
	hsStarted   atomic.Bool // a HELLO was sent or received
	opened      atomic.Bool // StateOpen was reached
	hs          pendingChallenge
	goodbyeSent bool

	timerMu sync.Mutex
	hsTimer *time.Timer
	hbTimer *time.Timer

	pendingMu          sync.Mutex
	sealed             bool // set by close; no further entries are accepted
	pendingSubscribe   map[uint64]*subscription
	pendingRegister    map[uint64]*procedure
	pendingCall        map[uint64]*pendingCall
	pendingInvocation  map[uint64]*pendingInvocation
	pendingUnsubscribe map[uint64]pendingRelease
	pendingUnregister  map[uint64]pendingRelease
	subscriptions      map[uint64]*topicSubscription
	procedures         map[uint64]*procedure
	inboundInvocations map[uint64]struct{}

	closed chan struct{}
}

// NewSession builds the framer of h with build and starts a session over it.
// Active sessions begin their handshake with InitiateHandshake; passive
// sessions wait for the peer's HELLO.
func NewSession(k *Kernel, h *IOHandle, build FramerBuilder, mode ConnectionMode, opts SessionOptions) (*Session, error) {
	id := k.nextSessionID()
	s := &Session{
		k:          k,
		id:         id,
		mode:       mode,
		log:        k.log.With().Uint64("session", id).Str("mode", mode.String()).Logger(),
		handle:     h,
		created:    time.Now(),
		stateFn:    opts.OnStateChange,
		server:     opts.Server,
		auth:       opts.Auth,
		limits:     opts.Limits,
		hbInterval: opts.Heartbeat,
		closed:     make(chan struct{}),
	}
	if s.hbInterval == 0 {
		s.hbInterval = k.cfg.HeartbeatInterval
	}
	if s.limits == nil {
		s.limits = NewLimits(k.cfg.CallLimit, k.cfg.InvocationLimit)
	}
	s.lastRecv.Store(time.Now().UnixNano())

	proto, err := build(h, s.onMessage)
	if err != nil {
		return nil, err
	}
	s.proto = proto
	k.metrics.recordSessionCreated()

	s.timerMu.Lock()
	s.hsTimer = k.loop.DispatchAfter(k.cfg.HandshakeTimeout, s.handshakeTimeout)
	s.timerMu.Unlock()

	h.StartRead(s)
	s.log.Debug().Str("protocol", proto.Name()).Str("remote", h.RemoteAddr()).Msg("session created")
	return s, nil
}

func (s *Session) ID() uint64                       { return s.id }
func (s *Session) Mode() ConnectionMode             { return s.mode }
func (s *Session) Kernel() *Kernel                  { return s.k }
func (s *Session) Created() time.Time               { return s.created }
func (s *Session) RemoteAddr() string               { return s.handle.RemoteAddr() }
func (s *Session) Logger() zerolog.Logger           { return s.log }
func (s *Session) FramerName() string               { return s.proto.Name() }
func (s *Session) Done() <-chan struct{}            { return s.closed }
func (s *Session) HeartbeatInterval() time.Duration { return s.hbInterval }

func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) IsOpen() bool   { return s.State() == StateOpen }
func (s *Session) IsClosed() bool { return s.State() == StateClosed }

// IsPendingOpen reports whether the handshake is still in progress
func (s *Session) IsPendingOpen() bool { return s.State() < StateOpen }

// Realm is empty until known: given to InitiateHandshake on active
// sessions, taken from the peer's HELLO on passive ones.
func (s *Session) Realm() string {
	s.realmMu.RLock()
	defer s.realmMu.RUnlock()
	return s.realm
}

func (s *Session) AuthID() string {
	s.realmMu.RLock()
	defer s.realmMu.RUnlock()
	return s.authID
}

func (s *Session) AuthRole() string {
	s.realmMu.RLock()
	defer s.realmMu.RUnlock()
	return s.authRole
}

// AuthMethod is the method the session authenticated with, or "anonymous"
func (s *Session) AuthMethod() string {
	s.realmMu.RLock()
	defer s.realmMu.RUnlock()
	return s.authMethod
}

// PeerSessionID is the id the router gave this session in its WELCOME
func (s *Session) PeerSessionID() uint64 {
	s.realmMu.RLock()
	defer s.realmMu.RUnlock()
	return s.peerID
}

func (s *Session) setRealm(realm string) error {
	s.realmMu.Lock()
	defer s.realmMu.Unlock()
	if s.realm != "" {
		return ErrRealmAlreadySet
	}
	s.realm = realm
	return nil
}

func (s *Session) setIdentity(authID, authRole, authMethod string) {
	s.realmMu.Lock()
	defer s.realmMu.Unlock()
	s.authID, s.authRole, s.authMethod = authID, authRole, authMethod
}

// changeState moves from expected to next, failing if the session is in any
// other state
func (s *Session) changeState(expected, next SessionState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != expected {
		return fmt.Errorf("%w: in state %s, expected %s", ErrProtocolViolation, s.state, expected)
	}
	s.state = next
	return nil
}

func (s *Session) nextRequestID() uint64 {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.nextReqID++
	return s.nextReqID
}

// -----------------------------------------------------------------------------------------------
// I/O

// IORead passes bytes from the connection to the framer
func (s *Session) IORead(b []byte) {
	if err := s.proto.IORead(b); err != nil {
		ErrorLogger(s, err, "read failed")
		s.fail(err)
	}
}

// onMessage runs on the read goroutine and queues m for processing
func (s *Session) onMessage(m Message) {
	s.lastRecv.Store(time.Now().UnixNano())
	if !s.k.loop.Dispatch(func() { s.process(m) }) {
		s.fail(fmt.Errorf("%w: processing context stopped", ErrSessionClosed))
	}
}

func (s *Session) send(m Message) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	if err := s.proto.SendMessage(m); err != nil {
		if !errors.Is(err, ErrSessionClosed) {
			ErrorLogger(s, err, "write failed")
		}
		return err
	}
	if t, err := m.Type(); err == nil {
		s.k.metrics.recordMessage("out", t)
	}
	return nil
}

// userCallback runs fn unless the session is closed. A panicking callback is
// logged and otherwise ignored.
func (s *Session) userCallback(what string, fn func()) {
	if s.IsClosed() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			CallbackErrorLogger(s, fmt.Errorf("%v", r), what+" callback panicked")
		}
	}()
	fn()
}

// -----------------------------------------------------------------------------------------------
// Close

// Close ends the session. It may be called any number of times from any
// goroutine; every call returns the same channel, closed once the session has
// reached StateClosed and will run no further callbacks. Outstanding calls,
// subscribes and registers fail with ErrSessionClosed.
func (s *Session) Close() <-chan struct{} {
	s.stateMu.Lock()
	if s.state >= StateClosing {
		s.stateMu.Unlock()
		return s.closed
	}
	s.state = StateClosing
	s.stateMu.Unlock()
	s.stopTimers()
	s.handle.RequestClose()
	return s.closed
}

// Goodbye sends GOODBYE with reason and closes the session once the peer
// answers, or after the handshake timeout.
func (s *Session) Goodbye(reason string) <-chan struct{} {
	if reason == "" {
		reason = URICloseRealm
	}
	s.k.loop.Dispatch(func() {
		if !s.IsOpen() || s.goodbyeSent {
			return
		}
		s.goodbyeSent = true
		if err := s.send(Message{MsgGoodbye, map[string]any{}, reason}); err != nil {
			s.Close()
			return
		}
		s.k.loop.DispatchAfter(s.k.cfg.HandshakeTimeout, func() { s.Close() })
	})
	return s.closed
}

// fail records err as the reason the session ends and closes it
func (s *Session) fail(err error) {
	s.stateMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.stateMu.Unlock()
	if !errors.Is(err, ErrSessionClosed) {
		s.log.Warn().Err(err).Msg("closing session")
	}
	s.Close()
}

// abort sends ABORT with reason to the peer, then closes the session
func (s *Session) abort(reason string, err error) {
	details := map[string]any{}
	if err != nil {
		details["message"] = err.Error()
	}
	if st := s.State(); st < StateClosing {
		if serr := s.send(Message{MsgAbort, details, reason}); serr != nil {
			s.log.Debug().Err(serr).Msg("failed to send ABORT")
		}
	}
	s.fail(&AbortError{Reason: reason, Details: details})
}

// IOClosed runs on the read goroutine once the connection has ended. The
// teardown is queued behind the messages already read, so a final ABORT or
// GOODBYE is still processed.
func (s *Session) IOClosed() {
	finish := func() {
		s.stateMu.Lock()
		if s.state < StateClosing {
			s.state = StateClosing
		}
		s.stateMu.Unlock()
		s.finalize()
	}
	if !s.k.loop.Dispatch(finish) {
		go finish()
	}
}

func (s *Session) finalize() {
	<-s.handle.RequestClose()
	s.proto.Close()
	s.stopTimers()
	s.drainPending()

	wasOpen := s.opened.Load()
	s.stateMu.Lock()
	notify := !s.notified && (wasOpen || s.hsStarted.Load())
	s.notified = true
	err := s.closeErr
	s.stateMu.Unlock()

	if notify && s.stateFn != nil {
		s.userCallback("state", func() { s.stateFn(s, false, err) })
	}

	s.stateMu.Lock()
	s.state = StateClosed
	s.stateMu.Unlock()
	s.k.metrics.recordSessionClosed(s.mode, wasOpen)
	s.log.Debug().Bool("was_open", wasOpen).Msg("session closed")
	close(s.closed)
}

func (s *Session) stopTimers() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.hsTimer != nil {
		s.hsTimer.Stop()
	}
	if s.hbTimer != nil {
		s.hbTimer.Stop()
	}
}

// drainPending fails every outstanding request and forgets every resource
func (s *Session) drainPending() {
	s.pendingMu.Lock()
	s.sealed = true
	calls, subs, regs := s.pendingCall, s.pendingSubscribe, s.pendingRegister
	invs, unsubs, unregs := s.pendingInvocation, s.pendingUnsubscribe, s.pendingUnregister
	s.pendingCall, s.pendingSubscribe, s.pendingRegister = nil, nil, nil
	s.pendingInvocation, s.pendingUnsubscribe, s.pendingUnregister = nil, nil, nil
	s.subscriptions, s.procedures, s.inboundInvocations = nil, nil, nil
	s.pendingMu.Unlock()

	closedErr := fmt.Errorf("%w: request abandoned", ErrSessionClosed)
	for _, id := range sortedKeys(calls) {
		c := calls[id]
		s.userCallback("call", func() {
			c.cb(CallResult{RequestID: id, URI: c.uri, Err: closedErr})
		})
	}
	for _, id := range sortedKeys(subs) {
		sub := subs[id]
		s.userCallback("subscription", func() {
			sub.cb(SubscriptionEvent{Kind: SubscribeFailed, URI: sub.uri, Err: closedErr})
		})
	}
	for _, id := range sortedKeys(regs) {
		p := regs[id]
		s.userCallback("procedure", func() {
			p.cb(ProcedureEvent{Kind: RegisterFailed, URI: p.uri, Err: closedErr})
		})
	}
	for _, id := range sortedKeys(invs) {
		inv := invs[id]
		s.limits.decInvocation()
		s.userCallback("invocation reply", func() { inv.reply(Args{}, closedErr) })
	}
	for _, id := range sortedKeys(unsubs) {
		if cb := unsubs[id].cb; cb != nil {
			s.userCallback("unsubscribe", func() { cb(closedErr) })
		}
	}
	for _, id := range sortedKeys(unregs) {
		if cb := unregs[id].cb; cb != nil {
			s.userCallback("unregister", func() { cb(closedErr) })
		}
	}
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	return slices.SortedFunc(maps.Keys(m), cmp.Compare[uint64])
}

// insertPending records v under id unless the session has been closed
func insertPending[V any](s *Session, table *map[uint64]V, id uint64, v V) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.sealed {
		return false
	}
	if *table == nil {
		*table = make(map[uint64]V)
	}
	(*table)[id] = v
	return true
}

// takePending removes and returns the entry for id
func takePending[V any](s *Session, table *map[uint64]V, id uint64) (V, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	v, ok := (*table)[id]
	if ok {
		delete(*table, id)
	}
	return v, ok
}

// lookup returns the entry for id without removing it
func lookup[V any](s *Session, table *map[uint64]V, id uint64) (V, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	v, ok := (*table)[id]
	return v, ok
}

// addSubscriber attaches sub to the record of subscription subID
func (s *Session) addSubscriber(subID uint64, sub *subscription) bool {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if s.sealed {
		return false
	}
	if s.subscriptions == nil {
		s.subscriptions = make(map[uint64]*topicSubscription)
	}
	ts := s.subscriptions[subID]
	if ts == nil {
		ts = &topicSubscription{uri: sub.uri}
		s.subscriptions[subID] = ts
	}
	ts.subs = append(ts.subs, sub)
	return true
}

// dropSubscriber detaches the most recent local subscriber of subID and
// returns how many remain. The record stays until forgetSubscription.
func (s *Session) dropSubscriber(subID uint64) (remaining int, ok bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	ts := s.subscriptions[subID]
	if ts == nil || len(ts.subs) == 0 {
		return 0, false
	}
	ts.subs[len(ts.subs)-1] = nil
	ts.subs = ts.subs[:len(ts.subs)-1]
	return len(ts.subs), true
}

// forgetSubscription removes the record of subID unless a subscriber joined
// it again while the UNSUBSCRIBE was in flight
func (s *Session) forgetSubscription(subID uint64) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if ts := s.subscriptions[subID]; ts != nil && len(ts.subs) == 0 {
		delete(s.subscriptions, subID)
	}
}

// subscribers returns the local subscribers of subID
func (s *Session) subscribers(subID uint64) []*subscription {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if ts := s.subscriptions[subID]; ts != nil {
		return slices.Clone(ts.subs)
	}
	return nil
}

// PendingCount is the number of outstanding correlated requests
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pendingCall) + len(s.pendingSubscribe) + len(s.pendingRegister) +
		len(s.pendingInvocation) + len(s.pendingUnsubscribe) + len(s.pendingUnregister)
}

// -----------------------------------------------------------------------------------------------
// Timers

func (s *Session) handshakeTimeout() {
	if s.IsPendingOpen() {
		s.abort(URIHandshakeTimeout, fmt.Errorf("%w: not open after %s", ErrHandshake, s.k.cfg.HandshakeTimeout))
	}
}

func (s *Session) scheduleHeartbeat() {
	if s.hbInterval <= 0 {
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.hbTimer = s.k.loop.DispatchAfter(s.hbInterval, s.heartbeat)
}

// heartbeat runs on the processing context every hbInterval while open
func (s *Session) heartbeat() {
	if !s.IsOpen() {
		return
	}
	silence := time.Since(time.Unix(0, s.lastRecv.Load()))
	if silence > 3*s.hbInterval {
		s.fail(fmt.Errorf("%w: peer silent for %s", ErrSessionClosed, silence.Round(time.Millisecond)))
		return
	}
	s.hbSeq++
	if err := s.send(Message{MsgHeartbeat, uint64(0), s.hbSeq}); err != nil {
		s.fail(err)
		return
	}
	s.scheduleHeartbeat()
}
