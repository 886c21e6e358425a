package wampio

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Authentication methods
const (
	AuthMethodCRA    = "wampcra"
	AuthMethodTicket = "ticket"
)

const authProviderName = "wampio"

// ClientCredentials identify an active session to the router
type ClientCredentials struct {
	Realm       string
	AuthID      string
	AuthMethods []string

	// Secret produces the secret answering a CHALLENGE. It is called on the
	// processing context, once per challenge.
	Secret func() string
}

// pendingChallenge is what a passive session remembers between CHALLENGE and
// AUTHENTICATE
type pendingChallenge struct {
	method    string
	authID    string
	authRole  string
	challenge string
	salt      CRASalt
	salted    bool
}

// InitiateHandshake starts the framer handshake of an active session and
// then sends HELLO for c.Realm. The outcome is reported to the session's
// state callback.
func (s *Session) InitiateHandshake(c ClientCredentials) error {
	if s.mode != Active {
		return fmt.Errorf("%w: passive sessions wait for HELLO", ErrProtocolViolation)
	}
	if c.Realm == "" {
		return errors.New("wampio: realm must not be empty")
	}
	if st := s.State(); st != StateInit {
		return fmt.Errorf("%w: handshake already started (state %s)", ErrProtocolViolation, st)
	}
	if err := s.setRealm(c.Realm); err != nil {
		return err
	}
	s.creds = c
	s.hsStarted.Store(true)
	s.proto.Initiate(func(err error) {
		if err != nil {
			s.fail(err)
			return
		}
		s.k.loop.Dispatch(s.sendHello)
	})
	return nil
}

func (s *Session) sendHello() {
	details := map[string]any{
		"roles": map[string]any{
			"caller":     map[string]any{},
			"callee":     map[string]any{},
			"publisher":  map[string]any{},
			"subscriber": map[string]any{},
		},
	}
	if s.creds.AuthID != "" {
		details["authid"] = s.creds.AuthID
	}
	if len(s.creds.AuthMethods) > 0 {
		methods := make([]any, len(s.creds.AuthMethods))
		for i, m := range s.creds.AuthMethods {
			methods[i] = m
		}
		details["authmethods"] = methods
	}
	if err := s.changeState(StateInit, StateSentHello); err != nil {
		s.fail(err)
		return
	}
	if err := s.send(Message{MsgHello, s.Realm(), details}); err != nil {
		s.fail(err)
	}
}

// handleChallenge answers a CHALLENGE received by an active session
func (s *Session) handleChallenge(m Message) error {
	if err := s.changeState(StateSentHello, StateRecvChallenge); err != nil {
		return err
	}
	method, err := m.stringAt(1)
	if err != nil {
		return err
	}
	extra, err := m.dictAt(2)
	if err != nil {
		return err
	}
	if s.creds.Secret == nil {
		s.abort(URIAuthenticationFailed, fmt.Errorf("%w: no secret for %s challenge", ErrAuthFailed, method))
		return nil
	}

	var signature string
	switch method {
	case AuthMethodCRA:
		challenge := optString(extra, "challenge")
		if challenge == "" {
			return fmt.Errorf("%w: wampcra challenge without challenge string", ErrProtocolViolation)
		}
		key := s.creds.Secret()
		if salt := optString(extra, "salt"); salt != "" {
			cs := CRASalt{Salt: salt}
			if n, ok := toUint64(extra["iterations"]); ok {
				cs.Iterations = int(n)
			}
			if n, ok := toUint64(extra["keylen"]); ok {
				cs.KeyLen = int(n)
			}
			key = DeriveCRAKey(key, cs)
		}
		signature = CRASignature(key, challenge)
	case AuthMethodTicket:
		signature = s.creds.Secret()
	default:
		s.abort(URINoAuthMethod, fmt.Errorf("%w: unsupported method %q", ErrAuthFailed, method))
		return nil
	}

	if err := s.send(Message{MsgAuthenticate, signature, map[string]any{}}); err != nil {
		return err
	}
	return s.changeState(StateRecvChallenge, StateSentAuth)
}

// handleWelcome opens an active session
func (s *Session) handleWelcome(m Message) error {
	if st := s.State(); st != StateSentHello && st != StateSentAuth {
		return fmt.Errorf("%w: WELCOME in state %s", ErrProtocolViolation, st)
	}
	id, err := m.uint64At(1)
	if err != nil {
		return err
	}
	details, err := m.dictAt(2)
	if err != nil {
		return err
	}
	authID := optString(details, "authid")
	if authID == "" {
		authID = s.creds.AuthID
	}
	s.setIdentity(authID, optString(details, "authrole"), optString(details, "authmethod"))
	s.realmMu.Lock()
	s.peerID = id
	s.realmMu.Unlock()
	s.open()
	return nil
}

// handleAbort ends a session whose peer gave up on it
func (s *Session) handleAbort(m Message) error {
	details, err := m.dictAt(1)
	if err != nil {
		details = map[string]any{}
	}
	reason, _ := m.stringAt(2)
	s.log.Info().Str("reason", reason).Msg("peer aborted session")
	s.fail(&AbortError{Reason: reason, Details: details})
	return nil
}

// handleHello starts the passive handshake
func (s *Session) handleHello(m Message) error {
	if err := s.changeState(StateInit, StateRecvHello); err != nil {
		return err
	}
	s.hsStarted.Store(true)
	realm, err := m.stringAt(1)
	if err != nil {
		return err
	}
	if realm == "" {
		return fmt.Errorf("%w: HELLO with empty realm", ErrProtocolViolation)
	}
	details, err := m.dictAt(2)
	if err != nil {
		return err
	}
	if err := s.setRealm(realm); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	authID := optString(details, "authid")
	s.log.Debug().Str("realm", realm).Str("authid", authID).Msg("HELLO")

	if s.auth == nil {
		return s.welcome(authID, "anonymous", "anonymous")
	}
	plan := s.auth.Policy(authID, realm)
	switch plan.Mode {
	case AuthOpen:
		return s.welcome(authID, "anonymous", "anonymous")
	case AuthAuthenticate:
		// handled below
	default:
		s.abort(URINotAuthorized, fmt.Errorf("%w: realm %q is closed to %q", ErrAuthFailed, realm, authID))
		return nil
	}

	method := chooseAuthMethod(plan.Methods, stringList(details["authmethods"]))
	if method == "" {
		s.abort(URINoAuthMethod, fmt.Errorf("%w: no common method in %v", ErrAuthFailed, plan.Methods))
		return nil
	}
	if authID == "" || !s.auth.PermitUserRealm(authID, realm) {
		s.abort(URINotAuthorized, fmt.Errorf("%w: %q may not join %q", ErrAuthFailed, authID, realm))
		return nil
	}
	return s.sendChallenge(method, authID, realm)
}

func (s *Session) sendChallenge(method, authID, realm string) error {
	hs := pendingChallenge{method: method, authID: authID, authRole: "user"}
	if rp, ok := s.auth.(AuthRoleProvider); ok {
		if role := rp.AuthRole(authID, realm); role != "" {
			hs.authRole = role
		}
	}
	extra := map[string]any{}
	if method == AuthMethodCRA {
		challenge, err := json.Marshal(map[string]any{
			"authid":       authID,
			"authrole":     hs.authRole,
			"authmethod":   method,
			"authprovider": authProviderName,
			"nonce":        uuid.NewString(),
			"timestamp":    time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			"session":      s.id,
		})
		if err != nil {
			return err
		}
		hs.challenge = string(challenge)
		extra["challenge"] = hs.challenge
		if sp, ok := s.auth.(CRASaltProvider); ok {
			if salt, ok := sp.CRASalt(authID, realm); ok {
				salt = salt.withDefaults()
				hs.salt, hs.salted = salt, true
				extra["salt"] = salt.Salt
				extra["iterations"] = salt.Iterations
				extra["keylen"] = salt.KeyLen
			}
		}
	}
	s.hs = hs
	if err := s.send(Message{MsgChallenge, method, extra}); err != nil {
		return err
	}
	return s.changeState(StateRecvHello, StateSentChallenge)
}

// handleAuthenticate checks the answer to our CHALLENGE
func (s *Session) handleAuthenticate(m Message) error {
	if err := s.changeState(StateSentChallenge, StateRecvAuth); err != nil {
		return err
	}
	signature, err := m.stringAt(1)
	if err != nil {
		return err
	}
	if err := s.verify(signature); err != nil {
		s.log.Info().Err(err).Str("authid", s.hs.authID).Str("method", s.hs.method).Msg("authentication failed")
		s.abort(URIAuthenticationFailed, ErrAuthFailed)
		return nil
	}
	return s.welcome(s.hs.authID, s.hs.authRole, s.hs.method)
}

func (s *Session) verify(signature string) error {
	realm := s.Realm()
	switch s.hs.method {
	case AuthMethodCRA:
		secret, err := s.auth.UserSecret(s.hs.authID, realm)
		if err != nil {
			return err
		}
		key := secret
		if s.hs.salted {
			key = DeriveCRAKey(secret, s.hs.salt)
		}
		expected := CRASignature(key, s.hs.challenge)
		if !hmac.Equal([]byte(expected), []byte(signature)) {
			return fmt.Errorf("%w: signature mismatch", ErrAuthFailed)
		}
		return nil
	case AuthMethodTicket:
		if tc, ok := s.auth.(TicketChecker); ok {
			return tc.CheckTicket(s.hs.authID, realm, signature)
		}
		secret, err := s.auth.UserSecret(s.hs.authID, realm)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(signature)) != 1 {
			return fmt.Errorf("%w: ticket mismatch", ErrAuthFailed)
		}
		return nil
	}
	return fmt.Errorf("%w: method %q", ErrAuthFailed, s.hs.method)
}

// welcome opens a passive session
func (s *Session) welcome(authID, authRole, authMethod string) error {
	details := map[string]any{
		"authid":       authID,
		"authrole":     authRole,
		"authmethod":   authMethod,
		"authprovider": authProviderName,
		"roles": map[string]any{
			"broker": map[string]any{},
			"dealer": map[string]any{},
		},
	}
	s.setIdentity(authID, authRole, authMethod)
	if err := s.send(Message{MsgWelcome, s.id, details}); err != nil {
		return err
	}
	s.open()
	return nil
}

func (s *Session) open() {
	s.stateMu.Lock()
	if s.state >= StateOpen {
		s.stateMu.Unlock()
		return
	}
	s.state = StateOpen
	s.stateMu.Unlock()
	s.opened.Store(true)

	s.timerMu.Lock()
	if s.hsTimer != nil {
		s.hsTimer.Stop()
	}
	s.timerMu.Unlock()

	s.k.metrics.recordSessionOpen(time.Since(s.created))
	s.log.Info().Str("realm", s.Realm()).Str("authid", s.AuthID()).Msg("session open")
	s.scheduleHeartbeat()
	if s.stateFn != nil {
		s.userCallback("state", func() { s.stateFn(s, true, nil) })
	}
}

// chooseAuthMethod returns the first method of offered the client supports.
// A client that names no methods is assumed to support all of them.
func chooseAuthMethod(offered, client []string) string {
	for _, m := range offered {
		if m != AuthMethodCRA && m != AuthMethodTicket {
			continue
		}
		if len(client) == 0 || slices.Contains(client, m) {
			return m
		}
	}
	return ""
}

func stringList(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
