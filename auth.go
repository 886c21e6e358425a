package wampio

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// AuthMode is the admission policy of a realm
type AuthMode int

const (
	AuthOpen AuthMode = iota
	AuthAuthenticate
	AuthForbidden
)

func (m AuthMode) String() string {
	switch m {
	case AuthOpen:
		return "open"
	case AuthAuthenticate:
		return "authenticate"
	case AuthForbidden:
		return "forbidden"
	}
	return fmt.Sprintf("AuthMode(%d)", int(m))
}

// ParseAuthMode parses the mode names used in configuration files
func ParseAuthMode(s string) (AuthMode, error) {
	switch strings.ToLower(s) {
	case "", "open":
		return AuthOpen, nil
	case "authenticate":
		return AuthAuthenticate, nil
	case "forbidden", "closed":
		return AuthForbidden, nil
	}
	return 0, fmt.Errorf("wampio: unknown auth mode %q", s)
}

// AuthPlan is an AuthProvider's decision for a user joining a realm
type AuthPlan struct {
	Mode AuthMode
	// Methods acceptable for AuthAuthenticate, in order of preference
	Methods []string
}

// AuthProvider decides who may join which realm
type AuthProvider interface {
	Policy(user, realm string) AuthPlan
	PermitUserRealm(user, realm string) bool
	UserSecret(user, realm string) (string, error)
}

// CRASaltProvider is implemented by providers whose wampcra secrets are
// salted. Clients derive the signing key with DeriveCRAKey.
type CRASaltProvider interface {
	CRASalt(user, realm string) (CRASalt, bool)
}

// TicketChecker is implemented by providers validating tickets themselves.
// Without it, a ticket must equal UserSecret.
type TicketChecker interface {
	CheckTicket(user, realm, ticket string) error
}

// AuthRoleProvider is implemented by providers assigning roles to users
type AuthRoleProvider interface {
	AuthRole(user, realm string) string
}

// CRASalt holds the PBKDF2 parameters of a salted wampcra secret
type CRASalt struct {
	Salt       string
	Iterations int
	KeyLen     int
}

func (c CRASalt) withDefaults() CRASalt {
	if c.Iterations <= 0 {
		c.Iterations = 1000
	}
	if c.KeyLen <= 0 {
		c.KeyLen = 32
	}
	return c
}

// CRASignature signs a wampcra challenge with key
func CRASignature(key, challenge string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(challenge))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeriveCRAKey derives the signing key of a salted wampcra secret
func DeriveCRAKey(secret string, salt CRASalt) string {
	salt = salt.withDefaults()
	key := pbkdf2.Key([]byte(secret), []byte(salt.Salt), salt.Iterations, salt.KeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(key)
}

// AuthFuncs adapts plain functions to AuthProvider. A nil PolicyFunc admits
// everyone; a nil PermitFunc permits every user known to SecretFunc.
type AuthFuncs struct {
	PolicyFunc func(user, realm string) AuthPlan
	PermitFunc func(user, realm string) bool
	SecretFunc func(user, realm string) (string, error)
}

func (a AuthFuncs) Policy(user, realm string) AuthPlan {
	if a.PolicyFunc == nil {
		return AuthPlan{Mode: AuthOpen}
	}
	return a.PolicyFunc(user, realm)
}

func (a AuthFuncs) PermitUserRealm(user, realm string) bool {
	if a.PermitFunc != nil {
		return a.PermitFunc(user, realm)
	}
	_, err := a.UserSecret(user, realm)
	return err == nil
}

func (a AuthFuncs) UserSecret(user, realm string) (string, error) {
	if a.SecretFunc == nil {
		return "", fmt.Errorf("%w: no secret for %q", ErrAuthFailed, user)
	}
	return a.SecretFunc(user, realm)
}

// -----------------------------------------------------------------------------------------------
// Static configuration

// AuthConfig is the [auth] section of a config file
type AuthConfig struct {
	Realms []RealmAuthConfig `toml:"realms" yaml:"realms"`
	Users  []UserAuthConfig  `toml:"users" yaml:"users"`

	// TicketJWTKey enables tickets that are HMAC signed JWTs whose "sub"
	// claim is the authid
	TicketJWTKey string `toml:"ticket_jwt_key" yaml:"ticket_jwt_key"`
}

type RealmAuthConfig struct {
	Name    string   `toml:"name" yaml:"name"`
	Mode    string   `toml:"mode" yaml:"mode"` // open, authenticate or forbidden
	Methods []string `toml:"methods" yaml:"methods"`
}

type UserAuthConfig struct {
	AuthID     string   `toml:"authid" yaml:"authid"`
	Role       string   `toml:"role" yaml:"role"`
	Secret     string   `toml:"secret" yaml:"secret"`
	Salt       string   `toml:"salt" yaml:"salt"`
	Iterations int      `toml:"iterations" yaml:"iterations"`
	KeyLen     int      `toml:"keylen" yaml:"keylen"`
	TicketHash string   `toml:"ticket_hash" yaml:"ticket_hash"` // bcrypt
	Realms     []string `toml:"realms" yaml:"realms"`           // empty means every realm
}

func (c AuthConfig) validate() error {
	seen := map[string]bool{}
	for _, r := range c.Realms {
		if r.Name == "" {
			return errors.New("wampio: auth realm without name")
		}
		if seen[r.Name] {
			return fmt.Errorf("wampio: auth realm %q listed twice", r.Name)
		}
		seen[r.Name] = true
		if _, err := ParseAuthMode(r.Mode); err != nil {
			return err
		}
		for _, m := range r.Methods {
			if m != AuthMethodCRA && m != AuthMethodTicket {
				return fmt.Errorf("wampio: realm %q: unknown auth method %q", r.Name, m)
			}
		}
	}
	users := map[string]bool{}
	for _, u := range c.Users {
		if u.AuthID == "" {
			return errors.New("wampio: auth user without authid")
		}
		if users[u.AuthID] {
			return fmt.Errorf("wampio: auth user %q listed twice", u.AuthID)
		}
		users[u.AuthID] = true
	}
	return nil
}

// StaticAuth is an AuthProvider backed by an AuthConfig
type StaticAuth struct {
	realms    map[string]AuthPlan
	users     map[string]UserAuthConfig
	ticketKey []byte
}

// NewStaticAuth returns a provider for cfg. Realms missing from cfg are
// forbidden.
func NewStaticAuth(cfg AuthConfig) (*StaticAuth, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	a := &StaticAuth{
		realms: make(map[string]AuthPlan, len(cfg.Realms)),
		users:  make(map[string]UserAuthConfig, len(cfg.Users)),
	}
	if cfg.TicketJWTKey != "" {
		a.ticketKey = []byte(cfg.TicketJWTKey)
	}
	for _, r := range cfg.Realms {
		mode, _ := ParseAuthMode(r.Mode)
		methods := r.Methods
		if len(methods) == 0 {
			methods = []string{AuthMethodCRA, AuthMethodTicket}
		}
		a.realms[r.Name] = AuthPlan{Mode: mode, Methods: methods}
	}
	for _, u := range cfg.Users {
		a.users[u.AuthID] = u
	}
	return a, nil
}

func (a *StaticAuth) Policy(user, realm string) AuthPlan {
	plan, ok := a.realms[realm]
	if !ok {
		return AuthPlan{Mode: AuthForbidden}
	}
	return plan
}

func (a *StaticAuth) PermitUserRealm(user, realm string) bool {
	u, ok := a.users[user]
	if !ok {
		return false
	}
	return len(u.Realms) == 0 || slices.Contains(u.Realms, realm)
}

func (a *StaticAuth) UserSecret(user, realm string) (string, error) {
	u, ok := a.users[user]
	if !ok || u.Secret == "" {
		return "", fmt.Errorf("%w: no secret for %q", ErrAuthFailed, user)
	}
	return u.Secret, nil
}

func (a *StaticAuth) CRASalt(user, realm string) (CRASalt, bool) {
	u, ok := a.users[user]
	if !ok || u.Salt == "" {
		return CRASalt{}, false
	}
	return CRASalt{Salt: u.Salt, Iterations: u.Iterations, KeyLen: u.KeyLen}, true
}

func (a *StaticAuth) AuthRole(user, realm string) string {
	return a.users[user].Role
}

// CheckTicket accepts a ticket matching the user's bcrypt hash, a JWT signed
// with the configured key, or, failing both, the user's plain secret.
func (a *StaticAuth) CheckTicket(user, realm, ticket string) error {
	u, ok := a.users[user]
	if !ok {
		return fmt.Errorf("%w: unknown user %q", ErrAuthFailed, user)
	}
	if u.TicketHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(u.TicketHash), []byte(ticket)); err != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return nil
	}
	if a.ticketKey != nil {
		return checkJWTTicket(a.ticketKey, user, realm, ticket)
	}
	if u.Secret == "" || subtle.ConstantTimeCompare([]byte(u.Secret), []byte(ticket)) != 1 {
		return fmt.Errorf("%w: ticket mismatch", ErrAuthFailed)
	}
	return nil
}

// ticketClaims are the claims of a JWT ticket
type ticketClaims struct {
	Realm string `json:"realm,omitempty"`
	jwt.RegisteredClaims
}

func checkJWTTicket(key []byte, user, realm, ticket string) error {
	var claims ticketClaims
	_, err := jwt.ParseWithClaims(ticket, &claims, func(t *jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}), jwt.WithSubject(user))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	if claims.Realm != "" && claims.Realm != realm {
		return fmt.Errorf("%w: ticket is for realm %q", ErrAuthFailed, claims.Realm)
	}
	return nil
}

// NewTicketJWT issues a ticket for user accepted by a StaticAuth configured
// with the same key. realm may be empty.
func NewTicketJWT(key []byte, user, realm string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = user
	return jwt.NewWithClaims(jwt.SigningMethodHS256, ticketClaims{Realm: realm, RegisteredClaims: claims}).SignedString(key)
}
