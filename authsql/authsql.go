// Package authsql stores WAMP realms and users in PostgreSQL and serves them
// as a wampio.AuthProvider.
//
// Users are keyed by authid and realm. A user row whose realm is "*" applies
// to every realm that has no row of its own.
package authsql

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/wampio/wampio"
)

const (
	// AnyRealm is the realm of users admitted to every realm
	AnyRealm = "*"

	defaultQueryTimeout = 5 * time.Second
)

// psq is the PostgreSQL statement builder with dollar placeholders
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var userColumns = []string{"secret", "salt", "iterations", "keylen", "ticket_hash", "role"}

// ErrUnknownUser is returned for users without a row in the realm
var ErrUnknownUser = errors.New("authsql: unknown user")

// Provider implements wampio.AuthProvider, wampio.CRASaltProvider,
// wampio.TicketChecker and wampio.AuthRoleProvider.
type Provider struct {
	db      *sql.DB
	timeout time.Duration
	log     zerolog.Logger
}

// Config configures a Provider
type Config struct {
	// QueryTimeout bounds each query. Defaults to 5s.
	QueryTimeout time.Duration
	Logger       zerolog.Logger
}

type user struct {
	secret     string
	salt       string
	iterations int
	keyLen     int
	ticketHash string
	role       string
}

// Open connects to the database at dsn using lib/pq and checks that it is
// reachable
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	connector, err := pq.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// New returns a provider reading from db
func New(db *sql.DB, cfg Config) *Provider {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaultQueryTimeout
	}
	return &Provider{
		db:      db,
		timeout: cfg.QueryTimeout,
		log:     cfg.Logger.With().Str("component", "authsql").Logger(),
	}
}

func (p *Provider) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

// Policy reads the realm's mode and methods. Unknown realms, and realms that
// cannot be read, are forbidden.
func (p *Provider) Policy(authID, realm string) wampio.AuthPlan {
	ctx, cancel := p.context()
	defer cancel()

	query, args, err := psq.Select("mode", "methods").
		From("wamp_realms").
		Where(sq.Eq{"name": realm}).
		ToSql()
	if err != nil {
		p.log.Error().Err(err).Msg("building realm query")
		return wampio.AuthPlan{Mode: wampio.AuthForbidden}
	}

	var modeName string
	var methods []string
	err = p.db.QueryRowContext(ctx, query, args...).Scan(&modeName, pq.Array(&methods))
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			p.log.Error().Err(err).Str("realm", realm).Msg("reading realm")
		}
		return wampio.AuthPlan{Mode: wampio.AuthForbidden}
	}
	mode, err := wampio.ParseAuthMode(modeName)
	if err != nil {
		p.log.Warn().Err(err).Str("realm", realm).Msg("bad realm mode")
		return wampio.AuthPlan{Mode: wampio.AuthForbidden}
	}
	if len(methods) == 0 {
		methods = []string{wampio.AuthMethodCRA, wampio.AuthMethodTicket}
	}
	return wampio.AuthPlan{Mode: mode, Methods: methods}
}

// user loads the row of authID for realm, preferring a realm specific row
// over an AnyRealm one
func (p *Provider) user(authID, realm string) (user, error) {
	ctx, cancel := p.context()
	defer cancel()

	query, args, err := psq.Select(userColumns...).
		From("wamp_users").
		Where(sq.Eq{"authid": authID}).
		Where(sq.Eq{"realm": []string{realm, AnyRealm}}).
		OrderBy("realm = '" + AnyRealm + "'").
		Limit(1).
		ToSql()
	if err != nil {
		return user{}, fmt.Errorf("building user query: %w", err)
	}

	var u user
	err = p.db.QueryRowContext(ctx, query, args...).Scan(
		&u.secret, &u.salt, &u.iterations, &u.keyLen, &u.ticketHash, &u.role)
	if errors.Is(err, sql.ErrNoRows) {
		return user{}, ErrUnknownUser
	}
	if err != nil {
		return user{}, fmt.Errorf("reading user: %w", err)
	}
	return u, nil
}

func (p *Provider) PermitUserRealm(authID, realm string) bool {
	_, err := p.user(authID, realm)
	if err != nil && !errors.Is(err, ErrUnknownUser) {
		p.log.Error().Err(err).Str("authid", authID).Msg("reading user")
	}
	return err == nil
}

func (p *Provider) UserSecret(authID, realm string) (string, error) {
	u, err := p.user(authID, realm)
	if err != nil {
		return "", fmt.Errorf("%w: %w", wampio.ErrAuthFailed, err)
	}
	if u.secret == "" {
		return "", fmt.Errorf("%w: no secret for %q", wampio.ErrAuthFailed, authID)
	}
	return u.secret, nil
}

func (p *Provider) CRASalt(authID, realm string) (wampio.CRASalt, bool) {
	u, err := p.user(authID, realm)
	if err != nil || u.salt == "" {
		return wampio.CRASalt{}, false
	}
	return wampio.CRASalt{Salt: u.salt, Iterations: u.iterations, KeyLen: u.keyLen}, true
}

func (p *Provider) AuthRole(authID, realm string) string {
	u, err := p.user(authID, realm)
	if err != nil {
		return ""
	}
	return u.role
}

// CheckTicket compares ticket with the user's bcrypt ticket hash, or with the
// plain secret when no hash is stored
func (p *Provider) CheckTicket(authID, realm, ticket string) error {
	u, err := p.user(authID, realm)
	if err != nil {
		return fmt.Errorf("%w: %w", wampio.ErrAuthFailed, err)
	}
	if u.ticketHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(u.ticketHash), []byte(ticket)); err != nil {
			return fmt.Errorf("%w: %w", wampio.ErrAuthFailed, err)
		}
		return nil
	}
	if u.secret == "" || subtle.ConstantTimeCompare([]byte(u.secret), []byte(ticket)) != 1 {
		return fmt.Errorf("%w: ticket mismatch", wampio.ErrAuthFailed)
	}
	return nil
}

// -----------------------------------------------------------------------------------------------
// Administration

// Realm is a row of wamp_realms
type Realm struct {
	Name    string
	Mode    wampio.AuthMode
	Methods []string
}

// User is a row of wamp_users. Ticket, when set, is stored as a bcrypt hash.
type User struct {
	AuthID string
	Realm  string
	Role   string
	Secret string
	Salt   wampio.CRASalt
	Ticket string
}

// PutRealm inserts or replaces a realm
func (p *Provider) PutRealm(ctx context.Context, r Realm) error {
	if r.Methods == nil {
		r.Methods = []string{}
	}
	query, args, err := psq.Insert("wamp_realms").
		Columns("name", "mode", "methods").
		Values(r.Name, r.Mode.String(), pq.Array(r.Methods)).
		Suffix("ON CONFLICT (name) DO UPDATE SET mode = EXCLUDED.mode, methods = EXCLUDED.methods").
		ToSql()
	if err != nil {
		return fmt.Errorf("building realm insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing realm: %w", err)
	}
	return nil
}

// PutUser inserts or replaces a user. An empty Realm means AnyRealm.
func (p *Provider) PutUser(ctx context.Context, u User) error {
	if u.AuthID == "" {
		return errors.New("authsql: empty authid")
	}
	if u.Realm == "" {
		u.Realm = AnyRealm
	}
	var ticketHash string
	if u.Ticket != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(u.Ticket), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing ticket: %w", err)
		}
		ticketHash = string(h)
	}
	query, args, err := psq.Insert("wamp_users").
		Columns("authid", "realm", "secret", "salt", "iterations", "keylen", "ticket_hash", "role").
		Values(u.AuthID, u.Realm, u.Secret, u.Salt.Salt, u.Salt.Iterations, u.Salt.KeyLen, ticketHash, u.Role).
		Suffix("ON CONFLICT (authid, realm) DO UPDATE SET " +
			"secret = EXCLUDED.secret, salt = EXCLUDED.salt, iterations = EXCLUDED.iterations, " +
			"keylen = EXCLUDED.keylen, ticket_hash = EXCLUDED.ticket_hash, role = EXCLUDED.role").
		ToSql()
	if err != nil {
		return fmt.Errorf("building user insert: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("writing user: %w", err)
	}
	return nil
}

// DeleteUser removes the row of authID in realm
func (p *Provider) DeleteUser(ctx context.Context, authID, realm string) error {
	query, args, err := psq.Delete("wamp_users").
		Where(sq.Eq{"authid": authID, "realm": realm}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building user delete: %w", err)
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUnknownUser
	}
	return nil
}

var (
	_ wampio.AuthProvider     = (*Provider)(nil)
	_ wampio.CRASaltProvider  = (*Provider)(nil)
	_ wampio.TicketChecker    = (*Provider)(nil)
	_ wampio.AuthRoleProvider = (*Provider)(nil)
)
