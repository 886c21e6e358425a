package wampio

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRASignature(t *testing.T) {
	assert.Equal(t, "KgM1S8zsWzheLNlOasKUM1Th08uiNvI6lDclS/FM5fk=", CRASignature("secret", `{"nonce":"abc"}`))
}

func TestDeriveCRAKey(t *testing.T) {
	assert.Equal(t, "EX1Y3Q9BMM2oGLxsGqDgFQ==", DeriveCRAKey("secret", CRASalt{Salt: "salt123", Iterations: 100, KeyLen: 16}))
	// 1000 iterations and 32 bytes by default
	assert.Equal(t, "MDS8Yxpu4J/vkHJ8dNEgqECYsI0uRDh2oZ5eN0vYPvo=", DeriveCRAKey("secret", CRASalt{Salt: "salt123"}))
}

func TestParseAuthMode(t *testing.T) {
	for in, want := range map[string]AuthMode{
		"":             AuthOpen,
		"open":         AuthOpen,
		"Authenticate": AuthAuthenticate,
		"forbidden":    AuthForbidden,
		"closed":       AuthForbidden,
	} {
		got, err := ParseAuthMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAuthMode("sometimes")
	assert.Error(t, err)
	assert.Equal(t, "authenticate", AuthAuthenticate.String())
}

func TestAuthFuncs(t *testing.T) {
	var open AuthFuncs
	assert.Equal(t, AuthOpen, open.Policy("bob", "realm1").Mode)
	assert.False(t, open.PermitUserRealm("bob", "realm1"))
	_, err := open.UserSecret("bob", "realm1")
	assert.ErrorIs(t, err, ErrAuthFailed)

	a := craAuth("s3cret")
	assert.True(t, a.PermitUserRealm("bob", "realm1"))
	assert.False(t, a.PermitUserRealm("eve", "realm1"))

	a.PermitFunc = func(user, realm string) bool { return realm == "realm2" }
	assert.False(t, a.PermitUserRealm("bob", "realm1"))
	assert.True(t, a.PermitUserRealm("eve", "realm2"))
}

func TestAuthConfigValidate(t *testing.T) {
	for name, cfg := range map[string]AuthConfig{
		"realm without name": {Realms: []RealmAuthConfig{{Mode: "open"}}},
		"duplicate realm":    {Realms: []RealmAuthConfig{{Name: "a"}, {Name: "a"}}},
		"bad mode":           {Realms: []RealmAuthConfig{{Name: "a", Mode: "sometimes"}}},
		"bad method":         {Realms: []RealmAuthConfig{{Name: "a", Methods: []string{"cryptosign"}}}},
		"user without id":    {Users: []UserAuthConfig{{Secret: "x"}}},
		"duplicate user":     {Users: []UserAuthConfig{{AuthID: "bob"}, {AuthID: "bob"}}},
	} {
		_, err := NewStaticAuth(cfg)
		assert.Error(t, err, name)
	}
}

func TestStaticAuth(t *testing.T) {
	a, err := NewStaticAuth(AuthConfig{
		Realms: []RealmAuthConfig{
			{Name: "realm1", Mode: "authenticate", Methods: []string{AuthMethodTicket}},
			{Name: "public"},
		},
		Users: []UserAuthConfig{
			{AuthID: "bob", Secret: "s3cret", Role: "admin"},
			{AuthID: "carol", Secret: "pw", Salt: "salty", Realms: []string{"public"}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, AuthPlan{Mode: AuthAuthenticate, Methods: []string{AuthMethodTicket}}, a.Policy("bob", "realm1"))
	assert.Equal(t, AuthPlan{Mode: AuthOpen, Methods: []string{AuthMethodCRA, AuthMethodTicket}}, a.Policy("bob", "public"))
	assert.Equal(t, AuthForbidden, a.Policy("bob", "elsewhere").Mode)

	assert.True(t, a.PermitUserRealm("bob", "anything"))
	assert.True(t, a.PermitUserRealm("carol", "public"))
	assert.False(t, a.PermitUserRealm("carol", "realm1"))
	assert.False(t, a.PermitUserRealm("eve", "public"))

	secret, err := a.UserSecret("bob", "realm1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)
	_, err = a.UserSecret("eve", "realm1")
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, ok := a.CRASalt("bob", "realm1")
	assert.False(t, ok)
	salt, ok := a.CRASalt("carol", "public")
	require.True(t, ok)
	assert.Equal(t, "salty", salt.Salt)

	assert.Equal(t, "admin", a.AuthRole("bob", "realm1"))
	assert.Empty(t, a.AuthRole("carol", "public"))

	assert.NoError(t, a.CheckTicket("bob", "realm1", "s3cret"))
	assert.ErrorIs(t, a.CheckTicket("bob", "realm1", "guess"), ErrAuthFailed)
	assert.ErrorIs(t, a.CheckTicket("eve", "realm1", "s3cret"), ErrAuthFailed)
}

func TestJWTTicket(t *testing.T) {
	key := []byte("ticket-signing-key")
	a, err := NewStaticAuth(AuthConfig{
		Realms:       []RealmAuthConfig{{Name: "realm1", Mode: "authenticate"}},
		Users:        []UserAuthConfig{{AuthID: "bob"}},
		TicketJWTKey: string(key),
	})
	require.NoError(t, err)

	valid, err := NewTicketJWT(key, "bob", "realm1", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	assert.NoError(t, a.CheckTicket("bob", "realm1", valid))

	anyRealm, err := NewTicketJWT(key, "bob", "", jwt.RegisteredClaims{})
	require.NoError(t, err)
	assert.NoError(t, a.CheckTicket("bob", "realm2", anyRealm))

	for name, ticket := range map[string]func() (string, error){
		"other realm": func() (string, error) {
			return NewTicketJWT(key, "bob", "realm2", jwt.RegisteredClaims{})
		},
		"other subject": func() (string, error) {
			return NewTicketJWT(key, "carol", "realm1", jwt.RegisteredClaims{})
		},
		"expired": func() (string, error) {
			return NewTicketJWT(key, "bob", "realm1", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
		},
		"wrong key": func() (string, error) {
			return NewTicketJWT([]byte("another-key"), "bob", "realm1", jwt.RegisteredClaims{})
		},
		"not a jwt": func() (string, error) { return "letmein", nil },
	} {
		tok, err := ticket()
		require.NoError(t, err, name)
		assert.ErrorIs(t, a.CheckTicket("bob", "realm1", tok), ErrAuthFailed, name)
	}
}

func TestSessionJWTTicket(t *testing.T) {
	key := []byte("ticket-signing-key")
	auth, err := NewStaticAuth(AuthConfig{
		Realms:       []RealmAuthConfig{{Name: "realm1", Mode: "authenticate", Methods: []string{AuthMethodTicket}}},
		Users:        []UserAuthConfig{{AuthID: "bob", Role: "reader"}},
		TicketJWTKey: string(key),
	})
	require.NoError(t, err)
	ticket, err := NewTicketJWT(key, "bob", "realm1", jwt.RegisteredClaims{})
	require.NoError(t, err)

	k := newTestKernel(t)
	client, server, err := connectPipe(t, k, SessionOptions{Auth: auth}, ClientOptions{
		Credentials: ClientCredentials{AuthID: "bob", AuthMethods: []string{AuthMethodTicket}, Secret: secret(ticket)},
	})
	require.NoError(t, err)
	assert.Equal(t, "reader", client.AuthRole())
	require.Eventually(t, server.IsOpen, testTimeout, time.Millisecond)
	assert.Equal(t, AuthMethodTicket, server.AuthMethod())
}
