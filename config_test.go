package wampio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const tomlConfig = `
listen_addr = "0.0.0.0:8080"
handshake_timeout = "10s"
heartbeat_interval = "15s"
max_msg_size = 65536
serializer = "msgpack"
max_sessions = 100
call_limit = 8

[log]
level = "debug"

[auth]
ticket_jwt_key = "k"

[[auth.realms]]
name = "realm1"
mode = "authenticate"
methods = ["wampcra"]

[[auth.users]]
authid = "bob"
secret = "s3cret"
realms = ["realm1"]
`

const yamlConfig = `
listen_addr: 0.0.0.0:8080
handshake_timeout: 10s
heartbeat_interval: 15s
max_msg_size: 65536
serializer: msgpack
max_sessions: 100
call_limit: 8
log:
  level: debug
auth:
  ticket_jwt_key: k
  realms:
    - name: realm1
      mode: authenticate
      methods: [wampcra]
  users:
    - authid: bob
      secret: s3cret
      realms: [realm1]
`

func TestLoadConfig(t *testing.T) {
	for name, path := range map[string]string{
		"toml": writeConfig(t, "wampio.toml", tomlConfig),
		"yaml": writeConfig(t, "wampio.yaml", yamlConfig),
	} {
		t.Run(name, func(t *testing.T) {
			cfg, err := LoadConfig(path)
			require.NoError(t, err)

			assert.Equal(t, "tcp", cfg.ListenNetwork)
			assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr)
			assert.Equal(t, 5*time.Second, cfg.PendingOpenTimeout)
			assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
			assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
			assert.Equal(t, MaxMsgSize64KB, cfg.MaxMsgSize)
			assert.Equal(t, MsgPack, cfg.serializer())
			assert.Equal(t, 100, cfg.MaxSessions)
			assert.Equal(t, uint32(8), cfg.CallLimit)
			assert.Equal(t, "debug", cfg.Log.Level)
			assert.Equal(t, "k", cfg.Auth.TicketJWTKey)
			assert.Equal(t, []RealmAuthConfig{{Name: "realm1", Mode: "authenticate", Methods: []string{"wampcra"}}}, cfg.Auth.Realms)
			assert.Equal(t, []UserAuthConfig{{AuthID: "bob", Secret: "s3cret", Realms: []string{"realm1"}}}, cfg.Auth.Users)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	for name, tc := range map[string]struct{ file, content string }{
		"unknown toml key": {"c.toml", "listen_adr = \"x\"\n"},
		"unknown yaml key": {"c.yaml", "listen_adr: x\n"},
		"bad duration":     {"c.toml", "handshake_timeout = \"soon\"\n"},
		"bad size class":   {"c.toml", "max_msg_size = 1000\n"},
		"bad serializer":   {"c.yaml", "serializer: xml\n"},
		"bad auth":         {"c.toml", "[[auth.realms]]\nmode = \"open\"\n"},
		"unsupported ext":  {"c.ini", "listen_addr = x\n"},
		"malformed toml":   {"c.toml", "listen_addr = \n"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.file, tc.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoadEmptyConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "empty.yml", ""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvListenAddr, "10.0.0.1:9000")
	t.Setenv(EnvSerializer, "cbor")
	t.Setenv(EnvHeartbeatInterval, "2s")

	cfg, err := ApplyEnv(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, CBOR, cfg.serializer())
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)

	t.Setenv(EnvHeartbeatInterval, "often")
	_, err = ApplyEnv(DefaultConfig())
	assert.Error(t, err)

	t.Setenv(EnvHeartbeatInterval, "")
	t.Setenv(EnvSerializer, "xml")
	_, err = ApplyEnv(DefaultConfig())
	assert.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	d := DefaultConfig()
	assert.Equal(t, d.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, d.HandshakeTimeout, cfg.HandshakeTimeout)
	assert.Equal(t, d.MaxMsgSize, cfg.MaxMsgSize)
	assert.Equal(t, JSON, Config{Serializer: "nope"}.serializer())
}
