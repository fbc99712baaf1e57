package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/mpc-relay/mpc/client"
	"github.com/pushchain/mpc-relay/mpc/config"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInitWritesConfigAndKeypair(t *testing.T) {
	home := t.TempDir()
	out, err := execute(t, "init", "--home", home, "--log-format", "json", "--log-level", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Public key:")
	assert.FileExists(t, config.Path(home))

	kp, err := loadKeypair(filepath.Join(home, "keypair.json"))
	require.NoError(t, err)
	assert.Contains(t, out, kp.Public.String())

	cfg, err := config.Load(home)
	require.NoError(t, err)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 3, cfg.LogLevel)

	_, err = execute(t, "init", "--home", home)
	assert.ErrorContains(t, err, "already exists")

	out, err = execute(t, "keypair", "show", "--home", home)
	require.NoError(t, err)
	assert.Equal(t, kp.Public.String(), strings.TrimSpace(out))
}

func TestKeypairGenerate(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "other.json")
	out, err := execute(t, "keypair", "generate", "--home", home, "--out", path)
	require.NoError(t, err)

	kp, err := loadKeypair(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Public.String(), strings.TrimSpace(out))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = execute(t, "keypair", "generate", "--home", home, "--out", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestEnvironmentOverridesConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MPCRELAY_SERVER_URL", "ws://relay.example:9000")

	t.Setenv("MPCRELAY_KEYSHARE_PASSWORD", "from-env")

	a := &app{v: viper.New()}
	cmd := newRootCmd(a)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"version", "--home", home, "--server-url", "ws://flag.example:1"})
	require.NoError(t, cmd.Execute())

	// flags beat the environment, the environment beats defaults
	assert.Equal(t, "ws://flag.example:1", a.cfg.ServerURL)
	assert.Equal(t, "from-env", a.cfg.KeysharePassword)
	assert.Equal(t, home, a.cfg.NodeHome)
	assert.Equal(t, home, a.cfg.KeyshareDir)
	assert.Equal(t, 300, a.cfg.SessionTimeoutSeconds)
}

func TestRelayKeyFetch(t *testing.T) {
	kp, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/public-key":
			_, _ = w.Write([]byte(kp.Public.String()))
		case "/health":
			_, _ = w.Write([]byte("OK"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	out, err := execute(t, "relay-key", "--home", t.TempDir(), "--server-url", wsURL)
	require.NoError(t, err)
	assert.Equal(t, kp.Public.String(), strings.TrimSpace(out))

	require.NoError(t, waitForRelay(context.Background(), wsURL, 1))

	_, err = getRelay(context.Background(), wsURL, "/missing", 1)
	var connectErr *client.ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, http.StatusNotFound, connectErr.Status)
}

func TestHTTPURL(t *testing.T) {
	u, err := httpURL("ws://127.0.0.1:8008", "/health")
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8008/health", u)

	u, err = httpURL("wss://relay.example/mpc/", "/public-key")
	require.NoError(t, err)
	assert.Equal(t, "https://relay.example/mpc/public-key", u)

	_, err = httpURL("http://relay", "/health")
	assert.Error(t, err)
}

func TestParseDigest(t *testing.T) {
	raw := strings.Repeat("ab", 32)
	d, err := parseDigest("0x"+raw, "", false)
	require.NoError(t, err)
	assert.Equal(t, raw, hex.EncodeToString(d[:]))

	d, err = parseDigest("", "hello", true)
	require.NoError(t, err)
	assert.Equal(t, accounts.TextHash([]byte("hello")), d[:])

	_, err = parseDigest("abcd", "", false)
	assert.ErrorContains(t, err, "digest must be 32 bytes")
	_, err = parseDigest("zz", "", false)
	assert.Error(t, err)
}

func TestParseParticipants(t *testing.T) {
	a, err := protocol.GenerateKeypair()
	require.NoError(t, err)
	b, err := protocol.GenerateKeypair()
	require.NoError(t, err)

	keys, err := parseParticipants([]string{a.Public.String(), " 0x" + b.Public.String()})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, []byte(b.Public), keys[1])

	_, err = parseParticipants([]string{"beef"})
	assert.Error(t, err)
}

func TestSignRequiresPassword(t *testing.T) {
	_, err := execute(t, "sign", "--home", t.TempDir(), "--key-id", "k", "--digest", strings.Repeat("00", 32),
		"--session-id", protocol.NewSessionID().String())
	assert.ErrorContains(t, err, "keyshare password is required")
}
