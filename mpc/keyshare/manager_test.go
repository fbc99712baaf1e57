package keyshare

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/mpc-relay/mpc/protocol"
)

func testShare() *protocol.KeyShare {
	raw := `{"Ks":["1","2"],"BigXj":[],"ECDSAPub":{"Coords":["1","2"]},"Xi":"5","ShareID":"1"}`
	return &protocol.KeyShare{
		PrivateKey: protocol.PrivateKey{Protocol: protocol.ProtocolGG20, Data: json.RawMessage(raw)},
		PublicKey:  []byte{0x04, 0x01, 0x02},
		Address:    "0x0000000000000000000000000000000000000001",
	}
}

func TestNewManager(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		tmpDir := t.TempDir()
		mgr, err := NewManager(tmpDir, "test-password-123")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, keysharesDirName), mgr.keysharesDir)

		info, err := os.Stat(mgr.keysharesDir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(dirPerms), info.Mode().Perm())
	})

	t.Run("empty homeDir", func(t *testing.T) {
		mgr, err := NewManager("", "password")
		require.Error(t, err)
		assert.Nil(t, mgr)
	})

	t.Run("empty password", func(t *testing.T) {
		mgr, err := NewManager(t.TempDir(), "")
		require.Error(t, err)
		assert.Nil(t, mgr)
	})
}

func TestStoreAndGet(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), "test-password")
	require.NoError(t, err)

	share := testShare()
	require.NoError(t, mgr.Store("treasury", share))

	path := filepath.Join(mgr.keysharesDir, "treasury"+fileExt)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "ShareID")
	assert.NotContains(t, string(raw), share.Address)

	got, err := mgr.Get("treasury")
	require.NoError(t, err)
	assert.Equal(t, share.Address, got.Address)
	assert.Equal(t, share.PublicKey, got.PublicKey)
	assert.Equal(t, protocol.ProtocolGG20, got.PrivateKey.Protocol)
	assert.JSONEq(t, string(share.PrivateKey.Data), string(got.PrivateKey.Data))

	exists, err := mgr.Exists("treasury")
	require.NoError(t, err)
	assert.True(t, exists)

	ids, err := mgr.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"treasury"}, ids)

	require.NoError(t, mgr.Delete("treasury"))
	exists, err = mgr.Exists("treasury")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManagerErrors(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewManager(dir, "right-password")
	require.NoError(t, err)

	t.Run("invalid key IDs", func(t *testing.T) {
		for _, id := range []string{"", "../escape", "a/b", `a\b`} {
			err := mgr.Store(id, testShare())
			assert.ErrorIs(t, err, ErrInvalidKeyID, id)
			_, err = mgr.Get(id)
			assert.ErrorIs(t, err, ErrInvalidKeyID, id)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := mgr.Get("missing")
		assert.ErrorIs(t, err, ErrKeyshareNotFound)
		assert.ErrorIs(t, mgr.Delete("missing"), ErrKeyshareNotFound)
	})

	t.Run("nil share", func(t *testing.T) {
		assert.Error(t, mgr.Store("nil", nil))
	})

	t.Run("wrong password", func(t *testing.T) {
		require.NoError(t, mgr.Store("locked", testShare()))
		other, err := NewManager(dir, "wrong-password")
		require.NoError(t, err)
		_, err = other.Get("locked")
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("truncated file", func(t *testing.T) {
		path := filepath.Join(mgr.keysharesDir, "short"+fileExt)
		require.NoError(t, os.WriteFile(path, []byte("short"), filePerms))
		_, err := mgr.Get("short")
		assert.ErrorIs(t, err, ErrDecryptionFailed)
	})

	t.Run("list skips foreign files", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(mgr.keysharesDir, "notes.txt"), []byte("x"), filePerms))
		ids, err := mgr.List()
		require.NoError(t, err)
		assert.NotContains(t, ids, "notes.txt")
		assert.Contains(t, ids, "locked")
	})
}

func TestEncryptionIsSalted(t *testing.T) {
	mgr, err := NewManager(t.TempDir(), "pw")
	require.NoError(t, err)
	a, err := mgr.encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := mgr.encrypt([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	_, err = mgr.encrypt(nil)
	assert.Error(t, err)
}
