package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicKeyExportImportRoundTrip(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	exported, err := ExportPublicKey(&key.PublicKey)
	require.NoError(t, err)

	imported, err := ImportPublicKey(exported)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(imported))
}

func TestImportPublicKeyRejectsGarbage(t *testing.T) {
	var garbage [PublicKeySize]byte
	for i := range garbage {
		garbage[i] = byte(i * 7)
	}

	_, err := ImportPublicKey(garbage)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSessionKeyWrapUnwrap(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	sessionKey, err := NewSessionKey()
	require.NoError(t, err)
	require.Len(t, sessionKey, SessionKeySize)

	wrapped, err := WrapSessionKey(&key.PublicKey, sessionKey)
	require.NoError(t, err)

	unwrapped, err := UnwrapSessionKey(key, wrapped)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, unwrapped)
}

func TestUnwrapSessionKeyRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKeyPair()
	require.NoError(t, err)

	sessionKey, err := NewSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&key.PublicKey, sessionKey)
	require.NoError(t, err)

	wrapped[0] ^= 0x01
	_, err = UnwrapSessionKey(key, wrapped)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestUnwrapSessionKeyRejectsWrongKey(t *testing.T) {
	keyA, err := GenerateKeyPair()
	require.NoError(t, err)
	keyB, err := GenerateKeyPair()
	require.NoError(t, err)

	sessionKey, err := NewSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&keyA.PublicKey, sessionKey)
	require.NoError(t, err)

	_, err = UnwrapSessionKey(keyB, wrapped)
	assert.ErrorIs(t, err, ErrHandshakeFailed)
}

func TestSessionKeysAreFreshPerCall(t *testing.T) {
	a, err := NewSessionKey()
	require.NoError(t, err)
	b, err := NewSessionKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestEnsurePrivateKeyGeneratesThenReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.pem")

	first, err := EnsurePrivateKey(path)
	require.NoError(t, err)

	second, err := EnsurePrivateKey(path)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
}
