package syncenc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"trustsync/internal/groupkey"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys := groupkey.NewMemoryService()
	key, err := keys.CreateKey("space-1")
	require.NoError(t, err)

	e := NewAESGCM()
	enc, err := e.EncryptChange([]byte("diff bytes"), key, "space-1", "did:alice")
	require.NoError(t, err)
	require.Equal(t, 0, enc.Generation)
	require.Equal(t, "did:alice", enc.FromDid)

	plain, err := e.DecryptChange(enc, key, "space-1")
	require.NoError(t, err)
	require.Equal(t, []byte("diff bytes"), plain)
}

func TestWrongGenerationKeyFails(t *testing.T) {
	keys := groupkey.NewMemoryService()
	k0, err := keys.CreateKey("space-1")
	require.NoError(t, err)
	k1, err := keys.RotateKey("space-1")
	require.NoError(t, err)

	e := NewAESGCM()
	enc, err := e.EncryptChange([]byte("post-rotation"), k1, "space-1", "did:alice")
	require.NoError(t, err)

	// A peer evicted before generation 1 holds only k0 and cannot open it.
	_, err = e.DecryptChange(enc, k0, "space-1")
	require.Error(t, err)
}

func TestAssociatedDataBindsSpace(t *testing.T) {
	keys := groupkey.NewMemoryService()
	key, err := keys.CreateKey("space-1")
	require.NoError(t, err)

	e := NewAESGCM()
	enc, err := e.EncryptChange([]byte("diff"), key, "space-1", "did:alice")
	require.NoError(t, err)

	_, err = e.DecryptChange(enc, key, "space-2")
	require.Error(t, err)

	enc.FromDid = "did:mallory"
	_, err = e.DecryptChange(enc, key, "space-1")
	require.Error(t, err)
}
