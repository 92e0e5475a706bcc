package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/model"
)

func TestCommitRoundTrip(t *testing.T) {
	svc := NewService([]byte("secret"))
	plain := []byte("commit storage bytes")

	sealed, err := svc.EncryptCommit(plain)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	out, err := svc.DecryptCommit(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestPieceRoundTripCompresses(t *testing.T) {
	svc := NewService([]byte("secret"))
	plain := bytes.Repeat([]byte("abcdefgh"), 4096)

	sealed, err := svc.EncryptPiece(plain)
	require.NoError(t, err)
	assert.Less(t, len(sealed), len(plain), "repetitive payload should shrink")

	out, err := svc.DecryptPiece(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestEntryPayloadRoundTrip(t *testing.T) {
	svc := NewService([]byte("secret"))
	plain := []byte{0x01, 0x02, 0x03}

	sealed, err := svc.EncryptEntryPayload(plain)
	require.NoError(t, err)
	out, err := svc.DecryptEntryPayload(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestTamperedPayloadRejected(t *testing.T) {
	svc := NewService([]byte("secret"))
	sealed, err := svc.EncryptCommit([]byte("data"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = svc.DecryptCommit(sealed)
	assert.ErrorIs(t, err, model.ErrDataIntegrity)
}

func TestWrongSecretRejected(t *testing.T) {
	sealed, err := NewService([]byte("secret-a")).EncryptCommit([]byte("data"))
	require.NoError(t, err)
	_, err = NewService([]byte("secret-b")).DecryptCommit(sealed)
	assert.ErrorIs(t, err, model.ErrDataIntegrity)
}

func TestSealingIsRandomized(t *testing.T) {
	svc := NewService([]byte("secret"))
	a, err := svc.EncryptCommit([]byte("data"))
	require.NoError(t, err)
	b, err := svc.EncryptCommit([]byte("data"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNamesAreDeterministicAndSaltedBySecret(t *testing.T) {
	a := NewService([]byte("secret"))
	b := NewService([]byte("secret"))
	other := NewService([]byte("other"))

	id := model.CommitID("some-commit-id")
	assert.Equal(t, a.EncodeCommitID(id), b.EncodeCommitID(id))
	assert.NotEqual(t, a.EncodeCommitID(id), other.EncodeCommitID(id))
	assert.Len(t, a.EncodeCommitID(id), 64)

	obj := model.ObjectIdentifier{KeyIndex: 7, Digest: model.DigestFromContent([]byte("content"))}
	assert.Equal(t, a.GetObjectName(obj), b.GetObjectName(obj))
	assert.NotEqual(t, a.GetObjectName(obj), other.GetObjectName(obj))

	// Commit ids and object names never collide across namespaces.
	assert.NotEqual(t, a.EncodeCommitID(id), a.GetObjectName(model.ObjectIdentifier{Digest: model.ObjectDigest(id)}))
}
