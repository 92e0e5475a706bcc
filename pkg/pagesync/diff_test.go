package pagesync

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/model"
)

func TestNormalizeDiffCancelsPairs(t *testing.T) {
	entries := []cloud.DiffEntry{
		{EntryID: "e1", Key: "a", Deletion: true},
		{EntryID: "e1", Key: "a"},
		{EntryID: "e2", Key: "b"},
	}
	out, err := NormalizeDiff(entries)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "e2", out[0].EntryID)
}

func TestNormalizeDiffOrdering(t *testing.T) {
	entries := []cloud.DiffEntry{
		{EntryID: "e3", Key: "b"},
		{EntryID: "e1", Key: "a"},
		{EntryID: "e2", Key: "a", Deletion: true},
	}
	out, err := NormalizeDiff(entries)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "a", out[0].Key)
	assert.True(t, out[0].Deletion, "deletion sorts before insertion of the same key")
	assert.Equal(t, "a", out[1].Key)
	assert.False(t, out[1].Deletion)
	assert.Equal(t, "b", out[2].Key)
}

func TestNormalizeDiffShuffleInvariant(t *testing.T) {
	entries := []cloud.DiffEntry{
		{EntryID: "e1", Key: "a", Deletion: true},
		{EntryID: "e1", Key: "a"},
		{EntryID: "e2", Key: "b"},
		{EntryID: "e3", Key: "c", Deletion: true},
		{EntryID: "e4", Key: "d"},
		{EntryID: "e4", Key: "d", Deletion: true},
	}
	want, err := NormalizeDiff(entries)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]cloud.DiffEntry(nil), entries...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		got, err := NormalizeDiff(shuffled)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNormalizeDiffRejectsExcessResidual(t *testing.T) {
	_, err := NormalizeDiff([]cloud.DiffEntry{
		{EntryID: "e1", Key: "a"},
		{EntryID: "e1", Key: "a"},
	})
	assert.ErrorIs(t, err, cloud.ErrParse)

	_, err = NormalizeDiff([]cloud.DiffEntry{
		{EntryID: "e1", Key: "a", Deletion: true},
		{EntryID: "e1", Key: "a", Deletion: true},
	})
	assert.ErrorIs(t, err, cloud.ErrParse)
}

func TestNormalizeDiffEmpty(t *testing.T) {
	out, err := NormalizeDiff(nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestEntryPayloadRoundTrip(t *testing.T) {
	entry := model.Entry{
		Object: model.ObjectIdentifier{
			KeyIndex: 9,
			Digest:   model.DigestFromContent([]byte("value")),
		},
		Priority: model.KeyPriorityLazy,
	}
	id, priority, err := decodeEntryPayload(encodeEntryPayload(entry))
	require.NoError(t, err)
	assert.Equal(t, entry.Object, id)
	assert.Equal(t, entry.Priority, priority)
}

func TestDecodeEntryPayloadRejectsGarbage(t *testing.T) {
	_, _, err := decodeEntryPayload(nil)
	assert.ErrorIs(t, err, cloud.ErrParse)
	_, _, err = decodeEntryPayload([]byte{0x05})
	assert.ErrorIs(t, err, cloud.ErrParse)
}
