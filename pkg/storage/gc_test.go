package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/model"
)

func addLoosePiece(t *testing.T, st *PageStorage, seed byte) model.ObjectIdentifier {
	t.Helper()
	data := make([]byte, 200)
	for i := range data {
		data[i] = seed + byte(i)
	}
	id, err := st.AddObjectFromLocal(context.Background(), data, nil)
	require.NoError(t, err)
	require.False(t, id.Digest.IsInlined())
	return id
}

func TestDeleteObjectUnreferenced(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	id := addLoosePiece(t, st, 1)

	_, err := st.DeleteObject(ctx, id.Digest)
	require.NoError(t, err)

	_, err = st.GetPiece(ctx, id)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteObjectInlinedIsNoop(t *testing.T) {
	st := newDevice(t)
	candidates, err := st.DeleteObject(context.Background(), model.DigestFromContent([]byte("tiny")))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestDeleteObjectRetainedIsCanceled(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	id := addLoosePiece(t, st, 1)

	live := st.ObjectTracker().RetainIdentifier(id)
	_, err := st.DeleteObject(ctx, id.Digest)
	assert.ErrorIs(t, err, model.ErrCanceled)

	// Still readable.
	_, err = st.GetPiece(ctx, id)
	require.NoError(t, err)
	live.Release()
}

func TestDeleteObjectReferencedIsCanceled(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "blob", largeValue(200), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)

	entries, err := st.GetCommitContents(ctx, c)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// The tree piece references the value piece.
	_, err = st.DeleteObject(ctx, entries[0].Object.Digest)
	assert.ErrorIs(t, err, model.ErrCanceled)
}

func TestDeleteObjectProtectsLiveRoots(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "blob", largeValue(200), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	require.False(t, c.Root().Digest.IsInlined())

	// The head commit's tree root is live and unsynced.
	_, err = st.DeleteObject(ctx, c.Root().Digest)
	assert.ErrorIs(t, err, model.ErrCanceled)
}

func TestCollectGarbageCascades(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	inner := addLoosePiece(t, st, 1)
	data := make([]byte, 200)
	for i := range data {
		data[i] = 0x80 + byte(i)
	}
	outer, err := st.AddObjectFromLocal(ctx, data, []Reference{{Digest: inner.Digest, Priority: model.KeyPriorityEager}})
	require.NoError(t, err)

	// inner is referenced by outer and cannot go on its own.
	_, err = st.DeleteObject(ctx, inner.Digest)
	require.ErrorIs(t, err, model.ErrCanceled)

	// Collecting from outer cascades into inner.
	require.NoError(t, st.CollectGarbage(ctx, []model.ObjectDigest{outer.Digest}))
	_, err = st.GetPiece(ctx, outer)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = st.GetPiece(ctx, inner)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestGCNeverProtectsSyncedRoots(t *testing.T) {
	st := newDeviceWith(t, Config{PageID: "p", GCPolicy: GCNever})
	ctx := context.Background()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "blob", largeValue(200), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	require.NoError(t, st.MarkCommitSynced(ctx, c.ID()))

	// Under GCNever even a synced live root stays protected.
	_, err = st.DeleteObject(ctx, c.Root().Digest)
	assert.ErrorIs(t, err, model.ErrCanceled)
}
