package keyvalstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func put(t *testing.T, db Db, key, value string) {
	t.Helper()
	ctx := context.Background()
	batch := db.StartBatch(ctx)
	require.NoError(t, batch.Put(ctx, []byte(key), []byte(value)))
	require.NoError(t, batch.Execute(ctx))
}

func TestPutGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	put(t, store, "k", "v")
	value, err := store.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	_, err = store.Get(ctx, []byte("missing"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHasKeyAndPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	put(t, store, "prefix/a", "1")

	ok, err := store.HasKey(ctx, []byte("prefix/a"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasPrefix(ctx, []byte("prefix/"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasPrefix(ctx, []byte("other/"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetByPrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	put(t, store, "p/a", "1")
	put(t, store, "p/b", "2")
	put(t, store, "q/c", "3")

	rows, err := store.GetByPrefix(ctx, []byte("p/"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []byte("p/a"), rows[0].Key)
	assert.Equal(t, []byte("2"), rows[1].Value)
}

func TestBatchAtomicity(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	put(t, store, "stale", "x")

	batch := store.StartBatch(ctx)
	require.NoError(t, batch.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, batch.Delete(ctx, []byte("stale")))

	// Nothing lands until Execute.
	_, err := store.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, batch.Execute(ctx))
	_, err = store.Get(ctx, []byte("a"))
	require.NoError(t, err)
	_, err = store.Get(ctx, []byte("stale"))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestIterator(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	put(t, store, "it/a", "1")
	put(t, store, "it/b", "2")

	it, err := store.GetIteratorAtPrefix(ctx, []byte("it/"))
	require.NoError(t, err)
	defer it.Close()

	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	assert.Equal(t, []string{"it/a", "it/b"}, keys)
}

func TestNamespacedIsolation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := Namespaced(store, "pages/a/")
	b := Namespaced(store, "pages/b/")
	put(t, a, "k", "from-a")
	put(t, b, "k", "from-b")

	value, err := a.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-a"), value)

	value, err = b.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("from-b"), value)

	rows, err := a.GetByPrefix(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	// Keys come back without the namespace.
	assert.Equal(t, []byte("k"), rows[0].Key)
}

func TestStatsCount(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	put(t, store, "k", "v")
	_, err := store.Get(ctx, []byte("k"))
	require.NoError(t, err)

	reads, writes := store.Stats()
	assert.NotZero(t, reads)
	assert.NotZero(t, writes)
}
