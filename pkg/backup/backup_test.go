package backup

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
)

func openStore(t *testing.T) *keyvalstore.Store {
	t.Helper()
	store, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)

	batch := src.StartBatch(ctx)
	for i := 0; i < 2500; i++ {
		key := []byte(fmt.Sprintf("row/%05d", i))
		require.NoError(t, batch.Put(ctx, key, []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, batch.Put(ctx, []byte("empty"), nil))
	require.NoError(t, batch.Execute(ctx))

	var archive bytes.Buffer
	require.NoError(t, Export(ctx, src, &archive))

	dst := openStore(t)
	require.NoError(t, Import(ctx, dst, &archive))

	rows, err := dst.GetByPrefix(ctx, []byte("row/"))
	require.NoError(t, err)
	assert.Len(t, rows, 2500)

	value, err := dst.Get(ctx, []byte("row/01234"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value-1234"), value)

	value, err = dst.Get(ctx, []byte("empty"))
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestImportRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	dst := openStore(t)
	err := Import(ctx, dst, bytes.NewReader([]byte("definitely not xz")))
	assert.Error(t, err)
}

func TestExportEmptyStore(t *testing.T) {
	ctx := context.Background()
	src := openStore(t)

	var archive bytes.Buffer
	require.NoError(t, Export(ctx, src, &archive))

	dst := openStore(t)
	require.NoError(t, Import(ctx, dst, &archive))
	rows, err := dst.GetByPrefix(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
