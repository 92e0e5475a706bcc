package tidemark

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/cloud/cloudtest"
	"github.com/tidemark-db/tidemark/pkg/model"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	config := DefaultConfig()
	config.Path = t.TempDir()
	config.Secret = "test-secret"
	config.PruningPolicy = "never"
	return config
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(testConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func putValue(t *testing.T, page *Page, key, value string) {
	t.Helper()
	ctx := context.Background()
	j, err := page.Storage.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, key, []byte(value), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func getValue(t *testing.T, page *Page, key string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	heads := page.Storage.GetHeadCommitIDs()
	if len(heads) != 1 {
		return "", false
	}
	head, err := page.Storage.GetCommit(ctx, heads[0])
	if err != nil {
		return "", false
	}
	value, err := page.Storage.GetValue(ctx, head, key)
	if err != nil {
		return "", false
	}
	return string(value), true
}

func TestLocalPageRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	page, err := store.OpenPage(ctx, "notes", nil)
	require.NoError(t, err)
	assert.Nil(t, page.Sync, "a page without a cloud is local-only")

	putValue(t, page, "title", "hello")
	value, ok := getValue(t, page, "title")
	require.True(t, ok)
	assert.Equal(t, "hello", value)

	// Opening again returns the same page.
	again, err := store.OpenPage(ctx, "notes", nil)
	require.NoError(t, err)
	assert.Same(t, page, again)
}

func TestPagesAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a, err := store.OpenPage(ctx, "a", nil)
	require.NoError(t, err)
	b, err := store.OpenPage(ctx, "b", nil)
	require.NoError(t, err)

	putValue(t, a, "k", "from-a")
	putValue(t, b, "k", "from-b")

	value, ok := getValue(t, a, "k")
	require.True(t, ok)
	assert.Equal(t, "from-a", value)
	value, ok = getValue(t, b, "k")
	require.True(t, ok)
	assert.Equal(t, "from-b", value)
}

func TestTwoStoresSyncThroughCloud(t *testing.T) {
	remote := cloudtest.New()
	ctx := context.Background()

	storeA := openTestStore(t)
	storeB := openTestStore(t)

	pageA, err := storeA.OpenPage(ctx, "shared", remote)
	require.NoError(t, err)
	require.NotNil(t, pageA.Sync)
	pageB, err := storeB.OpenPage(ctx, "shared", remote)
	require.NoError(t, err)

	putValue(t, pageA, "k", "v")
	require.Eventually(t, func() bool {
		value, ok := getValue(t, pageB, "k")
		return ok && value == "v"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackupRestore(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	page, err := src.OpenPage(ctx, "notes", nil)
	require.NoError(t, err)
	putValue(t, page, "k", "v")

	var archive bytes.Buffer
	require.NoError(t, src.Backup(ctx, &archive))

	dst := openTestStore(t)
	require.NoError(t, dst.Restore(ctx, &archive))
	restored, err := dst.OpenPage(ctx, "notes", nil)
	require.NoError(t, err)

	value, ok := getValue(t, restored, "k")
	require.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"path: /var/lib/tidemark\n"+
			"secret: s3cret\n"+
			"minimum_free_gb: 5\n"+
			"gc_policy: never\n"), 0o600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tidemark", config.Path)
	assert.Equal(t, 5, config.MinimumFreeGB)
	assert.Equal(t, "never", config.GCPolicy)
	// Defaults survive for unset fields.
	assert.Equal(t, "local-immediate", config.PruningPolicy)
	assert.Equal(t, 10*time.Minute, config.GCInterval)
}

func TestConfigValidation(t *testing.T) {
	config := DefaultConfig()
	assert.Error(t, config.validate(), "path is required")

	config.Path = "/tmp/x"
	assert.Error(t, config.validate(), "secret is required")

	config.Secret = "s"
	require.NoError(t, config.validate())

	config.GCPolicy = "sometimes"
	assert.Error(t, config.validate())
}
