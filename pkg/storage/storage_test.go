package storage

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// testClock hands out strictly increasing timestamps so sequential commits
// with identical content never collide.
type testClock struct {
	mu sync.Mutex
	ms int64
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ms++
	return time.UnixMilli(c.ms)
}

func newDevice(t *testing.T) *PageStorage {
	t.Helper()
	return newDeviceWith(t, Config{PageID: "page-1"})
}

func newDeviceWith(t *testing.T, config Config) *PageStorage {
	t.Helper()
	db, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	t.Cleanup(pool.Close)

	st, err := New(context.Background(), db, encryption.NewService([]byte("test-secret")), pool, &testClock{}, nil, config)
	require.NoError(t, err)
	return st
}

func commitValue(t *testing.T, st *PageStorage, key, value string) *commitgraph.Commit {
	t.Helper()
	ctx := context.Background()
	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, key, []byte(value), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func largeValue(n int) []byte {
	rng := rand.New(rand.NewSource(42))
	out := make([]byte, n)
	rng.Read(out)
	return out
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []model.ChangeSource
	count  int
}

func (w *recordingWatcher) OnNewCommits(commits []*commitgraph.Commit, source model.ChangeSource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, source)
	w.count += len(commits)
}

func (w *recordingWatcher) commits() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func TestBootstrapEmptyPage(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	heads := st.GetHeadCommitIDs()
	require.Len(t, heads, 1)

	sentinel, err := st.GetCommit(ctx, heads[0])
	require.NoError(t, err)
	assert.EqualValues(t, 0, sentinel.Generation())
	assert.Empty(t, sentinel.Parents())

	entries, err := st.GetCommitContents(ctx, sentinel)
	require.NoError(t, err)
	assert.Empty(t, entries)

	synced, err := st.IsCommitSynced(ctx, heads[0])
	require.NoError(t, err)
	assert.True(t, synced, "the sentinel is shared by construction")
}

func TestBootstrapIsDeterministicAcrossDevices(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	assert.Equal(t, a.GetHeadCommitIDs(), b.GetHeadCommitIDs())
}

func TestReopenLoadsHeads(t *testing.T) {
	db, err := keyvalstore.Open(keyvalstore.StoreConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	t.Cleanup(pool.Close)
	enc := encryption.NewService([]byte("test-secret"))
	ctx := context.Background()

	st, err := New(ctx, db, enc, pool, &testClock{}, nil, Config{PageID: "p"})
	require.NoError(t, err)
	c := commitValue(t, st, "k", "v")

	st2, err := New(ctx, db, enc, pool, &testClock{}, nil, Config{PageID: "p"})
	require.NoError(t, err)
	assert.Equal(t, []model.CommitID{c.ID()}, st2.GetHeadCommitIDs())

	value, err := st2.GetValue(ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestJournalPutAndGet(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	c := commitValue(t, st, "k", "v")
	assert.Equal(t, []model.CommitID{c.ID()}, st.GetHeadCommitIDs())

	value, err := st.GetValue(ctx, c, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	_, err = st.GetValue(ctx, c, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	unsynced, err := st.GetUnsyncedCommits(ctx)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, c.ID(), unsynced[0].ID())
}

func TestJournalIdenticalPutIsNoop(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	c1 := commitValue(t, st, "k", "v")

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "k", []byte("v"), model.KeyPriorityEager))
	c2, err := j.Commit(ctx)
	require.NoError(t, err)
	assert.Nil(t, c2, "identical content must not create a commit")
	assert.Equal(t, []model.CommitID{c1.ID()}, st.GetHeadCommitIDs())
}

func TestJournalDeleteAbsentKeyIsNoop(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	c1 := commitValue(t, st, "k", "v")

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Delete("never-existed"))
	c2, err := j.Commit(ctx)
	require.NoError(t, err)
	assert.Nil(t, c2)
	assert.Equal(t, []model.CommitID{c1.ID()}, st.GetHeadCommitIDs())
}

func TestJournalDelete(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	commitValue(t, st, "k", "v")

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Delete("k"))
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)

	entries, err := st.GetCommitContents(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestJournalRollback(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	before := st.GetHeadCommitIDs()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "k", []byte("v"), model.KeyPriorityEager))
	j.Rollback()

	assert.Equal(t, before, st.GetHeadCommitIDs())
	_, err = j.Commit(ctx)
	assert.ErrorIs(t, err, model.ErrIllegalState)
}

func TestUnchangedEntriesKeepTheirIDs(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "stable", []byte("s"), model.KeyPriorityEager))
	require.NoError(t, j.Put(ctx, "volatile", []byte("v1"), model.KeyPriorityEager))
	c1, err := j.Commit(ctx)
	require.NoError(t, err)

	entriesByKey := func(c *commitgraph.Commit) map[string]model.Entry {
		entries, err := st.GetCommitContents(ctx, c)
		require.NoError(t, err)
		out := make(map[string]model.Entry)
		for _, e := range entries {
			out[e.Key] = e
		}
		return out
	}
	first := entriesByKey(c1)

	c2 := commitValue(t, st, "volatile", "v2")
	second := entriesByKey(c2)

	assert.Equal(t, first["stable"].EntryID, second["stable"].EntryID)
	assert.NotEqual(t, first["volatile"].EntryID, second["volatile"].EntryID)
}

func TestLargeValueRoundTrip(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	value := largeValue(100_000)

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "blob", value, model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)

	got, err := st.GetValue(ctx, c, "blob")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	pieces, err := st.GetUnsyncedPieces(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, pieces)
}

func TestGetObjectPart(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()
	data := largeValue(700_000)

	id, err := st.AddObjectFromLocal(ctx, data, nil)
	require.NoError(t, err)

	part, err := st.GetObjectPart(ctx, id, 100, 50, LocalOnly())
	require.NoError(t, err)
	assert.Equal(t, data[100:150], part)

	// Negative offset counts from the end.
	part, err = st.GetObjectPart(ctx, id, -100, 100, LocalOnly())
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-100:], part)

	// Range past the end clamps.
	part, err = st.GetObjectPart(ctx, id, int64(len(data))-10, 100, LocalOnly())
	require.NoError(t, err)
	assert.Equal(t, data[len(data)-10:], part)
}

func TestAddCommitsFromSyncHeadSwap(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	c := commitValue(t, b, "k", "v")
	require.NoError(t, a.AddCommitsFromSync(ctx, []CommitData{{ID: c.ID(), Bytes: c.StorageBytes()}}, model.ChangeSourceCloud))

	assert.Equal(t, []model.CommitID{c.ID()}, a.GetHeadCommitIDs())
	synced, err := a.IsCommitSynced(ctx, c.ID())
	require.NoError(t, err)
	assert.True(t, synced)
}

func TestAddCommitsFromSyncIdempotent(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	w := &recordingWatcher{}
	a.AddCommitWatcher(w)

	c := commitValue(t, b, "k", "v")
	data := []CommitData{{ID: c.ID(), Bytes: c.StorageBytes()}}
	require.NoError(t, a.AddCommitsFromSync(ctx, data, model.ChangeSourceCloud))
	require.NoError(t, a.AddCommitsFromSync(ctx, data, model.ChangeSourceCloud))

	assert.Equal(t, 1, w.commits(), "replayed batch must not re-notify")
	assert.Equal(t, []model.CommitID{c.ID()}, a.GetHeadCommitIDs())
}

func TestAddCommitsFromSyncMarksLocalCommitSynced(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	c := commitValue(t, st, "k", "v")
	synced, err := st.IsCommitSynced(ctx, c.ID())
	require.NoError(t, err)
	require.False(t, synced)

	w := &recordingWatcher{}
	st.AddCommitWatcher(w)
	require.NoError(t, st.AddCommitsFromSync(ctx, []CommitData{{ID: c.ID(), Bytes: c.StorageBytes()}}, model.ChangeSourceCloud))

	synced, err = st.IsCommitSynced(ctx, c.ID())
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Zero(t, w.commits(), "an echoed commit is not new")
}

func TestAddCommitsFromSyncMissingParentRejectsBatch(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	commitValue(t, b, "k", "v1")
	child := commitValue(t, b, "k", "v2")

	err := a.AddCommitsFromSync(ctx, []CommitData{{ID: child.ID(), Bytes: child.StorageBytes()}}, model.ChangeSourceCloud)
	assert.ErrorIs(t, err, model.ErrInternalNotFound)

	// Nothing was applied.
	_, err = a.GetCommit(ctx, child.ID())
	assert.ErrorIs(t, err, model.ErrNotFound)
	require.Len(t, a.GetHeadCommitIDs(), 1)
}

func TestAddCommitsFromSyncParentWithinBatch(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	c1 := commitValue(t, b, "k", "v1")
	c2 := commitValue(t, b, "k", "v2")

	require.NoError(t, a.AddCommitsFromSync(ctx, []CommitData{
		{ID: c1.ID(), Bytes: c1.StorageBytes()},
		{ID: c2.ID(), Bytes: c2.StorageBytes()},
	}, model.ChangeSourceCloud))
	assert.Equal(t, []model.CommitID{c2.ID()}, a.GetHeadCommitIDs())
}

func TestAddCommitsFromSyncRejectsTamperedBytes(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	c := commitValue(t, b, "k", "v")
	bytes := append([]byte(nil), c.StorageBytes()...)
	bytes[len(bytes)-1] ^= 0xff

	err := a.AddCommitsFromSync(ctx, []CommitData{{ID: c.ID(), Bytes: bytes}}, model.ChangeSourceCloud)
	assert.ErrorIs(t, err, model.ErrDataIntegrity)
}

func TestConcurrentEditsConvergeThroughMerge(t *testing.T) {
	a := newDevice(t)
	b := newDevice(t)
	ctx := context.Background()

	ca := commitValue(t, a, "from-a", "1")
	cb := commitValue(t, b, "from-b", "2")

	// Exchange the divergent commits.
	require.NoError(t, a.AddCommitsFromSync(ctx, []CommitData{{ID: cb.ID(), Bytes: cb.StorageBytes()}}, model.ChangeSourceCloud))
	require.NoError(t, b.AddCommitsFromSync(ctx, []CommitData{{ID: ca.ID(), Bytes: ca.StorageBytes()}}, model.ChangeSourceCloud))
	require.Len(t, a.GetHeadCommitIDs(), 2)
	require.Equal(t, a.GetHeadCommitIDs(), b.GetHeadCommitIDs())

	// Both devices resolve the merge to the union of the two edits.
	merge := func(st *PageStorage) *commitgraph.Commit {
		j, err := st.StartMergeCommit(ctx)
		require.NoError(t, err)
		require.NoError(t, j.Put(ctx, "from-a", []byte("1"), model.KeyPriorityEager))
		require.NoError(t, j.Put(ctx, "from-b", []byte("2"), model.KeyPriorityEager))
		c, err := j.Commit(ctx)
		require.NoError(t, err)
		require.NotNil(t, c)
		return c
	}
	ma := merge(a)
	mb := merge(b)

	assert.Equal(t, ma.ID(), mb.ID(), "identical merges must converge on the same commit")
	assert.Len(t, a.GetHeadCommitIDs(), 1)

	entries, err := a.GetCommitContents(ctx, ma)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestMergeNeedsTwoHeads(t *testing.T) {
	st := newDevice(t)
	_, err := st.StartMergeCommit(context.Background())
	assert.ErrorIs(t, err, model.ErrIllegalState)
}

func TestSyncMetadata(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	value, err := st.GetSyncMetadata(ctx, "position-token")
	require.NoError(t, err)
	assert.Equal(t, "", value)

	require.NoError(t, st.SetSyncMetadata(ctx, "position-token", "42"))
	value, err = st.GetSyncMetadata(ctx, "position-token")
	require.NoError(t, err)
	assert.Equal(t, "42", value)
}

func TestMarkCommitAndPieceSynced(t *testing.T) {
	st := newDevice(t)
	ctx := context.Background()

	j, err := st.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, "blob", largeValue(200), model.KeyPriorityEager))
	c, err := j.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, st.MarkCommitSynced(ctx, c.ID()))
	unsynced, err := st.GetUnsyncedCommits(ctx)
	require.NoError(t, err)
	assert.Empty(t, unsynced)

	pieces, err := st.GetUnsyncedPieces(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pieces)
	for _, id := range pieces {
		require.NoError(t, st.MarkPieceSynced(ctx, id))
	}
	pieces, err = st.GetUnsyncedPieces(ctx)
	require.NoError(t, err)
	assert.Empty(t, pieces)
}
