package commitgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/model"
)

func rootOf(value string) model.ObjectIdentifier {
	return model.ObjectIdentifier{Digest: model.DigestFromContent([]byte(value))}
}

func TestRootCommitDeterministic(t *testing.T) {
	f := NewFactory(nil)
	a := f.RootCommit(rootOf("empty"))
	b := f.RootCommit(rootOf("empty"))
	assert.Equal(t, a.ID(), b.ID())
	assert.EqualValues(t, 0, a.Generation())
	assert.Empty(t, a.Parents())
}

func TestSingleParentCommit(t *testing.T) {
	f := NewFactory(nil)
	parent := f.RootCommit(rootOf("empty"))

	c, err := f.FromContentAndParents(100, []*Commit{parent}, rootOf("v1"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, c.Generation())
	assert.EqualValues(t, 100, c.Timestamp())
	assert.Equal(t, []model.CommitID{parent.ID()}, c.Parents())
	assert.False(t, c.IsMerge())

	// Identical content at a different time is a different commit.
	c2, err := f.FromContentAndParents(101, []*Commit{parent}, rootOf("v1"))
	require.NoError(t, err)
	assert.NotEqual(t, c.ID(), c2.ID())
}

func TestTimestampNeverRunsBackwards(t *testing.T) {
	f := NewFactory(nil)
	parent := f.RootCommit(rootOf("empty"))
	c1, err := f.FromContentAndParents(500, []*Commit{parent}, rootOf("v1"))
	require.NoError(t, err)

	// A device with a lagging clock still produces a child that is not
	// older than its parent.
	c2, err := f.FromContentAndParents(100, []*Commit{c1}, rootOf("v2"))
	require.NoError(t, err)
	assert.EqualValues(t, 500, c2.Timestamp())
}

func TestMergeCommitConvergesAcrossDevices(t *testing.T) {
	f := NewFactory(nil)
	base := f.RootCommit(rootOf("empty"))
	left, err := f.FromContentAndParents(10, []*Commit{base}, rootOf("left"))
	require.NoError(t, err)
	right, err := f.FromContentAndParents(20, []*Commit{base}, rootOf("right"))
	require.NoError(t, err)

	// Two devices build the same merge with different clocks and parent
	// orders; the ids must agree.
	m1, err := f.FromContentAndParents(111, []*Commit{left, right}, rootOf("merged"))
	require.NoError(t, err)
	m2, err := f.FromContentAndParents(999, []*Commit{right, left}, rootOf("merged"))
	require.NoError(t, err)

	assert.Equal(t, m1.ID(), m2.ID())
	assert.EqualValues(t, 20, m1.Timestamp())
	assert.True(t, m1.IsMerge())
	assert.EqualValues(t, 2, m1.Generation())
}

func TestParentCountValidation(t *testing.T) {
	f := NewFactory(nil)
	_, err := f.FromContentAndParents(1, nil, rootOf("x"))
	assert.ErrorIs(t, err, model.ErrIllegalState)

	base := f.RootCommit(rootOf("empty"))
	_, err = f.FromContentAndParents(1, []*Commit{base, base, base}, rootOf("x"))
	assert.ErrorIs(t, err, model.ErrIllegalState)
}

func TestStorageBytesRoundTrip(t *testing.T) {
	f := NewFactory(nil)
	base := f.RootCommit(rootOf("empty"))
	c, err := f.FromContentAndParents(42, []*Commit{base}, rootOf("v1"))
	require.NoError(t, err)

	restored, err := f.FromStorageBytes(c.ID(), c.StorageBytes())
	require.NoError(t, err)
	assert.Equal(t, c.ID(), restored.ID())
	assert.Equal(t, c.Timestamp(), restored.Timestamp())
	assert.Equal(t, c.Generation(), restored.Generation())
	assert.Equal(t, c.Parents(), restored.Parents())
	assert.Equal(t, c.Root(), restored.Root())
}

func TestFromStorageBytesRejectsWrongID(t *testing.T) {
	f := NewFactory(nil)
	base := f.RootCommit(rootOf("empty"))
	c, err := f.FromContentAndParents(42, []*Commit{base}, rootOf("v1"))
	require.NoError(t, err)

	_, err = f.FromStorageBytes(base.ID(), c.StorageBytes())
	assert.ErrorIs(t, err, model.ErrDataIntegrity)

	_, err = f.FromStorageBytes(c.ID(), []byte("garbage"))
	assert.ErrorIs(t, err, model.ErrDataIntegrity)
}
