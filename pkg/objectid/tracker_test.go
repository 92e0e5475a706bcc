package objectid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-db/tidemark/pkg/model"
)

func hashedDigest(t *testing.T) model.ObjectDigest {
	t.Helper()
	content := make([]byte, model.InlineThreshold+1)
	for i := range content {
		content[i] = byte(i)
	}
	d := model.DigestFromContent(content)
	require.False(t, d.IsInlined())
	return d
}

func TestRetainReleaseCounts(t *testing.T) {
	tr := NewTracker(nil)
	d := hashedDigest(t)

	l1 := tr.Retain(d)
	l2 := tr.Retain(d)
	assert.Equal(t, 2, tr.LiveCount(d))

	l1.Release()
	l1.Release() // double release is a no-op
	assert.Equal(t, 1, tr.LiveCount(d))

	l2.Release()
	assert.Equal(t, 0, tr.LiveCount(d))
}

func TestInlinedRetainIsNoop(t *testing.T) {
	tr := NewTracker(nil)
	d := model.DigestFromContent([]byte("tiny"))
	require.True(t, d.IsInlined())

	l := tr.Retain(d)
	assert.Equal(t, 0, tr.LiveCount(d))
	l.Release()
}

func TestStartDeletionFailsWhileLive(t *testing.T) {
	tr := NewTracker(nil)
	d := hashedDigest(t)

	l := tr.Retain(d)
	_, ok := tr.StartDeletion(d)
	assert.False(t, ok)

	l.Release()
	del, ok := tr.StartDeletion(d)
	require.True(t, ok)
	del.Abort()
}

func TestDeletionCompletes(t *testing.T) {
	tr := NewTracker(nil)
	d := hashedDigest(t)

	del, ok := tr.StartDeletion(d)
	require.True(t, ok)

	applied := false
	require.NoError(t, del.Complete(func() error {
		applied = true
		return nil
	}))
	assert.True(t, applied)

	// The transaction is gone; a new one can start.
	del2, ok := tr.StartDeletion(d)
	require.True(t, ok)
	del2.Abort()
}

func TestRetainAbortsPendingDeletion(t *testing.T) {
	tr := NewTracker(nil)
	d := hashedDigest(t)

	del, ok := tr.StartDeletion(d)
	require.True(t, ok)

	// A reader shows up between StartDeletion and Complete.
	l := tr.Retain(d)
	err := del.Complete(func() error {
		t.Fatal("apply must not run after an interleaved retain")
		return nil
	})
	assert.True(t, errors.Is(err, model.ErrCanceled))
	l.Release()
}

func TestOnlyOneDeletionPending(t *testing.T) {
	tr := NewTracker(nil)
	d := hashedDigest(t)

	del, ok := tr.StartDeletion(d)
	require.True(t, ok)
	_, ok = tr.StartDeletion(d)
	assert.False(t, ok)
	del.Abort()
}
