package storage

import (
	"context"
	"fmt"

	"github.com/tidemark-db/tidemark/pkg/btree"
	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/objectid"
)

// Journal stages mutations against the current head and turns them into one
// commit. Staged value objects are written to the store immediately but held
// live by the journal, so the garbage collector cannot take them before the
// commit's tree references them.
type Journal struct {
	storage  *PageStorage
	parents  []*commitgraph.Commit
	staged   map[string]btree.Change
	retained []*objectid.Live
	closed   bool
}

// StartCommit opens a journal on the latest head.
func (s *PageStorage) StartCommit(ctx context.Context) (*Journal, error) {
	heads := s.tracker.Heads()
	if len(heads) == 0 {
		return nil, fmt.Errorf("%w: page has no head", model.ErrIllegalState)
	}
	parent, err := s.GetCommit(ctx, heads[len(heads)-1])
	if err != nil {
		return nil, err
	}
	return s.newJournal([]*commitgraph.Commit{parent}), nil
}

// StartMergeCommit opens a journal that merges the page's two heads. The
// caller stages the resolved content; unstaged keys keep the first head's
// entries.
func (s *PageStorage) StartMergeCommit(ctx context.Context) (*Journal, error) {
	heads := s.tracker.Heads()
	if len(heads) != 2 {
		return nil, fmt.Errorf("%w: merge needs exactly 2 heads, got %d", model.ErrIllegalState, len(heads))
	}
	parents := make([]*commitgraph.Commit, 0, 2)
	for _, id := range heads {
		commit, err := s.GetCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		parents = append(parents, commit)
	}
	return s.newJournal(parents), nil
}

func (s *PageStorage) newJournal(parents []*commitgraph.Commit) *Journal {
	j := &Journal{
		storage: s,
		parents: parents,
		staged:  make(map[string]btree.Change),
	}
	for _, parent := range parents {
		j.retained = append(j.retained, s.objects.RetainIdentifier(parent.Root()))
	}
	return j
}

// Put stages an upsert. The value is stored through the piece pipeline right
// away; only the entry-tree update waits for Commit.
func (j *Journal) Put(ctx context.Context, key string, value []byte, priority model.KeyPriority) error {
	if j.closed {
		return model.ErrIllegalState
	}
	id, err := j.storage.AddObjectFromLocal(ctx, value, nil)
	if err != nil {
		return err
	}
	j.retained = append(j.retained, j.storage.objects.RetainIdentifier(id))
	j.staged[key] = btree.Change{
		Entry: model.Entry{Key: key, Object: id, Priority: priority},
	}
	return nil
}

// Delete stages a deletion.
func (j *Journal) Delete(key string) error {
	if j.closed {
		return model.ErrIllegalState
	}
	j.staged[key] = btree.Change{
		Entry:    model.Entry{Key: key},
		Deletion: true,
	}
	return nil
}

// Commit builds the tree, persists the commit and swaps the head set. It
// returns (nil, nil) when the staged changes do not alter the parent's tree;
// no commit is created then. Entries the journal did not actually change
// keep their previous ids, which is what makes an identical re-put a no-op.
func (j *Journal) Commit(ctx context.Context) (*commitgraph.Commit, error) {
	if j.closed {
		return nil, model.ErrIllegalState
	}
	defer j.release()

	s := j.storage
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	base, err := s.getTreeEntries(ctx, j.parents[0].Root(), TreeNodeFromNetwork(j.parents[0].ID()))
	if err != nil {
		return nil, err
	}
	baseByKey := make(map[string]model.Entry, len(base))
	for _, entry := range base {
		baseByKey[entry.Key] = entry
	}

	var generation uint64
	for _, parent := range j.parents {
		if parent.Generation() >= generation {
			generation = parent.Generation() + 1
		}
	}

	var changes []btree.Change
	for key, change := range j.staged {
		old, exists := baseByKey[key]
		if change.Deletion {
			if !exists {
				continue
			}
		} else if exists && old.Object == change.Entry.Object && old.Priority == change.Entry.Priority {
			// Unchanged entry: keep the old id, stage nothing.
			continue
		}
		change.Entry.EntryID = btree.EntryID(key, generation)
		changes = append(changes, change)
	}

	if len(changes) == 0 && len(j.parents) == 1 {
		return nil, nil
	}

	entries := btree.ApplyChanges(base, changes)
	encoded := btree.Encode(entries)
	rootDigest := model.DigestFromContent(encoded)
	if len(j.parents) == 1 && rootDigest == j.parents[0].Root().Digest {
		return nil, nil
	}

	refs := make([]Reference, 0, len(entries))
	for _, entry := range entries {
		refs = append(refs, Reference{Digest: entry.Object.Digest, Priority: entry.Priority})
	}
	root, err := s.AddObjectFromLocal(ctx, encoded, refs)
	if err != nil {
		return nil, err
	}
	rootLive := s.objects.RetainIdentifier(root)
	defer rootLive.Release()

	commit, err := s.factory.FromContentAndParents(s.clock.Now().UnixMilli(), j.parents, root)
	if err != nil {
		return nil, err
	}

	exists, err := s.db.HasKey(ctx, commitKey(commit.ID()))
	if err != nil {
		return nil, err
	}
	if exists {
		// Another device (or an earlier merge) already produced this exact
		// commit and sync delivered it; nothing to persist.
		return commit, nil
	}

	encrypted, err := s.enc.EncryptCommit(commit.StorageBytes())
	if err != nil {
		return nil, err
	}
	batch := s.db.StartBatch(ctx)
	if err := batch.Put(ctx, commitKey(commit.ID()), encrypted); err != nil {
		return nil, err
	}
	if err := batch.Put(ctx, unsyncedCommitKey(commit.ID()), nil); err != nil {
		return nil, err
	}
	if err := batch.Put(ctx, commitRefKey(root.Digest, commit.ID()), nil); err != nil {
		return nil, err
	}
	for _, parent := range j.parents {
		if err := batch.Delete(ctx, headKey(parent.ID())); err != nil {
			return nil, err
		}
	}
	if err := batch.Put(ctx, headKey(commit.ID()), timestampValue(commit.Timestamp())); err != nil {
		return nil, err
	}
	if err := batch.Execute(ctx); err != nil {
		return nil, err
	}

	parentIDs := make([]model.CommitID, len(j.parents))
	parentRoots := map[model.CommitID][]model.ObjectIdentifier{}
	for i, parent := range j.parents {
		parentIDs[i] = parent.ID()
		parentRoots[commit.ID()] = append(parentRoots[commit.ID()], parent.Root())
	}
	s.tracker.RemoveHeads(parentIDs)
	s.tracker.AddHeads([]*commitgraph.Commit{commit}, false, parentRoots)

	s.notifyWatchers([]*commitgraph.Commit{commit}, model.ChangeSourceLocal)
	s.pruner.Trigger(context.WithoutCancel(ctx))
	return commit, nil
}

// Rollback abandons the journal, dropping its object holds.
func (j *Journal) Rollback() {
	if j.closed {
		return
	}
	j.release()
}

func (j *Journal) release() {
	j.closed = true
	for _, live := range j.retained {
		live.Release()
	}
	j.retained = nil
}

// GetValue reads one key's value at the given commit, fetching tree and
// value pieces from the cloud when they are not local. Missing keys return
// model.ErrNotFound.
func (s *PageStorage) GetValue(ctx context.Context, commit *commitgraph.Commit, key string) ([]byte, error) {
	entries, err := s.getTreeEntries(ctx, commit.Root(), TreeNodeFromNetwork(commit.ID()))
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Key == key {
			live := s.objects.RetainIdentifier(entry.Object)
			defer live.Release()
			return s.GetObject(ctx, entry.Object, ValueFromNetwork())
		}
	}
	return nil, fmt.Errorf("%w: key %q", model.ErrNotFound, key)
}
