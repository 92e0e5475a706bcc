package commitgraph

import (
	"sort"
	"sync"

	"github.com/tidemark-db/tidemark/pkg/model"
)

type headInfo struct {
	id        model.CommitID
	timestamp int64
}

type liveEntry struct {
	commit      *Commit
	synced      bool
	parentRoots []model.ObjectIdentifier
}

// LiveCommitTracker tracks the page's head set and every commit currently
// held live by a reference (heads, open journals, in-flight sync batches).
// Heads are always a subset of the live set.
type LiveCommitTracker struct {
	mu    sync.Mutex
	heads map[model.CommitID]headInfo
	live  map[model.CommitID]*liveEntry
}

func NewLiveCommitTracker() *LiveCommitTracker {
	return &LiveCommitTracker{
		heads: make(map[model.CommitID]headInfo),
		live:  make(map[model.CommitID]*liveEntry),
	}
}

// AddHeads registers commits as heads, keeping them live.
func (t *LiveCommitTracker) AddHeads(commits []*Commit, synced bool, parentRoots map[model.CommitID][]model.ObjectIdentifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range commits {
		t.heads[c.ID()] = headInfo{id: c.ID(), timestamp: c.Timestamp()}
		t.registerLocked(c, synced, parentRoots[c.ID()])
	}
}

// RemoveHeads drops head status (and the head's live reference) for ids.
func (t *LiveCommitTracker) RemoveHeads(ids []model.CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if _, ok := t.heads[id]; ok {
			delete(t.heads, id)
			delete(t.live, id)
		}
	}
}

// Heads returns the head ids ordered by (timestamp, id), which makes head
// selection deterministic across devices.
func (t *LiveCommitTracker) Heads() []model.CommitID {
	t.mu.Lock()
	defer t.mu.Unlock()

	infos := make([]headInfo, 0, len(t.heads))
	for _, info := range t.heads {
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].timestamp != infos[j].timestamp {
			return infos[i].timestamp < infos[j].timestamp
		}
		return infos[i].id < infos[j].id
	})

	ids := make([]model.CommitID, len(infos))
	for i, info := range infos {
		ids[i] = info.id
	}
	return ids
}

// HeadCount returns the number of heads.
func (t *LiveCommitTracker) HeadCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heads)
}

// RegisterLive adds a non-head live reference, e.g. for a commit an open
// journal builds on. parentRoots are the roots of the commit's parents,
// held so that diff computation stays possible while the commit is
// unsynced.
func (t *LiveCommitTracker) RegisterLive(c *Commit, synced bool, parentRoots []model.ObjectIdentifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.registerLocked(c, synced, parentRoots)
}

func (t *LiveCommitTracker) registerLocked(c *Commit, synced bool, parentRoots []model.ObjectIdentifier) {
	t.live[c.ID()] = &liveEntry{commit: c, synced: synced, parentRoots: parentRoots}
}

// UnregisterLive drops a live reference unless the commit is a head.
func (t *LiveCommitTracker) UnregisterLive(id model.CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, isHead := t.heads[id]; isHead {
		return
	}
	delete(t.live, id)
}

// MarkSynced records that a live commit reached the cloud; its parents'
// roots no longer need to be held for diff computation.
func (t *LiveCommitTracker) MarkSynced(id model.CommitID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.live[id]; ok {
		entry.synced = true
		entry.parentRoots = nil
	}
}

// LiveCommits returns the commits currently live.
func (t *LiveCommitTracker) LiveCommits() []*Commit {
	t.mu.Lock()
	defer t.mu.Unlock()
	commits := make([]*Commit, 0, len(t.live))
	for _, entry := range t.live {
		commits = append(commits, entry.commit)
	}
	return commits
}

// LiveRootIdentifiers derives the root identifiers the garbage collector
// must not collect: every live commit's root, plus the parents' roots of
// live commits that have not been uploaded yet.
func (t *LiveCommitTracker) LiveRootIdentifiers() []model.ObjectIdentifier {
	t.mu.Lock()
	defer t.mu.Unlock()

	var roots []model.ObjectIdentifier
	for _, entry := range t.live {
		roots = append(roots, entry.commit.Root())
		if !entry.synced {
			roots = append(roots, entry.parentRoots...)
		}
	}
	return roots
}

// UnsyncedLiveRootIdentifiers is LiveRootIdentifiers restricted to commits
// that are still unsynced, used by the eager GC policy.
func (t *LiveCommitTracker) UnsyncedLiveRootIdentifiers() []model.ObjectIdentifier {
	t.mu.Lock()
	defer t.mu.Unlock()

	var roots []model.ObjectIdentifier
	for _, entry := range t.live {
		if entry.synced {
			continue
		}
		roots = append(roots, entry.commit.Root())
		roots = append(roots, entry.parentRoots...)
	}
	return roots
}
