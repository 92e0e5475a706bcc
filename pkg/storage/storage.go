// Package storage implements the per-page commit and object store: the
// journal engine, the piece pipeline, the garbage collector and the
// watcher surface the sync state machines attach to.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/btree"
	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/objectid"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// GCPolicy selects how eagerly tree roots of live commits are protected
// from piece collection.
type GCPolicy int

const (
	// GCEagerLiveRoots protects only roots (and parent roots) of live
	// commits that have not been uploaded yet; synced roots are
	// collectable because sync no longer needs to diff against them.
	GCEagerLiveRoots GCPolicy = iota
	// GCNever protects the roots of all live commits.
	GCNever
)

// Clock supplies commit timestamps; injectable so tests control them.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// CommitWatcher observes new durable commits in creation order.
type CommitWatcher interface {
	OnNewCommits(commits []*commitgraph.Commit, source model.ChangeSource)
}

// RemoteDiff is a target tree described as changes against a base commit.
type RemoteDiff struct {
	Base    model.CommitID
	Changes []btree.Change
}

// PageSyncDelegate is the lazy-fetch surface sync exposes to storage.
type PageSyncDelegate interface {
	// GetObject fetches the sealed piece bytes for id from the cloud.
	GetObject(ctx context.Context, id model.ObjectIdentifier, typ model.ObjectType) ([]byte, error)
	// GetDiff fetches the diff of commit against one of the bases.
	GetDiff(ctx context.Context, commit model.CommitID, bases []model.CommitID) (RemoteDiff, error)
}

// CommitData is one commit arriving from sync: its claimed id and its
// decrypted storage bytes.
type CommitData struct {
	ID    model.CommitID
	Bytes []byte
}

// Config carries the per-page storage policies.
type Config struct {
	PageID        string
	GCPolicy      GCPolicy
	PruningPolicy commitgraph.PruningPolicy
}

// PageStorage composes the commit graph, the piece store and the garbage
// collector for one page.
type PageStorage struct {
	db     keyvalstore.Db
	enc    encryption.Service
	pool   *workerpool.WorkerPool
	clock  Clock
	log    *logrus.Entry
	config Config

	factory *commitgraph.Factory
	tracker *commitgraph.LiveCommitTracker
	objects *objectid.Tracker
	pruner  *commitgraph.Pruner

	// commitMu serializes CommitJournal and AddCommitsFromSync so root
	// rebuilds and head updates form a total order.
	commitMu sync.Mutex
	// notifyMu keeps watcher notifications in creation order.
	notifyMu sync.Mutex

	watcherMu sync.Mutex
	watchers  []CommitWatcher

	delegateMu sync.Mutex
	delegate   PageSyncDelegate
}

// New opens the page storage over db, loading the persisted head set or
// bootstrapping the sentinel root commit for a fresh page.
func New(ctx context.Context, db keyvalstore.Db, enc encryption.Service, pool *workerpool.WorkerPool, clock Clock, logger *logrus.Logger, config Config) (*PageStorage, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	s := &PageStorage{
		db:      db,
		enc:     enc,
		pool:    pool,
		clock:   clock,
		log:     logger.WithField("component", "storage").WithField("page", config.PageID),
		config:  config,
		factory: commitgraph.NewFactory(logger),
		tracker: commitgraph.NewLiveCommitTracker(),
		objects: objectid.NewTracker(logger),
	}
	s.pruner = commitgraph.NewPruner(config.PruningPolicy, s, s.tracker, logger)

	if err := s.initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PageStorage) initialize(ctx context.Context) error {
	rows, err := s.db.GetByPrefix(ctx, []byte(headKeyPrefix))
	if err != nil {
		return fmt.Errorf("loading heads: %w", err)
	}

	if len(rows) == 0 {
		return s.bootstrapEmptyPage(ctx)
	}

	var heads []*commitgraph.Commit
	for _, row := range rows {
		id := model.CommitID(keyvalstore.TrimPrefix(headKeyPrefix, row.Key))
		commit, err := s.GetCommit(ctx, id)
		if err != nil {
			return fmt.Errorf("loading head %s: %w", id, err)
		}
		heads = append(heads, commit)
	}
	parentRoots, err := s.parentRootsFor(ctx, heads)
	if err != nil {
		return err
	}
	synced := make(map[model.CommitID]bool, len(heads))
	for _, head := range heads {
		unsynced, err := s.db.HasKey(ctx, unsyncedCommitKey(head.ID()))
		if err != nil {
			return err
		}
		synced[head.ID()] = !unsynced
	}
	for _, head := range heads {
		s.tracker.AddHeads([]*commitgraph.Commit{head}, synced[head.ID()], parentRoots)
	}
	return nil
}

func (s *PageStorage) bootstrapEmptyPage(ctx context.Context) error {
	root := s.factory.RootCommit(model.ObjectIdentifier{
		Digest: model.DigestFromContent(btree.Encode(nil)),
	})
	encrypted, err := s.enc.EncryptCommit(root.StorageBytes())
	if err != nil {
		return fmt.Errorf("encrypting root commit: %w", err)
	}

	batch := s.db.StartBatch(ctx)
	if err := batch.Put(ctx, commitKey(root.ID()), encrypted); err != nil {
		return err
	}
	if err := batch.Put(ctx, headKey(root.ID()), timestampValue(root.Timestamp())); err != nil {
		return err
	}
	if err := batch.Put(ctx, commitRefKey(root.Root().Digest, root.ID()), nil); err != nil {
		return err
	}
	if err := batch.Execute(ctx); err != nil {
		return fmt.Errorf("bootstrapping page: %w", err)
	}
	// The sentinel commit is shared by construction, never uploaded.
	s.tracker.AddHeads([]*commitgraph.Commit{root}, true, nil)
	s.log.Debug("bootstrapped empty page")
	return nil
}

// GetCommit loads, decrypts and verifies one commit.
func (s *PageStorage) GetCommit(ctx context.Context, id model.CommitID) (*commitgraph.Commit, error) {
	encrypted, err := s.db.Get(ctx, commitKey(id))
	if err != nil {
		return nil, err
	}
	data, err := s.enc.DecryptCommit(encrypted)
	if err != nil {
		return nil, err
	}
	return s.factory.FromStorageBytes(id, data)
}

// GetHeadCommitIDs returns the head set ordered by (timestamp, id).
func (s *PageStorage) GetHeadCommitIDs() []model.CommitID {
	return s.tracker.Heads()
}

// GetCommitContents returns the sorted entries of the commit's tree,
// fetching the tree from the cloud if it is not local.
func (s *PageStorage) GetCommitContents(ctx context.Context, commit *commitgraph.Commit) ([]model.Entry, error) {
	return s.getTreeEntries(ctx, commit.Root(), TreeNodeFromNetwork(commit.ID()))
}

// GetUnsyncedCommits returns commits not yet uploaded, in causal order
// (generation, then timestamp, then id).
func (s *PageStorage) GetUnsyncedCommits(ctx context.Context) ([]*commitgraph.Commit, error) {
	rows, err := s.db.GetByPrefix(ctx, []byte(unsyncedCommitKeyPrefix))
	if err != nil {
		return nil, err
	}
	commits := make([]*commitgraph.Commit, 0, len(rows))
	for _, row := range rows {
		id := model.CommitID(keyvalstore.TrimPrefix(unsyncedCommitKeyPrefix, row.Key))
		commit, err := s.GetCommit(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			// Pruned while unsynced; marker is stale.
			continue
		}
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].Generation() != commits[j].Generation() {
			return commits[i].Generation() < commits[j].Generation()
		}
		if commits[i].Timestamp() != commits[j].Timestamp() {
			return commits[i].Timestamp() < commits[j].Timestamp()
		}
		return commits[i].ID() < commits[j].ID()
	})
	return commits, nil
}

// MarkCommitSynced records that the commit reached the cloud.
func (s *PageStorage) MarkCommitSynced(ctx context.Context, id model.CommitID) error {
	batch := s.db.StartBatch(ctx)
	if err := batch.Delete(ctx, unsyncedCommitKey(id)); err != nil {
		return err
	}
	if err := batch.Execute(ctx); err != nil {
		return err
	}
	s.tracker.MarkSynced(id)
	return nil
}

// IsCommitSynced reports whether the commit has been uploaded.
func (s *PageStorage) IsCommitSynced(ctx context.Context, id model.CommitID) (bool, error) {
	unsynced, err := s.db.HasKey(ctx, unsyncedCommitKey(id))
	return !unsynced, err
}

// AddCommitsFromSync applies a batch of remote commits atomically. The
// batch must arrive in an order compatible with causality: a commit whose
// parent is neither local nor earlier in the batch rejects the whole batch
// with model.ErrInternalNotFound.
func (s *PageStorage) AddCommitsFromSync(ctx context.Context, commits []CommitData, source model.ChangeSource) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	parsed := make([]*commitgraph.Commit, 0, len(commits))
	inBatch := make(map[model.CommitID]bool, len(commits))
	var newCommits []*commitgraph.Commit
	var syncedNow []model.CommitID

	for _, data := range commits {
		commit, err := s.factory.FromStorageBytes(data.ID, data.Bytes)
		if err != nil {
			return err
		}
		parsed = append(parsed, commit)
	}

	batch := s.db.StartBatch(ctx)
	heads := make(map[model.CommitID]*commitgraph.Commit)
	for _, id := range s.tracker.Heads() {
		commit, err := s.GetCommit(ctx, id)
		if err != nil {
			return err
		}
		heads[id] = commit
	}

	for _, commit := range parsed {
		exists, err := s.db.HasKey(ctx, commitKey(commit.ID()))
		if err != nil {
			return err
		}
		if exists {
			// Idempotent merge: a local unsynced copy becomes synced
			// instead of being re-added.
			unsynced, err := s.db.HasKey(ctx, unsyncedCommitKey(commit.ID()))
			if err != nil {
				return err
			}
			if unsynced {
				if err := batch.Delete(ctx, unsyncedCommitKey(commit.ID())); err != nil {
					return err
				}
				syncedNow = append(syncedNow, commit.ID())
			}
			inBatch[commit.ID()] = true
			continue
		}

		for _, parentID := range commit.Parents() {
			if inBatch[parentID] {
				continue
			}
			parentExists, err := s.db.HasKey(ctx, commitKey(parentID))
			if err != nil {
				return err
			}
			if !parentExists {
				return fmt.Errorf("%w: commit %s", model.ErrInternalNotFound, commit.ID())
			}
		}

		encrypted, err := s.enc.EncryptCommit(commit.StorageBytes())
		if err != nil {
			return err
		}
		if err := batch.Put(ctx, commitKey(commit.ID()), encrypted); err != nil {
			return err
		}
		if err := batch.Put(ctx, commitRefKey(commit.Root().Digest, commit.ID()), nil); err != nil {
			return err
		}

		for _, parentID := range commit.Parents() {
			if _, isHead := heads[parentID]; isHead {
				delete(heads, parentID)
				if err := batch.Delete(ctx, headKey(parentID)); err != nil {
					return err
				}
			}
		}
		heads[commit.ID()] = commit
		if err := batch.Put(ctx, headKey(commit.ID()), timestampValue(commit.Timestamp())); err != nil {
			return err
		}

		inBatch[commit.ID()] = true
		newCommits = append(newCommits, commit)
	}

	// Commits later in the batch may have displaced earlier ones from the
	// head map; drop their head rows again.
	for _, commit := range newCommits {
		if _, stillHead := heads[commit.ID()]; !stillHead {
			if err := batch.Delete(ctx, headKey(commit.ID())); err != nil {
				return err
			}
		}
	}

	if len(newCommits) == 0 && len(syncedNow) == 0 {
		return nil
	}
	if err := batch.Execute(ctx); err != nil {
		return err
	}

	for _, id := range syncedNow {
		s.tracker.MarkSynced(id)
	}
	if len(newCommits) > 0 {
		var removed []model.CommitID
		for _, commit := range newCommits {
			removed = append(removed, commit.Parents()...)
		}
		s.tracker.RemoveHeads(removed)
		for _, commit := range newCommits {
			if _, isHead := heads[commit.ID()]; isHead {
				s.tracker.AddHeads([]*commitgraph.Commit{commit}, true, nil)
			}
		}
		s.notifyWatchers(newCommits, source)
		s.pruner.Trigger(context.WithoutCancel(ctx))
	}
	return nil
}

// DeleteCommits durably removes commits; the pruner calls this for
// dominated history. Inlined tree roots have no piece row the collector
// could walk, so their outbound reference rows are cleaned up here, once the
// last commit sharing the root is gone.
func (s *PageStorage) DeleteCommits(ctx context.Context, ids []model.CommitID) error {
	deleted := make(map[model.CommitID]bool, len(ids))
	for _, id := range ids {
		deleted[id] = true
	}

	batch := s.db.StartBatch(ctx)
	inlineRoots := make(map[model.ObjectDigest]bool)
	for _, id := range ids {
		commit, err := s.GetCommit(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := batch.Delete(ctx, commitKey(id)); err != nil {
			return err
		}
		if err := batch.Delete(ctx, unsyncedCommitKey(id)); err != nil {
			return err
		}
		if err := batch.Delete(ctx, commitRefKey(commit.Root().Digest, id)); err != nil {
			return err
		}
		if commit.Root().Digest.IsInlined() {
			inlineRoots[commit.Root().Digest] = true
		}
	}

	for digest := range inlineRoots {
		rows, err := s.db.GetByPrefix(ctx, commitRefScanPrefix(digest))
		if err != nil {
			return err
		}
		stillReferenced := false
		for _, row := range rows {
			id := model.CommitID(keyvalstore.TrimPrefix(string(commitRefScanPrefix(digest)), row.Key))
			if !deleted[id] {
				stillReferenced = true
				break
			}
		}
		if stillReferenced {
			continue
		}
		outbound, err := s.db.GetByPrefix(ctx, outboundRefScanPrefix(digest))
		if err != nil {
			return err
		}
		for _, row := range outbound {
			dst := model.ObjectDigest(keyvalstore.TrimPrefix(string(outboundRefScanPrefix(digest)), row.Key))
			if err := batch.Delete(ctx, outboundRefKey(digest, dst)); err != nil {
				return err
			}
			if err := batch.Delete(ctx, objectRefKey(dst, digest)); err != nil {
				return err
			}
		}
	}
	return batch.Execute(ctx)
}

// SetSyncMetadata persists an opaque sync cursor value.
func (s *PageStorage) SetSyncMetadata(ctx context.Context, name, value string) error {
	batch := s.db.StartBatch(ctx)
	if err := batch.Put(ctx, syncMetadataKey(name), []byte(value)); err != nil {
		return err
	}
	return batch.Execute(ctx)
}

// GetSyncMetadata reads a sync cursor value; missing keys return "".
func (s *PageStorage) GetSyncMetadata(ctx context.Context, name string) (string, error) {
	value, err := s.db.Get(ctx, syncMetadataKey(name))
	if errors.Is(err, model.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// AddCommitWatcher registers a watcher for new durable commits.
func (s *PageStorage) AddCommitWatcher(w CommitWatcher) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	s.watchers = append(s.watchers, w)
}

// RemoveCommitWatcher unregisters a watcher.
func (s *PageStorage) RemoveCommitWatcher(w CommitWatcher) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	for i, existing := range s.watchers {
		if existing == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

func (s *PageStorage) notifyWatchers(commits []*commitgraph.Commit, source model.ChangeSource) {
	s.watcherMu.Lock()
	watchers := append([]CommitWatcher(nil), s.watchers...)
	s.watcherMu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, w := range watchers {
		w.OnNewCommits(commits, source)
	}
}

// SetSyncDelegate installs (or clears, with nil) the lazy-fetch delegate.
func (s *PageStorage) SetSyncDelegate(d PageSyncDelegate) {
	s.delegateMu.Lock()
	defer s.delegateMu.Unlock()
	s.delegate = d
}

func (s *PageStorage) syncDelegate() PageSyncDelegate {
	s.delegateMu.Lock()
	defer s.delegateMu.Unlock()
	return s.delegate
}

// ObjectTracker exposes the identifier liveness tracker.
func (s *PageStorage) ObjectTracker() *objectid.Tracker {
	return s.objects
}

// LiveTracker exposes the live-commit tracker.
func (s *PageStorage) LiveTracker() *commitgraph.LiveCommitTracker {
	return s.tracker
}

func (s *PageStorage) parentRootsFor(ctx context.Context, commits []*commitgraph.Commit) (map[model.CommitID][]model.ObjectIdentifier, error) {
	roots := make(map[model.CommitID][]model.ObjectIdentifier, len(commits))
	for _, commit := range commits {
		for _, parentID := range commit.Parents() {
			parent, err := s.GetCommit(ctx, parentID)
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			roots[commit.ID()] = append(roots[commit.ID()], parent.Root())
		}
	}
	return roots, nil
}

func timestampValue(ts int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return buf[:]
}
