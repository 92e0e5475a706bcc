package commitgraph

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/model"
)

// PruningPolicy selects when dominated commits are durably deleted.
type PruningPolicy int

const (
	// PruneNever keeps the full commit history.
	PruneNever PruningPolicy = iota
	// PruneLocalImmediate deletes, after every live-set change, every
	// stored ancestor strictly dominated by the latest unique common
	// ancestor of all live commits.
	PruneLocalImmediate
)

// PrunerStorage is the slice of page storage the pruner needs.
type PrunerStorage interface {
	GetCommit(ctx context.Context, id model.CommitID) (*Commit, error)
	DeleteCommits(ctx context.Context, ids []model.CommitID) error
}

// Pruner enforces the pruning policy. Trigger calls are coalesced: a prune
// already in flight is not restarted, only re-queued once.
type Pruner struct {
	policy  PruningPolicy
	storage PrunerStorage
	tracker *LiveCommitTracker
	log     *logrus.Entry

	mu      sync.Mutex
	running bool
	queued  bool
}

func NewPruner(policy PruningPolicy, storage PrunerStorage, tracker *LiveCommitTracker, logger *logrus.Logger) *Pruner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pruner{
		policy:  policy,
		storage: storage,
		tracker: tracker,
		log:     logger.WithField("component", "pruner"),
	}
}

// Trigger schedules a prune. Concurrent triggers coalesce into at most one
// queued follow-up run.
func (p *Pruner) Trigger(ctx context.Context) {
	if p.policy == PruneNever {
		return
	}
	p.mu.Lock()
	if p.running {
		p.queued = true
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *Pruner) run(ctx context.Context) {
	for {
		if err := p.Prune(ctx); err != nil {
			p.log.WithError(err).Warn("prune pass failed")
		}
		p.mu.Lock()
		if !p.queued {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.queued = false
		p.mu.Unlock()
	}
}

// Prune runs one synchronous pruning pass.
func (p *Pruner) Prune(ctx context.Context) error {
	live := p.tracker.LiveCommits()
	if len(live) == 0 {
		return nil
	}

	luca, err := FindLUCA(ctx, p.storage, live)
	if err != nil || luca == nil {
		// Missing ancestry (already pruned or remotely truncated)
		// degenerates to a no-op.
		return err
	}

	doomed, err := p.collectDominated(ctx, luca, live)
	if err != nil || len(doomed) == 0 {
		return err
	}
	p.log.WithField("count", len(doomed)).Debug("pruning dominated commits")
	return p.storage.DeleteCommits(ctx, doomed)
}

func (p *Pruner) collectDominated(ctx context.Context, luca *Commit, live []*Commit) ([]model.CommitID, error) {
	liveSet := make(map[model.CommitID]bool, len(live))
	for _, c := range live {
		liveSet[c.ID()] = true
	}

	var doomed []model.CommitID
	seen := map[model.CommitID]bool{luca.ID(): true}
	frontier := append([]model.CommitID(nil), luca.Parents()...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true

		commit, err := p.storage.GetCommit(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !liveSet[id] {
			doomed = append(doomed, id)
		}
		frontier = append(frontier, commit.Parents()...)
	}
	return doomed, nil
}

type lucaNode struct {
	commit  *Commit
	reached uint64
}

// FindLUCA computes the latest unique common ancestor of the given commits:
// the youngest commit every one of them reaches through parent pointers.
// Returns nil (no error) when the stored graph does not contain one.
func FindLUCA(ctx context.Context, getter interface {
	GetCommit(ctx context.Context, id model.CommitID) (*Commit, error)
}, commits []*Commit) (*Commit, error) {
	if len(commits) == 0 {
		return nil, nil
	}
	all := uint64(1)<<uint(len(commits)) - 1

	frontier := make(map[model.CommitID]*lucaNode, len(commits))
	for i, c := range commits {
		if node, ok := frontier[c.ID()]; ok {
			node.reached |= 1 << uint(i)
			continue
		}
		frontier[c.ID()] = &lucaNode{commit: c, reached: 1 << uint(i)}
	}

	for len(frontier) > 0 {
		if len(frontier) == 1 {
			for _, node := range frontier {
				if node.reached == all {
					return node.commit, nil
				}
			}
		}

		// Expand the youngest frontier node(s): walking in generation
		// order guarantees a node is fully merged before expansion.
		node := popMaxGeneration(frontier)
		if node.commit.Generation() == 0 && len(node.commit.Parents()) == 0 {
			// Reached the sentinel without converging; re-add and let
			// the single-node check above decide next round.
			if len(frontier) == 0 {
				if node.reached == all {
					return node.commit, nil
				}
				return nil, nil
			}
			continue
		}
		for _, parentID := range node.commit.Parents() {
			if existing, ok := frontier[parentID]; ok {
				existing.reached |= node.reached
				continue
			}
			parent, err := getter.GetCommit(ctx, parentID)
			if errors.Is(err, model.ErrNotFound) {
				// Truncated history below this branch.
				continue
			}
			if err != nil {
				return nil, err
			}
			frontier[parentID] = &lucaNode{commit: parent, reached: node.reached}
		}
	}
	return nil, nil
}

func popMaxGeneration(frontier map[model.CommitID]*lucaNode) *lucaNode {
	ids := make([]model.CommitID, 0, len(frontier))
	for id := range frontier {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		gi, gj := frontier[ids[i]].commit.Generation(), frontier[ids[j]].commit.Generation()
		if gi != gj {
			return gi > gj
		}
		return ids[i] < ids[j]
	})
	node := frontier[ids[0]]
	delete(frontier, ids[0])
	return node
}
