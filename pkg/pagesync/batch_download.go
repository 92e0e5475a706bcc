package pagesync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/storage"
)

// BatchDownload turns one pack of cloud commits into local commits: decrypt,
// verify the claimed name against the content hash, apply atomically, then
// prefetch eager values.
type BatchDownload struct {
	st  *storage.PageStorage
	enc encryption.Service
	log *logrus.Entry
}

func NewBatchDownload(st *storage.PageStorage, enc encryption.Service, logger *logrus.Logger) *BatchDownload {
	if logger == nil {
		logger = logrus.New()
	}
	return &BatchDownload{
		st:  st,
		enc: enc,
		log: logger.WithField("component", "batch-download"),
	}
}

// Apply verifies and applies the pack. A commit whose cloud name does not
// match its content hash poisons the whole pack: nothing is applied and the
// returned error wraps model.ErrDataIntegrity, which the download machine
// treats as permanent.
func (b *BatchDownload) Apply(ctx context.Context, pack cloud.CommitPack) error {
	data := make([]storage.CommitData, 0, len(pack.Commits))
	ids := make([]model.CommitID, 0, len(pack.Commits))
	for _, commit := range pack.Commits {
		plain, err := b.enc.DecryptCommit(commit.Data)
		if err != nil {
			return err
		}
		id := commitgraph.ComputeID(plain)
		if b.enc.EncodeCommitID(id) != commit.ID {
			return fmt.Errorf("%w: cloud commit %s does not hash to its name", model.ErrDataIntegrity, commit.ID)
		}
		data = append(data, storage.CommitData{ID: id, Bytes: plain})
		ids = append(ids, id)
	}

	if err := b.st.AddCommitsFromSync(ctx, data, model.ChangeSourceCloud); err != nil {
		return err
	}
	b.prefetchEager(ctx, ids)
	return nil
}

// prefetchEager pulls tree nodes and eager-priority values for freshly
// applied commits. Failures here are not batch failures; lazy reads will
// retry on demand.
func (b *BatchDownload) prefetchEager(ctx context.Context, ids []model.CommitID) {
	for _, id := range ids {
		commit, err := b.st.GetCommit(ctx, id)
		if err != nil {
			continue
		}
		entries, err := b.st.GetCommitContents(ctx, commit)
		if err != nil {
			b.log.WithError(err).WithField("commit", id.String()).Debug("eager tree prefetch failed")
			continue
		}
		for _, entry := range entries {
			if entry.Priority != model.KeyPriorityEager {
				continue
			}
			local, err := b.st.HasObject(ctx, entry.Object)
			if err != nil || local {
				continue
			}
			live := b.st.ObjectTracker().RetainIdentifier(entry.Object)
			if _, err := b.st.GetObject(ctx, entry.Object, storage.ValueFromNetwork()); err != nil {
				b.log.WithError(err).WithField("key", entry.Key).Debug("eager value prefetch failed")
			}
			live.Release()
		}
	}
}
