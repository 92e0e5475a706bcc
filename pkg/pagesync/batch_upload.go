package pagesync

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/storage"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// BatchUpload ships everything currently unsynced: pieces first, then the
// commits that reference them, so the cloud never advertises a commit whose
// objects are unavailable.
type BatchUpload struct {
	st    *storage.PageStorage
	cloud cloud.PageCloud
	enc   encryption.Service
	pool  *workerpool.WorkerPool
	log   *logrus.Entry

	// MaxConcurrent bounds the piece uploads in flight per batch.
	MaxConcurrent int
}

func NewBatchUpload(st *storage.PageStorage, remote cloud.PageCloud, enc encryption.Service, pool *workerpool.WorkerPool, logger *logrus.Logger) *BatchUpload {
	if logger == nil {
		logger = logrus.New()
	}
	return &BatchUpload{
		st:            st,
		cloud:         remote,
		enc:           enc,
		pool:          pool,
		log:           logger.WithField("component", "batch-upload"),
		MaxConcurrent: 8,
	}
}

// Run uploads one batch and returns the number of commits shipped. Zero with
// nil error means there was nothing to do.
func (b *BatchUpload) Run(ctx context.Context) (int, error) {
	if err := b.uploadPieces(ctx); err != nil {
		return 0, err
	}

	commits, err := b.st.GetUnsyncedCommits(ctx)
	if err != nil {
		return 0, err
	}
	if len(commits) == 0 {
		return 0, nil
	}

	pack := cloud.CommitPack{Commits: make([]cloud.Commit, 0, len(commits))}
	for _, commit := range commits {
		sealed, err := b.enc.EncryptCommit(commit.StorageBytes())
		if err != nil {
			return 0, err
		}
		pack.Commits = append(pack.Commits, cloud.Commit{
			ID:   b.enc.EncodeCommitID(commit.ID()),
			Data: sealed,
		})
	}
	if err := b.cloud.AddCommits(ctx, pack); err != nil {
		return 0, err
	}
	for _, commit := range commits {
		if err := b.st.MarkCommitSynced(ctx, commit.ID()); err != nil {
			return 0, err
		}
	}
	b.log.WithField("commits", len(commits)).Debug("batch uploaded")
	return len(commits), nil
}

func (b *BatchUpload) uploadPieces(ctx context.Context) error {
	pieces, err := b.st.GetUnsyncedPieces(ctx)
	if err != nil {
		return err
	}
	if len(pieces) == 0 {
		return nil
	}

	size := b.MaxConcurrent
	if size < 1 {
		size = 1
	}
	room := b.pool.CreateRoom(size)
	remaining := pieces
	for len(remaining) > 0 {
		batch := remaining
		if len(batch) > size {
			batch = batch[:size]
		}
		remaining = remaining[len(batch):]
		for _, id := range batch {
			id := id
			room.NewTaskWaitForFreeSlot(func() interface{} {
				return b.uploadPiece(ctx, id)
			})
		}
		if err := room.CollectErr(); err != nil {
			return err
		}
		room = b.pool.CreateRoom(size)
	}
	return nil
}

func (b *BatchUpload) uploadPiece(ctx context.Context, id model.ObjectIdentifier) error {
	sealed, err := b.st.GetPiece(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		// Collected while unsynced; drop the stale marker.
		return b.st.MarkPieceSynced(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := b.cloud.AddObject(ctx, b.enc.GetObjectName(id), sealed); err != nil {
		return err
	}
	return b.st.MarkPieceSynced(ctx, id)
}
