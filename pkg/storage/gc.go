package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
	"github.com/tidemark-db/tidemark/pkg/model"
)

// DeleteObject collects one piece if nothing references it. It returns the
// digests the deleted piece pointed at, which become candidates for the next
// round. Benign races (a concurrent Retain, an inbound reference appearing)
// return model.ErrCanceled; the piece simply stays.
func (s *PageStorage) DeleteObject(ctx context.Context, digest model.ObjectDigest) ([]model.ObjectDigest, error) {
	if digest.IsInlined() {
		return nil, nil
	}

	referenced, err := s.isReferenced(ctx, digest)
	if err != nil {
		return nil, err
	}
	if referenced {
		return nil, fmt.Errorf("%w: piece is referenced", model.ErrCanceled)
	}
	if s.isProtectedRoot(digest) {
		return nil, fmt.Errorf("%w: piece is a live root", model.ErrCanceled)
	}

	deletion, ok := s.objects.StartDeletion(digest)
	if !ok {
		return nil, fmt.Errorf("%w: piece is live", model.ErrCanceled)
	}

	// Outbound rows are read before apply; the batch built inside apply
	// removes both directions plus the piece itself.
	outbound, err := s.db.GetByPrefix(ctx, outboundRefScanPrefix(digest))
	if err != nil {
		deletion.Abort()
		return nil, err
	}

	var candidates []model.ObjectDigest
	err = deletion.Complete(func() error {
		batch := s.db.StartBatch(ctx)
		if err := batch.Delete(ctx, pieceKey(digest)); err != nil {
			return err
		}
		if err := batch.Delete(ctx, unsyncedPieceKey(digest)); err != nil {
			return err
		}
		for _, row := range outbound {
			dst := model.ObjectDigest(keyvalstore.TrimPrefix(string(outboundRefScanPrefix(digest)), row.Key))
			if err := batch.Delete(ctx, row.Key); err != nil {
				return err
			}
			if err := batch.Delete(ctx, objectRefKey(dst, digest)); err != nil {
				return err
			}
			candidates = append(candidates, dst)
		}
		return batch.Execute(ctx)
	})
	if err != nil {
		return nil, err
	}
	return candidates, nil
}

// CollectGarbage walks from the given candidate digests, deleting every
// piece that lost its last reference and cascading into the pieces it
// referenced. Canceled deletions are skipped, not retried.
func (s *PageStorage) CollectGarbage(ctx context.Context, candidates []model.ObjectDigest) error {
	seen := make(map[model.ObjectDigest]bool)
	queue := append([]model.ObjectDigest(nil), candidates...)
	for len(queue) > 0 {
		digest := queue[0]
		queue = queue[1:]
		if seen[digest] {
			continue
		}
		seen[digest] = true

		next, err := s.DeleteObject(ctx, digest)
		if errors.Is(err, model.ErrCanceled) {
			continue
		}
		if err != nil {
			return err
		}
		queue = append(queue, next...)
	}
	return nil
}

func (s *PageStorage) isReferenced(ctx context.Context, digest model.ObjectDigest) (bool, error) {
	fromObjects, err := s.db.HasPrefix(ctx, objectRefScanPrefix(digest))
	if err != nil || fromObjects {
		return fromObjects, err
	}
	return s.db.HasPrefix(ctx, commitRefScanPrefix(digest))
}

func (s *PageStorage) isProtectedRoot(digest model.ObjectDigest) bool {
	var roots []model.ObjectIdentifier
	switch s.config.GCPolicy {
	case GCEagerLiveRoots:
		roots = s.tracker.UnsyncedLiveRootIdentifiers()
	default:
		roots = s.tracker.LiveRootIdentifiers()
	}
	for _, root := range roots {
		if root.Digest == digest {
			return true
		}
	}
	return false
}
