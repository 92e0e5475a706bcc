// Package objectid tracks liveness of object identifiers and arbitrates the
// two-phase deletion protocol the garbage collector runs against concurrent
// readers.
package objectid

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/model"
)

// Tracker maintains a per-digest live count. A digest is collectable only
// while its count is zero; a deletion started at count zero is aborted by
// any Retain that lands before Complete.
type Tracker struct {
	mu      sync.Mutex
	log     *logrus.Entry
	counts  map[model.ObjectDigest]int
	pending map[model.ObjectDigest]*Deletion
}

func NewTracker(logger *logrus.Logger) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tracker{
		log:     logger.WithField("component", "objectid"),
		counts:  make(map[model.ObjectDigest]int),
		pending: make(map[model.ObjectDigest]*Deletion),
	}
}

// Live is a hold on a digest. The digest cannot be collected until every
// hold is released.
type Live struct {
	tracker  *Tracker
	digest   model.ObjectDigest
	released bool
}

// Retain takes a hold on digest and aborts any pending deletion for it.
// Inlined digests never touch storage, so their hold is a no-op.
func (t *Tracker) Retain(digest model.ObjectDigest) *Live {
	if digest.IsInlined() {
		return &Live{released: true}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[digest]++
	if del, ok := t.pending[digest]; ok {
		del.aborted = true
		delete(t.pending, digest)
		t.log.WithField("digest", digest.String()).Debug("retain aborted pending deletion")
	}
	return &Live{tracker: t, digest: digest}
}

// RetainIdentifier is Retain on the identifier's digest.
func (t *Tracker) RetainIdentifier(id model.ObjectIdentifier) *Live {
	return t.Retain(id.Digest)
}

// Release drops the hold. Releasing twice is a no-op.
func (l *Live) Release() {
	if l.released {
		return
	}
	l.released = true

	t := l.tracker
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counts[l.digest]--
	if t.counts[l.digest] <= 0 {
		delete(t.counts, l.digest)
	}
}

// LiveCount returns the number of outstanding holds for digest.
func (t *Tracker) LiveCount(digest model.ObjectDigest) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[digest]
}

// Deletion is a pending deletion transaction for one digest.
type Deletion struct {
	tracker   *Tracker
	digest    model.ObjectDigest
	aborted   bool
	completed bool
}

// StartDeletion opens a deletion transaction for digest. It fails when the
// digest is live or a transaction is already pending.
func (t *Tracker) StartDeletion(digest model.ObjectDigest) (*Deletion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.counts[digest] > 0 {
		return nil, false
	}
	if _, ok := t.pending[digest]; ok {
		return nil, false
	}
	del := &Deletion{tracker: t, digest: digest}
	t.pending[digest] = del
	return del, true
}

// Complete finishes the transaction. apply performs the actual removal of
// stored bytes and runs only if no identifier was retained for the digest
// since StartDeletion; otherwise Complete returns model.ErrCanceled and the
// caller must restart the deletion from scratch.
func (d *Deletion) Complete(apply func() error) error {
	t := d.tracker
	t.mu.Lock()
	if d.completed {
		t.mu.Unlock()
		return model.ErrIllegalState
	}
	d.completed = true
	if d.aborted {
		t.mu.Unlock()
		return model.ErrCanceled
	}
	t.mu.Unlock()

	// apply touches the store and must not run under the tracker lock. A
	// Retain landing during apply finds the marker still present and
	// aborts it; the reader then falls back to a network fetch, which is
	// the benign-race contract.
	err := apply()

	t.mu.Lock()
	if !d.aborted {
		delete(t.pending, d.digest)
	}
	t.mu.Unlock()
	return err
}

// Abort gives up on a pending transaction without deleting anything.
func (d *Deletion) Abort() {
	t := d.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	if !d.aborted && !d.completed {
		d.aborted = true
		delete(t.pending, d.digest)
	}
}
