package pagesync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/commitgraph"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/storage"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// PageUpload ships local commits to the cloud, one batch in flight at a
// time. Uploads are suppressed while the download side is busy and while
// the page has more than one head: a pending merge would immediately
// obsolete whatever we sent.
type PageUpload struct {
	st      *storage.PageStorage
	cloud   cloud.PageCloud
	enc     encryption.Service
	batch   *BatchUpload
	backoff Backoff
	log     *logrus.Entry

	onStateChange  func(UploadSyncState)
	onPermanent    func(error)
	isDownloadIdle func() bool

	mu       sync.Mutex
	state    UploadSyncState
	stopped  bool
	enabled  bool
	inFlight bool
	pending  bool

	clockInFlight bool
	clockQueued   bool

	retryTimer *time.Timer
	ctx        context.Context
}

func NewPageUpload(st *storage.PageStorage, remote cloud.PageCloud, enc encryption.Service, pool *workerpool.WorkerPool, bo Backoff, logger *logrus.Logger) *PageUpload {
	if logger == nil {
		logger = logrus.New()
	}
	if bo == nil {
		bo = NewExponentialBackoff()
	}
	u := &PageUpload{
		st:      st,
		cloud:   remote,
		enc:     enc,
		batch:   NewBatchUpload(st, remote, enc, pool, logger),
		backoff: bo,
		log:     logger.WithField("component", "page-upload"),
		state:   UploadNotStarted,
		isDownloadIdle: func() bool {
			return true
		},
	}
	return u
}

// Enable arms the machine. It stays in WaitRemoteDownload until the first
// download idle notification, then starts uploading.
func (u *PageUpload) Enable(ctx context.Context) {
	u.mu.Lock()
	u.ctx = ctx
	u.enabled = true
	u.mu.Unlock()
	u.setState(UploadWaitRemoteDownload)
	u.st.AddCommitWatcher(u)
	u.Trigger()
}

// Stop halts the machine and detaches it from storage.
func (u *PageUpload) Stop() {
	u.mu.Lock()
	u.stopped = true
	if u.retryTimer != nil {
		u.retryTimer.Stop()
		u.retryTimer = nil
	}
	u.mu.Unlock()
	u.st.RemoveCommitWatcher(u)
}

// State returns the current machine state.
func (u *PageUpload) State() UploadSyncState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// OnNewCommits implements storage.CommitWatcher. Local commits are new work;
// cloud commits can change the head count and lift the merge suppression, so
// both re-evaluate.
func (u *PageUpload) OnNewCommits(commits []*commitgraph.Commit, source model.ChangeSource) {
	u.Trigger()
}

// Trigger schedules a batch evaluation. A batch already in flight absorbs
// the trigger as a single queued follow-up.
func (u *PageUpload) Trigger() {
	u.mu.Lock()
	if !u.enabled || u.stopped || u.state == UploadPermanentError {
		u.mu.Unlock()
		return
	}
	if u.inFlight {
		u.pending = true
		u.mu.Unlock()
		return
	}
	u.inFlight = true
	ctx := u.ctx
	u.mu.Unlock()

	go u.run(ctx)
}

func (u *PageUpload) run(ctx context.Context) {
	for {
		if !u.isDownloadIdle() || u.st.LiveTracker().HeadCount() > 1 {
			u.finish(UploadPending)
			return
		}

		commits, err := u.st.GetUnsyncedCommits(ctx)
		if err != nil {
			u.fail(ctx, err)
			return
		}
		if len(commits) == 0 {
			u.finish(UploadIdle)
			return
		}

		u.setState(UploadInProgress)
		if _, err := u.batch.Run(ctx); err != nil {
			u.fail(ctx, err)
			return
		}
		u.backoff.Reset()
		u.updateClock(ctx)

		// Re-query: commits created during the batch ship in a follow-up
		// round instead of waiting for the next trigger.
		u.mu.Lock()
		u.pending = false
		u.mu.Unlock()
	}
}

func (u *PageUpload) finish(state UploadSyncState) {
	u.mu.Lock()
	rearm := u.pending
	u.pending = false
	u.inFlight = false
	u.mu.Unlock()
	u.setState(state)
	if rearm {
		u.Trigger()
	}
}

// updateClock merges the device clock (the encoded head set) into the
// cloud's. At most one update is in flight; further requests coalesce.
func (u *PageUpload) updateClock(ctx context.Context) {
	u.mu.Lock()
	if u.clockInFlight {
		u.clockQueued = true
		u.mu.Unlock()
		return
	}
	u.clockInFlight = true
	u.mu.Unlock()

	go func() {
		for {
			heads := u.st.GetHeadCommitIDs()
			encoded := make([]string, len(heads))
			for i, head := range heads {
				encoded[i] = u.enc.EncodeCommitID(head)
			}
			if _, err := u.cloud.UpdateClock(ctx, []byte(strings.Join(encoded, ","))); err != nil {
				u.log.WithError(err).Debug("clock update failed")
			}

			u.mu.Lock()
			if !u.clockQueued || u.stopped {
				u.clockInFlight = false
				u.mu.Unlock()
				return
			}
			u.clockQueued = false
			u.mu.Unlock()
		}
	}()
}

func (u *PageUpload) fail(ctx context.Context, err error) {
	u.mu.Lock()
	u.inFlight = false
	u.pending = false
	u.mu.Unlock()

	if errors.Is(err, cloud.ErrNetwork) || errors.Is(err, cloud.ErrAuth) {
		u.setState(UploadTemporaryError)
		delay := u.backoff.NextDelay()
		u.log.WithError(err).WithField("retry_in", delay).Debug("upload error, will retry")
		u.mu.Lock()
		if u.stopped {
			u.mu.Unlock()
			return
		}
		u.retryTimer = time.AfterFunc(delay, func() {
			u.mu.Lock()
			u.retryTimer = nil
			u.mu.Unlock()
			u.Trigger()
		})
		u.mu.Unlock()
		return
	}

	if u.setState(UploadPermanentError) {
		u.log.WithError(err).Error("upload failed permanently")
		if u.onPermanent != nil {
			u.onPermanent(err)
		}
	}
}

func (u *PageUpload) setState(state UploadSyncState) bool {
	u.mu.Lock()
	if u.stopped || u.state == UploadPermanentError || u.state == state {
		stuck := u.stopped || u.state == UploadPermanentError
		u.mu.Unlock()
		return !stuck
	}
	u.state = state
	notify := u.onStateChange
	u.mu.Unlock()
	if notify != nil {
		notify(state)
	}
	return true
}
