package pagesync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/storage"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// PageSync composes the download and upload machines for one page and owns
// their lifecycle: download first, upload only after the backlog has
// drained, everything torn down on the first permanent error.
type PageSync struct {
	st       *storage.PageStorage
	download *PageDownload
	upload   *PageUpload
	log      *logrus.Entry

	mu             sync.Mutex
	started        bool
	uploadWanted   bool
	backlogDrained bool
	paused         bool
	onPaused       func(paused bool)

	unrecoverableOnce sync.Once
	onUnrecoverable   func(error)

	watcherMu    sync.Mutex
	watchers     []SyncStateWatcher
	lastDownload DownloadSyncState
	lastUpload   UploadSyncState
	ctx          context.Context
}

// Options tunes a PageSync; zero values select production defaults.
type Options struct {
	// DownloadBackoff and UploadBackoff default to independent exponential
	// backoffs.
	DownloadBackoff Backoff
	UploadBackoff   Backoff
}

func New(st *storage.PageStorage, remote cloud.PageCloud, enc encryption.Service, pool *workerpool.WorkerPool, logger *logrus.Logger, opts Options) *PageSync {
	if logger == nil {
		logger = logrus.New()
	}
	s := &PageSync{
		st:           st,
		download:     NewPageDownload(st, remote, enc, opts.DownloadBackoff, logger),
		upload:       NewPageUpload(st, remote, enc, pool, opts.UploadBackoff, logger),
		log:          logger.WithField("component", "page-sync"),
		lastDownload: DownloadNotStarted,
		lastUpload:   UploadNotStarted,
	}
	s.download.onStateChange = s.onDownloadState
	s.download.onBacklogDrained = s.onBacklogDrained
	s.download.onPermanent = s.permanent
	s.upload.onStateChange = s.onUploadState
	s.upload.onPermanent = s.permanent
	s.upload.isDownloadIdle = s.download.IsIdle
	return s
}

// Start installs the lazy-fetch delegate and begins downloading.
func (s *PageSync) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx = ctx
	s.mu.Unlock()

	s.st.SetSyncDelegate(s.download)
	s.download.Start(ctx)
}

// EnableUpload arms the upload side. If the backlog is still downloading the
// upload waits for it; local edits made meanwhile are queued, not lost.
func (s *PageSync) EnableUpload() {
	s.mu.Lock()
	s.uploadWanted = true
	ready := s.backlogDrained
	ctx := s.ctx
	s.mu.Unlock()
	if ready {
		s.upload.Enable(ctx)
	}
}

// Stop tears both machines down and detaches from storage.
func (s *PageSync) Stop() {
	s.st.SetSyncDelegate(nil)
	s.download.Stop()
	s.upload.Stop()
}

// DownloadState returns the download machine's state.
func (s *PageSync) DownloadState() DownloadSyncState { return s.download.State() }

// UploadState returns the upload machine's state.
func (s *PageSync) UploadState() UploadSyncState { return s.upload.State() }

// IsPaused reports whether both machines are quiescent: idle, waiting for
// an enabling condition, or waiting out a backoff. A machine actively
// applying or shipping a batch is not paused.
func (s *PageSync) IsPaused() bool {
	return downloadQuiescent(s.download.State()) && uploadQuiescent(s.upload.State())
}

func downloadQuiescent(state DownloadSyncState) bool {
	switch state {
	case DownloadNotStarted, DownloadIdle, DownloadTemporaryError:
		return true
	}
	return false
}

func uploadQuiescent(state UploadSyncState) bool {
	switch state {
	case UploadNotStarted, UploadWaitRemoteDownload, UploadIdle, UploadTemporaryError:
		return true
	}
	return false
}

// SetOnPaused registers the pause-transition callback.
func (s *PageSync) SetOnPaused(fn func(paused bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onPaused = fn
}

// SetOnUnrecoverableError registers the permanent-failure callback; it fires
// at most once, after sync has detached itself from storage.
func (s *PageSync) SetOnUnrecoverableError(fn func(error)) {
	s.onUnrecoverable = fn
}

// AddSyncStateWatcher registers a state watcher.
func (s *PageSync) AddSyncStateWatcher(w SyncStateWatcher) {
	s.watcherMu.Lock()
	defer s.watcherMu.Unlock()
	s.watchers = append(s.watchers, w)
}

func (s *PageSync) onBacklogDrained() {
	s.mu.Lock()
	s.backlogDrained = true
	wanted := s.uploadWanted
	ctx := s.ctx
	s.mu.Unlock()
	if wanted {
		s.upload.Enable(ctx)
	}
}

func (s *PageSync) onDownloadState(state DownloadSyncState) {
	if state == DownloadIdle {
		// Idleness lifts the upload suppression.
		s.upload.Trigger()
	}
	s.notifyState(state, s.upload.State())
	s.recomputePaused()
}

func (s *PageSync) onUploadState(state UploadSyncState) {
	s.notifyState(s.download.State(), state)
	s.recomputePaused()
}

func (s *PageSync) notifyState(download DownloadSyncState, upload UploadSyncState) {
	s.watcherMu.Lock()
	if download == s.lastDownload && upload == s.lastUpload {
		s.watcherMu.Unlock()
		return
	}
	s.lastDownload, s.lastUpload = download, upload
	watchers := append([]SyncStateWatcher(nil), s.watchers...)
	s.watcherMu.Unlock()
	for _, w := range watchers {
		w.OnSyncState(download, upload)
	}
}

func (s *PageSync) recomputePaused() {
	paused := s.IsPaused()
	s.mu.Lock()
	changed := paused != s.paused
	s.paused = paused
	fn := s.onPaused
	s.mu.Unlock()
	if changed && fn != nil {
		fn(paused)
	}
}

// permanent handles the first unrecoverable error: storage falls back to
// local-only operation and the owner is told to rebuild sync from scratch.
func (s *PageSync) permanent(err error) {
	s.unrecoverableOnce.Do(func() {
		s.log.WithError(err).Error("sync entered permanent failure")
		s.st.SetSyncDelegate(nil)
		s.download.Stop()
		s.upload.Stop()
		if s.onUnrecoverable != nil {
			s.onUnrecoverable(err)
		}
	})
}
