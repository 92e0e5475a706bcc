package pagesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/model"
	"github.com/tidemark-db/tidemark/pkg/storage"
)

// positionTokenKey is the sync-metadata slot holding the cloud log cursor.
const positionTokenKey = "position-token"

// PageDownload tails the cloud commit log: first the backlog accumulated
// while offline, then a push watcher. Pushed packs are coalesced into a
// single in-flight application. It also serves the storage delegate calls
// for lazy fetches, counting them so idleness means "no remote traffic at
// all", not just "no commit application".
type PageDownload struct {
	st      *storage.PageStorage
	cloud   cloud.PageCloud
	enc     encryption.Service
	batch   *BatchDownload
	backoff Backoff
	log     *logrus.Entry

	onStateChange    func(DownloadSyncState)
	onBacklogDrained func()
	onPermanent      func(error)

	mu         sync.Mutex
	state      DownloadSyncState
	stopped    bool
	processing bool
	// backlogActive and backlogQueued keep the backlog loop and the push
	// queue processor mutually exclusive: at most one of them applies a
	// batch at a time, so the position token only ever moves forward.
	backlogActive bool
	backlogQueued bool
	queue         []cloud.CommitPack
	queuedToken   cloud.PositionToken
	getCalls      int
	backlogOnce   sync.Once
	retryTimer    *time.Timer
	ctx           context.Context
}

func NewPageDownload(st *storage.PageStorage, remote cloud.PageCloud, enc encryption.Service, bo Backoff, logger *logrus.Logger) *PageDownload {
	if logger == nil {
		logger = logrus.New()
	}
	if bo == nil {
		bo = NewExponentialBackoff()
	}
	return &PageDownload{
		st:      st,
		cloud:   remote,
		enc:     enc,
		batch:   NewBatchDownload(st, enc, logger),
		backoff: bo,
		log:     logger.WithField("component", "page-download"),
		state:   DownloadNotStarted,
	}
}

// Start begins the backlog download asynchronously.
func (d *PageDownload) Start(ctx context.Context) {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()
	go d.runBacklog(ctx)
}

// Stop halts the machine; queued work and retries are dropped.
func (d *PageDownload) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.queue = nil
	d.backlogQueued = false
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
	d.mu.Unlock()
}

// State returns the current machine state.
func (d *PageDownload) State() DownloadSyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// IsIdle reports true only when the machine is idle and no delegate fetch is
// in flight.
func (d *PageDownload) IsIdle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == DownloadIdle && d.getCalls == 0
}

func (d *PageDownload) runBacklog(ctx context.Context) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if d.backlogActive || d.processing {
		// An application is already running; re-run the backlog when it
		// finishes instead of racing it for the position token.
		d.backlogQueued = true
		d.mu.Unlock()
		return
	}
	d.backlogActive = true
	d.mu.Unlock()
	defer d.finishBacklog(ctx)

	if !d.setState(DownloadBacklog) {
		return
	}
	for {
		token, err := d.st.GetSyncMetadata(ctx, positionTokenKey)
		if err != nil {
			d.fail(ctx, err)
			return
		}
		pack, next, err := d.cloud.GetCommits(ctx, cloud.PositionToken(token))
		if err != nil {
			d.fail(ctx, err)
			return
		}
		if len(pack.Commits) == 0 {
			break
		}
		if err := d.batch.Apply(ctx, pack); err != nil {
			d.fail(ctx, err)
			return
		}
		if err := d.st.SetSyncMetadata(ctx, positionTokenKey, string(next)); err != nil {
			d.fail(ctx, err)
			return
		}
	}

	if !d.setState(DownloadSettingRemoteWatcher) {
		return
	}
	token, err := d.st.GetSyncMetadata(ctx, positionTokenKey)
	if err != nil {
		d.fail(ctx, err)
		return
	}
	if err := d.cloud.SetWatcher(ctx, cloud.PositionToken(token), d); err != nil {
		d.fail(ctx, err)
		return
	}
	if !d.setState(DownloadIdle) {
		return
	}
	d.backoff.Reset()
}

// finishBacklog releases the backlog gate and hands over to whichever work
// piled up meanwhile: a queued backlog re-run, or pushed packs.
func (d *PageDownload) finishBacklog(ctx context.Context) {
	d.mu.Lock()
	d.backlogActive = false
	if d.stopped || d.state == DownloadPermanentError {
		d.mu.Unlock()
		return
	}
	if d.backlogQueued {
		d.backlogQueued = false
		d.mu.Unlock()
		go d.runBacklog(ctx)
		return
	}
	start := len(d.queue) > 0 && !d.processing
	if start {
		d.processing = true
	}
	d.mu.Unlock()
	if start {
		go d.processQueue(ctx)
	}
}

// OnNewCommits implements cloud.Watcher. Packs arriving while one is being
// applied coalesce into a single follow-up application.
func (d *PageDownload) OnNewCommits(pack cloud.CommitPack, token cloud.PositionToken) {
	d.mu.Lock()
	if d.stopped || d.state == DownloadPermanentError {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, pack)
	d.queuedToken = token
	if d.processing || d.backlogActive {
		d.mu.Unlock()
		return
	}
	d.processing = true
	ctx := d.ctx
	d.mu.Unlock()

	go d.processQueue(ctx)
}

// OnError implements cloud.Watcher: the push channel broke; re-run the
// backlog to catch up and re-arm the watcher.
func (d *PageDownload) OnError(err error) {
	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	d.log.WithError(err).Debug("watcher lost")
	d.fail(ctx, cloud.ErrNetwork)
}

func (d *PageDownload) processQueue(ctx context.Context) {
	for {
		d.mu.Lock()
		if d.stopped || len(d.queue) == 0 {
			d.processing = false
			rerun := d.backlogQueued && !d.stopped && d.state != DownloadPermanentError
			if rerun {
				d.backlogQueued = false
			}
			idle := !d.stopped && d.state == DownloadInProgress && !rerun
			rerunCtx := d.ctx
			d.mu.Unlock()
			if rerun {
				go d.runBacklog(rerunCtx)
				return
			}
			if idle {
				d.setState(DownloadIdle)
			}
			return
		}
		merged := cloud.CommitPack{}
		for _, pack := range d.queue {
			merged.Commits = append(merged.Commits, pack.Commits...)
		}
		token := d.queuedToken
		d.queue = nil
		d.mu.Unlock()

		if !d.setState(DownloadInProgress) {
			return
		}
		if err := d.batch.Apply(ctx, merged); err != nil {
			d.mu.Lock()
			d.processing = false
			d.mu.Unlock()
			d.fail(ctx, err)
			return
		}
		if err := d.st.SetSyncMetadata(ctx, positionTokenKey, string(token)); err != nil {
			d.mu.Lock()
			d.processing = false
			d.mu.Unlock()
			d.fail(ctx, err)
			return
		}
		d.backoff.Reset()
	}
}

// GetObject implements storage.PageSyncDelegate.
func (d *PageDownload) GetObject(ctx context.Context, id model.ObjectIdentifier, typ model.ObjectType) ([]byte, error) {
	d.addGetCall(1)
	defer d.addGetCall(-1)
	data, err := d.cloud.GetObject(ctx, d.enc.GetObjectName(id))
	if errors.Is(err, cloud.ErrNotFound) {
		return nil, model.ErrNotFound
	}
	return data, err
}

// GetDiff implements storage.PageSyncDelegate: fetch the commit's tree as a
// normalized diff against one of the local base commits.
func (d *PageDownload) GetDiff(ctx context.Context, commit model.CommitID, bases []model.CommitID) (storage.RemoteDiff, error) {
	d.addGetCall(1)
	defer d.addGetCall(-1)

	encodedBases := make([]string, len(bases))
	byEncoded := make(map[string]model.CommitID, len(bases))
	for i, base := range bases {
		encoded := d.enc.EncodeCommitID(base)
		encodedBases[i] = encoded
		byEncoded[encoded] = base
	}
	diff, err := d.cloud.GetDiff(ctx, d.enc.EncodeCommitID(commit), encodedBases)
	if err != nil {
		return storage.RemoteDiff{}, err
	}
	base, ok := byEncoded[diff.BaseCommitID]
	if !ok {
		return storage.RemoteDiff{}, errors.Join(cloud.ErrParse, errors.New("diff base is not one of the offered commits"))
	}
	normalized, err := NormalizeDiff(diff.Entries)
	if err != nil {
		return storage.RemoteDiff{}, err
	}
	changes, err := diffToChanges(normalized, d.enc.DecryptEntryPayload)
	if err != nil {
		return storage.RemoteDiff{}, err
	}
	return storage.RemoteDiff{Base: base, Changes: changes}, nil
}

func (d *PageDownload) addGetCall(delta int) {
	d.mu.Lock()
	d.getCalls += delta
	d.mu.Unlock()
}

// fail classifies err and either schedules a backlog restart or parks the
// machine permanently. Integrity and parse failures are permanent: retrying
// would refetch the same poisoned bytes.
func (d *PageDownload) fail(ctx context.Context, err error) {
	if permanentError(err) {
		if d.setState(DownloadPermanentError) {
			d.log.WithError(err).Error("download failed permanently")
			if d.onPermanent != nil {
				d.onPermanent(err)
			}
		}
		return
	}

	if !d.setState(DownloadTemporaryError) {
		return
	}
	delay := d.backoff.NextDelay()
	d.log.WithError(err).WithField("retry_in", delay).Debug("download error, will retry")
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = nil
	d.retryTimer = time.AfterFunc(delay, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.retryTimer = nil
		d.mu.Unlock()
		if !stopped {
			d.runBacklog(ctx)
		}
	})
	d.mu.Unlock()
}

func (d *PageDownload) setState(state DownloadSyncState) bool {
	d.mu.Lock()
	if d.stopped || d.state == DownloadPermanentError || d.state == state {
		stuck := d.stopped || d.state == DownloadPermanentError
		d.mu.Unlock()
		return !stuck
	}
	leftBacklog := d.state == DownloadBacklog
	d.state = state
	notify := d.onStateChange
	d.mu.Unlock()
	// The backlog-drained callback fires on the first transition away from
	// the backlog, error states included; a failed backlog must not keep
	// the upload side unarmed across retries.
	if leftBacklog {
		d.backlogOnce.Do(func() {
			if d.onBacklogDrained != nil {
				d.onBacklogDrained()
			}
		})
	}
	if notify != nil {
		notify(state)
	}
	return true
}

// permanentError reports whether err can never succeed on retry. Local
// store failures count: retrying cannot repair the disk underneath us.
func permanentError(err error) bool {
	return errors.Is(err, model.ErrDataIntegrity) ||
		errors.Is(err, model.ErrIO) ||
		errors.Is(err, cloud.ErrParse) ||
		errors.Is(err, cloud.ErrInternal)
}
