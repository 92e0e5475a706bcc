// Package pagesync runs the per-page cloud synchronization: the download
// machine that tails the cloud's commit log and the upload machine that
// ships local commits, composed by PageSync.
package pagesync

// DownloadSyncState is the externally visible state of the download machine.
type DownloadSyncState int

const (
	DownloadNotStarted DownloadSyncState = iota
	// DownloadBacklog: paging through commits accumulated while offline.
	DownloadBacklog
	DownloadSettingRemoteWatcher
	DownloadIdle
	DownloadInProgress
	DownloadTemporaryError
	DownloadPermanentError
)

func (s DownloadSyncState) String() string {
	switch s {
	case DownloadNotStarted:
		return "not-started"
	case DownloadBacklog:
		return "backlog"
	case DownloadSettingRemoteWatcher:
		return "setting-remote-watcher"
	case DownloadIdle:
		return "idle"
	case DownloadInProgress:
		return "in-progress"
	case DownloadTemporaryError:
		return "temporary-error"
	case DownloadPermanentError:
		return "permanent-error"
	}
	return "unknown"
}

// UploadSyncState is the externally visible state of the upload machine.
type UploadSyncState int

const (
	UploadNotStarted UploadSyncState = iota
	// UploadWaitRemoteDownload: enabled but holding until the download
	// machine has drained the backlog, so merges happen before uploads.
	UploadWaitRemoteDownload
	// UploadPending: local commits exist but a condition suppresses the
	// batch (download busy, or a pending merge).
	UploadPending
	UploadInProgress
	UploadIdle
	UploadTemporaryError
	UploadPermanentError
)

func (s UploadSyncState) String() string {
	switch s {
	case UploadNotStarted:
		return "not-started"
	case UploadWaitRemoteDownload:
		return "wait-remote-download"
	case UploadPending:
		return "pending"
	case UploadInProgress:
		return "in-progress"
	case UploadIdle:
		return "idle"
	case UploadTemporaryError:
		return "temporary-error"
	case UploadPermanentError:
		return "permanent-error"
	}
	return "unknown"
}

// SyncStateWatcher observes state transitions of both machines. Consecutive
// identical pairs are deduplicated before delivery.
type SyncStateWatcher interface {
	OnSyncState(download DownloadSyncState, upload UploadSyncState)
}
