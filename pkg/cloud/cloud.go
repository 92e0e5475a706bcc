// Package cloud declares the remote service surface the sync state machines
// talk to. The wire protocol behind it is opaque; this package only fixes
// the Go contract.
package cloud

import (
	"context"
	"errors"
)

var (
	// ErrNetwork reports a transient connectivity failure; callers retry
	// with backoff.
	ErrNetwork = errors.New("cloud: network error")
	// ErrAuth reports an expired or rejected credential; also retried,
	// the token may refresh underneath.
	ErrAuth = errors.New("cloud: auth error")
	// ErrNotFound reports a missing commit or object on the cloud side.
	ErrNotFound = errors.New("cloud: not found")
	// ErrNotSupported reports that the server cannot serve the request
	// (e.g. diffs); callers fall back to a full fetch.
	ErrNotSupported = errors.New("cloud: not supported")
	// ErrParse reports a malformed payload; permanent for the session.
	ErrParse = errors.New("cloud: parse error")
	// ErrInternal reports a server-side failure; permanent.
	ErrInternal = errors.New("cloud: internal error")
)

// Commit is one commit as the cloud sees it: the encoded id and the
// encrypted storage bytes.
type Commit struct {
	ID   string
	Data []byte
}

// CommitPack is an ordered batch of commits.
type CommitPack struct {
	Commits []Commit
}

// PositionToken is the opaque cursor into the cloud's commit log.
type PositionToken string

// DiffEntry is one change of a commit diff. Payload is the encrypted entry
// payload; EntryID is the opaque, non-secret change identity used for
// pairwise cancellation.
type DiffEntry struct {
	EntryID  string
	Key      string
	Deletion bool
	Payload  []byte
}

// Diff describes a target commit as changes against a base commit.
type Diff struct {
	BaseCommitID string
	Entries      []DiffEntry
}

// Watcher receives push notifications after SetWatcher.
type Watcher interface {
	OnNewCommits(pack CommitPack, token PositionToken)
	OnError(err error)
}

// PageCloud is the per-page remote surface.
type PageCloud interface {
	AddCommits(ctx context.Context, pack CommitPack) error
	// GetCommits returns all commits after token plus the new token.
	GetCommits(ctx context.Context, token PositionToken) (CommitPack, PositionToken, error)
	AddObject(ctx context.Context, name string, data []byte) error
	GetObject(ctx context.Context, name string) ([]byte, error)
	// SetWatcher registers for pushes of commits after token. Only one
	// watcher per page is supported; setting a new one replaces it.
	SetWatcher(ctx context.Context, token PositionToken, watcher Watcher) error
	GetDiff(ctx context.Context, commitID string, possibleBases []string) (Diff, error)
	// UpdateClock merges the device clock into the cloud's and returns
	// the merged value.
	UpdateClock(ctx context.Context, clock []byte) ([]byte, error)
}
