// Package cloudtest provides an in-memory PageCloud for tests: it stores
// commits and objects, serves position tokens, pushes to watchers and can
// inject failures.
package cloudtest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/tidemark-db/tidemark/pkg/cloud"
)

// Cloud implements cloud.PageCloud in memory.
type Cloud struct {
	mu       sync.Mutex
	commits  []cloud.Commit
	known    map[string]bool
	objects  map[string][]byte
	watchers []cloud.Watcher
	clock    []byte

	// Failure injection: when set, the next matching call returns the
	// error once.
	FailNextAddCommits error
	FailNextGetCommits error
	FailNextAddObject  error
	FailNextGetObject  error
	FailNextSetWatcher error

	// Diffs served by GetDiff, keyed by commit id. Absent ids return
	// cloud.ErrNotSupported.
	Diffs map[string]cloud.Diff

	// Counters for assertions.
	AddCommitsCalls int
	AddObjectCalls  int
}

func New() *Cloud {
	return &Cloud{
		known:   make(map[string]bool),
		objects: make(map[string][]byte),
		Diffs:   make(map[string]cloud.Diff),
	}
}

func (c *Cloud) AddCommits(ctx context.Context, pack cloud.CommitPack) error {
	c.mu.Lock()
	c.AddCommitsCalls++
	if err := c.FailNextAddCommits; err != nil {
		c.FailNextAddCommits = nil
		c.mu.Unlock()
		return err
	}
	var added []cloud.Commit
	for _, commit := range pack.Commits {
		if c.known[commit.ID] {
			continue
		}
		c.known[commit.ID] = true
		c.commits = append(c.commits, commit)
		added = append(added, commit)
	}
	watchers := append([]cloud.Watcher(nil), c.watchers...)
	token := c.tokenLocked()
	c.mu.Unlock()

	if len(added) > 0 {
		for _, watcher := range watchers {
			watcher.OnNewCommits(cloud.CommitPack{Commits: added}, token)
		}
	}
	return nil
}

func (c *Cloud) GetCommits(ctx context.Context, token cloud.PositionToken) (cloud.CommitPack, cloud.PositionToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FailNextGetCommits; err != nil {
		c.FailNextGetCommits = nil
		return cloud.CommitPack{}, "", err
	}
	start, err := parseToken(token)
	if err != nil {
		return cloud.CommitPack{}, "", err
	}
	pack := cloud.CommitPack{Commits: append([]cloud.Commit(nil), c.commits[start:]...)}
	return pack, c.tokenLocked(), nil
}

func (c *Cloud) AddObject(ctx context.Context, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AddObjectCalls++
	if err := c.FailNextAddObject; err != nil {
		c.FailNextAddObject = nil
		return err
	}
	c.objects[name] = append([]byte(nil), data...)
	return nil
}

func (c *Cloud) GetObject(ctx context.Context, name string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.FailNextGetObject; err != nil {
		c.FailNextGetObject = nil
		return nil, err
	}
	data, ok := c.objects[name]
	if !ok {
		return nil, cloud.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (c *Cloud) SetWatcher(ctx context.Context, token cloud.PositionToken, watcher cloud.Watcher) error {
	c.mu.Lock()
	if err := c.FailNextSetWatcher; err != nil {
		c.FailNextSetWatcher = nil
		c.mu.Unlock()
		return err
	}
	c.watchers = append(c.watchers, watcher)
	start, err := parseToken(token)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	missed := append([]cloud.Commit(nil), c.commits[start:]...)
	current := c.tokenLocked()
	c.mu.Unlock()

	if len(missed) > 0 {
		watcher.OnNewCommits(cloud.CommitPack{Commits: missed}, current)
	}
	return nil
}

func (c *Cloud) GetDiff(ctx context.Context, commitID string, possibleBases []string) (cloud.Diff, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if diff, ok := c.Diffs[commitID]; ok {
		return diff, nil
	}
	return cloud.Diff{}, cloud.ErrNotSupported
}

func (c *Cloud) UpdateClock(ctx context.Context, clock []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = append([]byte(nil), clock...)
	return c.clock, nil
}

// ObjectCount returns the number of stored objects.
func (c *Cloud) ObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// CommitCount returns the number of stored commits.
func (c *Cloud) CommitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.commits)
}

// CommitIDs returns the stored commit ids in arrival order.
func (c *Cloud) CommitIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, len(c.commits))
	for i, commit := range c.commits {
		ids[i] = commit.ID
	}
	return ids
}

// Push stores commits as if another device uploaded them, notifying the
// watcher.
func (c *Cloud) Push(commits ...cloud.Commit) {
	_ = c.AddCommits(context.Background(), cloud.CommitPack{Commits: commits})
}

// DropWatcher simulates a connection loss: all watchers are removed and get
// an error callback.
func (c *Cloud) DropWatcher() {
	c.mu.Lock()
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()
	for _, watcher := range watchers {
		watcher.OnError(cloud.ErrNetwork)
	}
}

func (c *Cloud) tokenLocked() cloud.PositionToken {
	return cloud.PositionToken(strconv.Itoa(len(c.commits)))
}

func parseToken(token cloud.PositionToken) (int, error) {
	if token == "" {
		return 0, nil
	}
	start, err := strconv.Atoi(string(token))
	if err != nil || start < 0 {
		return 0, fmt.Errorf("%w: bad position token %q", cloud.ErrParse, token)
	}
	return start, nil
}
