// Package tidemark is a synchronized, content-addressed page store: each
// page is a commit DAG over a deterministic entry tree, replicated through
// an untrusted cloud that only ever sees sealed bytes.
package tidemark

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/backup"
	"github.com/tidemark-db/tidemark/pkg/cloud"
	"github.com/tidemark-db/tidemark/pkg/encryption"
	"github.com/tidemark-db/tidemark/pkg/keyvalstore"
	"github.com/tidemark-db/tidemark/pkg/pagesync"
	"github.com/tidemark-db/tidemark/pkg/storage"
	"github.com/tidemark-db/tidemark/pkg/workerpool"
)

// Store owns the backing key-value store, the sealing service and the
// worker pool, and opens pages on top of them.
type Store struct {
	db     *keyvalstore.Store
	enc    encryption.Service
	pool   *workerpool.WorkerPool
	log    *logrus.Logger
	config Config

	mu    sync.Mutex
	pages map[string]*Page

	gcStop chan struct{}
}

// Page is one opened page: its storage engine and, when opened against a
// cloud, its sync machinery.
type Page struct {
	Storage *storage.PageStorage
	Sync    *pagesync.PageSync
}

// Open opens (or creates) the store at config.Path.
func Open(config Config, logger *logrus.Logger) (*Store, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	db, err := keyvalstore.Open(keyvalstore.StoreConfig{
		Path:          config.Path,
		MinimumFreeGB: config.MinimumFreeGB,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Store{
		db:     db,
		enc:    encryption.NewService([]byte(config.Secret)),
		pool:   workerpool.NewWorkerPool(workerpool.Config{WorkerCount: config.WorkerCount}),
		log:    logger,
		config: config,
		pages:  make(map[string]*Page),
		gcStop: make(chan struct{}),
	}
	go s.runValueLogGC()
	return s, nil
}

// OpenPage opens pageID over its own key namespace. A nil remote opens the
// page local-only; otherwise sync starts immediately and uploading is armed
// once the backlog has drained.
func (s *Store) OpenPage(ctx context.Context, pageID string, remote cloud.PageCloud) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if page, ok := s.pages[pageID]; ok {
		return page, nil
	}

	gcPolicy, err := s.config.gcPolicy()
	if err != nil {
		return nil, err
	}
	pruningPolicy, err := s.config.pruningPolicy()
	if err != nil {
		return nil, err
	}

	db := keyvalstore.Namespaced(s.db, "pages/"+pageID+"/")
	st, err := storage.New(ctx, db, s.enc, s.pool, nil, s.log, storage.Config{
		PageID:        pageID,
		GCPolicy:      gcPolicy,
		PruningPolicy: pruningPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("opening page %s: %w", pageID, err)
	}

	page := &Page{Storage: st}
	if remote != nil {
		page.Sync = pagesync.New(st, remote, s.enc, s.pool, s.log, pagesync.Options{})
		page.Sync.Start(ctx)
		page.Sync.EnableUpload()
	}
	s.pages[pageID] = page
	return page, nil
}

// Backup streams every page's rows into an xz archive.
func (s *Store) Backup(ctx context.Context, w io.Writer) error {
	return backup.Export(ctx, s.db, w)
}

// Restore replays an archive produced by Backup. Call before opening pages;
// already opened pages will not observe restored rows.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	return backup.Import(ctx, s.db, r)
}

// Close stops sync on every page and releases the pool and the store.
func (s *Store) Close() error {
	close(s.gcStop)

	s.mu.Lock()
	pages := s.pages
	s.pages = make(map[string]*Page)
	s.mu.Unlock()
	for _, page := range pages {
		if page.Sync != nil {
			page.Sync.Stop()
		}
	}

	s.pool.Close()
	return s.db.Close()
}

func (s *Store) runValueLogGC() {
	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(0.5); err != nil {
				s.log.WithError(err).Debug("value log gc pass")
			}
		}
	}
}
