// Package keyvalstore wraps badger behind the narrow ordered key-value
// contract the storage engine consumes: point reads, prefix scans, snapshot
// iterators and atomic batches.
package keyvalstore

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/tidemark-db/tidemark/pkg/model"
)

// Db is the ordered key-value surface consumed by the page storage engine.
// Iterators observe a point-in-time snapshot; batches apply atomically.
type Db interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	HasKey(ctx context.Context, key []byte) (bool, error)
	HasPrefix(ctx context.Context, prefix []byte) (bool, error)
	GetByPrefix(ctx context.Context, prefix []byte) ([]Pair, error)
	GetIteratorAtPrefix(ctx context.Context, prefix []byte) (Iterator, error)
	StartBatch(ctx context.Context) Batch
}

// Batch accumulates writes and deletes and applies them in one transaction.
type Batch interface {
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Execute(ctx context.Context) error
}

// Iterator walks ordered (key, value) pairs under a snapshot.
type Iterator interface {
	Valid() bool
	Next()
	Key() []byte
	Value() ([]byte, error)
	Close()
}

// Pair is one (key, value) row returned by prefix scans.
type Pair struct {
	Key   []byte
	Value []byte
}

// StoreConfig configures a badger-backed store.
type StoreConfig struct {
	Path string
	// MinimumFreeGB aborts Open when the target filesystem has less free
	// space, so a filling disk fails loudly instead of mid-write.
	MinimumFreeGB int
	Logger        *logrus.Logger
}

// Store implements Db on top of badger.
type Store struct {
	config       StoreConfig
	badgerDB     *badger.DB
	log          *logrus.Entry
	readCounter  uint64
	writeCounter uint64
}

// Open opens or creates the store at config.Path.
func Open(config StoreConfig) (*Store, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}
	log := config.Logger.WithField("component", "keyvalstore")

	if config.Path == "" {
		return nil, fmt.Errorf("keyvalstore: no path configured")
	}
	if config.MinimumFreeGB > 0 {
		if err := checkFreeSpace(config.Path, config.MinimumFreeGB); err != nil {
			return nil, err
		}
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.SyncWrites = false

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %s: %w", config.Path, err)
	}

	return &Store{
		config:   config,
		badgerDB: db,
		log:      log,
	}, nil
}

func checkFreeSpace(path string, minimumGB int) error {
	usage, err := disk.Usage(path)
	if err != nil {
		// The directory may not exist yet; badger will create it.
		return nil
	}
	free := usage.Free / (1 << 30)
	if free < uint64(minimumGB) {
		return fmt.Errorf("keyvalstore: only %d GB free at %s, %d required", free, path, minimumGB)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.readCounter, 1)

	var value []byte
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %x: %v", model.ErrIO, key, err)
	}
	return value, nil
}

func (s *Store) HasKey(ctx context.Context, key []byte) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == model.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) HasPrefix(ctx context.Context, prefix []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	atomic.AddUint64(&s.readCounter, 1)

	found := false
	err := s.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		found = it.Valid()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: scan %x: %v", model.ErrIO, prefix, err)
	}
	return found, nil
}

func (s *Store) GetByPrefix(ctx context.Context, prefix []byte) ([]Pair, error) {
	it, err := s.GetIteratorAtPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var pairs []Pair
	for ; it.Valid(); it.Next() {
		value, err := it.Value()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, Pair{Key: append([]byte(nil), it.Key()...), Value: value})
	}
	return pairs, nil
}

func (s *Store) GetIteratorAtPrefix(ctx context.Context, prefix []byte) (Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	atomic.AddUint64(&s.readCounter, 1)

	txn := s.badgerDB.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = append([]byte(nil), prefix...)
	it := txn.NewIterator(opts)
	it.Rewind()
	return &snapshotIterator{txn: txn, it: it}, nil
}

type snapshotIterator struct {
	txn *badger.Txn
	it  *badger.Iterator
}

func (i *snapshotIterator) Valid() bool { return i.it.Valid() }
func (i *snapshotIterator) Next()       { i.it.Next() }
func (i *snapshotIterator) Key() []byte { return i.it.Item().Key() }

func (i *snapshotIterator) Value() ([]byte, error) {
	value, err := i.it.Item().ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: iterator value: %v", model.ErrIO, err)
	}
	return value, nil
}

func (i *snapshotIterator) Close() {
	i.it.Close()
	i.txn.Discard()
}

// StartBatch returns a batch that applies on Execute in one transaction.
func (s *Store) StartBatch(ctx context.Context) Batch {
	return &storeBatch{store: s}
}

type batchOp struct {
	key      []byte
	value    []byte
	deletion bool
}

type storeBatch struct {
	store    *Store
	ops      []batchOp
	executed bool
}

func (b *storeBatch) Put(ctx context.Context, key, value []byte) error {
	if b.executed {
		return model.ErrIllegalState
	}
	b.ops = append(b.ops, batchOp{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (b *storeBatch) Delete(ctx context.Context, key []byte) error {
	if b.executed {
		return model.ErrIllegalState
	}
	b.ops = append(b.ops, batchOp{key: append([]byte(nil), key...), deletion: true})
	return nil
}

func (b *storeBatch) Execute(ctx context.Context) error {
	if b.executed {
		return model.ErrIllegalState
	}
	b.executed = true
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.store.writeCounter, uint64(len(b.ops)))

	err := b.store.badgerDB.Update(func(txn *badger.Txn) error {
		for _, op := range b.ops {
			if op.deletion {
				if err := txn.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.key, op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.store.log.WithError(err).Error("batch execute failed")
		return fmt.Errorf("%w: batch execute: %v", model.ErrIO, err)
	}
	return nil
}

// Stats returns the number of read and write operations since Open.
func (s *Store) Stats() (reads, writes uint64) {
	return atomic.LoadUint64(&s.readCounter), atomic.LoadUint64(&s.writeCounter)
}

// RunValueLogGC triggers one round of badger value-log garbage collection.
func (s *Store) RunValueLogGC(discardRatio float64) error {
	return s.badgerDB.RunValueLogGC(discardRatio)
}

func (s *Store) Close() error {
	return s.badgerDB.Close()
}

// KeyWithPrefix joins a reserved prefix and a raw key.
func KeyWithPrefix(prefix string, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}

// TrimPrefix strips prefix from key; it panics if the prefix is absent since
// callers only pass keys returned by a scan under the same prefix.
func TrimPrefix(prefix string, key []byte) []byte {
	if !bytes.HasPrefix(key, []byte(prefix)) {
		panic(fmt.Sprintf("key %x lacks prefix %q", key, prefix))
	}
	return key[len(prefix):]
}
