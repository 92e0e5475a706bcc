package keyvalstore

import "context"

// Namespaced returns a view of db in which every key lives under prefix.
// Views for distinct prefixes never observe each other's rows, which is how
// multiple pages share one store.
func Namespaced(db Db, prefix string) Db {
	return &namespacedDb{inner: db, prefix: prefix}
}

type namespacedDb struct {
	inner  Db
	prefix string
}

func (n *namespacedDb) Get(ctx context.Context, key []byte) ([]byte, error) {
	return n.inner.Get(ctx, KeyWithPrefix(n.prefix, key))
}

func (n *namespacedDb) HasKey(ctx context.Context, key []byte) (bool, error) {
	return n.inner.HasKey(ctx, KeyWithPrefix(n.prefix, key))
}

func (n *namespacedDb) HasPrefix(ctx context.Context, prefix []byte) (bool, error) {
	return n.inner.HasPrefix(ctx, KeyWithPrefix(n.prefix, prefix))
}

func (n *namespacedDb) GetByPrefix(ctx context.Context, prefix []byte) ([]Pair, error) {
	rows, err := n.inner.GetByPrefix(ctx, KeyWithPrefix(n.prefix, prefix))
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].Key = TrimPrefix(n.prefix, rows[i].Key)
	}
	return rows, nil
}

func (n *namespacedDb) GetIteratorAtPrefix(ctx context.Context, prefix []byte) (Iterator, error) {
	it, err := n.inner.GetIteratorAtPrefix(ctx, KeyWithPrefix(n.prefix, prefix))
	if err != nil {
		return nil, err
	}
	return &namespacedIterator{Iterator: it, prefix: n.prefix}, nil
}

func (n *namespacedDb) StartBatch(ctx context.Context) Batch {
	return &namespacedBatch{inner: n.inner.StartBatch(ctx), prefix: n.prefix}
}

type namespacedIterator struct {
	Iterator
	prefix string
}

func (i *namespacedIterator) Key() []byte {
	return TrimPrefix(i.prefix, i.Iterator.Key())
}

type namespacedBatch struct {
	inner  Batch
	prefix string
}

func (b *namespacedBatch) Put(ctx context.Context, key, value []byte) error {
	return b.inner.Put(ctx, KeyWithPrefix(b.prefix, key), value)
}

func (b *namespacedBatch) Delete(ctx context.Context, key []byte) error {
	return b.inner.Delete(ctx, KeyWithPrefix(b.prefix, key))
}

func (b *namespacedBatch) Execute(ctx context.Context) error {
	return b.inner.Execute(ctx)
}
