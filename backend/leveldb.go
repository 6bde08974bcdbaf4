package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	n:<ns>              namespace marker
//	e:<ns>\x00<key>     entry value
var (
	levelNSPrefix    = []byte("n:")
	levelEntryPrefix = []byte("e:")
)

// LevelDB implements Backend on a goleveldb database. Batches are written
// with a single leveldb.Batch so they commit atomically.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) the database directory at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Put(ctx context.Context, ns, key string, value []byte) error {
	return l.PutBatch(ctx, ns, []Entry{{Key: key, Value: value}})
}

func (l *LevelDB) PutBatch(ctx context.Context, ns string, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(levelNSKey(ns), nil)
	for _, e := range entries {
		batch.Put(levelEntryKey(ns, e.Key), e.Value)
	}
	return l.db.Write(batch, nil)
}

func (l *LevelDB) Get(ctx context.Context, ns, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := l.db.Get(levelEntryKey(ns, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Delete(ctx context.Context, ns, key string) error {
	return l.db.Delete(levelEntryKey(ns, key), nil)
}

func (l *LevelDB) Keys(ctx context.Context, ns string) ([]string, error) {
	prefix := levelEntryKey(ns, "")
	it := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return keys, it.Error()
}

func (l *LevelDB) Namespaces(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix(levelNSPrefix), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), levelNSPrefix)))
	}
	return names, it.Error()
}

func (l *LevelDB) DropNamespace(ctx context.Context, ns string) error {
	it := l.db.NewIterator(util.BytesPrefix(levelEntryKey(ns, "")), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}
	batch.Delete(levelNSKey(ns))
	return l.db.Write(batch, nil)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func levelNSKey(ns string) []byte {
	return append(append([]byte(nil), levelNSPrefix...), ns...)
}

func levelEntryKey(ns, key string) []byte {
	k := make([]byte, 0, len(levelEntryPrefix)+len(ns)+1+len(key))
	k = append(k, levelEntryPrefix...)
	k = append(k, ns...)
	k = append(k, 0)
	return append(k, key...)
}

var _ Backend = (*LevelDB)(nil)
