// Package leveldb is a goleveldb-backed storage.NotaryStore.
package leveldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	goleveldb "github.com/syndtr/goleveldb/leveldb"
	dberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvlstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/mmynk/iouflow/internal/storage"
)

const (
	// minCache is the minimum amount of memory in megabytes to allocate to leveldb
	// read and write caching, split half and half.
	minCache = 16

	// minHandles is the minimum number of files handles to allocate to the open
	// database files.
	minHandles = 16

	headPrefix         = "head/"
	notarizationPrefix = "ntx/"
)

// Ensure Database implements storage.NotaryStore
var _ storage.NotaryStore = (*Database)(nil)

// Database is a persistent notary index. Accept is serialised by mu so the
// read-check-write on a head is atomic; the write itself is one batch.
type Database struct {
	path  string
	lvldb *goleveldb.DB
	mu    sync.Mutex
}

// New opens (or creates) a database at path.
func New(path string, cache int, handles int) (*Database, error) {
	if cache < minCache {
		cache = minCache
	}
	if handles < minHandles {
		handles = minHandles
	}
	options := &opt.Options{
		Filter:                 filter.NewBloomFilter(10),
		DisableSeeksCompaction: true,
		OpenFilesCacheCapacity: handles,
		BlockCacheCapacity:     cache / 2 * opt.MiB,
		WriteBuffer:            cache / 4 * opt.MiB, // Two of these are used internally
	}
	slog.Info("Opening notary index", "database", path, "cache_mb", cache, "handles", handles)

	// Open the db and recover any potential corruptions
	db, err := goleveldb.OpenFile(path, options)
	if dberrors.IsCorrupted(err) {
		db, err = goleveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &Database{path: path, lvldb: db}, nil
}

// NewInMemory opens a database backed by memory only.
func NewInMemory() (*Database, error) {
	db, err := goleveldb.Open(lvlstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &Database{path: ":memory:", lvldb: db}, nil
}

// Close flushes any pending data to disk and closes the database.
func (db *Database) Close() error {
	return db.lvldb.Close()
}

// CurrentHead implements storage.NotaryStore.
func (db *Database) CurrentHead(ctx context.Context, linearID string) (storage.HeadEntry, error) {
	var head storage.HeadEntry
	if err := db.getJSON([]byte(headPrefix+linearID), &head); err != nil {
		if isNotFound(err) {
			return storage.HeadEntry{}, fmt.Errorf("linear id %s: %w", linearID, storage.ErrNotFound)
		}
		return storage.HeadEntry{}, fmt.Errorf("failed to get notary head: %w", err)
	}
	return head, nil
}

// Accept implements storage.NotaryStore.
func (db *Database) Accept(ctx context.Context, n storage.Notarization) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	headKey := []byte(headPrefix + n.LinearID)
	var current storage.HeadEntry
	err := db.getJSON(headKey, &current)
	switch {
	case isNotFound(err):
		if n.PriorTx != "" {
			return fmt.Errorf("%w: %s has no head, proposal consumes %s", storage.ErrConflict, n.LinearID, n.PriorTx)
		}
	case err != nil:
		return fmt.Errorf("failed to read notary head: %w", err)
	case current.TxID != n.PriorTx:
		return fmt.Errorf("%w: %s is at %s, proposal consumes %q", storage.ErrConflict, n.LinearID, current.TxID, n.PriorTx)
	}

	headValue, err := json.Marshal(storage.HeadEntry{TxID: n.TxID, StateHash: n.StateHash})
	if err != nil {
		return fmt.Errorf("failed to encode head: %w", err)
	}
	ntxValue, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notarization: %w", err)
	}

	batch := new(goleveldb.Batch)
	batch.Put([]byte(notarizationPrefix+n.TxID), ntxValue)
	batch.Put(headKey, headValue)
	if err := db.lvldb.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write notarization: %w", err)
	}
	return nil
}

// Notarization implements storage.NotaryStore.
func (db *Database) Notarization(ctx context.Context, txID string) (*storage.Notarization, error) {
	var n storage.Notarization
	if err := db.getJSON([]byte(notarizationPrefix+txID), &n); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("notarization %s: %w", txID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get notarization: %w", err)
	}
	return &n, nil
}

func (db *Database) getJSON(key []byte, v any) error {
	data, err := db.lvldb.Get(key, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func isNotFound(err error) bool {
	return errors.Is(err, dberrors.ErrNotFound)
}
