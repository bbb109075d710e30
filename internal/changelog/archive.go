package changelog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/statekeeper/internal/document"
)

// Archive stores entries evicted from the in-memory log.
type Archive interface {
	Store(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, prefix string, since int64, limit int) ([]Entry, error)
	Close() error
}

// ArchiveConfig configures a BadgerArchive.
type ArchiveConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory bool

	// SyncWrites fsyncs every batch (default: false; the archive is forensic).
	SyncWrites bool

	// TTL expires archived entries after this long. Zero keeps them forever.
	TTL time.Duration
}

var keyPrefix = []byte("cl/")

// BadgerArchive keeps evicted entries in a badger database keyed by
// big-endian sequence number, so iteration is chronological.
type BadgerArchive struct {
	db  *badger.DB
	ttl time.Duration
}

type badgerLogger struct {
	logger *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.logger.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.logger.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.logger.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.logger.Debugf(format, args...) }

// OpenBadgerArchive opens or creates the archive database.
func OpenBadgerArchive(cfg ArchiveConfig, logger *zap.Logger) (*BadgerArchive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return &BadgerArchive{db: db, ttl: cfg.TTL}, nil
}

func archiveKey(seq uint64) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], seq)
	return k
}

// Store writes a batch in one transaction per badger batch.
func (a *BadgerArchive) Store(ctx context.Context, entries []Entry) error {
	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode entry %d: %w", e.Seq, err)
		}
		be := badger.NewEntry(archiveKey(e.Seq), b)
		if a.ttl > 0 {
			be = be.WithTTL(a.ttl)
		}
		if err := wb.SetEntry(be); err != nil {
			return fmt.Errorf("archive entry %d: %w", e.Seq, err)
		}
	}
	return wb.Flush()
}

// Query scans archived entries in sequence order.
func (a *BadgerArchive) Query(ctx context.Context, prefix string, since int64, limit int) ([]Entry, error) {
	var out []Entry
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e Entry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &e)
			}); err != nil {
				return fmt.Errorf("decode archived entry: %w", err)
			}
			if e.Timestamp < since || !document.HasPathPrefix(e.Path, prefix) {
				continue
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (a *BadgerArchive) Close() error {
	return a.db.Close()
}

var _ Archive = (*BadgerArchive)(nil)
