package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"nexus-chat/go-e2ee/pkg/models"

	"github.com/dgraph-io/badger/v4"
)

type BadgerConfig struct {
	Dir        string
	SyncWrites bool
	// InMemory keeps the database off disk; Dir is ignored.
	InMemory bool
	Logger   *slog.Logger
}

// BadgerBackend persists key records in a badger database, one JSON value per key.
type BadgerBackend struct {
	db     *badger.DB
	closed atomic.Bool
}

func OpenBadger(cfg BadgerConfig) (*BadgerBackend, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dir := strings.TrimSpace(cfg.Dir)
		if dir == "" {
			return nil, errors.New("badger data dir is required")
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key store dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
		opts.SyncWrites = cfg.SyncWrites
	}
	opts.ValueLogFileSize = 16 << 20
	opts.Logger = nil
	if cfg.Logger != nil {
		opts.Logger = badgerLogger{log: cfg.Logger.With("component", "badger")}
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger key store: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

func (b *BadgerBackend) Get(key string) (models.KeyRecord, bool, error) {
	if b.closed.Load() {
		return models.KeyRecord{}, false, ErrClosed
	}
	var (
		rec   models.KeyRecord
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return models.KeyRecord{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return rec, found, nil
}

func (b *BadgerBackend) Put(key string, rec models.KeyRecord) error {
	if b.closed.Load() {
		return ErrClosed
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (b *BadgerBackend) Delete(key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (b *BadgerBackend) Keys(prefix string) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	out := make([]string, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			out = append(out, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerBackend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
