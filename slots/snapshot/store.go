// Package snapshot persists the slot registry so occupancy survives a restart.
package snapshot

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/slots"
)

const keyPrefix = "slot/"

// Store keeps one record per slot in a badger database.
type Store struct {
	db     *badger.DB
	logger logging.Logger
}

// Open opens or creates the database at path. An empty path keeps everything in memory.
func Open(path string, logger logging.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open snapshot store %q", path)
	}
	return &Store{db: db, logger: logger}, nil
}

// Save replaces the stored states with the given ones.
func (s *Store) Save(ctx context.Context, states []slots.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(states))
	return s.db.Update(func(txn *badger.Txn) error {
		for _, st := range states {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(st); err != nil {
				return errors.Wrapf(err, "encode slot %q", st.ID)
			}
			key := keyPrefix + st.ID
			keep[key] = struct{}{}
			if err := txn.Set([]byte(key), buf.Bytes()); err != nil {
				return err
			}
		}

		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := keep[string(key)]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every stored state, ordered by id.
func (s *Store) Load(ctx context.Context) ([]slots.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []slots.State
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(keyPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var st slots.State
			if err := item.Value(func(val []byte) error {
				return gob.NewDecoder(bytes.NewReader(val)).Decode(&st)
			}); err != nil {
				return errors.Wrapf(err, "decode %s", strings.TrimPrefix(string(item.Key()), keyPrefix))
			}
			out = append(out, st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging through ours. Badger is chatty at info level so that
// goes to debug.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warnf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(strings.TrimSpace(format), args...)
}
