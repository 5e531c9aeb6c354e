package events

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
)

// Journal stores events in Badger so the error history of an instance
// survives restarts.
type Journal struct {
	db  *badger.DB
	seq atomic.Uint64
}

// Compile-time check.
var _ Sink = (*Journal)(nil)

// OpenJournal opens (or creates) a journal at path.  An empty path keeps
// the journal in memory.
func OpenJournal(path string) (*Journal, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(filepath.Clean(path))
	}
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func instancePrefix(image, instance string) []byte {
	return []byte("event:" + image + ":" + instance + ":")
}

// eventKey orders events by time, then by arrival within the process.
func (j *Journal) eventKey(ev Event) []byte {
	key := fmt.Sprintf("%020d:%010d", ev.Time.UnixNano(), j.seq.Add(1))
	return append(instancePrefix(ev.Image, ev.Instance), key...)
}

// Publish appends ev to the journal.
func (j *Journal) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(j.eventKey(ev), data)
	})
}

// History returns every event recorded for an instance, oldest first.
func (j *Journal) History(_ context.Context, image, instance string) ([]Event, error) {
	prefix := instancePrefix(image, instance)
	var out []Event

	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var ev Event
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			})
			if err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history %s/%s: %w", image, instance, err)
	}
	return out, nil
}
