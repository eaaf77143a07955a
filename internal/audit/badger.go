package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// eventKeyPrefix namespaces audit entries inside the Badger keyspace. The
// zero-padded nanosecond timestamp makes lexicographic key order equal
// chronological order, so queries are a single reverse scan.
const eventKeyPrefix = "event:"

// BadgerSink persists events in an embedded Badger database: durable across
// restarts without requiring a PostgreSQL instance next to the process.
type BadgerSink struct {
	db *badger.DB
}

var _ Sink = (*BadgerSink)(nil)

// OpenBadgerSink opens (or creates) the database at path and returns a sink
// that owns it. An empty path opens an in-memory database, used by tests.
func OpenBadgerSink(path string, log zerolog.Logger) (*BadgerSink, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLogger(badgerLogger{log})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return &BadgerSink{db: db}, nil
}

func (s *BadgerSink) Append(_ context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	key := fmt.Sprintf("%s%020d:%s", eventKeyPrefix, e.OccurredAt.UnixNano(), e.ID)

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

func (s *BadgerSink) Query(_ context.Context, f Filter) ([]Event, error) {
	limit := f.limit()
	events := make([]Event, 0, limit)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(eventKeyPrefix)
		// Reverse iteration starts just past the last possible event key.
		seek := append(append([]byte{}, prefix...), 0xFF)

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			var e Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				return err
			}
			// Keys descend in time; everything past Since is older still.
			if !f.Since.IsZero() && e.OccurredAt.Before(f.Since) {
				return nil
			}
			if f.Matches(e) {
				events = append(events, e)
				if len(events) >= limit {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	return events, nil
}

// Close closes the underlying database.
func (s *BadgerSink) Close() error {
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging through zerolog. Badger is
// chatty at info level during compaction, so that maps to debug.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}
