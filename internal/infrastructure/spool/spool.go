// Package spool persists activity events that failed with transient
// errors so a scheduled job can redeliver them after a restart.
package spool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alem-hub/progress-engine/internal/domain/activity"
	"github.com/alem-hub/progress-engine/internal/domain/progress"
	"github.com/alem-hub/progress-engine/internal/domain/shared"
	"github.com/alem-hub/progress-engine/pkg/logger"
)

var (
	bucketPending = []byte("pending")
	bucketDead    = []byte("dead")
)

// ErrEntryNotFound is returned when a key is in neither bucket.
var ErrEntryNotFound = errors.New("spool entry not found")

// Entry is one spooled event. Key is the event fingerprint, so a
// redelivery that fails again updates the same entry.
type Entry struct {
	Key           string         `json:"key"`
	Event         activity.Event `json:"event"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error"`
	FirstFailedAt time.Time      `json:"first_failed_at"`
	LastFailedAt  time.Time      `json:"last_failed_at"`
}

// Config contains spool settings.
type Config struct {
	// Path of the bbolt file. Parent directories are created.
	Path string

	// MaxAttempts moves an entry to the dead bucket once reached.
	MaxAttempts int

	// OpenTimeout bounds the wait for the file lock.
	OpenTimeout time.Duration

	Clock  shared.Clock
	Logger *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "data/spool.db",
		MaxAttempts: 10,
		OpenTimeout: time.Second,
	}
}

// Spool is a bbolt backed dead letter store with two buckets: pending
// entries awaiting redelivery and dead entries that exhausted their
// attempts.
type Spool struct {
	db          *bolt.DB
	maxAttempts int
	clock       shared.Clock
	logger      *logger.Logger
}

// Open opens or creates the spool file.
func Open(config Config) (*Spool, error) {
	defaults := DefaultConfig()
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = defaults.OpenTimeout
	}
	if config.Clock == nil {
		config.Clock = shared.SystemClock{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	if dir := filepath.Dir(config.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create spool directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open spool: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketPending, bucketDead} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Spool{
		db:          db,
		maxAttempts: config.MaxAttempts,
		clock:       config.Clock,
		logger:      config.Logger.Named("spool"),
	}, nil
}

// Close closes the database.
func (s *Spool) Close() error {
	return s.db.Close()
}

// Put records a failed delivery of evt. A new event starts at one
// attempt; a known one gets its attempt count bumped and is buried once
// the count reaches MaxAttempts.
func (s *Spool) Put(ctx context.Context, evt activity.Event, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := progress.Fingerprint(&evt)
	now := s.clock.Now()

	var buried bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		pending := tx.Bucket(bucketPending)

		entry := Entry{Key: key, Event: evt, FirstFailedAt: now}
		if data := pending.Get([]byte(key)); data != nil {
			if err := json.Unmarshal(data, &entry); err != nil {
				return fmt.Errorf("corrupt spool entry %s: %w", key, err)
			}
		}
		entry.Attempts++
		entry.LastFailedAt = now
		if cause != nil {
			entry.LastError = cause.Error()
		}

		if entry.Attempts >= s.maxAttempts {
			buried = true
			return moveTo(tx, bucketDead, entry)
		}
		return putEntry(pending, entry)
	})
	if err != nil {
		return err
	}

	if buried {
		s.logger.Error("event moved to dead bucket",
			logger.UserID(evt.UserID),
			logger.String("key", key),
			logger.Int("attempts", s.maxAttempts),
		)
	}
	return nil
}

// Pending returns up to limit entries awaiting redelivery, oldest
// failure first. limit <= 0 returns all of them.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return s.list(ctx, bucketPending, limit)
}

// Dead returns up to limit buried entries.
func (s *Spool) Dead(ctx context.Context, limit int) ([]Entry, error) {
	return s.list(ctx, bucketDead, limit)
}

// Ack removes a delivered entry.
func (s *Spool) Ack(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).Delete([]byte(key))
	})
}

// Bury moves a pending entry to the dead bucket immediately, used for
// permanent failures.
func (s *Spool) Bury(ctx context.Context, key string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPending).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt spool entry %s: %w", key, err)
		}
		entry.LastFailedAt = s.clock.Now()
		if cause != nil {
			entry.LastError = cause.Error()
		}
		return moveTo(tx, bucketDead, entry)
	})
}

// Requeue moves a dead entry back to pending with its attempts reset.
func (s *Spool) Requeue(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDead).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, key)
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return fmt.Errorf("corrupt spool entry %s: %w", key, err)
		}
		entry.Attempts = 0
		return moveTo(tx, bucketPending, entry)
	})
}

// Stats returns the number of pending and dead entries.
func (s *Spool) Stats() (pending, dead int, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		pending = tx.Bucket(bucketPending).Stats().KeyN
		dead = tx.Bucket(bucketDead).Stats().KeyN
		return nil
	})
	return pending, dead, err
}

func (s *Spool) list(ctx context.Context, bucket []byte, limit int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.logger.Warn("skipping corrupt spool entry", logger.String("key", string(k)), logger.Err(err))
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sortByFailure(entries)
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func putEntry(b *bolt.Bucket, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return b.Put([]byte(entry.Key), data)
}

// moveTo writes entry into dst and removes it from the other bucket.
func moveTo(tx *bolt.Tx, dst []byte, entry Entry) error {
	src := bucketPending
	if string(dst) == string(bucketPending) {
		src = bucketDead
	}
	if err := tx.Bucket(src).Delete([]byte(entry.Key)); err != nil {
		return err
	}
	return putEntry(tx.Bucket(dst), entry)
}

func sortByFailure(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].FirstFailedAt.Equal(entries[j].FirstFailedAt) {
			return entries[i].FirstFailedAt.Before(entries[j].FirstFailedAt)
		}
		return entries[i].Key < entries[j].Key
	})
}
