package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketSystem     = []byte("system")
	bucketValues     = []byte("values")
	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = 1

// Bolt is a Storage backed by a single bbolt file, for clients that must
// keep their installation id across restarts.
type Bolt struct {
	db     *bbolt.DB
	now    func() time.Time
	logger *zap.Logger
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, logger *zap.Logger) (*Bolt, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &Bolt{db: db, now: time.Now, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Bolt) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if v := sys.Get(keySchemaVersion); v != nil {
			if got := binary.BigEndian.Uint64(v); got > currentSchemaVersion {
				return fmt.Errorf("storage schema version %d is newer than supported %d", got, currentSchemaVersion)
			}
		} else {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, currentSchemaVersion)
			if err := sys.Put(keySchemaVersion, b); err != nil {
				return err
			}
		}
		_, err = tx.CreateBucketIfNotExists(bucketValues)
		return err
	})
}

func (s *Bolt) Get(_ context.Context, key string) ([]byte, error) {
	var (
		value   []byte
		isStale bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketValues).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		expiresAt, v, err := decodeEntry(raw)
		if err != nil {
			return fmt.Errorf("key %q: %w", key, err)
		}
		if expired(s.now(), expiresAt) {
			isStale = true
			return ErrNotFound
		}
		value = v
		return nil
	})
	if isStale {
		s.purge(key)
	}
	return value, err
}

// purge drops an expired key. Failures only leave garbage behind.
func (s *Bolt) purge(key string) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValues)
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		expiresAt, _, err := decodeEntry(raw)
		if err != nil || !expired(s.now(), expiresAt) {
			return err
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		s.logger.Warn("purging expired key", zap.String("key", key), zap.Error(err))
	}
}

func (s *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), encodeEntry(expiryFor(s.now(), ttl), value))
	})
}

func (s *Bolt) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
}

// Ping checks that the database is still readable.
func (s *Bolt) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

func (s *Bolt) Close() error {
	return s.db.Close()
}
