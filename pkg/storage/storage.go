// Package storage persists small client-side values such as the cached
// router response and the installation id.
package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("storage: key not found")

// Storage is a key/value store with optional per-key expiry.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	Ping() error
	Close() error
}

// expiryFor returns the absolute expiry in unix nanoseconds, 0 for none.
func expiryFor(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixNano()
}

func expired(now time.Time, expiresAt int64) bool {
	return expiresAt != 0 && now.UnixNano() >= expiresAt
}

// encodeEntry prefixes value with its big-endian expiry.
func encodeEntry(expiresAt int64, value []byte) []byte {
	b := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(b, uint64(expiresAt))
	copy(b[8:], value)
	return b
}

func decodeEntry(raw []byte) (int64, []byte, error) {
	if len(raw) < 8 {
		return 0, nil, errors.New("storage: corrupt entry")
	}
	expiresAt := int64(binary.BigEndian.Uint64(raw[:8]))
	value := make([]byte, len(raw)-8)
	copy(value, raw[8:])
	return expiresAt, value, nil
}
