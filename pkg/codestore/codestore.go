// Package codestore keeps runtime code blobs on disk, keyed by code hash.
package codestore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fortiblox/stratus-metadata/internal/types"
	"github.com/zeebo/blake3"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when no code is stored under a hash.
	ErrNotFound = errors.New("code not found")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("codestore closed")

	// ErrCorrupted is returned when a stored blob fails its checksum.
	ErrCorrupted = errors.New("stored code corrupted")

	// ErrEmptyCode is returned when putting a zero-length blob.
	ErrEmptyCode = errors.New("empty code")
)

// Bucket names for BoltDB.
var (
	// bucketCode stores checksum ‖ blob keyed by code hash.
	bucketCode = []byte("code")

	// bucketMeta stores store-wide counters.
	bucketMeta = []byte("meta")
)

var keyCount = []byte("count")

const checksumSize = 32

// Config holds code store configuration options.
type Config struct {
	// Path is the database file path.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// DefaultConfig returns the default configuration for a store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:    path,
		Timeout: 5 * time.Second,
	}
}

// Entry describes one stored blob.
type Entry struct {
	Hash types.Hash
	Size int
}

// Stats summarizes the store.
type Stats struct {
	Count        uint64
	DatabaseSize int64
}

// Store is a bbolt-backed code store.
type Store struct {
	db     *bolt.DB
	config Config

	mu     sync.RWMutex
	count  uint64
	closed bool
}

// Open creates or opens a code store.
func Open(config Config) (*Store, error) {
	if !config.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
			return nil, fmt.Errorf("create directory: %w", err)
		}
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{
		Timeout:  config.Timeout,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, config: config}

	if !config.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{bucketCode, bucketMeta} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("create bucket %s: %w", name, err)
				}
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}

	err = db.View(func(tx *bolt.Tx) error {
		if meta := tx.Bucket(bucketMeta); meta != nil {
			if v := meta.Get(keyCount); len(v) == 8 {
				s.count = binary.BigEndian.Uint64(v)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load count: %w", err)
	}

	return s, nil
}

// Put stores code and returns its hash. Storing the same code twice is a
// no-op.
func (s *Store) Put(code []byte) (types.Hash, error) {
	if len(code) == 0 {
		return types.Hash{}, ErrEmptyCode
	}
	hash := types.CodeHash(code)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Hash{}, ErrClosed
	}

	added := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		if b.Get(hash[:]) != nil {
			return nil
		}

		sum := blake3.Sum256(code)
		value := make([]byte, 0, checksumSize+len(code))
		value = append(value, sum[:]...)
		value = append(value, code...)
		if err := b.Put(hash[:], value); err != nil {
			return err
		}
		added = true
		return putCount(tx, s.count+1)
	})
	if err != nil {
		return types.Hash{}, fmt.Errorf("put code %s: %w", hash, err)
	}
	if added {
		s.count++
	}
	return hash, nil
}

// Get returns the code stored under hash after verifying its checksum.
func (s *Store) Get(hash types.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var code []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(hash[:])
		if v == nil {
			return ErrNotFound
		}
		if len(v) < checksumSize {
			return ErrCorrupted
		}
		sum := blake3.Sum256(v[checksumSize:])
		if !bytes.Equal(sum[:], v[:checksumSize]) {
			return ErrCorrupted
		}
		// Values are only valid for the life of the transaction.
		code = append([]byte(nil), v[checksumSize:]...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, hash)
	}
	return code, nil
}

// Has reports whether code is stored under hash.
func (s *Store) Has(hash types.Hash) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}

	found := false
	s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(bucketCode); b != nil {
			found = b.Get(hash[:]) != nil
		}
		return nil
	})
	return found
}

// Delete removes the code stored under hash.
func (s *Store) Delete(hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		if b.Get(hash[:]) == nil {
			return ErrNotFound
		}
		if err := b.Delete(hash[:]); err != nil {
			return err
		}
		return putCount(tx, s.count-1)
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", hash, err)
	}
	s.count--
	return nil
}

// List calls fn for every stored blob in hash order. Returning a non-nil
// error from fn stops the iteration and is returned.
func (s *Store) List(fn func(Entry) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCode)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			hash, err := types.HashFromBytes(k)
			if err != nil {
				return fmt.Errorf("%w: key %x", ErrCorrupted, k)
			}
			size := len(v) - checksumSize
			if size < 0 {
				size = 0
			}
			return fn(Entry{Hash: hash, Size: size})
		})
	})
}

// Stats returns store statistics.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, ErrClosed
	}

	stats := Stats{Count: s.count}
	if info, err := os.Stat(s.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Close closes the store. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func putCount(tx *bolt.Tx, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return tx.Bucket(bucketMeta).Put(keyCount, buf[:])
}
