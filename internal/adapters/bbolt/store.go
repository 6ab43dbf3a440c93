// Package bbolt persists the host's configuration in bbolt (embedded B+ tree).
// The "descriptors" bucket holds the configured sources in order; each source
// also gets its own bucket under "thumbnails" caching loaded thumbnails.
// Writes are transactional: a crash mid-write cannot corrupt previously
// committed data.
package bbolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/corey/mediabridge/internal/domain/messenger"
)

// Bucket keys
var (
	bucketDescriptors = []byte("descriptors")
	bucketThumbnails  = []byte("thumbnails")
)

// Store holds descriptors and cached thumbnails.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) a bbolt database at the given path.
func NewStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// orderKey encodes a position so that bbolt's byte order is list order.
func orderKey(i int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(i))
	return k
}

// SaveAll replaces the stored descriptor list with descs.
func (s *Store) SaveAll(descs []messenger.Descriptor) error {
	encoded := make([][]byte, 0, len(descs))
	for _, d := range descs {
		data, err := messenger.Encode(d)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketDescriptors); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketDescriptors)
		if err != nil {
			return err
		}
		for i, data := range encoded {
			if err := b.Put(orderKey(i), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadAll returns the stored descriptors in the order they were saved.
// A fresh database has none.
func (s *Store) LoadAll() ([]messenger.Descriptor, error) {
	var out []messenger.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDescriptors)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			d, err := messenger.Decode(v)
			if err != nil {
				return fmt.Errorf("descriptor %d: %w", binary.BigEndian.Uint32(k), err)
			}
			out = append(out, d)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Thumbnail is a cached thumbnail.
type Thumbnail struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

// PutThumbnail caches the thumbnail of objectID for d.
func (s *Store) PutThumbnail(d messenger.Descriptor, objectID string, th Thumbnail) error {
	data, err := json.Marshal(th)
	if err != nil {
		return fmt.Errorf("marshal thumbnail: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketThumbnails)
		if err != nil {
			return err
		}
		b, err := root.CreateBucketIfNotExists([]byte(d.Key()))
		if err != nil {
			return err
		}
		return b.Put([]byte(objectID), data)
	})
}

// GetThumbnail returns the cached thumbnail of objectID for d.
// Returns nil, nil on a cache miss.
func (s *Store) GetThumbnail(d messenger.Descriptor, objectID string) (*Thumbnail, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketThumbnails)
		if root == nil {
			return nil
		}
		b := root.Bucket([]byte(d.Key()))
		if b == nil {
			return nil
		}
		// Copy bytes out of the transaction (bbolt slices are only valid within tx)
		if v := b.Get([]byte(objectID)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	var th Thumbnail
	if err := json.Unmarshal(data, &th); err != nil {
		return nil, fmt.Errorf("unmarshal thumbnail: %w", err)
	}
	return &th, nil
}

// DropThumbnails removes every cached thumbnail of d.
// Idempotent: dropping an uncached source is not an error.
func (s *Store) DropThumbnails(d messenger.Descriptor) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketThumbnails)
		if root == nil {
			return nil
		}
		if err := root.DeleteBucket([]byte(d.Key())); err == bolt.ErrBucketNotFound {
			return nil // idempotent
		} else {
			return err
		}
	})
}
