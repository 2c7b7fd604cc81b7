// Package store is the durable document store: JSON documents in bbolt
// buckets, with merge-by-path and prefix subscriptions.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var ErrNotFound = errors.New("document not found")

var (
	BucketCourses      = []byte("courses")
	BucketAssignments  = []byte("assignments")
	BucketMappings     = []byte("calendar_mappings")
	BucketParticipants = []byte("participants")
	BucketPrefs        = []byte("prefs")
	BucketSyncState    = []byte("sync_state")
	BucketVault        = []byte("vault")
	BucketAux          = []byte("aux")
	BucketCache        = []byte("cache")
)

var allBuckets = [][]byte{
	BucketCourses, BucketAssignments, BucketMappings, BucketParticipants,
	BucketPrefs, BucketSyncState, BucketVault, BucketAux, BucketCache,
}

type Store struct {
	db *bbolt.DB

	mu     sync.Mutex
	subs   map[int]*subscription
	nextID int
}

// Open opens (or creates) the database at path and makes sure every bucket
// exists.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, subs: make(map[int]*subscription)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	for id, sub := range s.subs {
		close(sub.ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

func Save[T any](s *Store, bucket []byte, key string, value T) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.Put(bucket, key, data)
}

// Put writes raw JSON and notifies subscribers.
func (s *Store) Put(bucket []byte, key string, data []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	s.publish(bucket, key)
	return nil
}

func Get[T any](s *Store, bucket []byte, key string) (T, error) {
	var out T
	raw, err := s.Raw(bucket, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return out, nil
}

func (s *Store) Raw(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, ErrNotFound)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) Exists(bucket []byte, key string) bool {
	_, err := s.Raw(bucket, key)
	return err == nil
}

func (s *Store) Delete(bucket []byte, key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	s.publish(bucket, key)
	return nil
}

type Doc struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// ListRaw returns the documents whose key starts with prefix, in key order.
func (s *Store) ListRaw(bucket []byte, prefix string) ([]Doc, error) {
	var out []Doc
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out = append(out, Doc{Key: string(k), Value: append([]byte(nil), v...)})
		}
		return nil
	})
	return out, err
}

func ListByPrefix[T any](s *Store, bucket []byte, prefix string) ([]T, error) {
	docs, err := s.ListRaw(bucket, prefix)
	if err != nil {
		return nil, err
	}
	return Decode[T](docs)
}

func List[T any](s *Store, bucket []byte) ([]T, error) {
	return ListByPrefix[T](s, bucket, "")
}

func Decode[T any](docs []Doc) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := json.Unmarshal(d.Value, &v); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", d.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Merge applies a JSON merge patch to the document at key, creating it when
// missing. Nested objects merge recursively and null deletes a field.
func (s *Store) Merge(bucket []byte, key string, patch map[string]any) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		doc := map[string]any{}
		if v := b.Get([]byte(key)); v != nil {
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("existing document is not an object: %w", err)
			}
		}
		// Round-trip the patch so typed values become plain JSON maps.
		raw, err := json.Marshal(patch)
		if err != nil {
			return err
		}
		var plain map[string]any
		if err := json.Unmarshal(raw, &plain); err != nil {
			return err
		}
		mergeInto(doc, plain)
		data, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("merge %s/%s: %w", bucket, key, err)
	}
	s.publish(bucket, key)
	return nil
}

func mergeInto(dst, patch map[string]any) {
	for k, v := range patch {
		if v == nil {
			delete(dst, k)
			continue
		}
		if pm, ok := v.(map[string]any); ok {
			dm, ok := dst[k].(map[string]any)
			if !ok {
				dm = map[string]any{}
			}
			mergeInto(dm, pm)
			dst[k] = dm
			continue
		}
		dst[k] = v
	}
}
