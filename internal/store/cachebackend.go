package store

import (
	"bytes"

	"go.etcd.io/bbolt"
)

// CacheBackend persists cache entries in the cache bucket so they survive
// restarts. It satisfies cache.Backend.
type CacheBackend struct {
	s *Store
}

func (s *Store) CacheBackend() *CacheBackend { return &CacheBackend{s: s} }

func (c *CacheBackend) Load(key string) ([]byte, bool, error) {
	var out []byte
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(BucketCache).Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, out != nil, err
}

func (c *CacheBackend) Store(key string, value []byte) error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketCache).Put([]byte(key), value)
	})
}

func (c *CacheBackend) Delete(key string) error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketCache).Delete([]byte(key))
	})
}

func (c *CacheBackend) DeletePrefix(prefix string) error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(BucketCache)
		p := []byte(prefix)
		var keys [][]byte
		cur := b.Cursor()
		for k, _ := cur.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *CacheBackend) Keys() ([]string, error) {
	var out []string
	err := c.s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(BucketCache).ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	return out, err
}

func (c *CacheBackend) Clear() error {
	return c.s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(BucketCache); err != nil {
			return err
		}
		_, err := tx.CreateBucket(BucketCache)
		return err
	})
}
