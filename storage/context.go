// Copyright (c) The Matterbridge Authors
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.etcd.io/bbolt"
)

// Context is a named key/value namespace inside a Store. Top level contexts
// map to bbolt buckets; Sub descends into nested buckets. Contexts are cheap
// handles and carry no state of their own.
type Context struct {
	store *Store
	path  []string
}

// Name returns the last element of the context path.
func (c *Context) Name() string {
	return c.path[len(c.path)-1]
}

// FullName returns the slash joined context path.
func (c *Context) FullName() string {
	return strings.Join(c.path, "/")
}

// Sub returns the nested context with the given name.
func (c *Context) Sub(name string) *Context {
	path := make([]string, len(c.path), len(c.path)+1)
	copy(path, c.path)
	return &Context{store: c.store, path: append(path, name)}
}

// bucket walks the context path inside tx, returning nil if any element is
// missing.
func (c *Context) bucket(tx *bbolt.Tx) *bbolt.Bucket {
	b := tx.Bucket([]byte(c.path[0]))
	for _, name := range c.path[1:] {
		if b == nil {
			return nil
		}
		b = b.Bucket([]byte(name))
	}
	return b
}

// createBucket walks the context path, creating buckets as needed.
func (c *Context) createBucket(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	b, err := tx.CreateBucketIfNotExists([]byte(c.path[0]))
	if err != nil {
		return nil, err
	}
	for _, name := range c.path[1:] {
		b, err = b.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Remove deletes a key. Removing an absent key is a no-op.
func (c *Context) Remove(key string) error {
	return c.store.update(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Keys lists all keys in the context, sorted. Nested contexts do not appear.
func (c *Context) Keys() ([]string, error) {
	var keys []string
	err := c.store.view(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v != nil {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Subs lists the names of nested contexts, sorted.
func (c *Context) Subs() ([]string, error) {
	var names []string
	err := c.store.view(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if v == nil {
				names = append(names, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Has reports whether the key holds a value.
func (c *Context) Has(key string) (bool, error) {
	var found bool
	err := c.store.view(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}
		found = b.Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Clear removes every key and nested context. The context itself survives
// and can be written again.
func (c *Context) Clear() error {
	return c.store.update(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return nil
		}

		var keys, subs [][]byte
		err := b.ForEach(func(k, v []byte) error {
			kc := append([]byte(nil), k...)
			if v == nil {
				subs = append(subs, kc)
			} else {
				keys = append(keys, kc)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		for _, name := range subs {
			if err := b.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Get reads the typed value stored under key. ErrKeyNotFound is returned when
// the key holds no value.
func Get[T any](c *Context, key string) (T, error) {
	var out T
	err := c.store.view(func(tx *bbolt.Tx) error {
		b := c.bucket(tx)
		if b == nil {
			return ErrKeyNotFound
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrKeyNotFound
		}
		if err := decode(data, &out); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", c.FullName(), key, err)
		}
		return nil
	})
	return out, err
}

// GetDefault reads the typed value stored under key, returning fallback when
// the key holds no value. The fallback is not written back.
func GetDefault[T any](c *Context, key string, fallback T) (T, error) {
	out, err := Get[T](c, key)
	if errors.Is(err, ErrKeyNotFound) {
		return fallback, nil
	}
	return out, err
}

// Set writes the typed value under key, committing before returning.
func Set[T any](c *Context, key string, value T) error {
	data, err := encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", c.FullName(), key, err)
	}
	return c.store.update(func(tx *bbolt.Tx) error {
		b, err := c.createBucket(tx)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
}
