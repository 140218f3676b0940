package store

import (
	"bytes"

	"go.etcd.io/bbolt"
)

type KV struct {
	Key   []byte
	Value []byte
}

// NewCursorIter iterates over the keys of a bucket that start with prefix.
// An empty prefix iterates over the whole bucket.
func NewCursorIter(prefix []byte, cursor *bbolt.Cursor) *CursorIterator {
	return &CursorIterator{prefix: prefix, cursor: cursor}
}

type CursorIterator struct {
	cursor *bbolt.Cursor
	seek   bool
	prefix []byte
	k, v   []byte
}

func (c *CursorIterator) Next() bool {
	if !c.seek {
		if len(c.prefix) == 0 {
			c.k, c.v = c.cursor.First()
		} else {
			c.k, c.v = c.cursor.Seek(c.prefix)
		}
		c.seek = true
	} else {
		c.k, c.v = c.cursor.Next()
	}
	return c.valid()
}

func (c *CursorIterator) valid() bool {
	return c.k != nil && (len(c.prefix) == 0 || bytes.HasPrefix(c.k, c.prefix))
}

func (c *CursorIterator) At() KV       { return KV{Key: c.k, Value: c.v} }
func (c *CursorIterator) Err() error   { return nil }
func (c *CursorIterator) Close() error { return nil }
