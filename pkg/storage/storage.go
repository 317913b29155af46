// Package storage defines the key/value surfaces the agent persists its
// session state behind.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// KV is the raw byte-oriented store a backend provides per prefix.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key has never been written.
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([][]byte, error)
	Delete(ctx context.Context, key string) error
}

type KVBroker interface {
	KeyValue(prefix string) KV
}

type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}
