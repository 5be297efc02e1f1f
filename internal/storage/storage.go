// Package storage is the object store behind the turn archive.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectTooLarge = errors.New("object exceeds read limit")
)

const (
	ContentTypeParquet = "application/vnd.apache.parquet"
	ContentTypeJSON    = "application/json"
)

// ObjectInfo is what a store reports about a written or existing object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions carries object metadata. Metadata keys are stored as user
// metadata, without any provider prefix.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ObjectStore is a flat key space of immutable-by-convention blobs.
// Get and Stat return ErrObjectNotFound for missing keys; Delete of a
// missing key succeeds.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

func PutBytes(ctx context.Context, store ObjectStore, key string, data []byte, opts PutOptions) (ObjectInfo, error) {
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), opts)
}

// ReadLimited reads a whole object, failing with ErrObjectTooLarge once more
// than limit bytes arrive. limit <= 0 disables the check.
func ReadLimited(ctx context.Context, store ObjectStore, key string, limit int64) ([]byte, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var reader io.Reader = body
	if limit > 0 {
		reader = io.LimitReader(body, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %q is larger than %d bytes", ErrObjectTooLarge, key, limit)
	}
	return data, nil
}
