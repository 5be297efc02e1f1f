package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

type mapStore map[string][]byte

func (m mapStore) Put(_ context.Context, key string, body io.Reader, _ int64, _ PutOptions) (ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return ObjectInfo{}, err
	}
	m[key] = data
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m mapStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m mapStore) Stat(_ context.Context, key string) (ObjectInfo, error) {
	data, ok := m[key]
	if !ok {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m mapStore) Delete(_ context.Context, key string) error {
	delete(m, key)
	return nil
}

func TestPutBytesThenReadLimited(t *testing.T) {
	store := mapStore{}
	info, err := PutBytes(context.Background(), store, "_cursors/a.json", []byte(`{"last_turn_id":3}`), PutOptions{ContentType: ContentTypeJSON})
	if err != nil {
		t.Fatalf("PutBytes() error = %v", err)
	}
	if info.Size != 18 {
		t.Fatalf("info.Size = %d", info.Size)
	}
	data, err := ReadLimited(context.Background(), store, "_cursors/a.json", 18)
	if err != nil {
		t.Fatalf("ReadLimited() error = %v", err)
	}
	if string(data) != `{"last_turn_id":3}` {
		t.Fatalf("data = %s", data)
	}
}

func TestReadLimitedRejectsOversizedObject(t *testing.T) {
	store := mapStore{"big": bytes.Repeat([]byte("x"), 10)}
	if _, err := ReadLimited(context.Background(), store, "big", 9); !errors.Is(err, ErrObjectTooLarge) {
		t.Fatalf("ReadLimited() error = %v, want ErrObjectTooLarge", err)
	}
	if _, err := ReadLimited(context.Background(), store, "big", 0); err != nil {
		t.Fatalf("ReadLimited(no limit) error = %v", err)
	}
}

func TestReadLimitedPassesNotFound(t *testing.T) {
	if _, err := ReadLimited(context.Background(), mapStore{}, "missing", 1); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("ReadLimited() error = %v", err)
	}
}
