// internal/storage/memory.go
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MemoryObjectStore backs tests and the fault-injecting DR scenarios.
// FailWith makes every call return the given error until cleared, so a
// dependency outage can be simulated deterministically.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failErr error
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string][]byte)}
}

// FailWith forces every subsequent call to fail with err; nil restores
// normal behavior.
func (s *MemoryObjectStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemoryObjectStore) objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryObjectStore) Put(_ context.Context, bucket, key string, data io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	buf, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	s.objects[s.objectKey(bucket, key)] = buf
	return nil
}

func (s *MemoryObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	return s.GetRange(ctx, bucket, key, 0, 0)
}

func (s *MemoryObjectStore) GetRange(_ context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	buf, ok := s.objects[s.objectKey(bucket, key)]
	if !ok {
		return nil, ErrNotFound
	}
	if offset > int64(len(buf)) {
		offset = int64(len(buf))
	}
	buf = buf[offset:]
	if length > 0 && length < int64(len(buf)) {
		buf = buf[:length]
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func (s *MemoryObjectStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	delete(s.objects, s.objectKey(bucket, key))
	return nil
}

func (s *MemoryObjectStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	var keys []string
	bucketPrefix := bucket + "/"
	for k := range s.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, bucketPrefix)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len reports how many objects are stored.
func (s *MemoryObjectStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
