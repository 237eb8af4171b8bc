package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps artifacts in a map. It mirrors the S3 driver's
// semantics, MD5 etags included, so tests exercise the same contract
// the production driver provides.
type memoryStore struct {
	prefix string

	mu      sync.RWMutex
	objects map[string]Object
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{
		prefix:  trimPrefix(prefix),
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	logical, full, err := artifactKey(m.prefix, key)
	if err != nil {
		return err
	}
	sum := md5.Sum(payload)
	obj := Object{
		Key:          logical,
		Data:         copyBytes(payload),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     copyMetadata(opts.Metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	m.mu.Lock()
	m.objects[full] = obj
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logical, full, err := artifactKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[full]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logical)
	}
	// Hand out copies so callers cannot mutate the stored artifact.
	obj.Data = copyBytes(obj.Data)
	obj.Metadata = copyMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	_, full, err := artifactKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.objects, full)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	_, full, err := artifactKey(m.prefix, key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[full]
	m.mu.RUnlock()
	return ok, nil
}
