// Package blobstore archives relay artifacts, the proof results and
// saga outcomes that operators consult after the fact. Artifacts are
// write-once JSON documents keyed by proof job id; the store itself is
// a thin driver switch over S3 and an in-memory map for tests and
// single-node deployments.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"
)

// maxArtifactBytes bounds Get reads; relay artifacts are small JSON
// documents and anything larger indicates a corrupted or foreign object.
const maxArtifactBytes int64 = 16 << 20

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
	ErrTooLarge      = errors.New("blobstore: object too large")
)

// Store persists relay artifacts durably. Keys are logical, without the
// deployment prefix; the store applies its configured prefix itself.
type Store interface {
	Put(ctx context.Context, key string, payload []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Object is a fetched artifact with its stored attributes.
type Object struct {
	Key          string
	Data         []byte
	ContentType  string
	Metadata     map[string]string
	ETag         string
	LastModified time.Time
}

type Config struct {
	Driver string

	// Prefix namespaces one deployment's artifacts inside a shared
	// bucket, e.g. "relay-prod".
	Prefix string

	// MaxGetSize bounds bytes returned by Get. Defaults to 16 MiB
	// when <= 0.
	MaxGetSize int64

	// S3 fields, required for DriverS3.
	Bucket   string
	S3Client S3Client
}

// New builds the configured store. The zero driver defaults to S3, the
// production deployment target.
func New(cfg Config) (Store, error) {
	driver := strings.TrimSpace(strings.ToLower(cfg.Driver))
	if driver == "" {
		driver = DriverS3
	}
	switch driver {
	case DriverMemory:
		return newMemoryStore(cfg.Prefix), nil
	case DriverS3:
		return newS3Store(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// artifactKey validates a logical key and applies the store prefix.
// Keys come from job ids and fixed layout segments, so anything outside
// plain printable path text is rejected rather than escaped.
func artifactKey(prefix, key string) (logical, full string, err error) {
	if key != strings.TrimSpace(key) {
		return "", "", fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return "", "", fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", "", fmt.Errorf("%w: key contains a parent segment", ErrInvalidKey)
		}
	}
	if prefix == "" {
		return key, key, nil
	}
	return key, prefix + "/" + key, nil
}

func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func copyBytes(v []byte) []byte {
	if v == nil {
		return nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

// copyMetadata normalizes user metadata to trimmed non-empty pairs.
func copyMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
