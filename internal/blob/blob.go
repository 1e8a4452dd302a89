// Package blob stores transfer chunks and download payloads.
//
// Every backend keeps the raw bytes plus a flat string metadata map under a
// caller-chosen key. Keys are opaque; the transfer coordinator generates
// them.
package blob

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is returned when no blob exists under a key.
var ErrNotFound = errors.New("blob: not found")

const ContentTypeBinary = "application/octet-stream"

// Info describes a stored blob.
type Info struct {
	Key         string
	Size        int64
	ContentType string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// Store is a FileBlobStore backend.
type Store interface {
	// Backend names the implementation ("postgres", "s3", ...).
	Backend() string
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	// Open streams a blob. The caller closes the reader.
	Open(ctx context.Context, key string) (io.ReadCloser, Info, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// Get reads a whole blob into memory.
func Get(ctx context.Context, s Store, key string) ([]byte, Info, error) {
	rc, info, err := s.Open(ctx, key)
	if err != nil {
		return nil, Info{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, Info{}, fmt.Errorf("blob: read %s: %w", key, err)
	}
	if info.Size == 0 {
		info.Size = int64(len(data))
	}
	return data, info, nil
}

// Object stores restrict metadata keys and values, so the map travels as
// one base64 JSON entry.
const packedMetaKey = "cmmeta"

func packMeta(meta map[string]string) (string, error) {
	if meta == nil {
		meta = map[string]string{}
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("blob: encode metadata: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func unpackMeta(packed string) map[string]string {
	out := map[string]string{}
	if packed == "" {
		return out
	}
	b, err := base64.StdEncoding.DecodeString(packed)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}
