// Package blobstore stores upload chunks and analysis artifacts by key.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned by Open for a key that does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value byte store. Keys use "/" as separator.
type Store interface {
	// Put writes size bytes from r under key, replacing any existing blob.
	// A negative size means unknown. It returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)

	// Open returns a reader for key or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key under prefix, which must end in "/".
	DeletePrefix(ctx context.Context, prefix string) error

	Ping(ctx context.Context) error
}

// ChunkPrefix is the directory holding every chunk of a session.
func ChunkPrefix(sessionID string) string { return "uploads/" + sessionID + "/" }

func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("%s%d", ChunkPrefix(sessionID), index)
}

// ArtifactKey is where a job's reassembled file lives until analysis ends.
func ArtifactKey(jobID string) string { return "artifacts/" + jobID }

// ctxReader fails reads once ctx is done so long copies stop on cancellation.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
