// Package blobstore persists attachment contents under opaque keys.
// Metadata lives in the relational store; implementations here only
// move bytes. Two backends are provided: a local filesystem store for
// single-node deployments and a client for a bucket-scoped HTTP object
// store.
package blobstore

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound reports that no blob exists under the requested key.
var ErrNotFound = errors.New("blob not found")

// Store moves attachment bytes in and out of durable storage.
// Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
