package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// Storage provides an abstraction over key-value style document storage.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	// WriteIfAbsent stores data only when nothing exists at path yet.
	// It reports whether the write happened. The check and the write are a
	// single atomic step on every implementation.
	WriteIfAbsent(ctx context.Context, path string, data []byte) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
}
