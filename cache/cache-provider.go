package cache

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidGeneration is returned for an empty generation identifier
	// or one containing a NUL byte.
	ErrInvalidGeneration = errors.New("invalid generation")
	// ErrGenerationNotFound is returned when writing to a generation that was destroyed.
	ErrGenerationNotFound = errors.New("generation not found")
)

// Provider is a generation store. It holds any number of named generations,
// each one a key-value store of response snapshots.
// Generations are opaque: the provider never compares them except for equality.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open returns a handle to the named generation, creating it if absent.
	// Opening an existing generation does not change its contents or its position
	// in the creation order.
	Open(ctx context.Context, generation string) (Handle, error)
	// Generations returns the identifiers of all generations that were opened and
	// not yet destroyed, oldest first.
	Generations(ctx context.Context) ([]string, error)
	// Destroy removes a generation and all its entries.
	// It is safe to call concurrently with reads against other generations.
	// Destroying an unknown generation is not an error.
	Destroy(ctx context.Context, generation string) error
	// Close releases the underlying storage.
	Close() error
}

// Handle gives access to the entries of exactly one generation.
type Handle interface {
	// Generation returns the identifier of the generation.
	Generation() string
	// Get returns a copy of the snapshot stored under key, if any.
	// Only exact key matches are returned.
	Get(ctx context.Context, key string) (*Snapshot, bool, error)
	// Put stores a copy of the snapshot under key, replacing any existing entry.
	// Writing to a destroyed generation returns ErrGenerationNotFound.
	Put(ctx context.Context, key string, snapshot *Snapshot) error
	// Keys calls the given callback for each key in the generation.
	Keys(ctx context.Context, cb func(string)) error
}

func validGeneration(generation string) error {
	if generation == "" || strings.IndexByte(generation, 0) >= 0 {
		return ErrInvalidGeneration
	}
	return nil
}
