/*
Package store provides the byte-addressable keyed storage that chunked arrays
are written to and read from.  Keys are slash-delimited logical paths.  The
store is safe for concurrent reads and for writes to disjoint keys.
*/
package store

import "context"

// ObjectStore is the minimal contract needed by the chunked array layer:
// whole-object reads and writes keyed by logical path.
type ObjectStore interface {
	// Read returns the bytes stored at key, or (nil, nil) if the key does
	// not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write stores value at key, replacing any previous value.
	Write(ctx context.Context, key string, value []byte) error

	// Exists returns true if a value has been stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the value at key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
