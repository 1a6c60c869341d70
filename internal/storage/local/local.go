// Package local provides the node-local durable key/value store used for the ledger
// journal and session snapshots.
package local

import "errors"

// ErrNotFound is returned by Get when a key is absent.
var ErrNotFound = errors.New("local: key not found")

// Entry is one write in an atomic batch. Delete removes Key and ignores Value.
type Entry struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// BlobStore is the interface for the single-node durable KV store.
type BlobStore interface {
	// Init opens/creates the underlying store.
	Init() error
	// Close flushes and closes the store.
	Close() error
	// Put overwrites key with value.
	Put(key, value []byte) error
	// Get returns a copy of the value stored under key, or ErrNotFound.
	Get(key []byte) ([]byte, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error
	// Write applies every entry atomically.
	Write(entries []Entry) error
	// Scan calls fn for each key with prefix in ascending key order. Returning an
	// error from fn stops the scan and is returned.
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// DeletePrefix removes every key with prefix and returns the count removed.
	DeletePrefix(prefix []byte) (int, error)
	// Truncate deletes all stored keys.
	Truncate() error
}
