// Package kv defines the shared key-value store every relayd instance
// coordinates through: leases, instance records, fast-path task status and
// in-flight markers.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates the key does not exist or has expired.
	ErrNotFound = errors.New("kv: not found")
	// ErrCASMismatch indicates a conditional write lost to a concurrent writer.
	ErrCASMismatch = errors.New("kv: cas mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("kv: closed")
)

// Key namespaces shared by all instances.
const (
	LockPrefix        = "lock:"
	InstancePrefix    = "instance:"
	TaskStatusPrefix  = "task_status:"
	ProcessingPrefix  = "processing:"
	MessageLockPrefix = "msg_lock:"
)

// Store is the shared key-value collaborator.
//
// A ttl <= 0 stores the value without expiry. CompareAndSwap with a nil
// expected value creates the key only if it is absent; otherwise the stored
// value must equal expected byte for byte. A missing key with a non-nil
// expectation yields ErrNotFound. Losing a race yields ErrCASMismatch.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) error
	CompareAndDelete(ctx context.Context, key string, expected []byte) error
	Close() error
}

// Suffix strips a known namespace prefix from key.
func Suffix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// IsContention reports whether err is the normal outcome of losing a
// conditional write.
func IsContention(err error) bool {
	return errors.Is(err, ErrCASMismatch) || errors.Is(err, ErrNotFound)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}
