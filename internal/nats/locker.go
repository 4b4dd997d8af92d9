package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"cdc-loader/internal/staging"
)

// keyValue is the part of nats.KeyValue the locker needs
type keyValue interface {
	Create(key string, value []byte) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
}

var _ staging.Locker = (*KVLocker)(nil)

// KVLocker holds artifact claims as keys of a JetStream key-value bucket.
// Keys expire with the bucket TTL, so a crashed loader cannot hold a claim forever.
type KVLocker struct {
	kv    keyValue
	owner string
}

// NewKVLocker binds to bucket, creating it with the given TTL when it does not exist
func NewKVLocker(conn *nats.Conn, bucket string, ttl time.Duration, owner string) (*KVLocker, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "staging artifact claims",
			TTL:         ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %s: %w", bucket, err)
	}

	return &KVLocker{kv: kv, owner: owner}, nil
}

// Acquire creates the key for name; an existing key means another loader owns it
func (l *KVLocker) Acquire(_ context.Context, name string) (func(context.Context) error, error) {
	rev, err := l.kv.Create(name, []byte(l.owner))
	if errors.Is(err, nats.ErrKeyExists) {
		return nil, staging.ErrAlreadyClaimed
	}
	if err != nil {
		return nil, err
	}

	return func(context.Context) error {
		// only our own revision is removed; an expired and re-taken claim stays
		err := l.kv.Delete(name, nats.LastRevision(rev))
		if err != nil {
			return fmt.Errorf("failed to delete claim %s: %w", name, err)
		}
		return nil
	}, nil
}
