package staging

import (
	"context"
	"fmt"
	"time"
)

// Store is the object store holding staging artifacts
type Store interface {
	Put(ctx context.Context, key string, body []byte) error
	// List returns the keys directly under prefix, in the store's listing order
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// LastModified returns when key was last written; missing keys match ErrObjectNotFound
	LastModified(ctx context.Context, key string) (time.Time, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, key string) error
	// Location returns the URI the warehouse uses to read key
	Location(key string) string
}

// Move copies src to dst and then deletes src; object stores have no atomic rename
func Move(ctx context.Context, store Store, src, dst string) error {
	if err := store.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := store.Delete(ctx, src); err != nil {
		return fmt.Errorf("failed to delete %s after copy: %w", src, err)
	}
	return nil
}
