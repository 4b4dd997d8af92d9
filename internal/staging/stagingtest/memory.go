// Package stagingtest provides an in-memory staging store for tests.
package stagingtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"cdc-loader/internal/staging"
)

// Store is an in-memory staging.Store that lists keys in lexical order
type Store struct {
	Bucket string

	mu      sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	puts     int
	fail    map[string]map[string]error // op -> key -> error
}

// NewStore creates an empty store for bucket "test-bucket"
func NewStore() *Store {
	return &Store{
		Bucket:  "test-bucket",
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
		fail:     make(map[string]map[string]error),
	}
}

// FailOn makes calls of op ("put", "list", "exists", "modified", "copy", "delete") on key
// return err until it is called again with a nil err
func (s *Store) FailOn(op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[op] == nil {
		s.fail[op] = make(map[string]error)
	}
	s.fail[op][key] = err
}

func (s *Store) injected(op, key string) error {
	return s.fail[op][key]
}

func (s *Store) Put(_ context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("put", key); err != nil {
		return err
	}
	s.objects[key] = append([]byte(nil), body...)
	s.modified[key] = time.Now()
	s.puts++
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("list", prefix); err != nil {
		return nil, err
	}
	var keys []string
	for key := range s.objects {
		rest, ok := strings.CutPrefix(key, prefix)
		if !ok || rest == "" || strings.Contains(rest, "/") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("exists", key); err != nil {
		return false, err
	}
	_, ok := s.objects[key]
	return ok, nil
}

func (s *Store) LastModified(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("modified", key); err != nil {
		return time.Time{}, err
	}
	t, ok := s.modified[key]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", staging.ErrObjectNotFound, key)
	}
	return t, nil
}

func (s *Store) Copy(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("copy", src); err != nil {
		return err
	}
	body, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("no such key: %s", src)
	}
	s.objects[dst] = body
	s.modified[dst] = time.Now()
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("delete", key); err != nil {
		return err
	}
	delete(s.objects, key)
	delete(s.modified, key)
	return nil
}

func (s *Store) Location(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.Bucket, key)
}

// Touch sets the modification time of key, which must exist
func (s *Store) Touch(key string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		s.modified[key] = t
	}
}

// Get returns the body stored under key
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.objects[key]
	return body, ok
}

// Keys returns every stored key, sorted
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns how many Put calls succeeded
func (s *Store) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
