package staging

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Artifact name suffixes. They are mutually exclusive: neither is a suffix of the other.
const (
	DataSuffix   = "__data.json"
	MarkerSuffix = "__no_data.txt"

	timestampLayout = "20060102T150405.000000000Z"
)

// Kind is the type of a staging artifact
type Kind int

const (
	KindData Kind = iota + 1
	KindMarker
)

func (k Kind) String() string {
	switch k {
	case KindData:
		return "DATA"
	case KindMarker:
		return "EMPTY_MARKER"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// State is the partition an artifact currently lives in
type State int

const (
	StateUnprocessed State = iota + 1
	StateInProgress
	StateProcessed
)

func (s State) String() string {
	switch s {
	case StateUnprocessed:
		return "UNPROCESSED"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateProcessed:
		return "PROCESSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Artifact is one staging file
type Artifact struct {
	Key   string // full object key
	Name  string // key without partition prefix
	Kind  Kind
	State State
}

// Layout maps partitions to key prefixes
type Layout struct {
	Unprocessed string
	InProgress  string
	Processed   string
}

// Prefix returns the listing prefix of a partition, with trailing slash
func (l Layout) Prefix(state State) string {
	var p string
	switch state {
	case StateUnprocessed:
		p = l.Unprocessed
	case StateInProgress:
		p = l.InProgress
	case StateProcessed:
		p = l.Processed
	}
	return strings.TrimSuffix(p, "/") + "/"
}

// Key returns the object key of name within a partition
func (l Layout) Key(state State, name string) string {
	return l.Prefix(state) + name
}

// Parse classifies an object key found in the given partition
func (l Layout) Parse(key string, state State) (Artifact, error) {
	name := path.Base(key)
	kind, err := ParseName(name)
	if err != nil {
		return Artifact{}, &UnrecognizedArtifactNameError{Key: key}
	}
	return Artifact{Key: key, Name: name, Kind: kind, State: state}, nil
}

// ParseName classifies an artifact name by its reserved suffix
func ParseName(name string) (Kind, error) {
	switch {
	case strings.HasSuffix(name, DataSuffix):
		return KindData, nil
	case strings.HasSuffix(name, MarkerSuffix):
		return KindMarker, nil
	}
	return 0, &UnrecognizedArtifactNameError{Key: name}
}

// KeyGenerator creates sortable, globally unique artifact names
type KeyGenerator struct {
	mu    sync.Mutex
	last  time.Time
	now   func() time.Time
	newID func() string
}

// NewKeyGenerator returns a generator using the wall clock and random UUIDs
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Name returns a new artifact name of the given kind.
// Names never sort before a previously returned one, even if the clock steps back.
func (g *KeyGenerator) Name(kind Kind) string {
	g.mu.Lock()
	ts := g.now().UTC()
	if !ts.After(g.last) {
		ts = g.last.Add(time.Nanosecond)
	}
	g.last = ts
	g.mu.Unlock()

	suffix := DataSuffix
	if kind == KindMarker {
		suffix = MarkerSuffix
	}
	return ts.Format(timestampLayout) + "__" + g.newID() + suffix
}
