package staging

import (
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestParseName(t *testing.T) {
	c := qt.New(t)

	tests := []struct {
		name    string
		want    Kind
		wantErr bool
	}{
		{name: "20240101T000000.000000000Z__abc__data.json", want: KindData},
		{name: "20240101T000000.000000000Z__abc__no_data.txt", want: KindMarker},
		{name: "20240101T000000.000000000Z__abc.json", wantErr: true},
		{name: "notes.txt", wantErr: true},
		{name: "__data.json.bak", wantErr: true},
	}

	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			kind, err := ParseName(tt.name)
			if tt.wantErr {
				c.Assert(errors.Is(err, ErrUnrecognizedArtifactName), qt.IsTrue)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(kind, qt.Equals, tt.want)
		})
	}
}

func TestLayout(t *testing.T) {
	c := qt.New(t)

	layout := Layout{Unprocessed: "unprocessed", InProgress: "in-progress/", Processed: "done"}
	c.Assert(layout.Prefix(StateUnprocessed), qt.Equals, "unprocessed/")
	c.Assert(layout.Prefix(StateInProgress), qt.Equals, "in-progress/")
	c.Assert(layout.Key(StateProcessed, "x__data.json"), qt.Equals, "done/x__data.json")

	a, err := layout.Parse("unprocessed/x__no_data.txt", StateUnprocessed)
	c.Assert(err, qt.IsNil)
	c.Assert(a, qt.Equals, Artifact{
		Key:   "unprocessed/x__no_data.txt",
		Name:  "x__no_data.txt",
		Kind:  KindMarker,
		State: StateUnprocessed,
	})

	_, err = layout.Parse("unprocessed/readme.md", StateUnprocessed)
	var nameErr *UnrecognizedArtifactNameError
	c.Assert(errors.As(err, &nameErr), qt.IsTrue)
	c.Assert(nameErr.Key, qt.Equals, "unprocessed/readme.md")
}

func TestKeyGeneratorName(t *testing.T) {
	c := qt.New(t)

	g := &KeyGenerator{
		now:   func() time.Time { return time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC) },
		newID: func() string { return "id" },
	}

	c.Assert(g.Name(KindData), qt.Equals, "20240301T123045.123456789Z__id__data.json")
	c.Assert(g.Name(KindMarker), qt.Equals, "20240301T123045.123456790Z__id__no_data.txt")
}

func TestKeyGeneratorMonotonic(t *testing.T) {
	c := qt.New(t)

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(time.Second), base, base.Add(-time.Hour), base.Add(2 * time.Second)}
	i := 0
	g := &KeyGenerator{
		now: func() time.Time {
			t := clock[i]
			i++
			return t
		},
		newID: func() string { return "id" },
	}

	var names []string
	for range clock {
		names = append(names, g.Name(KindData))
	}
	c.Assert(sort.StringsAreSorted(names), qt.IsTrue)
	for j := 1; j < len(names); j++ {
		c.Assert(names[j], qt.Not(qt.Equals), names[j-1])
	}
}

func TestNewKeyGeneratorUnique(t *testing.T) {
	c := qt.New(t)

	g := NewKeyGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := g.Name(KindData)
		c.Assert(seen[name], qt.IsFalse)
		c.Assert(strings.HasSuffix(name, DataSuffix), qt.IsTrue)
		seen[name] = true
	}
}
