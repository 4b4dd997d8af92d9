package processor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/brianvoe/gofakeit/v7"
	qt "github.com/frankban/quicktest"

	"cdc-loader/internal/logging"
	"cdc-loader/internal/models"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/staging/stagingtest"
)

var testLayout = staging.Layout{Unprocessed: "unprocessed", InProgress: "in-progress", Processed: "processed"}

func newTestProcessor(store staging.Store, transformer *Transformer, floatNumbers bool) *Processor {
	return NewProcessor(store, testLayout, transformer, floatNumbers, logging.Discard())
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v string) types.AttributeValue { return &types.AttributeValueMemberN{Value: v} }

func insert(image models.Image) models.ChangeEvent {
	return models.ChangeEvent{Kind: models.KindInsert, Image: image}
}

func TestProcessMixedBatch(t *testing.T) {
	c := qt.New(t)
	store := stagingtest.NewStore()

	batch := models.Batch{Events: []models.ChangeEvent{
		insert(models.Image{"id": s("a1"), "price": n("12.50")}),
		{Kind: models.KindRemove, Keys: models.Image{"id": s("a0")}},
		{Kind: models.KindModify, Image: models.Image{"id": s("a2"), "shares": n("3")}},
	}}

	artifact, err := newTestProcessor(store, nil, false).Process(context.Background(), batch)
	c.Assert(err, qt.IsNil)
	c.Assert(artifact.Kind, qt.Equals, staging.KindData)
	c.Assert(artifact.State, qt.Equals, staging.StateUnprocessed)
	c.Assert(strings.HasPrefix(artifact.Key, "unprocessed/"), qt.IsTrue)
	c.Assert(strings.HasSuffix(artifact.Key, staging.DataSuffix), qt.IsTrue)
	c.Assert(store.Puts(), qt.Equals, 1)

	body, ok := store.Get(artifact.Key)
	c.Assert(ok, qt.IsTrue)
	c.Assert(string(body), qt.Equals, `{"id":"a1","price":12.50}`+"\n"+`{"id":"a2","shares":3}`)
}

func TestProcessOnlyRemovalsWritesMarker(t *testing.T) {
	c := qt.New(t)
	store := stagingtest.NewStore()

	batch := models.Batch{Events: []models.ChangeEvent{
		{Kind: models.KindRemove, Keys: models.Image{"id": s("a1")}},
		{Kind: models.KindRemove, Keys: models.Image{"id": s("a2")}},
	}}

	artifact, err := newTestProcessor(store, nil, false).Process(context.Background(), batch)
	c.Assert(err, qt.IsNil)
	c.Assert(artifact.Kind, qt.Equals, staging.KindMarker)
	c.Assert(strings.HasSuffix(artifact.Key, staging.MarkerSuffix), qt.IsTrue)

	body, ok := store.Get(artifact.Key)
	c.Assert(ok, qt.IsTrue)
	c.Assert(body, qt.HasLen, 0)
}

func TestProcessEmptyBatchWritesMarker(t *testing.T) {
	c := qt.New(t)
	store := stagingtest.NewStore()

	artifact, err := newTestProcessor(store, nil, false).Process(context.Background(), models.Batch{})
	c.Assert(err, qt.IsNil)
	c.Assert(artifact.Kind, qt.Equals, staging.KindMarker)
	c.Assert(store.Puts(), qt.Equals, 1)
}

func TestProcessUnknownKindWritesNothing(t *testing.T) {
	c := qt.New(t)
	store := stagingtest.NewStore()

	batch := models.Batch{Events: []models.ChangeEvent{
		insert(models.Image{"id": s("a1")}),
		{Kind: "TRUNCATE"},
	}}

	_, err := newTestProcessor(store, nil, false).Process(context.Background(), batch)
	c.Assert(errors.Is(err, ErrUnknownEventKind), qt.IsTrue)

	var kindErr *UnknownEventKindError
	c.Assert(errors.As(err, &kindErr), qt.IsTrue)
	c.Assert(kindErr.Kind, qt.Equals, models.EventKind("TRUNCATE"))
	c.Assert(kindErr.Index, qt.Equals, 1)
	c.Assert(store.Puts(), qt.Equals, 0)
}

func TestProcessPutFailure(t *testing.T) {
	c := qt.New(t)
	store := &failingStore{Store: stagingtest.NewStore(), err: errors.New("access denied")}

	_, err := newTestProcessor(store, nil, false).Process(context.Background(), models.Batch{})
	c.Assert(err, qt.ErrorMatches, "failed to stage batch: access denied")
}

type failingStore struct {
	*stagingtest.Store
	err error
}

func (f *failingStore) Put(context.Context, string, []byte) error { return f.err }

func TestDecodeImageNumbers(t *testing.T) {
	c := qt.New(t)

	image := models.Image{"big": n("12345678901234567890.123"), "small": n("0.1")}

	exact, err := newTestProcessor(nil, nil, false).DecodeImage(image)
	c.Assert(err, qt.IsNil)
	line, err := json.Marshal(exact)
	c.Assert(err, qt.IsNil)
	c.Assert(string(line), qt.Equals, `{"big":12345678901234567890.123,"small":0.1}`)

	lossy, err := newTestProcessor(nil, nil, true).DecodeImage(image)
	c.Assert(err, qt.IsNil)
	c.Assert(lossy["big"], qt.Equals, 12345678901234567890.123)
	c.Assert(lossy["small"], qt.Equals, 0.1)

	_, err = newTestProcessor(nil, nil, false).DecodeImage(models.Image{"bad": n("twelve")})
	c.Assert(err, qt.ErrorMatches, `attribute bad: invalid number "twelve": .*`)
}

func TestDecodeImageNestedTypes(t *testing.T) {
	c := qt.New(t)

	image := models.Image{
		"active": &types.AttributeValueMemberBOOL{Value: true},
		"blob":   &types.AttributeValueMemberB{Value: []byte("hi")},
		"gone":   &types.AttributeValueMemberNULL{Value: true},
		"lots":   &types.AttributeValueMemberNS{Value: []string{"1", "2.5"}},
		"tags":   &types.AttributeValueMemberSS{Value: []string{"x"}},
		"details": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"history": &types.AttributeValueMemberL{Value: []types.AttributeValue{n("7"), s("y")}},
		}},
	}

	row, err := newTestProcessor(nil, nil, false).DecodeImage(image)
	c.Assert(err, qt.IsNil)
	line, err := json.Marshal(row)
	c.Assert(err, qt.IsNil)
	c.Assert(string(line), qt.Equals,
		`{"active":true,"blob":"aGk=","details":{"history":[7,"y"]},"gone":null,"lots":[1,2.5],"tags":["x"]}`)
}

func TestProcessRandomBatch(t *testing.T) {
	c := qt.New(t)
	faker := gofakeit.New(42)
	store := stagingtest.NewStore()

	var batch models.Batch
	ids := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := faker.UUID()
		ids[id] = true
		batch.Events = append(batch.Events, insert(models.Image{
			"id":     s(id),
			"ticker": s(strings.ToUpper(faker.LetterN(4))),
			"shares": n(faker.DigitN(6)),
		}))
		if faker.Bool() {
			batch.Events = append(batch.Events, models.ChangeEvent{Kind: models.KindRemove, Keys: models.Image{"id": s(faker.UUID())}})
		}
	}

	artifact, err := newTestProcessor(store, nil, false).Process(context.Background(), batch)
	c.Assert(err, qt.IsNil)

	body, _ := store.Get(artifact.Key)
	lines := strings.Split(string(body), "\n")
	c.Assert(lines, qt.HasLen, 50)
	for _, line := range lines {
		var row map[string]any
		c.Assert(json.Unmarshal([]byte(line), &row), qt.IsNil)
		c.Assert(ids[row["id"].(string)], qt.IsTrue)
	}
}

func TestProcessConcurrentKeysAreUnique(t *testing.T) {
	c := qt.New(t)
	store := stagingtest.NewStore()
	p := newTestProcessor(store, nil, false)

	done := make(chan string)
	for i := 0; i < 20; i++ {
		go func() {
			artifact, err := p.Process(context.Background(), models.Batch{})
			if err != nil {
				done <- ""
				return
			}
			done <- artifact.Key
		}()
	}
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		key := <-done
		c.Assert(key, qt.Not(qt.Equals), "")
		seen[key] = true
	}
	c.Assert(seen, qt.HasLen, 20)
	c.Assert(store.Keys(), qt.HasLen, 20)
}
