package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/models"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/stream"
)

// ErrUnknownEventKind is matched by errors for events that are neither INSERT, MODIFY nor REMOVE
var ErrUnknownEventKind = errors.New("unknown event kind")

// UnknownEventKindError reports the first event of a batch with an unrecognised kind
type UnknownEventKindError struct {
	Kind  models.EventKind
	Index int
}

func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("unknown event kind %q at index %d", string(e.Kind), e.Index)
}

func (e *UnknownEventKindError) Is(target error) bool {
	return target == ErrUnknownEventKind
}

// Processor turns one change batch into exactly one staging artifact
type Processor struct {
	store        staging.Store
	layout       staging.Layout
	keys         *staging.KeyGenerator
	transformer  *Transformer
	floatNumbers bool
	logger       *logrus.Logger
}

// NewProcessor creates a processor writing into the unprocessed partition of store.
// transformer may be nil.
func NewProcessor(store staging.Store, layout staging.Layout, transformer *Transformer, floatNumbers bool, logger *logrus.Logger) *Processor {
	return &Processor{
		store:        store,
		layout:       layout,
		keys:         staging.NewKeyGenerator(),
		transformer:  transformer,
		floatNumbers: floatNumbers,
		logger:       logger,
	}
}

// Process stages batch. Inserted and modified rows become one JSON line each;
// removals are dropped. A batch without surviving rows is staged as an empty marker.
// Nothing is written if any event has an unknown kind.
func (p *Processor) Process(ctx context.Context, batch models.Batch) (staging.Artifact, error) {
	for i, event := range batch.Events {
		if !event.Kind.Known() {
			return staging.Artifact{}, &UnknownEventKindError{Kind: event.Kind, Index: i}
		}
	}

	table := stream.TableName(batch.Source)
	var lines [][]byte
	removed, rejected := 0, 0
	for i, event := range batch.Events {
		if !event.Kind.CarriesRow() {
			removed++
			continue
		}

		row, err := p.DecodeImage(event.Image)
		if err != nil {
			return staging.Artifact{}, fmt.Errorf("failed to decode event %d: %w", i, err)
		}

		row, err = p.transformer.Transform(RowMeta{Table: table, Kind: event.Kind, SequenceNumber: event.SequenceNumber}, row)
		if errors.Is(err, ErrRowRejected) {
			rejected++
			continue
		}
		if err != nil {
			return staging.Artifact{}, fmt.Errorf("failed to transform event %d: %w", i, err)
		}

		line, err := json.Marshal(row)
		if err != nil {
			return staging.Artifact{}, fmt.Errorf("failed to marshal event %d: %w", i, err)
		}
		lines = append(lines, line)
	}

	kind := staging.KindData
	if len(lines) == 0 {
		kind = staging.KindMarker
	}
	name := p.keys.Name(kind)
	key := p.layout.Key(staging.StateUnprocessed, name)

	body := bytes.Join(lines, []byte("\n"))
	if err := p.store.Put(ctx, key, body); err != nil {
		return staging.Artifact{}, fmt.Errorf("failed to stage batch: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"key":      key,
		"events":   batch.Len(),
		"rows":     len(lines),
		"removed":  removed,
		"rejected": rejected,
	}).Infof("Staged %s artifact", kind)

	return staging.Artifact{Key: key, Name: name, Kind: kind, State: staging.StateUnprocessed}, nil
}

// DecodeImage converts a typed record image into plain JSON-ready values.
// Numbers are kept exact as json.Number unless float numbers are enabled.
func (p *Processor) DecodeImage(image models.Image) (map[string]any, error) {
	row := make(map[string]any, len(image))
	if len(image) == 0 {
		return row, nil
	}
	err := attributevalue.UnmarshalMapWithOptions(image, &row, func(o *attributevalue.DecoderOptions) {
		o.UseNumber = true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal image: %w", err)
	}
	for name, value := range row {
		normalized, err := p.normalize(value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		row[name] = normalized
	}
	return row, nil
}

func (p *Processor) normalize(value any) (any, error) {
	switch v := value.(type) {
	case attributevalue.Number:
		return p.number(string(v))
	case []attributevalue.Number:
		out := make([]any, len(v))
		for i, n := range v {
			num, err := p.number(string(n))
			if err != nil {
				return nil, err
			}
			out[i] = num
		}
		return out, nil
	case []any:
		for i, item := range v {
			normalized, err := p.normalize(item)
			if err != nil {
				return nil, err
			}
			v[i] = normalized
		}
		return v, nil
	case map[string]any:
		for key, item := range v {
			normalized, err := p.normalize(item)
			if err != nil {
				return nil, err
			}
			v[key] = normalized
		}
		return v, nil
	}
	return value, nil
}

func (p *Processor) number(s string) (any, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	if p.floatNumbers {
		return d.InexactFloat64(), nil
	}
	// decimal accepts forms such as ".5" that are not JSON numbers
	if !json.Valid([]byte(s)) {
		return json.Number(d.String()), nil
	}
	return json.Number(s), nil
}

// Handle adapts Process to the stream handler signature, timing each invocation
func (p *Processor) Handle(ctx context.Context, batch models.Batch) error {
	start := time.Now()
	artifact, err := p.Process(ctx, batch)
	if err != nil {
		return err
	}
	p.logger.WithField("key", artifact.Key).Debugf("Processed batch from %s in %s", batch.Source, time.Since(start))
	return nil
}
