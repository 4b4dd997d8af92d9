// Package stream turns record store change deliveries into batches for the transformer.
package stream

import (
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"

	"cdc-loader/internal/models"
)

// FromLambdaEvent converts a DynamoDB stream delivery received by a Lambda function
func FromLambdaEvent(event events.DynamoDBEvent) (models.Batch, error) {
	batch := models.Batch{Events: make([]models.ChangeEvent, 0, len(event.Records))}
	for i, record := range event.Records {
		if batch.Source == "" {
			batch.Source = record.EventSourceArn
		}
		change, err := fromLambdaRecord(record)
		if err != nil {
			return models.Batch{}, fmt.Errorf("failed to decode record %d: %w", i, err)
		}
		batch.Events = append(batch.Events, change)
	}
	return batch, nil
}

func fromLambdaRecord(record events.DynamoDBEventRecord) (models.ChangeEvent, error) {
	image, err := fromLambdaMap(record.Change.NewImage)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	keys, err := fromLambdaMap(record.Change.Keys)
	if err != nil {
		return models.ChangeEvent{}, err
	}
	return models.ChangeEvent{
		Kind:           models.EventKind(record.EventName),
		Image:          image,
		Keys:           keys,
		SequenceNumber: record.Change.SequenceNumber,
	}, nil
}

func fromLambdaMap(m map[string]events.DynamoDBAttributeValue) (models.Image, error) {
	if len(m) == 0 {
		return nil, nil
	}
	image := make(models.Image, len(m))
	for name, v := range m {
		av, err := fromLambdaValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		image[name] = av
	}
	return image, nil
}

func fromLambdaValue(v events.DynamoDBAttributeValue) (types.AttributeValue, error) {
	switch v.DataType() {
	case events.DataTypeString:
		return &types.AttributeValueMemberS{Value: v.String()}, nil
	case events.DataTypeNumber:
		return &types.AttributeValueMemberN{Value: v.Number()}, nil
	case events.DataTypeBinary:
		return &types.AttributeValueMemberB{Value: v.Binary()}, nil
	case events.DataTypeBoolean:
		return &types.AttributeValueMemberBOOL{Value: v.Boolean()}, nil
	case events.DataTypeNull:
		return &types.AttributeValueMemberNULL{Value: true}, nil
	case events.DataTypeStringSet:
		return &types.AttributeValueMemberSS{Value: v.StringSet()}, nil
	case events.DataTypeNumberSet:
		return &types.AttributeValueMemberNS{Value: v.NumberSet()}, nil
	case events.DataTypeBinarySet:
		return &types.AttributeValueMemberBS{Value: v.BinarySet()}, nil
	case events.DataTypeList:
		list := v.List()
		out := make([]types.AttributeValue, 0, len(list))
		for _, item := range list {
			av, err := fromLambdaValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, av)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case events.DataTypeMap:
		m, err := fromLambdaMap(v.Map())
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = models.Image{}
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}
	return nil, fmt.Errorf("unsupported attribute data type %v", v.DataType())
}

// FromStreamRecords converts one GetRecords page of a DynamoDB Streams shard
func FromStreamRecords(source string, records []streamtypes.Record) (models.Batch, error) {
	batch := models.Batch{Source: source, Events: make([]models.ChangeEvent, 0, len(records))}
	for i, record := range records {
		change := models.ChangeEvent{Kind: models.EventKind(record.EventName)}
		if sr := record.Dynamodb; sr != nil {
			image, err := fromStreamMap(sr.NewImage)
			if err != nil {
				return models.Batch{}, fmt.Errorf("failed to decode record %d: %w", i, err)
			}
			keys, err := fromStreamMap(sr.Keys)
			if err != nil {
				return models.Batch{}, fmt.Errorf("failed to decode record %d: %w", i, err)
			}
			change.Image = image
			change.Keys = keys
			if sr.SequenceNumber != nil {
				change.SequenceNumber = *sr.SequenceNumber
			}
		}
		batch.Events = append(batch.Events, change)
	}
	return batch, nil
}

func fromStreamMap(m map[string]streamtypes.AttributeValue) (models.Image, error) {
	if len(m) == 0 {
		return nil, nil
	}
	image := make(models.Image, len(m))
	for name, v := range m {
		av, err := fromStreamValue(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", name, err)
		}
		image[name] = av
	}
	return image, nil
}

func fromStreamValue(v streamtypes.AttributeValue) (types.AttributeValue, error) {
	switch tv := v.(type) {
	case *streamtypes.AttributeValueMemberS:
		return &types.AttributeValueMemberS{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberN:
		return &types.AttributeValueMemberN{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberB:
		return &types.AttributeValueMemberB{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberBOOL:
		return &types.AttributeValueMemberBOOL{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberNULL:
		return &types.AttributeValueMemberNULL{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberSS:
		return &types.AttributeValueMemberSS{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberNS:
		return &types.AttributeValueMemberNS{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberBS:
		return &types.AttributeValueMemberBS{Value: tv.Value}, nil
	case *streamtypes.AttributeValueMemberL:
		out := make([]types.AttributeValue, 0, len(tv.Value))
		for _, item := range tv.Value {
			av, err := fromStreamValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, av)
		}
		return &types.AttributeValueMemberL{Value: out}, nil
	case *streamtypes.AttributeValueMemberM:
		m, err := fromStreamMap(tv.Value)
		if err != nil {
			return nil, err
		}
		if m == nil {
			m = models.Image{}
		}
		return &types.AttributeValueMemberM{Value: m}, nil
	}
	return nil, fmt.Errorf("unsupported attribute value %T", v)
}

// TableName extracts the table name from a DynamoDB table or stream ARN.
// Sources that are not ARNs are returned unchanged.
func TableName(source string) string {
	_, rest, ok := strings.Cut(source, ":table/")
	if !ok {
		return source
	}
	name, _, _ := strings.Cut(rest, "/")
	return name
}
