package stream

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"cdc-loader/internal/models"
)

// DecodeRecord decodes one JSON stream record, in the shape Lambda receives them,
// and returns the change together with its event source ARN
func DecodeRecord(data []byte) (models.ChangeEvent, string, error) {
	var record events.DynamoDBEventRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.ChangeEvent{}, "", fmt.Errorf("failed to unmarshal stream record: %w", err)
	}
	change, err := fromLambdaRecord(record)
	if err != nil {
		return models.ChangeEvent{}, "", fmt.Errorf("failed to decode stream record: %w", err)
	}
	return change, record.EventSourceArn, nil
}
