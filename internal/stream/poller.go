package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodbstreams"
	streamtypes "github.com/aws/aws-sdk-go-v2/service/dynamodbstreams/types"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/models"
)

// Handler consumes one batch; an error stops the poller
type Handler func(ctx context.Context, batch models.Batch) error

// StreamsAPI is the subset of the DynamoDB Streams client used by Poller
type StreamsAPI interface {
	DescribeStream(ctx context.Context, params *dynamodbstreams.DescribeStreamInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.DescribeStreamOutput, error)
	GetShardIterator(ctx context.Context, params *dynamodbstreams.GetShardIteratorInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetShardIteratorOutput, error)
	GetRecords(ctx context.Context, params *dynamodbstreams.GetRecordsInput, optFns ...func(*dynamodbstreams.Options)) (*dynamodbstreams.GetRecordsOutput, error)
}

// Poller reads every shard of a DynamoDB stream and hands each non-empty page to a Handler
type Poller struct {
	client  StreamsAPI
	cfg     config.DynamoDBStreamsConfig
	handler Handler
	pool    pond.Pool
	logger  *logrus.Logger
	seen    map[string]bool
}

// NewPoller creates a poller reading shards on a pool of cfg.Workers readers
func NewPoller(client StreamsAPI, cfg config.DynamoDBStreamsConfig, handler Handler, logger *logrus.Logger) *Poller {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		client:  client,
		cfg:     cfg,
		handler: handler,
		pool:    pond.NewPool(workers),
		logger:  logger,
		seen:    make(map[string]bool),
	}
}

// NewStreamsClient creates a DynamoDB Streams client from the shared aws config
func NewStreamsClient(awsCfg aws.Config) *dynamodbstreams.Client {
	return dynamodbstreams.NewFromConfig(awsCfg)
}

// Run polls until ctx is cancelled or a shard reader fails.
// Shards that appear while running are picked up once the current generation closes.
func (p *Poller) Run(ctx context.Context) error {
	defer p.pool.StopAndWait()

	for {
		shards, err := p.newShards(ctx)
		if err != nil {
			return err
		}

		if len(shards) == 0 {
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		group := p.pool.NewGroup()
		for _, shardID := range shards {
			shardID := shardID
			p.logger.WithField("shard", shardID).Info("Starting shard reader")
			group.SubmitErr(func() error {
				err := p.readShard(runCtx, shardID)
				if err != nil {
					cancel()
				}
				return err
			})
		}
		err = group.Wait()
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// newShards lists the stream's shards and returns the ones not read yet.
// With a LATEST iterator closed shards have nothing left to read and are skipped.
func (p *Poller) newShards(ctx context.Context) ([]string, error) {
	var shards []string
	var start *string
	for {
		out, err := p.client.DescribeStream(ctx, &dynamodbstreams.DescribeStreamInput{
			StreamArn:             aws.String(p.cfg.StreamARN),
			ExclusiveStartShardId: start,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe stream %s: %w", p.cfg.StreamARN, err)
		}
		desc := out.StreamDescription
		if desc == nil {
			break
		}
		for _, shard := range desc.Shards {
			if shard.ShardId == nil || p.seen[*shard.ShardId] {
				continue
			}
			closed := shard.SequenceNumberRange != nil && shard.SequenceNumberRange.EndingSequenceNumber != nil
			if closed && p.iteratorType() == streamtypes.ShardIteratorTypeLatest {
				p.seen[*shard.ShardId] = true
				continue
			}
			p.seen[*shard.ShardId] = true
			shards = append(shards, *shard.ShardId)
		}
		if desc.LastEvaluatedShardId == nil {
			break
		}
		start = desc.LastEvaluatedShardId
	}
	return shards, nil
}

func (p *Poller) readShard(ctx context.Context, shardID string) error {
	it, err := p.client.GetShardIterator(ctx, &dynamodbstreams.GetShardIteratorInput{
		StreamArn:         aws.String(p.cfg.StreamARN),
		ShardId:           aws.String(shardID),
		ShardIteratorType: p.iteratorType(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to get iterator for shard %s: %w", shardID, err)
	}

	iterator := it.ShardIterator
	for iterator != nil {
		input := &dynamodbstreams.GetRecordsInput{ShardIterator: iterator}
		if p.cfg.Limit > 0 {
			input.Limit = aws.Int32(p.cfg.Limit)
		}
		out, err := p.client.GetRecords(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to get records from shard %s: %w", shardID, err)
		}

		// An idle poll is not a delivery
		if len(out.Records) > 0 {
			// the stream ARN names the table; rules and scripts match on it
			batch, err := FromStreamRecords(p.cfg.StreamARN, out.Records)
			if err != nil {
				return err
			}
			p.logger.WithField("shard", shardID).Debugf("Read %d records", len(out.Records))
			if err := p.handler(ctx, batch); err != nil {
				return fmt.Errorf("failed to handle batch from shard %s: %w", shardID, err)
			}
		}

		iterator = out.NextShardIterator
		if iterator == nil {
			p.logger.WithField("shard", shardID).Info("Shard closed")
			return nil
		}
		if len(out.Records) == 0 {
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}
		}
	}
	return nil
}

func (p *Poller) iteratorType() streamtypes.ShardIteratorType {
	if p.cfg.IteratorType == "" {
		return streamtypes.ShardIteratorTypeLatest
	}
	return streamtypes.ShardIteratorType(p.cfg.IteratorType)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
