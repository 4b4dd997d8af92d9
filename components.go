package main

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	natsgo "github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/nats"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/warehouse"
)

func stagingLayout(cfg *config.Config) staging.Layout {
	return staging.Layout{
		Unprocessed: cfg.Staging.UnprocessedPrefix,
		InProgress:  cfg.Staging.InProgressPrefix,
		Processed:   cfg.Staging.ProcessedPrefix,
	}
}

func newStagingStore(cfg *config.Config, awsCfg aws.Config) (staging.Store, error) {
	switch cfg.Staging.Backend {
	case "minio":
		return staging.NewMinIOStore(cfg.Staging.MinIO, cfg.AWS.Region, cfg.Staging.Bucket)
	case "s3":
		return staging.NewS3Store(awsCfg, cfg.Staging.Bucket, cfg.Staging.PathStyle), nil
	}
	return nil, fmt.Errorf("unsupported staging backend: %s", cfg.Staging.Backend)
}

// newWarehouse returns the configured backend and a function releasing its resources
func newWarehouse(cfg *config.Config, awsCfg aws.Config, logger *logrus.Logger) (warehouse.Warehouse, func(), error) {
	switch cfg.Warehouse.Backend {
	case "data-api":
		return warehouse.NewDataAPI(awsCfg, cfg.Warehouse), func() {}, nil
	case "postgres":
		wh, err := warehouse.OpenSQL(cfg.Warehouse.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return wh, func() { wh.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported warehouse backend: %s", cfg.Warehouse.Backend)
}

// connectNATS connects only when a NATS URL is configured
func connectNATS(cfg *config.Config, logger *logrus.Logger) (*natsgo.Conn, error) {
	if cfg.NATS.URL == "" {
		return nil, nil
	}
	return nats.Connect(cfg.NATS, logger)
}

func newLocker(cfg *config.Config, conn *natsgo.Conn) (staging.Locker, error) {
	if cfg.Claim.Backend == "nats-kv" {
		return nats.NewKVLocker(conn, cfg.Claim.Bucket, cfg.Claim.TTL, owner())
	}
	return staging.NewLocalLocker(), nil
}

func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return config.LoadAWS(ctx, cfg.AWS)
}
