package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"cdc-loader/internal/loader"
	"cdc-loader/internal/nats"
	"cdc-loader/internal/processor"
	"cdc-loader/internal/replication"
	"cdc-loader/internal/seed"
	"cdc-loader/internal/staging"
	"cdc-loader/internal/stream"
	"cdc-loader/internal/warehouse"
)

func main() {
	app := &cli.App{
		Name:  "cdc-loader",
		Usage: "Stage record store changes and load them into the warehouse",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path",
				Value:   "config.yaml",
				EnvVars: []string{"CDC_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Override logging.level (debug, info, warn, error)",
				EnvVars: []string{"CDC_LOG_LEVEL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "transform",
				Usage:  "Turn change batches into staging artifacts",
				Flags:  []cli.Flag{lambdaFlag()},
				Action: runTransform,
			},
			{
				Name:  "load",
				Usage: "Load unprocessed staging artifacts into the warehouse",
				Flags: []cli.Flag{
					lambdaFlag(),
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "Repeat the load every interval until interrupted (0 runs once)",
					},
				},
				Action: runLoad,
			},
			{
				Name:   "replicate",
				Usage:  "Start the replication task unless it is already running",
				Flags:  []cli.Flag{lambdaFlag()},
				Action: runReplicate,
			},
			{
				Name:   "seed",
				Usage:  "Import the seed CSV file into the replication source table",
				Action: runSeed,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func lambdaFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "lambda",
		Usage:   "Run as an AWS Lambda handler",
		EnvVars: []string{"CDC_LAMBDA"},
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context, logger *logrus.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("Received signal: %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runTransform(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateStream(); err != nil {
		return err
	}
	if err := processor.ValidateRules(&cfg.Transformer.Processor); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context, logger)
	defer cancel()

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := newStagingStore(cfg, awsCfg)
	if err != nil {
		return err
	}

	conn, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}

	transformer, err := processor.NewTransformer(&cfg.Transformer.Processor, logger, conn)
	if err != nil {
		return fmt.Errorf("failed to create transformer: %w", err)
	}
	proc := processor.NewProcessor(store, stagingLayout(cfg), transformer, cfg.Transformer.FloatNumbers, logger)

	if c.Bool("lambda") || cfg.Stream.Source == "lambda" {
		lambda.Start(func(ctx context.Context, event events.DynamoDBEvent) error {
			batch, err := stream.FromLambdaEvent(event)
			if err != nil {
				return err
			}
			return proc.Handle(ctx, batch)
		})
		return nil
	}

	logger.Infof("Starting transformer on %s source...", cfg.Stream.Source)
	switch cfg.Stream.Source {
	case "nats":
		sub, err := nats.NewSubscriber(conn, cfg.Stream.NATS, proc.Handle, logger)
		if err != nil {
			return err
		}
		err = sub.Run(ctx)
		logger.Info("Transformer stopped")
		return err
	case "dynamodb-streams":
		poller := stream.NewPoller(stream.NewStreamsClient(awsCfg), cfg.Stream.DynamoDBStreams, proc.Handle, logger)
		err = poller.Run(ctx)
		logger.Info("Transformer stopped")
		return err
	}
	return fmt.Errorf("unsupported stream source: %s", cfg.Stream.Source)
}

func runLoad(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateLoader(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context, logger)
	defer cancel()

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := newStagingStore(cfg, awsCfg)
	if err != nil {
		return err
	}
	wh, closeWarehouse, err := newWarehouse(cfg, awsCfg, logger)
	if err != nil {
		return err
	}
	defer closeWarehouse()

	conn, err := connectNATS(cfg, logger)
	if err != nil {
		return err
	}
	if conn != nil {
		defer conn.Close()
	}
	locker, err := newLocker(cfg, conn)
	if err != nil {
		return err
	}

	layout := stagingLayout(cfg)
	deps := loader.Deps{
		Store:     store,
		Layout:    layout,
		Claimer:   staging.NewClaimer(store, layout, locker, cfg.Staging.DeleteMarkers, cfg.Claim.TTL, logger),
		Warehouse: wh,
		Table:     warehouse.TableFromConfig(cfg.Warehouse),
		Region:    cfg.AWS.Region,
		IAMRole:   cfg.Warehouse.IAMRoleARN,
		Poll:      cfg.Warehouse.Poll,
		Logger:    logger,
	}
	if conn != nil && cfg.NATS.NotifySubject != "" {
		deps.Notifier = nats.NewNotifier(conn, cfg.NATS.NotifySubject, logger)
	}
	l := loader.New(deps)

	if c.Bool("lambda") {
		lambda.Start(func(ctx context.Context) (loader.Report, error) {
			return l.Run(ctx)
		})
		return nil
	}

	interval := c.Duration("interval")
	if interval <= 0 {
		_, err := l.Run(ctx)
		return err
	}

	logger.Infof("Loading every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// the next tick retries the same unprocessed artifacts
			logger.Errorf("Load run failed: %v", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("Loader stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func runReplicate(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateReplication(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context, logger)
	defer cancel()

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}

	rc := cfg.Replication
	deps := replication.Deps{
		Tasks:       replication.NewDMS(awsCfg),
		TaskARN:     rc.TaskARN,
		TargetTable: rc.TargetTable,
		Poll:        cfg.Warehouse.Poll,
		RowCounts:   rc.ReportRowCounts,
		Logger:      logger,
	}
	if rc.ReportRowCounts {
		wh, closeWarehouse, err := newWarehouse(cfg, awsCfg, logger)
		if err != nil {
			return err
		}
		defer closeWarehouse()
		deps.Warehouse = wh
		deps.Source = replication.NewMySQLSource(rc.Source)
	}
	if rc.Preflight {
		preflight, err := replication.OpenPreflight(rc.Source, logger)
		if err != nil {
			return err
		}
		defer preflight.Close()
		deps.Preflight = preflight
	}
	controller := replication.NewController(deps)

	if c.Bool("lambda") {
		lambda.Start(func(ctx context.Context) (replication.Outcome, error) {
			return controller.Ensure(ctx)
		})
		return nil
	}

	_, err = controller.Ensure(ctx)
	return err
}

func runSeed(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	if err := cfg.ValidateSeed(); err != nil {
		return err
	}

	ctx, cancel := signalContext(c.Context, logger)
	defer cancel()

	f, err := os.Open(cfg.Seed.CSVFile)
	if err != nil {
		return fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()

	db, err := seed.Open(ctx, cfg.Replication.Source)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = seed.Import(ctx, db, cfg.Replication.Source.Table, f, logger)
	return err
}
