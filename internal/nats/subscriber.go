package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/models"
	"cdc-loader/internal/stream"
)

// fetcher is the part of a JetStream pull subscription the Subscriber needs
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Subscriber pulls JSON stream records from JetStream and hands them to a handler in batches.
// A batch is flushed when it reaches the configured size or the flush interval passes.
type Subscriber struct {
	sub     fetcher
	cfg     config.NATSStreamConfig
	handler stream.Handler
	pool    pond.Pool
	logger  *logrus.Logger

	ack func(*nats.Msg) error
	nak func(*nats.Msg) error
}

// NewSubscriber binds a durable pull consumer on the configured subject
func NewSubscriber(conn *nats.Conn, cfg config.NATSStreamConfig, handler stream.Handler, logger *logrus.Logger) (*Subscriber, error) {
	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.Durable, nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", cfg.Subject, err)
	}

	logger.Infof("Subscribed to %s as %s", cfg.Subject, cfg.Durable)
	return newSubscriber(sub, cfg, handler, logger), nil
}

func newSubscriber(sub fetcher, cfg config.NATSStreamConfig, handler stream.Handler, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		sub:     sub,
		cfg:     cfg,
		handler: handler,
		pool:    pond.NewPool(cfg.Workers),
		logger:  logger,
		ack:     func(m *nats.Msg) error { return m.Ack() },
		nak:     func(m *nats.Msg) error { return m.Nak() },
	}
}

// Run fetches until ctx is done. Messages are acked once their batch is staged
// and nacked for redelivery when the handler fails.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.pool.StopAndWait()

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FlushInterval)
		msgs, err := s.sub.Fetch(s.cfg.BatchSize, nats.Context(fetchCtx))
		cancel()
		if err != nil && len(msgs) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		s.flush(ctx, msgs)
	}
}

// flush groups msgs by event source and stages one batch per source on the pool
func (s *Subscriber) flush(ctx context.Context, msgs []*nats.Msg) {
	type group struct {
		batch models.Batch
		msgs  []*nats.Msg
	}

	var order []string
	groups := make(map[string]*group)
	for _, msg := range msgs {
		change, source, err := stream.DecodeRecord(msg.Data)
		if err != nil {
			// a record that cannot be decoded will never succeed; drop it
			s.logger.WithField("subject", msg.Subject).Errorf("Dropping undecodable record: %v", err)
			s.settle(msg, s.ack)
			continue
		}
		g, ok := groups[source]
		if !ok {
			g = &group{batch: models.Batch{Source: source}}
			groups[source] = g
			order = append(order, source)
		}
		g.batch.Events = append(g.batch.Events, change)
		g.msgs = append(g.msgs, msg)
	}

	tasks := s.pool.NewGroup()
	for _, source := range order {
		g := groups[source]
		tasks.Submit(func() {
			settle := s.ack
			if err := s.handler(ctx, g.batch); err != nil {
				s.logger.WithField("source", g.batch.Source).Errorf("Failed to stage %d records: %v", g.batch.Len(), err)
				settle = s.nak
			}
			for _, msg := range g.msgs {
				s.settle(msg, settle)
			}
		})
	}
	if err := tasks.Wait(); err != nil {
		s.logger.Errorf("Flush task failed: %v", err)
	}
}

func (s *Subscriber) settle(msg *nats.Msg, fn func(*nats.Msg) error) {
	if err := fn(msg); err != nil {
		s.logger.Warnf("Failed to acknowledge message: %v", err)
	}
}
