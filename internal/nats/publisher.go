package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"cdc-loader/internal/config"
	"cdc-loader/internal/loader"
)

// Connect opens a NATS connection that logs disconnects and reconnects
func Connect(cfg config.NATSConfig, logger *logrus.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cdc-loader"),
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Warn("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", cfg.URL)
	return conn, nil
}

// publisher is the part of *nats.Conn the Notifier needs
type publisher interface {
	Publish(subject string, data []byte) error
}

var _ loader.Notifier = (*Notifier)(nil)

// Notifier publishes a message for every artifact the loader moved into the warehouse
type Notifier struct {
	conn    publisher
	subject string
	logger  *logrus.Logger
}

// NewNotifier publishes load events on subject
func NewNotifier(conn *nats.Conn, subject string, logger *logrus.Logger) *Notifier {
	return &Notifier{conn: conn, subject: subject, logger: logger}
}

// Loaded publishes event as JSON on the notify subject
func (n *Notifier) Loaded(_ context.Context, event loader.LoadEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal load event: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	n.logger.Debugf("Published load event for %s to %s", event.Key, n.subject)
	return nil
}
