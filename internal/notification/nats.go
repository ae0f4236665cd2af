package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/filegate/internal/logging"
	"github.com/telhawk-systems/filegate/internal/models"
)

// Publisher is the subset of *nats.Conn the NATS channel needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ConnectNATS dials a NATS server with reconnects enabled.
func ConnectNATS(url string, logger *logging.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name("filegate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// NATSChannel publishes alerts as JSON on a subject.
type NATSChannel struct {
	pub     Publisher
	subject string
}

// NewNATSChannel creates a NATS notification channel.
func NewNATSChannel(pub Publisher, subject string) *NATSChannel {
	return &NATSChannel{pub: pub, subject: subject}
}

func (n *NATSChannel) Type() string {
	return "nats"
}

func (n *NATSChannel) Send(ctx context.Context, alert *models.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alertPayload(alert))
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}
