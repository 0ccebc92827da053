package publisher

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
)

// NATSPublisher mirrors relay wire messages onto <prefix>.<message type>.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *logrus.Logger
}

func NewNATSPublisher(url, prefix string, maxReconnect int, reconnectWait time.Duration, logger *logrus.Logger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("orderrelay"),
		nats.MaxReconnects(maxReconnect),
		nats.ReconnectWait(reconnectWait),
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

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Infof("Connected to NATS at %s", url)

	return &NATSPublisher{
		conn:   conn,
		prefix: prefix,
		logger: logger,
	}, nil
}

func Subject(prefix string, msgType models.MessageType) string {
	if prefix == "" {
		return string(msgType)
	}
	return prefix + "." + string(msgType)
}

// Publish sends an already encoded wire message. The payload is not
// re-marshalled, so bus consumers see the same bytes as WebSocket subscribers.
func (p *NATSPublisher) Publish(msgType models.MessageType, payload []byte) error {
	subject := Subject(p.prefix, msgType)
	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}

	p.logger.Debugf("Published %s to %s", msgType, subject)
	return nil
}

// Close flushes pending messages before closing the connection.
func (p *NATSPublisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Warnf("NATS flush failed: %v", err)
	}
	p.conn.Close()
}
