package relay

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/telemetry"
)

// Mirror receives a copy of every steady-state wire message, e.g. for
// publishing to a message bus. Failures never affect subscribers.
type Mirror interface {
	Publish(msgType models.MessageType, payload []byte) error
}

type Broadcaster struct {
	registry *Registry
	mirror   Mirror
	metrics  *telemetry.Metrics
	logger   *logrus.Logger
}

func NewBroadcaster(registry *Registry, mirror Mirror, metrics *telemetry.Metrics, logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		mirror:   mirror,
		metrics:  metrics,
		logger:   logger,
	}
}

// Broadcast serializes msg once and hands it to every live subscriber.
// Subscribers that fail are unregistered and closed; the pass continues.
// The only returned error is a serialization failure.
func (b *Broadcaster) Broadcast(msg models.Message) (int, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}

	delivered := 0
	for _, sub := range b.registry.Snapshot() {
		if err := sub.deliver(payload); err != nil {
			b.drop(sub, err)
			continue
		}
		delivered++
	}

	b.metrics.Broadcasts.WithLabelValues(string(msg.Type)).Add(float64(delivered))
	b.logger.WithFields(logrus.Fields{
		"type":      msg.Type,
		"delivered": delivered,
	}).Debug("Broadcast complete")

	if b.mirror != nil {
		if err := b.mirror.Publish(msg.Type, payload); err != nil {
			b.metrics.MirrorFailures.Inc()
			b.logger.Warnf("Mirror publish of %s failed: %v", msg.Type, err)
		}
	}

	return delivered, nil
}

// SendCatchUp sends the one-time initial_data message to a newly joined subscriber.
func (b *Broadcaster) SendCatchUp(sub *Subscriber, orders []models.Order) error {
	msg := models.InitialDataMessage(orders)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal initial data: %w", err)
	}

	if err := sub.deliver(payload); err != nil {
		b.drop(sub, err)
		return err
	}
	b.metrics.Broadcasts.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

func (b *Broadcaster) drop(sub *Subscriber, err error) {
	b.metrics.DeliveryFailures.Inc()
	b.logger.WithField("subscriber", sub.ID).Infof("Removing subscriber: %v", err)

	if _, ok := b.registry.Unregister(sub.ID); ok {
		b.metrics.Subscribers.Set(float64(b.registry.Len()))
	}
	sub.close()
}
