package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/telemetry"
)

// OrderSnapshotter is the read side of the store the relay needs. It is
// served by the shared pool, never by the LISTEN connection.
type OrderSnapshotter interface {
	ListOrders(ctx context.Context) ([]models.Order, error)
	Fingerprint(ctx context.Context) (models.Fingerprint, error)
}

// Poller detects table drift when push notifications are unavailable.
type Poller struct {
	store          OrderSnapshotter
	hasSubscribers func() bool
	metrics        *telemetry.Metrics
	logger         *logrus.Logger

	mu     sync.Mutex
	last   models.Fingerprint
	primed bool
	// sent fingerprints the rows of the last refresh handed out, so a
	// change confined to rejected rows does not repeat it.
	sent       models.Fingerprint
	sentPrimed bool
}

func NewPoller(store OrderSnapshotter, hasSubscribers func() bool, metrics *telemetry.Metrics, logger *logrus.Logger) *Poller {
	return &Poller{
		store:          store,
		hasSubscribers: hasSubscribers,
		metrics:        metrics,
		logger:         logger,
	}
}

func (p *Poller) Poll(ctx context.Context) (models.Fingerprint, error) {
	fp, err := p.store.Fingerprint(ctx)
	if err != nil {
		return models.Fingerprint{}, fmt.Errorf("failed to fingerprint orders: %w", err)
	}
	return fp, nil
}

// Tick runs one poll cycle. It returns a RefreshEvent only when the table
// drifted since the previous cycle and somebody is listening. A tick that
// starts while another is running returns ErrPollInProgress.
func (p *Poller) Tick(ctx context.Context) (*models.RefreshEvent, error) {
	if !p.mu.TryLock() {
		p.metrics.Polls.WithLabelValues("skipped").Inc()
		return nil, ErrPollInProgress
	}
	defer p.mu.Unlock()

	fp, err := p.Poll(ctx)
	if err != nil {
		p.metrics.Polls.WithLabelValues("error").Inc()
		return nil, err
	}

	if p.primed && fp.Equal(p.last) {
		p.metrics.Polls.WithLabelValues("unchanged").Inc()
		return nil, nil
	}

	if !p.hasSubscribers() {
		p.last, p.primed = fp, true
		p.sentPrimed = false
		p.metrics.Polls.WithLabelValues("idle").Inc()
		return nil, nil
	}

	orders, err := p.store.ListOrders(ctx)
	if err != nil {
		p.metrics.Polls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to fetch orders after drift: %w", err)
	}

	ev, rejected := NormalizeRows(orders)
	for _, err := range rejected {
		p.metrics.MalformedPayloads.Inc()
		p.logger.WithField("row", err.Payload).Warnf("Leaving invalid row out of refresh: %v", err)
	}

	p.last, p.primed = fp, true

	sent := models.ComputeFingerprint(ev.Orders)
	if p.sentPrimed && sent.Equal(p.sent) {
		p.metrics.Polls.WithLabelValues("unchanged").Inc()
		return nil, nil
	}
	p.sent, p.sentPrimed = sent, true

	p.logger.WithField("fingerprint", fp.String()).Info("Database changes detected")
	p.metrics.Polls.WithLabelValues("changed").Inc()
	return &ev, nil
}

// Reset forgets the stored fingerprint so the next tick counts as drift.
func (p *Poller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last, p.primed = models.Fingerprint{}, false
	p.sent, p.sentPrimed = models.Fingerprint{}, false
}
