package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/telemetry"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// fakeConn records every payload it accepts.
type fakeConn struct {
	mu      sync.Mutex
	msgs    [][]byte
	sendErr error
	closes  int
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, payload)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) messages(t *testing.T) []wireMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]wireMessage, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var m wireMessage
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type fakeSource struct {
	connectErr error
	listenErr  error
	// hangConnect makes Connect wait for its context like an unreachable host.
	hangConnect bool

	notifications chan Notification
	errs          chan error
	closes        atomic.Int32
	channel       atomic.Value
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		notifications: make(chan Notification, 16),
		errs:          make(chan error, 1),
	}
}

func (s *fakeSource) Connect(ctx context.Context) error {
	if s.hangConnect {
		<-ctx.Done()
		return &ConnectionError{Op: "connect", Err: ctx.Err()}
	}
	return s.connectErr
}

func (s *fakeSource) Listen(ctx context.Context, channel string) error {
	if s.listenErr != nil {
		return s.listenErr
	}
	s.channel.Store(channel)
	return nil
}

func (s *fakeSource) Notifications() <-chan Notification { return s.notifications }
func (s *fakeSource) Errors() <-chan error               { return s.errs }

func (s *fakeSource) Close(ctx context.Context) error {
	s.closes.Add(1)
	return nil
}

func (s *fakeSource) push(payload string) {
	s.notifications <- Notification{Channel: DefaultChannel, Payload: payload}
}

// sourceFactory hands out the given sources in order, then sources that
// cannot connect. With hang set, those later sources hang in Connect instead.
type sourceFactory struct {
	mu      sync.Mutex
	sources []*fakeSource
	made    []*fakeSource
	hang    bool
}

func newSourceFactory(sources ...*fakeSource) *sourceFactory {
	return &sourceFactory{sources: sources}
}

func (f *sourceFactory) New() ChangeSource {
	f.mu.Lock()
	defer f.mu.Unlock()

	var src *fakeSource
	if len(f.sources) > 0 {
		src, f.sources = f.sources[0], f.sources[1:]
	} else {
		src = newFakeSource()
		src.connectErr = errors.New("connection refused")
		src.hangConnect = f.hang
	}
	f.made = append(f.made, src)
	return src
}

func (f *sourceFactory) latest() *fakeSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

func (f *sourceFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

// echoProber loops heartbeats back through the newest source, like
// pg_notify does for a live LISTEN connection.
type echoProber struct {
	factory *sourceFactory
	calls   atomic.Int32
}

func (p *echoProber) Notify(ctx context.Context, channel, payload string) error {
	p.calls.Add(1)
	if src := p.factory.latest(); src != nil {
		select {
		case src.notifications <- Notification{Channel: channel, Payload: payload}:
		default:
		}
	}
	return nil
}

type fakeStore struct {
	mu        sync.Mutex
	orders    []models.Order
	listErr   error
	listCalls int
}

func (s *fakeStore) set(orders ...models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append([]models.Order(nil), orders...)
}

func (s *fakeStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

func (s *fakeStore) ListOrders(ctx context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]models.Order(nil), s.orders...), nil
}

func (s *fakeStore) Fingerprint(ctx context.Context) (models.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ComputeFingerprint(s.orders), nil
}

type fakeMirror struct {
	mu        sync.Mutex
	published []models.MessageType
	err       error
}

func (m *fakeMirror) Publish(msgType models.MessageType, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, msgType)
	return nil
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testOrder(id int64, status models.OrderStatus) models.Order {
	return models.Order{
		ID:           id,
		CustomerName: "Customer",
		ProductName:  "Widget",
		Status:       status,
		UpdatedAt:    baseTime.Add(time.Duration(id) * time.Minute),
	}
}

func newTestLogger() *logrus.Logger {
	logger, _ := logtest.NewNullLogger()
	return logger
}

func newTestMetrics() *telemetry.Metrics {
	return telemetry.New(prometheus.NewRegistry())
}
