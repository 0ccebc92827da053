package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prudhvinik1/orderrelay/internal/models"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testRelay struct {
	*Orchestrator
	cancel   context.CancelFunc
	factory  *sourceFactory
	store    *fakeStore
	released *atomic.Int32
}

func startRelay(t *testing.T, cfg Config, factory *sourceFactory, store *fakeStore) *testRelay {
	t.Helper()

	released := &atomic.Int32{}
	cfg.NewSource = factory.New
	cfg.Store = store
	cfg.Release = func() { released.Add(1) }
	if cfg.Metrics == nil {
		cfg.Metrics = newTestMetrics()
	}
	cfg.Logger = newTestLogger()

	o, err := NewOrchestrator(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})

	return &testRelay{Orchestrator: o, cancel: cancel, factory: factory, store: store, released: released}
}

func changePayload(t *testing.T, op models.Operation, o models.Order) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"operation":     op,
		"id":            o.ID,
		"customer_name": o.CustomerName,
		"product_name":  o.ProductName,
		"status":        o.Status,
		"updated_at":    o.UpdatedAt.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
	return string(raw)
}

func TestNewOrchestrator_RequiresDependencies(t *testing.T) {
	_, err := NewOrchestrator(Config{})
	require.Error(t, err)

	o, err := NewOrchestrator(Config{
		NewSource: newSourceFactory().New,
		Store:     &fakeStore{},
		Metrics:   newTestMetrics(),
		Logger:    newTestLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultChannel, o.cfg.Channel)
	assert.Equal(t, DefaultPollInterval, o.cfg.PollInterval)
	assert.Equal(t, DefaultGraceWindow, o.cfg.GraceWindow)
	assert.Equal(t, StateStarting, o.State())
}

func TestOrchestrator_HeartbeatConfirmsPush(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)
	prober := &echoProber{factory: factory}

	r := startRelay(t, Config{GraceWindow: 50 * time.Millisecond, Prober: prober}, factory, &fakeStore{})

	require.Eventually(t, func() bool { return r.State() == StatePushActive }, waitFor, tick)

	// Well past the grace window the relay must still be pushing
	assert.Never(t, func() bool { return r.State() != StatePushActive }, 200*time.Millisecond, tick)
	assert.GreaterOrEqual(t, prober.calls.Load(), int32(1))
	assert.Equal(t, int32(0), src.closes.Load())
	assert.Equal(t, DefaultChannel, src.channel.Load())
}

func TestOrchestrator_SilentListenerFallsBack(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)

	r := startRelay(t, Config{GraceWindow: 30 * time.Millisecond, PollInterval: 20 * time.Millisecond}, factory, &fakeStore{})

	require.Eventually(t, func() bool { return r.State() == StateFallbackActive }, waitFor, tick)
	assert.Equal(t, int32(1), src.closes.Load(), "listener should be released on fallback")
}

func TestOrchestrator_ListenFailureFallsBack(t *testing.T) {
	src := newFakeSource()
	src.listenErr = &SubscriptionError{Channel: DefaultChannel, Err: errors.New("permission denied")}
	factory := newSourceFactory(src)

	r := startRelay(t, Config{PollInterval: 20 * time.Millisecond}, factory, &fakeStore{})

	require.Eventually(t, func() bool { return r.State() == StateFallbackActive }, waitFor, tick)
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestOrchestrator_SourceErrorFallsBack(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)
	metrics := newTestMetrics()

	r := startRelay(t, Config{GraceWindow: time.Minute, PollInterval: 20 * time.Millisecond, Metrics: metrics}, factory, &fakeStore{})

	require.Eventually(t, func() bool { return r.State() == StatePushActive }, waitFor, tick)

	src.errs <- &ConnectionError{Op: "wait for notification", Err: errors.New("EOF")}

	require.Eventually(t, func() bool { return r.State() == StateFallbackActive }, waitFor, tick)
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("PUSH_ACTIVE", "FALLBACK_ACTIVE")))
}

func TestOrchestrator_ActivateFallbackIsIdempotent(t *testing.T) {
	src := newFakeSource()
	o, err := NewOrchestrator(Config{
		NewSource:    newSourceFactory().New,
		Store:        &fakeStore{},
		PollInterval: time.Hour,
		Metrics:      newTestMetrics(),
		Logger:       newTestLogger(),
	})
	require.NoError(t, err)

	ctx := context.Background()
	o.source = src
	o.setState(StatePushActive)
	o.armGrace()

	require.True(t, o.activateFallback(ctx, "listener lost"))
	ticker := o.pollTicker
	require.NotNil(t, ticker)

	// Both failure paths firing together must not double-arm polling
	assert.False(t, o.activateFallback(ctx, "grace window expired"))
	assert.Same(t, ticker, o.pollTicker)
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, 1, o.fallbackActivations)
	assert.Nil(t, o.grace)

	o.shutdown()
	assert.False(t, o.activateFallback(ctx, "late"))
	assert.Equal(t, StateStopped, o.State())
}

func TestOrchestrator_JoinSendsSingleInitialData(t *testing.T) {
	store := &fakeStore{}
	store.set(testOrder(1, models.StatusPending), testOrder(2, models.StatusShipped))
	factory := newSourceFactory(newFakeSource())

	r := startRelay(t, Config{GraceWindow: time.Minute}, factory, store)

	conn := &fakeConn{}
	id, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	msgs := conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(models.MessageInitialData), msgs[0].Type)

	var orders []models.Order
	require.NoError(t, json.Unmarshal(msgs[0].Data, &orders))
	require.Len(t, orders, 2)
	assert.Equal(t, int64(2), orders[0].ID, "most recently updated first")

	// Joining the same connection again does not repeat the catch-up
	again, err := r.Join(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, 1, conn.count())

	subs := r.Subscribers()
	require.Len(t, subs, 1)
	assert.Equal(t, id, subs[0].ID)
}

func TestOrchestrator_JoinLeavesInvalidRowsOutOfInitialData(t *testing.T) {
	store := &fakeStore{}
	bad := testOrder(1, models.StatusPending)
	bad.ProductName = ""
	store.set(bad, testOrder(2, models.StatusShipped))
	factory := newSourceFactory(newFakeSource())
	metrics := newTestMetrics()

	r := startRelay(t, Config{GraceWindow: time.Minute, Metrics: metrics}, factory, store)

	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	msgs := conn.messages(t)
	require.Len(t, msgs, 1)
	var orders []models.Order
	require.NoError(t, json.Unmarshal(msgs[0].Data, &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, int64(2), orders[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MalformedPayloads))
}

func TestOrchestrator_JoinWithStoreFailureStillRegisters(t *testing.T) {
	store := &fakeStore{}
	store.setListErr(errors.New("pool exhausted"))
	factory := newSourceFactory(newFakeSource())

	r := startRelay(t, Config{GraceWindow: time.Minute}, factory, store)

	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 0, conn.count())
	assert.Len(t, r.Subscribers(), 1)
}

func TestOrchestrator_PushDeliversChangesInOrder(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)

	r := startRelay(t, Config{GraceWindow: time.Minute}, factory, &fakeStore{})

	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	order := testOrder(10, models.StatusPending)
	src.push(changePayload(t, models.OperationInsert, order))
	order.Status = models.StatusShipped
	src.push(changePayload(t, models.OperationUpdate, order))
	src.push(changePayload(t, models.OperationDelete, order))

	require.Eventually(t, func() bool { return conn.count() == 4 }, waitFor, tick)

	msgs := conn.messages(t)
	assert.Equal(t, string(models.MessageInitialData), msgs[0].Type)

	var ops []models.Operation
	for _, m := range msgs[1:] {
		assert.Equal(t, string(models.MessageOrderUpdate), m.Type)
		var update models.OrderUpdate
		require.NoError(t, json.Unmarshal(m.Data, &update))
		assert.Equal(t, int64(10), update.ID)
		ops = append(ops, update.Operation)
	}
	assert.Equal(t, []models.Operation{models.OperationInsert, models.OperationUpdate, models.OperationDelete}, ops)
	assert.Equal(t, StatePushActive, r.State())
}

func TestOrchestrator_MalformedPayloadIsDropped(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)
	metrics := newTestMetrics()

	r := startRelay(t, Config{GraceWindow: time.Minute, Metrics: metrics}, factory, &fakeStore{})

	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	src.push(`{"operation":"INSERT","id":1}`)
	src.push(changePayload(t, models.OperationInsert, testOrder(2, models.StatusPending)))

	require.Eventually(t, func() bool { return conn.count() == 2 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.MalformedPayloads))
	assert.Equal(t, StatePushActive, r.State())
}

func TestOrchestrator_FallbackPollBroadcastsRefresh(t *testing.T) {
	src := newFakeSource()
	src.connectErr = &ConnectionError{Op: "connect", Err: errors.New("connection refused")}
	factory := newSourceFactory(src)
	store := &fakeStore{}
	store.set(testOrder(1, models.StatusPending))

	r := startRelay(t, Config{PollInterval: 10 * time.Millisecond}, factory, store)
	require.Eventually(t, func() bool { return r.State() == StateFallbackActive }, waitFor, tick)

	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	store.set(testOrder(1, models.StatusPending), testOrder(2, models.StatusPending), testOrder(3, models.StatusPending))

	require.Eventually(t, func() bool {
		msgs := conn.messages(t)
		last := msgs[len(msgs)-1]
		if last.Type != string(models.MessageOrdersRefresh) {
			return false
		}
		var orders []models.Order
		require.NoError(t, json.Unmarshal(last.Data, &orders))
		return len(orders) == 3
	}, waitFor, tick)

	// No further drift means no further refreshes
	count := conn.count()
	assert.Never(t, func() bool { return conn.count() != count }, 100*time.Millisecond, tick)
}

func TestOrchestrator_ReprobePromotesToPush(t *testing.T) {
	broken := newFakeSource()
	broken.listenErr = errors.New("too many connections")
	healthy := newFakeSource()
	factory := newSourceFactory(broken, healthy)
	prober := &echoProber{factory: factory}
	metrics := newTestMetrics()
	store := &fakeStore{}
	store.set(testOrder(1, models.StatusPending))

	r := startRelay(t, Config{
		GraceWindow:     100 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		ReprobeInterval: 30 * time.Millisecond,
		Prober:          prober,
		Metrics:         metrics,
	}, factory, store)

	require.Eventually(t, func() bool { return r.State() == StatePushActive && factory.count() == 2 }, waitFor, tick)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("FALLBACK_ACTIVE", "PUSH_ACTIVE")))
	assert.Equal(t, int32(0), healthy.closes.Load())

	// Push mode is back: changes arrive as order_update again
	conn := &fakeConn{}
	_, err := r.Join(context.Background(), conn)
	require.NoError(t, err)
	healthy.push(changePayload(t, models.OperationInsert, testOrder(2, models.StatusPending)))

	require.Eventually(t, func() bool {
		msgs := conn.messages(t)
		return len(msgs) >= 2 && msgs[len(msgs)-1].Type == string(models.MessageOrderUpdate)
	}, waitFor, tick)
}

func TestOrchestrator_SilentReprobeStaysInFallback(t *testing.T) {
	broken := newFakeSource()
	broken.listenErr = errors.New("too many connections")
	silent := newFakeSource()
	factory := newSourceFactory(broken, silent)

	r := startRelay(t, Config{
		GraceWindow:     20 * time.Millisecond,
		PollInterval:    10 * time.Millisecond,
		ReprobeInterval: 30 * time.Millisecond,
	}, factory, &fakeStore{})

	require.Eventually(t, func() bool { return silent.closes.Load() == 1 }, waitFor, tick)
	assert.Equal(t, StateFallbackActive, r.State())
}

func TestOrchestrator_HangingReprobeDoesNotStallDispatch(t *testing.T) {
	src := newFakeSource()
	src.connectErr = &ConnectionError{Op: "connect", Err: errors.New("connection refused")}
	factory := newSourceFactory(src)
	factory.hang = true
	store := &fakeStore{}
	store.set(testOrder(1, models.StatusPending))

	r := startRelay(t, Config{
		GraceWindow:     time.Minute,
		PollInterval:    10 * time.Millisecond,
		ReprobeInterval: 20 * time.Millisecond,
		DialTimeout:     20 * time.Millisecond,
	}, factory, store)

	// Each re-probe gives up after the dial timeout, not the grace window
	require.Eventually(t, func() bool { return factory.count() >= 3 }, waitFor, tick)
	assert.Equal(t, StateFallbackActive, r.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn := &fakeConn{}
	_, err := r.Join(ctx, conn)
	require.NoError(t, err)

	// Polling keeps running between re-probes
	store.set(testOrder(1, models.StatusPending), testOrder(2, models.StatusPending))
	require.Eventually(t, func() bool {
		msgs := conn.messages(t)
		return msgs[len(msgs)-1].Type == string(models.MessageOrdersRefresh)
	}, waitFor, tick)
}

func TestNewOrchestrator_DialTimeoutCappedByGraceWindow(t *testing.T) {
	o, err := NewOrchestrator(Config{
		GraceWindow: 200 * time.Millisecond,
		DialTimeout: time.Minute,
		NewSource:   newSourceFactory().New,
		Store:       &fakeStore{},
		Metrics:     newTestMetrics(),
		Logger:      newTestLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, o.cfg.DialTimeout)

	o, err = NewOrchestrator(Config{
		NewSource: newSourceFactory().New,
		Store:     &fakeStore{},
		Metrics:   newTestMetrics(),
		Logger:    newTestLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultDialTimeout, o.cfg.DialTimeout)
}

func TestOrchestrator_LeaveClosesSubscriber(t *testing.T) {
	factory := newSourceFactory(newFakeSource())
	r := startRelay(t, Config{GraceWindow: time.Minute}, factory, &fakeStore{})

	conn := &fakeConn{}
	id, err := r.Join(context.Background(), conn)
	require.NoError(t, err)

	r.Leave(id)
	r.Leave(id)

	require.Eventually(t, func() bool { return len(r.Subscribers()) == 0 }, waitFor, tick)
	assert.Equal(t, 1, conn.closeCount())
}

func TestOrchestrator_Shutdown(t *testing.T) {
	src := newFakeSource()
	factory := newSourceFactory(src)
	r := startRelay(t, Config{GraceWindow: time.Minute}, factory, &fakeStore{})

	a, b := &fakeConn{}, &fakeConn{}
	_, err := r.Join(context.Background(), a)
	require.NoError(t, err)
	_, err = r.Join(context.Background(), b)
	require.NoError(t, err)

	r.cancel()

	select {
	case <-r.Done():
	case <-time.After(waitFor):
		t.Fatal("relay did not stop")
	}

	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, 1, a.closeCount())
	assert.Equal(t, 1, b.closeCount())
	assert.Equal(t, int32(1), r.released.Load())
	assert.Empty(t, r.Subscribers())

	_, err = r.Join(context.Background(), &fakeConn{})
	assert.ErrorIs(t, err, ErrRelayStopped)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "PUSH_ACTIVE", StatePushActive.String())
	assert.Equal(t, "STOPPED", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
