package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/telemetry"
)

type State int32

const (
	StateStarting State = iota
	StatePushActive
	StateFallbackActive
	StateShuttingDown
	StateStopped
)

var stateNames = []string{"STARTING", "PUSH_ACTIVE", "FALLBACK_ACTIVE", "SHUTTING_DOWN", "STOPPED"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultChannel         = "order_changes"
	DefaultPollInterval    = time.Second
	DefaultGraceWindow     = 3 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDialTimeout     = time.Second
)

// Prober publishes a heartbeat on the notification channel through the
// shared pool, so a healthy listener can prove itself on a quiet table.
type Prober interface {
	Notify(ctx context.Context, channel, payload string) error
}

type Config struct {
	Channel         string
	PollInterval    time.Duration
	GraceWindow     time.Duration
	ShutdownTimeout time.Duration
	// HeartbeatInterval re-probes a confirmed listener; zero disables it.
	// It has no effect without a Prober.
	HeartbeatInterval time.Duration
	// ReprobeInterval retries push mode while polling; zero keeps the
	// relay in fallback for good once it gets there.
	ReprobeInterval time.Duration
	// DialTimeout bounds the listener work done inside the dispatch loop
	// after startup: re-probe connects and closing a failed listener.
	DialTimeout time.Duration

	NewSource func() ChangeSource
	Store     OrderSnapshotter
	Prober    Prober
	Mirror    Mirror
	// Release frees the store pool during shutdown.
	Release func()

	Metrics *telemetry.Metrics
	Logger  *logrus.Logger
}

type SubscriberInfo struct {
	ID       SubscriberID `json:"id"`
	JoinedAt time.Time    `json:"joined_at"`
	State    string       `json:"state"`
}

type joinRequest struct {
	conn  Conn
	reply chan joinResult
}

type joinResult struct {
	id  SubscriberID
	err error
}

// Orchestrator owns the relay lifecycle. All state below the atomic is
// touched only by the goroutine running Run.
type Orchestrator struct {
	cfg         Config
	registry    *Registry
	broadcaster *Broadcaster
	poller      *Poller
	metrics     *telemetry.Metrics
	logger      *logrus.Logger

	state atomic.Int32

	source          ChangeSource
	confirmed       bool
	grace           *time.Timer
	pollTicker      *time.Ticker
	heartbeatTicker *time.Ticker
	reprobeTicker   *time.Ticker

	fallbackActivations int

	joins  chan joinRequest
	leaves chan SubscriberID
	done   chan struct{}
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.NewSource == nil {
		return nil, errors.New("change source factory is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("order store is required")
	}
	if cfg.Metrics == nil {
		return nil, errors.New("metrics are required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}

	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.DialTimeout > cfg.GraceWindow {
		cfg.DialTimeout = cfg.GraceWindow
	}

	registry := NewRegistry()
	o := &Orchestrator{
		cfg:         cfg,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, cfg.Mirror, cfg.Metrics, cfg.Logger),
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		joins:       make(chan joinRequest),
		leaves:      make(chan SubscriberID, 16),
		done:        make(chan struct{}),
	}
	o.poller = NewPoller(cfg.Store, func() bool { return registry.Len() > 0 }, cfg.Metrics, cfg.Logger)
	o.metrics.SetState(StateStarting.String(), stateNames)
	return o, nil
}

func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Done is closed once the relay reaches STOPPED.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) Subscribers() []SubscriberInfo {
	subs := o.registry.Snapshot()
	out := make([]SubscriberInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, SubscriberInfo{ID: s.ID, JoinedAt: s.JoinedAt, State: s.State().String()})
	}
	return out
}

// Run drives the relay until ctx is cancelled, then shuts down.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	o.start(ctx)

	for {
		select {
		case <-ctx.Done():
			o.shutdown()
			return nil

		case n := <-o.sourceNotifications():
			o.handleNotification(ctx, n)

		case err := <-o.sourceErrors():
			o.handleSourceError(ctx, err)

		case <-timerC(o.grace):
			o.grace = nil
			o.handleGraceExpired(ctx)

		case <-tickerC(o.pollTicker):
			o.pollOnce(ctx)

		case <-tickerC(o.heartbeatTicker):
			o.sendHeartbeat(ctx)

		case <-tickerC(o.reprobeTicker):
			o.reprobe(ctx)

		case req := <-o.joins:
			req.reply <- o.join(ctx, req.conn)

		case id := <-o.leaves:
			o.leave(id)
		}
	}
}

// Join registers conn and sends it the current order set.
func (o *Orchestrator) Join(ctx context.Context, conn Conn) (SubscriberID, error) {
	req := joinRequest{conn: conn, reply: make(chan joinResult, 1)}

	select {
	case o.joins <- req:
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-o.done:
		return uuid.Nil, ErrRelayStopped
	}

	select {
	case res := <-req.reply:
		return res.id, res.err
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	case <-o.done:
		return uuid.Nil, ErrRelayStopped
	}
}

// Leave unregisters and closes a subscriber. Unknown ids are ignored.
func (o *Orchestrator) Leave(id SubscriberID) {
	select {
	case o.leaves <- id:
	case <-o.done:
	}
}

func (o *Orchestrator) start(ctx context.Context) {
	o.setState(StateStarting)

	src, err := o.openSource(ctx, o.cfg.GraceWindow)
	if err != nil {
		o.logger.Errorf("Failed to set up database listener: %v", err)
		o.activateFallback(ctx, "listener setup failed")
		return
	}

	o.source = src
	o.confirmed = false
	o.setState(StatePushActive)
	o.armGrace()
	o.probe(ctx)

	if o.cfg.HeartbeatInterval > 0 && o.cfg.Prober != nil {
		o.heartbeatTicker = time.NewTicker(o.cfg.HeartbeatInterval)
	}
}

func (o *Orchestrator) openSource(ctx context.Context, timeout time.Duration) (ChangeSource, error) {
	src := o.cfg.NewSource()

	setupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := src.Connect(setupCtx); err != nil {
		return nil, err
	}
	if err := src.Listen(setupCtx, o.cfg.Channel); err != nil {
		o.closeSourceValue(src)
		return nil, err
	}
	return src, nil
}

func (o *Orchestrator) handleNotification(ctx context.Context, n Notification) {
	o.metrics.Notifications.Inc()
	o.confirmLiveness(ctx)

	ev, err := NormalizePayload(n.Payload)
	if err != nil {
		o.metrics.MalformedPayloads.Inc()
		o.logger.Warnf("Dropping notification: %v", err)
		return
	}

	switch ev := ev.(type) {
	case models.ChangeEvent:
		o.logger.WithFields(logrus.Fields{
			"operation": ev.Operation,
			"id":        ev.Order.ID,
		}).Info("Database notification received")
		o.broadcast(models.OrderUpdateMessage(ev))
	case models.Heartbeat:
		o.logger.WithField("nonce", ev.Nonce).Debug("Heartbeat received")
	}
}

func (o *Orchestrator) confirmLiveness(ctx context.Context) {
	if o.confirmed {
		return
	}
	o.confirmed = true
	o.disarmGrace()

	if o.State() == StateFallbackActive {
		o.promote(ctx)
		return
	}
	o.logger.Debug("Push channel confirmed live")
}

func (o *Orchestrator) handleSourceError(ctx context.Context, err error) {
	switch o.State() {
	case StatePushActive:
		o.activateFallback(ctx, err.Error())
	case StateFallbackActive:
		o.logger.Warnf("Push re-probe failed: %v", err)
		o.dropCandidate()
	}
}

func (o *Orchestrator) handleGraceExpired(ctx context.Context) {
	if o.confirmed {
		return
	}
	switch o.State() {
	case StatePushActive:
		o.activateFallback(ctx, "no notification within grace window")
	case StateFallbackActive:
		o.logger.Info("Push re-probe stayed silent, remaining in fallback")
		o.dropCandidate()
	}
}

// activateFallback moves to FALLBACK_ACTIVE. Calling it again once there,
// or during shutdown, does nothing and returns false.
func (o *Orchestrator) activateFallback(ctx context.Context, reason string) bool {
	switch o.State() {
	case StateFallbackActive, StateShuttingDown, StateStopped:
		return false
	}

	o.fallbackActivations++
	o.disarmGrace()
	stopTicker(&o.heartbeatTicker)
	o.closeSource()
	o.confirmed = false

	o.setState(StateFallbackActive)
	o.logger.Warnf("Falling back to polling every %s: %s", o.cfg.PollInterval, reason)

	o.poller.Reset()
	o.pollTicker = time.NewTicker(o.cfg.PollInterval)
	if o.cfg.ReprobeInterval > 0 {
		o.reprobeTicker = time.NewTicker(o.cfg.ReprobeInterval)
	}
	return true
}

// reprobe tries a fresh listener while polling. Polling continues until
// the candidate proves itself.
func (o *Orchestrator) reprobe(ctx context.Context) {
	if o.State() != StateFallbackActive || o.source != nil {
		return
	}

	src, err := o.openSource(ctx, o.cfg.DialTimeout)
	if err != nil {
		o.logger.Debugf("Push re-probe could not listen: %v", err)
		return
	}

	o.source = src
	o.confirmed = false
	o.armGrace()
	o.probe(ctx)
}

func (o *Orchestrator) promote(ctx context.Context) {
	stopTicker(&o.pollTicker)
	stopTicker(&o.reprobeTicker)
	o.setState(StatePushActive)
	o.logger.Info("Push channel recovered, polling stopped")

	if o.cfg.HeartbeatInterval > 0 && o.cfg.Prober != nil {
		o.heartbeatTicker = time.NewTicker(o.cfg.HeartbeatInterval)
	}

	// Changes committed between the last poll and LISTEN never produced a
	// notification for us.
	o.pollOnce(ctx)
}

func (o *Orchestrator) dropCandidate() {
	o.disarmGrace()
	o.closeSource()
	o.confirmed = false
}

// sendHeartbeat asks a confirmed listener to prove itself again within the
// grace window.
func (o *Orchestrator) sendHeartbeat(ctx context.Context) {
	if o.State() != StatePushActive || o.source == nil {
		return
	}
	o.confirmed = false
	o.armGrace()
	o.probe(ctx)
}

func (o *Orchestrator) probe(ctx context.Context) {
	if o.cfg.Prober == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{"heartbeat": uuid.NewString()})
	if err != nil {
		o.logger.Errorf("Failed to build heartbeat: %v", err)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, o.cfg.GraceWindow)
	defer cancel()
	if err := o.cfg.Prober.Notify(probeCtx, o.cfg.Channel, string(payload)); err != nil {
		o.logger.Warnf("Failed to send heartbeat: %v", err)
	}
}

func (o *Orchestrator) pollOnce(ctx context.Context) {
	ev, err := o.poller.Tick(ctx)
	switch {
	case errors.Is(err, ErrPollInProgress):
		o.logger.Debug("Skipping poll, previous one still running")
		return
	case IsMalformed(err):
		o.metrics.MalformedPayloads.Inc()
		o.logger.Warnf("Dropping polled snapshot: %v", err)
		return
	case err != nil:
		o.logger.Errorf("Change detection error: %v", err)
		return
	}

	if ev != nil {
		o.broadcast(models.OrdersRefreshMessage(*ev))
	}
}

func (o *Orchestrator) broadcast(msg models.Message) {
	if _, err := o.broadcaster.Broadcast(msg); err != nil {
		o.logger.Errorf("Broadcast failed: %v", err)
	}
}

func (o *Orchestrator) join(ctx context.Context, conn Conn) joinResult {
	switch o.State() {
	case StateShuttingDown, StateStopped:
		return joinResult{err: ErrRelayStopped}
	}

	if id, ok := o.registry.Lookup(conn); ok {
		return joinResult{id: id}
	}

	id := o.registry.Register(conn)
	sub, _ := o.registry.Get(id)
	o.metrics.Subscribers.Set(float64(o.registry.Len()))
	o.logger.WithField("subscriber", id).Info("New client connected")

	orders, err := o.cfg.Store.ListOrders(ctx)
	if err != nil {
		o.logger.WithField("subscriber", id).Errorf("Error sending current orders: %v", err)
		return joinResult{id: id}
	}
	snapshot, rejected := NormalizeRows(orders)
	for _, err := range rejected {
		o.metrics.MalformedPayloads.Inc()
		o.logger.WithField("row", err.Payload).Warnf("Leaving invalid row out of initial data: %v", err)
	}
	if err := o.broadcaster.SendCatchUp(sub, snapshot.Orders); err != nil {
		return joinResult{id: id, err: err}
	}
	return joinResult{id: id}
}

func (o *Orchestrator) leave(id SubscriberID) {
	sub, ok := o.registry.Unregister(id)
	if !ok {
		return
	}
	sub.close()
	o.metrics.Subscribers.Set(float64(o.registry.Len()))
	o.logger.WithField("subscriber", id).Info("Client disconnected")
}

func (o *Orchestrator) shutdown() {
	o.setState(StateShuttingDown)

	o.disarmGrace()
	stopTicker(&o.pollTicker)
	stopTicker(&o.heartbeatTicker)
	stopTicker(&o.reprobeTicker)

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	if o.source != nil {
		if err := o.source.Close(ctx); err != nil {
			o.logger.Warnf("Forcing listener release: %v", err)
		}
		o.source = nil
	}

	if err := o.registry.CloseAll(ctx); err != nil {
		o.logger.Warnf("Forcing subscriber release: %v", err)
	}
	o.metrics.Subscribers.Set(0)

	if o.cfg.Release != nil {
		o.cfg.Release()
	}

	o.setState(StateStopped)
}

func (o *Orchestrator) closeSource() {
	if o.source == nil {
		return
	}
	o.closeSourceValue(o.source)
	o.source = nil
}

func (o *Orchestrator) closeSourceValue(src ChangeSource) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DialTimeout)
	defer cancel()
	if err := src.Close(ctx); err != nil {
		o.logger.Warnf("Failed to close database listener: %v", err)
	}
}

func (o *Orchestrator) setState(s State) {
	old := State(o.state.Swap(int32(s)))
	if old == s {
		return
	}
	o.metrics.Transitions.WithLabelValues(old.String(), s.String()).Inc()
	o.metrics.SetState(s.String(), stateNames)
	o.logger.Infof("Relay state %s -> %s", old, s)
}

func (o *Orchestrator) armGrace() {
	o.disarmGrace()
	o.grace = time.NewTimer(o.cfg.GraceWindow)
}

func (o *Orchestrator) disarmGrace() {
	if o.grace != nil {
		o.grace.Stop()
		o.grace = nil
	}
}

func (o *Orchestrator) sourceNotifications() <-chan Notification {
	if o.source == nil {
		return nil
	}
	return o.source.Notifications()
}

func (o *Orchestrator) sourceErrors() <-chan error {
	if o.source == nil {
		return nil
	}
	return o.source.Errors()
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTicker(t **time.Ticker) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
