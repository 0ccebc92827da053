package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type SubscriberID = uuid.UUID

// Conn is the delivery side of a subscriber connection. Send must not block
// on the peer; implementations queue and return ErrSubscriberBacklogged when
// they cannot. Conn values are used as map keys and must be comparable.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

type Liveness int32

const (
	LivenessOpen Liveness = iota
	LivenessClosing
	LivenessClosed
)

func (l Liveness) String() string {
	switch l {
	case LivenessOpen:
		return "OPEN"
	case LivenessClosing:
		return "CLOSING"
	case LivenessClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

type Subscriber struct {
	ID       SubscriberID
	JoinedAt time.Time

	conn  Conn
	state atomic.Int32
}

func (s *Subscriber) State() Liveness {
	return Liveness(s.state.Load())
}

func (s *Subscriber) deliver(payload []byte) error {
	if s.State() != LivenessOpen {
		return &DeliveryError{SubscriberID: s.ID, Err: ErrSubscriberClosed}
	}
	if err := s.conn.Send(payload); err != nil {
		return &DeliveryError{SubscriberID: s.ID, Err: err}
	}
	return nil
}

// close is idempotent; only the first caller touches the connection.
func (s *Subscriber) close() error {
	if !s.state.CompareAndSwap(int32(LivenessOpen), int32(LivenessClosing)) {
		return nil
	}
	err := s.conn.Close()
	s.state.Store(int32(LivenessClosed))
	return err
}

// Registry is the source of truth for which subscribers are live.
type Registry struct {
	mu     sync.RWMutex
	order  []*Subscriber
	byID   map[SubscriberID]*Subscriber
	byConn map[Conn]*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[SubscriberID]*Subscriber),
		byConn: make(map[Conn]*Subscriber),
	}
}

// Register adds conn and returns its id. Registering the same conn again
// returns the existing id.
func (r *Registry) Register(conn Conn) SubscriberID {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byConn[conn]; ok {
		return existing.ID
	}

	sub := &Subscriber{
		ID:       uuid.New(),
		JoinedAt: time.Now(),
		conn:     conn,
	}
	r.order = append(r.order, sub)
	r.byID[sub.ID] = sub
	r.byConn[conn] = sub
	return sub.ID
}

// Unregister removes the subscriber. Unknown or already removed ids are a no-op.
func (r *Registry) Unregister(id SubscriberID) (*Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	delete(r.byConn, sub.conn)

	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return sub, true
}

func (r *Registry) Get(id SubscriberID) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *Registry) Lookup(conn Conn) (SubscriberID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byConn[conn]
	if !ok {
		return uuid.Nil, false
	}
	return sub.ID, true
}

// Snapshot returns a point-in-time copy in registration order.
func (r *Registry) Snapshot() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscriber, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// CloseAll empties the registry and closes every subscriber, giving up when
// ctx is done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	subs := r.order
	r.order = nil
	r.byID = make(map[SubscriberID]*Subscriber)
	r.byConn = make(map[Conn]*Subscriber)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, sub := range subs {
			sub.close()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
