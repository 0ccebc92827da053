package relay

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriberClosed     = errors.New("subscriber is closed")
	ErrSubscriberBacklogged = errors.New("subscriber send buffer is full")
	ErrPollInProgress       = errors.New("previous poll still running")
	ErrRelayStopped         = errors.New("relay is stopped")
)

// ConnectionError means the store could not be reached.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store connection failed during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError means LISTEN on the channel was rejected.
type SubscriptionError struct {
	Channel string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("listen on channel %q failed: %v", e.Channel, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// MalformedPayloadError means a change payload could not be turned into a
// complete order snapshot.
type MalformedPayloadError struct {
	Payload string
	Err     error
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed change payload: %v", e.Err)
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

// DeliveryError is scoped to one subscriber and never aborts a broadcast.
type DeliveryError struct {
	SubscriberID SubscriberID
	Err          error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscriber %s failed: %v", e.SubscriberID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
