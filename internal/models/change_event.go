package models

import (
	"fmt"
	"sort"
)

type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

func ParseOperation(s string) (Operation, error) {
	op := Operation(s)
	switch op {
	case OperationInsert, OperationUpdate, OperationDelete:
		return op, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Event is the closed set of values the normalizer produces:
// ChangeEvent, RefreshEvent or Heartbeat.
type Event interface {
	eventKind() string
}

// ChangeEvent is a single push-mode change. Order is the pre-image for
// DELETE and the post-image otherwise.
type ChangeEvent struct {
	Operation Operation
	Order     Order
}

// RefreshEvent is a batch snapshot produced by polling. It carries no
// per-row operation identity.
type RefreshEvent struct {
	Orders []Order
}

// Heartbeat is a liveness probe that travelled the notification channel.
type Heartbeat struct {
	Nonce string
}

func (ChangeEvent) eventKind() string  { return "change" }
func (RefreshEvent) eventKind() string { return "refresh" }
func (Heartbeat) eventKind() string    { return "heartbeat" }

type MessageType string

const (
	MessageInitialData   MessageType = "initial_data"
	MessageOrderUpdate   MessageType = "order_update"
	MessageOrdersRefresh MessageType = "orders_refresh"
)

// Message is the subscriber-facing wire envelope.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// OrderUpdate is the data of an order_update message.
type OrderUpdate struct {
	Operation Operation `json:"operation"`
	Order
}

func OrderUpdateMessage(ev ChangeEvent) Message {
	return Message{
		Type: MessageOrderUpdate,
		Data: OrderUpdate{Operation: ev.Operation, Order: ev.Order},
	}
}

func OrdersRefreshMessage(ev RefreshEvent) Message {
	return Message{Type: MessageOrdersRefresh, Data: SortForDisplay(ev.Orders)}
}

func InitialDataMessage(orders []Order) Message {
	return Message{Type: MessageInitialData, Data: SortForDisplay(orders)}
}

// SortForDisplay returns a copy of orders, most recently updated first. The
// result is never nil so it always encodes as a JSON array.
func SortForDisplay(orders []Order) []Order {
	out := make([]Order, len(orders))
	copy(out, orders)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
