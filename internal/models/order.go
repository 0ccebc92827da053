package models

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusShipped   OrderStatus = "shipped"
	StatusDelivered OrderStatus = "delivered"
)

var ErrInvalidStatus = errors.New("invalid order status")

// Valid reports whether s is one of the statuses the orders table accepts.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusShipped, StatusDelivered:
		return true
	}
	return false
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
	return status, nil
}

type Order struct {
	ID           int64       `json:"id"`
	CustomerName string      `json:"customer_name"`
	ProductName  string      `json:"product_name"`
	Status       OrderStatus `json:"status"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Validate checks that the order is a complete snapshot.
func (o Order) Validate() error {
	if o.ID <= 0 {
		return fmt.Errorf("order id must be positive, got %d", o.ID)
	}
	if o.CustomerName == "" {
		return errors.New("customer_name is required")
	}
	if o.ProductName == "" {
		return errors.New("product_name is required")
	}
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, o.Status)
	}
	if o.UpdatedAt.IsZero() {
		return errors.New("updated_at is required")
	}
	return nil
}

// OrderPatch carries the fields of a partial update. Nil means "leave unchanged".
type OrderPatch struct {
	CustomerName *string      `json:"customer_name,omitempty"`
	ProductName  *string      `json:"product_name,omitempty"`
	Status       *OrderStatus `json:"status,omitempty"`
}

func (p OrderPatch) Empty() bool {
	return p.CustomerName == nil && p.ProductName == nil && p.Status == nil
}
