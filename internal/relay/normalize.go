package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prudhvinik1/orderrelay/internal/models"
)

// rawChange matches the object built by the notify_order_changes trigger.
// Pointers distinguish a missing key from a zero value.
type rawChange struct {
	Operation    *string `json:"operation"`
	ID           *int64  `json:"id"`
	CustomerName *string `json:"customer_name"`
	ProductName  *string `json:"product_name"`
	Status       *string `json:"status"`
	UpdatedAt    *string `json:"updated_at"`
	Heartbeat    *string `json:"heartbeat"`
}

// Layouts accepted for updated_at. json_build_object renders a plain
// timestamp column without a zone; those values are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// NormalizePayload turns a push-mode notification payload into a ChangeEvent
// or a Heartbeat.
func NormalizePayload(payload string) (models.Event, error) {
	fail := func(err error) (models.Event, error) {
		return nil, &MalformedPayloadError{Payload: payload, Err: err}
	}

	var raw rawChange
	dec := json.NewDecoder(strings.NewReader(payload))
	if err := dec.Decode(&raw); err != nil {
		return fail(fmt.Errorf("decode: %w", err))
	}

	if raw.Heartbeat != nil {
		return models.Heartbeat{Nonce: *raw.Heartbeat}, nil
	}

	var missing []string
	if raw.Operation == nil {
		missing = append(missing, "operation")
	}
	if raw.ID == nil {
		missing = append(missing, "id")
	}
	if raw.CustomerName == nil {
		missing = append(missing, "customer_name")
	}
	if raw.ProductName == nil {
		missing = append(missing, "product_name")
	}
	if raw.Status == nil {
		missing = append(missing, "status")
	}
	if raw.UpdatedAt == nil {
		missing = append(missing, "updated_at")
	}
	if len(missing) > 0 {
		return fail(fmt.Errorf("missing fields: %s", strings.Join(missing, ", ")))
	}

	op, err := models.ParseOperation(*raw.Operation)
	if err != nil {
		return fail(err)
	}
	updatedAt, err := parseTimestamp(*raw.UpdatedAt)
	if err != nil {
		return fail(err)
	}

	order := models.Order{
		ID:           *raw.ID,
		CustomerName: *raw.CustomerName,
		ProductName:  *raw.ProductName,
		Status:       models.OrderStatus(*raw.Status),
		UpdatedAt:    updatedAt,
	}
	if err := order.Validate(); err != nil {
		return fail(err)
	}

	return models.ChangeEvent{Operation: op, Order: order}, nil
}

// NormalizeRows wraps the valid rows of a polled set in a RefreshEvent.
// Rows that fail validation are left out and returned as rejects so one bad
// row cannot hold back the rest of the table.
func NormalizeRows(orders []models.Order) (models.RefreshEvent, []*MalformedPayloadError) {
	out := make([]models.Order, 0, len(orders))
	var rejected []*MalformedPayloadError
	for _, o := range orders {
		if err := o.Validate(); err != nil {
			rejected = append(rejected, &MalformedPayloadError{
				Payload: fmt.Sprintf("order %d", o.ID),
				Err:     err,
			})
			continue
		}
		out = append(out, o)
	}
	return models.RefreshEvent{Orders: out}, rejected
}

// IsMalformed reports whether err came from the normalization boundary.
func IsMalformed(err error) bool {
	var target *MalformedPayloadError
	return errors.As(err, &target)
}
