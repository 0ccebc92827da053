package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrder_Validate(t *testing.T) {
	valid := Order{
		ID:           1,
		CustomerName: "Ann",
		ProductName:  "Pen",
		Status:       StatusPending,
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(o *Order)
	}{
		{"zero id", func(o *Order) { o.ID = 0 }},
		{"missing customer", func(o *Order) { o.CustomerName = "" }},
		{"missing product", func(o *Order) { o.ProductName = "" }},
		{"unknown status", func(o *Order) { o.Status = "lost" }},
		{"missing updated_at", func(o *Order) { o.UpdatedAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := valid
			tt.mutate(&o)
			assert.Error(t, o.Validate())
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus("shipped")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, status)

	_, err = ParseOrderStatus("SHIPPED")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestOrderPatch_Empty(t *testing.T) {
	assert.True(t, OrderPatch{}.Empty())

	name := "Ann"
	assert.False(t, OrderPatch{CustomerName: &name}.Empty())
}
