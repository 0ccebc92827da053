package models

import (
	"time"

	"github.com/google/uuid"
)

// Presence mirrors a live subscriber in Redis so operators can see who is
// connected and when they last answered a ping.
type Presence struct {
	SubscriberID uuid.UUID `json:"subscriber_id"`
	Subject      string    `json:"subject,omitempty"`
	RemoteAddr   string    `json:"remote_addr"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"last_seen"`
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)
