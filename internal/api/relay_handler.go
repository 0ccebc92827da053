package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/relay"
	"github.com/prudhvinik1/orderrelay/internal/repositories"
)

type RelayHandler struct {
	relay    Relay
	presence repositories.PresenceRepository
	logger   *logrus.Logger
}

func NewRelayHandler(r Relay, presence repositories.PresenceRepository, logger *logrus.Logger) *RelayHandler {
	return &RelayHandler{relay: r, presence: presence, logger: logger}
}

type relayStatus struct {
	State       string `json:"state"`
	Subscribers int    `json:"subscribers"`
}

type subscriberView struct {
	relay.SubscriberInfo
	Presence *models.Presence `json:"presence,omitempty"`
}

func (h *RelayHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, relayStatus{
		State:       h.relay.State().String(),
		Subscribers: len(h.relay.Subscribers()),
	})
}

// Subscribers lists live subscribers, joined with their Redis presence when
// a presence store is configured.
func (h *RelayHandler) Subscribers(w http.ResponseWriter, r *http.Request) {
	subs := h.relay.Subscribers()
	out := make([]subscriberView, len(subs))
	for i, s := range subs {
		out[i] = subscriberView{SubscriberInfo: s}
	}

	if h.presence != nil && len(subs) > 0 {
		ids := make([]uuid.UUID, len(subs))
		for i, s := range subs {
			ids[i] = s.ID
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		presence, err := h.presence.GetBulkPresence(ctx, ids)
		if err != nil {
			h.logger.Warnf("Failed to load subscriber presence: %v", err)
		}
		for i := range out {
			if p, ok := presence[out[i].ID]; ok {
				out[i].Presence = &p
			}
		}
	}

	writeJSON(w, http.StatusOK, out)
}
