package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/relay"
	"github.com/prudhvinik1/orderrelay/internal/repositories"
	"github.com/prudhvinik1/orderrelay/internal/services"
)

// Relay is the part of the orchestrator the HTTP layer talks to.
type Relay interface {
	Join(ctx context.Context, conn relay.Conn) (relay.SubscriberID, error)
	Leave(id relay.SubscriberID)
	State() relay.State
	Subscribers() []relay.SubscriberInfo
}

var websocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const presenceTimeout = 2 * time.Second

type WSHandler struct {
	relay    Relay
	auth     *services.AuthService
	presence repositories.PresenceRepository
	logger   *logrus.Logger
}

// NewWSHandler builds the subscriber endpoint. auth and presence may be nil.
func NewWSHandler(r Relay, auth *services.AuthService, presence repositories.PresenceRepository, logger *logrus.Logger) *WSHandler {
	return &WSHandler{relay: r, auth: auth, presence: presence, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	subject := ""
	if h.auth.Enabled() {
		claims, err := h.auth.VerifyToken(bearerToken(req))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "A valid subscriber token is required")
			return
		}
		subject = claims.Subject
	}

	socket, err := websocketUpgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Errorf("problem initiating websocket: %v", err)
		return
	}

	logger := h.logger.WithField("remote_addr", req.RemoteAddr)
	conn := newWSConn(socket, logger)
	go conn.writePump()

	id, err := h.relay.Join(req.Context(), conn)
	if err != nil {
		logger.Warnf("Rejecting subscriber: %v", err)
		conn.Close()
		<-conn.pumpDone
		return
	}
	logger = logger.WithField("subscriber", id)
	conn.logger = logger

	p := &models.Presence{SubscriberID: id, Subject: subject, RemoteAddr: req.RemoteAddr}
	h.touchPresence(p)

	conn.readPump(func() { h.touchPresence(p) })

	h.relay.Leave(id)
	conn.Close()
	<-conn.pumpDone
	h.clearPresence(id)
}

func (h *WSHandler) touchPresence(p *models.Presence) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.SetPresence(ctx, p); err != nil {
		h.logger.WithField("subscriber", p.SubscriberID).Warnf("Failed to record presence: %v", err)
	}
}

func (h *WSHandler) clearPresence(id relay.SubscriberID) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := h.presence.DeletePresence(ctx, id); err != nil {
		h.logger.WithField("subscriber", id).Warnf("Failed to clear presence: %v", err)
	}
}

// bearerToken reads the token from ?token= or the Authorization header.
// Browsers cannot set headers on a WebSocket handshake.
func bearerToken(req *http.Request) string {
	if token := req.URL.Query().Get("token"); token != "" {
		return token
	}
	header := req.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
