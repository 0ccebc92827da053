package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Orders  *OrdersHandler
	Relay   *RelayHandler
	WS      *WSHandler
	Metrics http.Handler
	Logger  *logrus.Logger
}

func NewRouter(deps RouterDeps) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(deps.Logger))
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	router.Route("/api", func(r chi.Router) {
		if deps.Orders != nil {
			r.Route("/orders", deps.Orders.Routes)
		}
		if deps.Relay != nil {
			r.Get("/relay", deps.Relay.Status)
			r.Get("/subscribers", deps.Relay.Subscribers)
		}
	})

	if deps.WS != nil {
		router.Handle("/ws", deps.WS)
	}
	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics)
	}

	return router
}

func requestLogger(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("HTTP request")
		})
	}
}
