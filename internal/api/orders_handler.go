package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/prudhvinik1/orderrelay/internal/models"
	"github.com/prudhvinik1/orderrelay/internal/repositories"
)

// OrdersHandler is the REST surface over the orders table. Subscribers see
// its writes through the trigger, not through this handler.
type OrdersHandler struct {
	repo   repositories.OrderRepository
	logger *logrus.Logger
}

func NewOrdersHandler(repo repositories.OrderRepository, logger *logrus.Logger) *OrdersHandler {
	return &OrdersHandler{repo: repo, logger: logger}
}

type createOrderRequest struct {
	CustomerName string             `json:"customer_name"`
	ProductName  string             `json:"product_name"`
	Status       models.OrderStatus `json:"status"`
}

type deleteOrderResponse struct {
	Message string       `json:"message"`
	Order   models.Order `json:"order"`
}

type deleteAllResponse struct {
	Message      string         `json:"message"`
	DeletedCount int            `json:"deletedCount"`
	Orders       []models.Order `json:"orders"`
}

func (h *OrdersHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Delete("/", h.DeleteAll)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
}

func (h *OrdersHandler) List(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.ListOrders(r.Context())
	if err != nil {
		h.logger.Errorf("Error fetching orders: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch orders")
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *OrdersHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.CustomerName == "" || req.ProductName == "" {
		writeError(w, http.StatusBadRequest, "customer_name and product_name are required")
		return
	}
	if req.Status == "" {
		req.Status = models.StatusPending
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of pending, shipped, delivered")
		return
	}

	order := &models.Order{
		CustomerName: req.CustomerName,
		ProductName:  req.ProductName,
		Status:       req.Status,
	}
	if err := h.repo.Create(r.Context(), order); err != nil {
		h.logger.Errorf("Error creating order: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to create order")
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (h *OrdersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	var patch models.OrderPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if patch.Status != nil && !patch.Status.Valid() {
		writeError(w, http.StatusBadRequest, "status must be one of pending, shipped, delivered")
		return
	}
	if (patch.CustomerName != nil && *patch.CustomerName == "") || (patch.ProductName != nil && *patch.ProductName == "") {
		writeError(w, http.StatusBadRequest, "customer_name and product_name must not be empty")
		return
	}

	order, err := h.repo.Update(r.Context(), id, patch)
	switch {
	case errors.Is(err, repositories.ErrEmptyUpdate):
		writeError(w, http.StatusBadRequest, "No fields to update")
	case errors.Is(err, repositories.ErrNotFound):
		writeError(w, http.StatusNotFound, "Order not found")
	case err != nil:
		h.logger.Errorf("Error updating order %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to update order")
	default:
		writeJSON(w, http.StatusOK, order)
	}
}

func (h *OrdersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	order, err := h.repo.Delete(r.Context(), id)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		writeError(w, http.StatusNotFound, "Order not found")
	case err != nil:
		h.logger.Errorf("Error deleting order %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete order")
	default:
		writeJSON(w, http.StatusOK, deleteOrderResponse{Message: "Order deleted successfully", Order: *order})
	}
}

func (h *OrdersHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	orders, err := h.repo.DeleteAll(r.Context())
	if err != nil {
		h.logger.Errorf("Error clearing all orders: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to clear all orders")
		return
	}
	writeJSON(w, http.StatusOK, deleteAllResponse{
		Message:      "All orders deleted successfully",
		DeletedCount: len(orders),
		Orders:       orders,
	})
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid order id")
		return 0, false
	}
	return id, true
}
