// Package httpapi exposes the order and table operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tableside/internal/auth"
	"tableside/internal/logging"
	"tableside/internal/models"
	"tableside/internal/occupancy"
	"tableside/internal/ordering"
	"tableside/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type OrderService interface {
	PlaceOrder(ctx context.Context, input ordering.PlaceInput) (ordering.PlaceResult, error)
	UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (models.Order, error)
	GetOrder(ctx context.Context, orderID string) (models.Order, error)
	ListOrders(ctx context.Context, filter store.OrderFilter) ([]models.Order, error)
}

type TableService interface {
	CreateTable(ctx context.Context, input occupancy.CreateTableInput) (models.Table, error)
	GetTable(ctx context.Context, tableID string) (models.Table, error)
	ListTables(ctx context.Context) ([]models.Table, error)
	BookTable(ctx context.Context, tableID string, input occupancy.BookingInput) (models.Table, error)
	SetStatus(ctx context.Context, tableID string, status models.TableStatus, orderRef string) (models.Table, error)
	DeleteTable(ctx context.Context, tableID string) error
}

type Options struct {
	Logger *zap.Logger
	// Verifier enables bearer token authentication on /api when set.
	Verifier    *auth.Verifier
	CORSOrigins []string
	RateLimit   RateLimitConfig
	// Realtime is mounted under /realtime/ outside the rate limiter.
	Realtime http.Handler
	// Location interprets reservation times sent without a zone offset.
	// Defaults to time.Local.
	Location *time.Location
}

type Handler struct {
	orders   OrderService
	tables   TableService
	logger   *zap.Logger
	verifier *auth.Verifier
	opts     Options
}

func NewHandler(orders OrderService, tables TableService, opts Options) *Handler {
	return &Handler{
		orders:   orders,
		tables:   tables,
		logger:   logging.OrNop(opts.Logger),
		verifier: opts.Verifier,
		opts:     opts,
	}
}

func (h *Handler) location() *time.Location {
	if h.opts.Location != nil {
		return h.opts.Location
	}
	return time.Local
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(h.logger))
	r.Use(h.corsHandler().Handler)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/healthz", h.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if h.opts.Realtime != nil {
		r.Handle("/realtime/*", h.opts.Realtime)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(NewRateLimiter(h.opts.RateLimit).Middleware)
		r.Use(authenticate(h.verifier))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.placeOrder)
			r.Get("/", h.listOrders)
			r.Get("/{orderID}", h.getOrder)
			r.Put("/{orderID}/status", h.updateOrderStatus)
		})
		r.Route("/tables", func(r chi.Router) {
			r.Post("/", h.createTable)
			r.Get("/", h.listTables)
			r.Get("/{tableID}", h.getTable)
			r.Put("/{tableID}", h.updateTable)
			r.Delete("/{tableID}", h.deleteTable)
			r.Post("/{tableID}/booking", h.bookTable)
		})
	})

	return otelhttp.NewHandler(r, "tableside")
}

func (h *Handler) corsHandler() *cors.Cors {
	origins := h.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := req.toInput()
	if principal, ok := auth.FromContext(r.Context()); ok && principal.Role == auth.RoleGuest {
		input.GuestSession = principal.UserID
	}

	result, err := h.orders.PlaceOrder(r.Context(), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.IsNewOrder {
		status = http.StatusCreated
	}
	writeJSON(w, status, result)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	query := r.URL.Query()
	filter := store.OrderFilter{TableID: strings.TrimSpace(query.Get("tableId"))}
	if raw := query.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "validation_error", "active must be true or false")
			return
		}
		filter.ActiveOnly = active
	}
	if raw := query.Get("status"); raw != "" {
		status, ok := models.ParseOrderStatus(raw)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "validation_error", "unknown order status "+strconv.Quote(raw))
			return
		}
		filter.Status = status
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, r, http.StatusBadRequest, "validation_error", "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	orders, err := h.orders.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if principal, ok := auth.FromContext(r.Context()); ok && !principal.IsStaff() && order.GuestSession != principal.UserID {
		writeError(w, r, http.StatusForbidden, "forbidden", "order belongs to another session")
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	var req orderStatusRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, ok := models.ParseOrderStatus(req.Status)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "validation_error", "unknown order status "+strconv.Quote(req.Status))
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	var req createTableRequest
	if !h.decode(w, r, &req) {
		return
	}
	table, err := h.tables.CreateTable(r.Context(), req.toInput())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, table)
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := h.tables.ListTables(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if tables == nil {
		tables = []models.Table{}
	}
	writeJSON(w, http.StatusOK, tables)
}

func (h *Handler) getTable(w http.ResponseWriter, r *http.Request) {
	table, err := h.tables.GetTable(r.Context(), chi.URLParam(r, "tableID"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *Handler) updateTable(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	var req updateTableRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, ok := models.ParseTableStatus(req.Status)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "validation_error", "unknown table status "+strconv.Quote(req.Status))
		return
	}
	table, err := h.tables.SetStatus(r.Context(), chi.URLParam(r, "tableID"), status, req.OrderRef)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *Handler) bookTable(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	var req bookingRequest
	if !h.decode(w, r, &req) {
		return
	}
	input, err := req.toInput(h.location())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	table, err := h.tables.BookTable(r.Context(), chi.URLParam(r, "tableID"), input)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, table)
}

func (h *Handler) deleteTable(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	if err := h.tables.DeleteTable(r.Context(), chi.URLParam(r, "tableID")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := decodeBody(w, r, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errInvalidJSON):
		writeError(w, r, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	default:
		h.writeDomainError(w, r, err)
	}
	return false
}
