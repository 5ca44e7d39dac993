package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"stock-tracker/internal/catalog"
	"stock-tracker/internal/models"
	"stock-tracker/internal/monitor"
)

// Catalogue is the product management used by the handlers.
type Catalogue interface {
	Add(ctx context.Context, in catalog.NewProduct) (*models.TrackedProduct, error)
	List(ctx context.Context) ([]*models.TrackedProduct, error)
	Remove(ctx context.Context, id int64) error
	History(ctx context.Context, id int64, limit int) (*catalog.History, error)
}

// Operator is the scheduler control surface.
type Operator interface {
	TriggerManualCheck(ctx context.Context, productID int64) (*monitor.CheckReport, error)
	EnableProduct(ctx context.Context, productID int64) error
	SetKillSwitch(ctx context.Context, on bool) error
	SetSafeMode(ctx context.Context, on bool) error
	Status() monitor.Status
}

// Pinger reports whether persistence is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Catalogue = (*catalog.Service)(nil)
	_ Operator  = (*monitor.Scheduler)(nil)
)

type Handler struct {
	catalogue Catalogue
	operator  Operator
	db        Pinger
	startedAt time.Time
}

func NewHandler(catalogue Catalogue, operator Operator, db Pinger) *Handler {
	return &Handler{catalogue: catalogue, operator: operator, db: db, startedAt: time.Now()}
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			writeError(w, Unavailable("database unavailable"))
			return
		}
	}
	ok(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Status handles GET /api/v1/status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ok(w, h.operator.Status())
}

// SetKillSwitch handles POST /api/v1/kill-switch/{state}
func (h *Handler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	on, err := parseState(chi.URLParam(r, "state"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.operator.SetKillSwitch(r.Context(), on); err != nil {
		writeError(w, err)
		return
	}
	ok(w, h.operator.Status().Safety)
}

// SetSafeMode handles POST /api/v1/safe-mode/{state}
func (h *Handler) SetSafeMode(w http.ResponseWriter, r *http.Request) {
	on, err := parseState(chi.URLParam(r, "state"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.operator.SetSafeMode(r.Context(), on); err != nil {
		writeError(w, err)
		return
	}
	ok(w, h.operator.Status().Safety)
}

// ListProducts handles GET /api/v1/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.catalogue.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if products == nil {
		products = []*models.TrackedProduct{}
	}
	ok(w, products)
}

// AddProduct handles POST /api/v1/products
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var in catalog.NewProduct
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, BadRequest("invalid JSON"))
		return
	}
	p, err := h.catalogue.Add(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	created(w, p)
}

// CheckProduct handles POST /api/v1/products/{id}/check
func (h *Handler) CheckProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := h.operator.TriggerManualCheck(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, report)
}

// EnableProduct handles POST /api/v1/products/{id}/enable
func (h *Handler) EnableProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.operator.EnableProduct(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	ok(w, map[string]any{"id": id, "status": models.StatusActive})
}

// RemoveProduct handles DELETE /api/v1/products/{id}
func (h *Handler) RemoveProduct(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.catalogue.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ProductHistory handles GET /api/v1/products/{id}/history?limit=n
func (h *Handler) ProductHistory(w http.ResponseWriter, r *http.Request) {
	id, err := productID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, BadRequest("limit must be a non-negative integer"))
			return
		}
	}
	history, err := h.catalogue.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	ok(w, history)
}

func productID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, BadRequest("id must be a positive integer")
	}
	return id, nil
}

func parseState(s string) (bool, error) {
	switch s {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	return false, BadRequest("state must be on or off")
}
