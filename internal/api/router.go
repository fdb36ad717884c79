// Package api serves the paper-trading HTTP surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"papertrade-v1/internal/logger"
	"papertrade-v1/internal/metrics"
	"papertrade-v1/internal/model"
	"papertrade-v1/internal/portfolio"
)

const maxBodyBytes = 1 << 20

// Trader is the trading surface the router drives.
type Trader interface {
	Submit(ctx context.Context, req model.TradeRequest) (*model.Position, error)
	SquareOff(ctx context.Context, id string) (*model.Position, error)
	Get(ctx context.Context, id string) (*model.Position, error)
	List(ctx context.Context, status model.Status) ([]model.Position, error)
}

// HealthReporter supplies the health endpoint body.
type HealthReporter interface {
	Snapshot() metrics.Report
}

// Response is the envelope of every JSON reply.
type Response struct {
	Success bool        `json:"success"`
	OrderID string      `json:"orderId,omitempty"`
	Message string      `json:"message,omitempty"`
	Count   *int        `json:"count,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type handler struct {
	trader Trader
	health HealthReporter
}

// NewRouter sets up HTTP routes. ws, when non-nil, is mounted at /ws and
// missed at /ws/missed.
func NewRouter(t Trader, health HealthReporter, ws http.Handler, missed http.HandlerFunc) http.Handler {
	h := &handler{trader: t, health: health}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/paper-trade/order", h.createTrade)
	mux.HandleFunc("POST /api/paper-trade/square-off", h.squareOff)
	mux.HandleFunc("GET /api/trades", h.listTrades)
	mux.HandleFunc("GET /api/trades/{id}", h.getTrade)
	mux.HandleFunc("GET /api/portfolio/summary", h.summary)
	mux.HandleFunc("GET /api/v1/health", h.healthCheck)
	if ws != nil {
		mux.Handle("/ws", ws)
	}
	if missed != nil {
		mux.HandleFunc("GET /ws/missed", missed)
	}

	return withRequest(mux)
}

// withRequest applies CORS, answers preflight requests, propagates
// X-Request-Id as the trace id and logs every API call.
func withRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if id := r.Header.Get("X-Request-Id"); id != "" {
			r = r.WithContext(logger.WithTraceID(r.Context(), id))
		}
		if r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[api] %s %s %s", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, code int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var verr *model.ValidationError
	var perr *model.PersistenceError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyClosed):
		return http.StatusConflict
	case errors.As(err, &perr):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
		msg = "Server Error"
	}
	writeJSON(w, code, Response{Error: msg})
}

func (h *handler) createTrade(w http.ResponseWriter, r *http.Request) {
	var req model.TradeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid JSON body: " + err.Error()})
		return
	}
	p, err := h.trader.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{
		Success: true,
		OrderID: p.ID,
		Message: "Paper trade created successfully",
		Data:    p,
	})
}

func (h *handler) squareOff(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid JSON body: " + err.Error()})
		return
	}
	if strings.TrimSpace(body.OrderID) == "" {
		writeJSON(w, http.StatusBadRequest, Response{Error: "Order ID is required"})
		return
	}
	p, err := h.trader.SquareOff(r.Context(), body.OrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		OrderID: p.ID,
		Message: "Paper trade squared off successfully",
		Data:    p,
	})
}

func (h *handler) listTrades(w http.ResponseWriter, r *http.Request) {
	status := model.Status(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeJSON(w, http.StatusBadRequest, Response{Error: "status must be open or closed"})
		return
	}
	rows, err := h.trader.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []model.Position{}
	}
	n := len(rows)
	writeJSON(w, http.StatusOK, Response{Success: true, Count: &n, Data: rows})
}

func (h *handler) getTrade(w http.ResponseWriter, r *http.Request) {
	p, err := h.trader.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, model.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, Response{Error: "Trade not found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: p})
}

func (h *handler) summary(w http.ResponseWriter, r *http.Request) {
	rows, err := h.trader.List(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: portfolio.Summarize(rows)})
}

func (h *handler) healthCheck(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, Response{Success: true, Data: map[string]string{"status": "ok"}})
		return
	}
	rep := h.health.Snapshot()
	code := http.StatusOK
	if rep.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, Response{Success: code == http.StatusOK, Data: rep})
}
