package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade-v1/internal/logger"
	"papertrade-v1/internal/metrics"
	"papertrade-v1/internal/model"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

type fakeTrader struct {
	positions map[string]*model.Position
	submitErr error
	lastReq   model.TradeRequest
	traceID   string
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{positions: map[string]*model.Position{}}
}

func (f *fakeTrader) Submit(ctx context.Context, req model.TradeRequest) (*model.Position, error) {
	f.lastReq = req
	f.traceID = logger.TraceID(ctx)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if _, _, err := req.Validate(); err != nil {
		return nil, err
	}
	p := &model.Position{
		ID:            "ord-1",
		Symbol:        req.Symbol,
		Token:         req.Token,
		Status:        model.StatusOpen,
		EntryPrice:    decimal.RequireFromString("86.67"),
		UnrealizedPnL: decimal.Zero,
	}
	f.positions[p.ID] = p
	return p, nil
}

func (f *fakeTrader) SquareOff(_ context.Context, id string) (*model.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if !p.IsOpen() {
		return nil, model.ErrAlreadyClosed
	}
	p.Status = model.StatusClosed
	p.RealizedPnL = decimal.NewNullDecimal(decimal.RequireFromString("137.25"))
	return p, nil
}

func (f *fakeTrader) Get(_ context.Context, id string) (*model.Position, error) {
	if p, ok := f.positions[id]; ok {
		return p, nil
	}
	return nil, model.ErrNotFound
}

func (f *fakeTrader) List(_ context.Context, status model.Status) ([]model.Position, error) {
	var out []model.Position
	for _, p := range f.positions {
		if status == "" || p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

type fixedHealth metrics.Report

func (h fixedHealth) Snapshot() metrics.Report { return metrics.Report(h) }

const orderBody = `{"symbol":"NIFTY","strike":"24000","optionType":"CE","action":"BUY",
	"lotSize":75,"contractToken":"43854","expiry":"2025-06-26"}`

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp Response
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestRouter_TradeLifecycle(t *testing.T) {
	tr := newFakeTrader()
	h := NewRouter(tr, nil, nil, nil)

	rec, resp := do(t, h, http.MethodPost, "/api/paper-trade/order", orderBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, "ord-1", resp.OrderID)
	assert.Equal(t, "Paper trade created successfully", resp.Message)
	assert.EqualValues(t, 75, tr.lastReq.LotSize)
	assert.Contains(t, rec.Body.String(), `"entryPrice":86.67`)

	rec, resp = do(t, h, http.MethodGet, "/api/trades/ord-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, resp = do(t, h, http.MethodGet, "/api/trades?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, resp.Count)
	assert.Equal(t, 1, *resp.Count)

	rec, resp = do(t, h, http.MethodPost, "/api/paper-trade/square-off", `{"orderId":"ord-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Paper trade squared off successfully", resp.Message)
	assert.Contains(t, rec.Body.String(), `"realizedPnL":137.25`)

	rec, resp = do(t, h, http.MethodPost, "/api/paper-trade/square-off", `{"orderId":"ord-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)

	rec, resp = do(t, h, http.MethodGet, "/api/trades?status=open", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, *resp.Count)
	assert.Contains(t, rec.Body.String(), `"data":[]`)

	rec, _ = do(t, h, http.MethodGet, "/api/portfolio/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"realizedPnL":137.25`)
	assert.Contains(t, rec.Body.String(), `"closedPositions":1`)
}

func TestRouter_ErrorMapping(t *testing.T) {
	tr := newFakeTrader()
	h := NewRouter(tr, nil, nil, nil)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		setup  func()
		code   int
		errMsg string
	}{
		{"missing field", http.MethodPost, "/api/paper-trade/order", `{"symbol":"NIFTY"}`, nil, http.StatusBadRequest, "strike"},
		{"bad json", http.MethodPost, "/api/paper-trade/order", `{`, nil, http.StatusBadRequest, "invalid JSON"},
		{"persistence", http.MethodPost, "/api/paper-trade/order", orderBody, func() {
			tr.submitErr = &model.PersistenceError{Op: "open", Err: errors.New("disk full")}
		}, http.StatusInternalServerError, "Server Error"},
		{"missing order id", http.MethodPost, "/api/paper-trade/square-off", `{}`, nil, http.StatusBadRequest, "Order ID is required"},
		{"unknown order", http.MethodPost, "/api/paper-trade/square-off", `{"orderId":"nope"}`, nil, http.StatusNotFound, "not found"},
		{"unknown trade", http.MethodGet, "/api/trades/nope", "", nil, http.StatusNotFound, "Trade not found"},
		{"bad status", http.MethodGet, "/api/trades?status=pending", "", nil, http.StatusBadRequest, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr.submitErr = nil
			if tt.setup != nil {
				tt.setup()
			}
			rec, resp := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.errMsg)
		})
	}
}

func TestRouter_MethodAndPreflight(t *testing.T) {
	h := NewRouter(newFakeTrader(), nil, nil, nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/paper-trade/order", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/paper-trade/order", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_TraceIDFromHeader(t *testing.T) {
	tr := newFakeTrader()
	h := NewRouter(tr, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/paper-trade/order", strings.NewReader(orderBody))
	req.Header.Set("X-Request-Id", "req-42")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "req-42", tr.traceID)
}

func TestRouter_Health(t *testing.T) {
	rec, resp := do(t, NewRouter(newFakeTrader(), nil, nil, nil), http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	h := NewRouter(newFakeTrader(), fixedHealth{Status: "degraded", FeedState: "degraded", SQLiteOK: true}, nil, nil)
	rec, resp = do(t, h, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"feed_state":"degraded"`)

	h = NewRouter(newFakeTrader(), fixedHealth{Status: "unhealthy"}, nil, nil)
	rec, resp = do(t, h, http.MethodGet, "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)
}
