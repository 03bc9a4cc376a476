package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/kpLEE-HYU/krader/internal/control"
	"github.com/kpLEE-HYU/krader/internal/obs"
	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGate struct {
	mu       sync.Mutex
	paused   bool
	canceled int
}

func (g *fakeGate) Pause()  { g.mu.Lock(); g.paused = true; g.mu.Unlock() }
func (g *fakeGate) Resume() { g.mu.Lock(); g.paused = false; g.mu.Unlock() }
func (g *fakeGate) CancelAll(context.Context) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled++
	return 1
}

type fakeState struct {
	orders []schema.Order
}

func (s *fakeState) Snapshot() schema.Portfolio {
	return schema.Portfolio{Cash: decimal.NewFromInt(1_000_000), TotalEquity: decimal.NewFromInt(1_200_000)}
}

func (s *fakeState) ActiveOrders() []schema.Order {
	return s.orders
}

func newServer() (http.Handler, *control.Control, *fakeGate) {
	gate := &fakeGate{}
	ctl := control.New(control.DefaultConfig(), gate, nil, nil, nil)
	st := &fakeState{orders: []schema.Order{{ID: "ORD-1", Symbol: "005930", Status: schema.OrderStatusSubmitted}}}
	router := NewRouter(Config{
		Control:   ctl,
		Portfolio: st,
		Orders:    st,
		Metrics:   obs.NewMetrics(),
		Universe:  func() []string { return []string{"005930"} },
		RunID:     func() string { return "RUN-1" },
	})
	return router, ctl, gate
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	h, _, _ := newServer()

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Control      control.Status `json:"control"`
		ActiveOrders int            `json:"activeOrders"`
		Universe     []string       `json:"universe"`
		RunID        string         `json:"runId"`
	}
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Control.KillSwitch)
	assert.Equal(t, 1, body.ActiveOrders)
	assert.Equal(t, []string{"005930"}, body.Universe)
	assert.Equal(t, "RUN-1", body.RunID)

	rec = do(t, h, http.MethodGet, "/orders/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ORD-1")

	rec = do(t, h, http.MethodGet, "/errors", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestKillSwitchEndpoints(t *testing.T) {
	h, ctl, gate := newServer()

	rec := do(t, h, http.MethodPost, "/kill-switch", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code mismatch! should be %d but got %d", http.StatusBadRequest, rec.Code)
	}
	assert.False(t, ctl.KillSwitchActive())

	rec = do(t, h, http.MethodPost, "/kill-switch", `{"reason":"manual stop"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"activated":true`)
	assert.True(t, ctl.KillSwitchActive())
	assert.Equal(t, "operator: manual stop", ctl.Status().KillReason)
	assert.Equal(t, 1, gate.canceled)
	assert.True(t, gate.paused)

	rec = do(t, h, http.MethodPost, "/kill-switch", `{"reason":"again"}`)
	assert.Contains(t, rec.Body.String(), `"activated":false`)
	assert.Equal(t, 1, gate.canceled)

	rec = do(t, h, http.MethodDelete, "/kill-switch", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"reset":true`)
	assert.False(t, ctl.KillSwitchActive())
	assert.False(t, gate.paused)
}

func TestPauseResume(t *testing.T) {
	h, ctl, gate := newServer()

	rec := do(t, h, http.MethodPost, "/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ctl.Paused())
	assert.True(t, gate.paused)

	rec = do(t, h, http.MethodPost, "/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, ctl.Paused())
	assert.False(t, gate.paused)
}
