package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/db/memdb"
	"github.com/xtrntr/p2pexchange/internal/events"
	"github.com/xtrntr/p2pexchange/internal/exchange"
	"github.com/xtrntr/p2pexchange/internal/gate"
	"github.com/xtrntr/p2pexchange/internal/metrics"
)

type testServer struct {
	router  http.Handler
	auth    *auth.AuthService
	hub     *Hub
	metrics *metrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memdb.New()
	collector := metrics.NewCollector()
	hub := NewHub(store, zap.NewNop(), collector, nil)
	t.Cleanup(hub.Close)

	ex, err := exchange.NewExchange(store, gate.New(), exchange.DefaultSettings(),
		exchange.WithPublisher(events.Multi{hub}),
		exchange.WithMetrics(collector))
	require.NoError(t, err)

	authService := auth.NewAuthService(store, "test-secret", time.Hour)
	handler := NewHandler(ex, authService, zap.NewNop(), []string{"admin"})
	router := NewRouter(handler, RouterOptions{Metrics: collector.Handler(), Hub: hub})
	return &testServer{router: router, auth: authService, hub: hub, metrics: collector}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := s.auth.IssueToken(userID)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	var resp map[string]interface{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		json.Unmarshal(rr.Body.Bytes(), &resp)
	}
	return rr, resp
}

func (s *testServer) credit(t *testing.T, userID, currency, amount string) {
	t.Helper()
	rr, _ := s.do(t, http.MethodPost, "/balance/"+userID+"/credit", s.token(t, "admin"),
		map[string]string{"currency": currency, "amount": amount})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func (s *testServer) createOrder(t *testing.T, owner string, body map[string]string) int64 {
	t.Helper()
	rr, resp := s.do(t, http.MethodPost, "/orders", s.token(t, owner), body)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return int64(resp["id"].(float64))
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name       string
		path       string
		body       interface{}
		wantStatus int
	}{
		{name: "Register", path: "/auth/register", body: map[string]string{"user_id": "alice", "password": "password123"}, wantStatus: http.StatusCreated},
		{name: "RegisterDuplicate", path: "/auth/register", body: map[string]string{"user_id": "alice", "password": "password123"}, wantStatus: http.StatusConflict},
		{name: "RegisterMissingPassword", path: "/auth/register", body: map[string]string{"user_id": "bob"}, wantStatus: http.StatusBadRequest},
		{name: "RegisterBadJSON", path: "/auth/register", body: "{", wantStatus: http.StatusBadRequest},
		{name: "Login", path: "/auth/login", body: map[string]string{"user_id": "alice", "password": "password123"}, wantStatus: http.StatusOK},
		{name: "LoginWrongPassword", path: "/auth/login", body: map[string]string{"user_id": "alice", "password": "nope"}, wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, resp := s.do(t, http.MethodPost, tt.path, "", tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.name == "Login" {
				assert.NotEmpty(t, resp["token"])
			}
		})
	}
}

func TestHandler_Authorization(t *testing.T) {
	s := newTestServer(t)
	order := map[string]string{"type": "sell", "amount": "10", "price": "1"}

	rr, _ := s.do(t, http.MethodPost, "/orders", "", order)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = s.do(t, http.MethodPost, "/orders", "garbage", order)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Only admins may credit
	rr, _ = s.do(t, http.MethodPost, "/balance/alice/credit", s.token(t, "alice"),
		map[string]string{"currency": "quote", "amount": "100"})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestHandler_OrderLifecycle(t *testing.T) {
	s := newTestServer(t)
	s.credit(t, "B", "quote", "100")

	orderID := s.createOrder(t, "A", map[string]string{"type": "sell", "amount": "100", "price": "2"})

	rr, resp := s.do(t, http.MethodGet, "/orders", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, resp["orders"], 1)

	rr, resp = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/fill", orderID), s.token(t, "B"), map[string]string{"amount": "40"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "1.6", resp["commission"])
	assert.Equal(t, "60", resp["remaining"])
	assert.Equal(t, "active", resp["status"])

	rr, resp = s.do(t, http.MethodGet, "/balance/B", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "20", resp["quote"])
	assert.Equal(t, "40", resp["asset"])

	rr, resp = s.do(t, http.MethodGet, "/balance/A", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "78.4", resp["quote"])

	rr, resp = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/fill", orderID), s.token(t, "B"), map[string]string{"amount": "70"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "insufficient_order_amount", resp["reason"])

	rr, _ = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/fill", orderID), s.token(t, "A"), map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, resp = s.do(t, http.MethodGet, fmt.Sprintf("/orders/%d/trades", orderID), "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, resp["trades"], 1)

	rr, resp = s.do(t, http.MethodGet, "/trades/user/B", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, resp["trades"], 1)

	rr, _ = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", orderID), s.token(t, "B"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr, _ = s.do(t, http.MethodDelete, fmt.Sprintf("/orders/%d", orderID), s.token(t, "A"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = s.do(t, http.MethodPost, fmt.Sprintf("/orders/%d/cancel", orderID), s.token(t, "A"), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, resp = s.do(t, http.MethodGet, "/orders/user/A", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	orders := resp["orders"].([]interface{})
	require.Len(t, orders, 1)
	assert.Equal(t, "cancelled", orders[0].(map[string]interface{})["status"])
}

func TestHandler_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	orderID := s.createOrder(t, "A", map[string]string{"type": "buy", "amount": "100", "price": "1", "min_limit": "10", "max_limit": "50"})
	s.credit(t, "B", "asset", "1000")

	tests := []struct {
		name       string
		method     string
		path       string
		user       string
		body       interface{}
		wantStatus int
		wantReason string
	}{
		{name: "InvalidSide", method: http.MethodPost, path: "/orders", user: "A", body: map[string]string{"type": "hold", "amount": "1", "price": "1"}, wantStatus: http.StatusBadRequest, wantReason: "invalid_side"},
		{name: "InvalidLimits", method: http.MethodPost, path: "/orders", user: "A", body: map[string]string{"type": "buy", "amount": "1", "price": "1", "min_limit": "5", "max_limit": "2"}, wantStatus: http.StatusBadRequest, wantReason: "invalid_limits"},
		{name: "BadOrderID", method: http.MethodPost, path: "/orders/abc/fill", user: "B", body: map[string]string{"amount": "1"}, wantStatus: http.StatusBadRequest},
		{name: "UnknownOrder", method: http.MethodPost, path: "/orders/999/fill", user: "B", body: map[string]string{"amount": "20"}, wantStatus: http.StatusNotFound, wantReason: "not_found"},
		{name: "BelowMinimum", method: http.MethodPost, path: fmt.Sprintf("/orders/%d/fill", orderID), user: "B", body: map[string]string{"amount": "5"}, wantStatus: http.StatusConflict, wantReason: "below_minimum"},
		{name: "AboveMaximum", method: http.MethodPost, path: fmt.Sprintf("/orders/%d/fill", orderID), user: "B", body: map[string]string{"amount": "60"}, wantStatus: http.StatusConflict, wantReason: "above_maximum"},
		{name: "WithinLimits", method: http.MethodPost, path: fmt.Sprintf("/orders/%d/fill", orderID), user: "B", body: map[string]string{"amount": "30"}, wantStatus: http.StatusOK},
		{name: "ZeroFill", method: http.MethodPost, path: fmt.Sprintf("/orders/%d/fill", orderID), user: "B", body: map[string]string{"amount": "0"}, wantStatus: http.StatusBadRequest, wantReason: "invalid_amount"},
		{name: "UnknownTrades", method: http.MethodGet, path: "/orders/999/trades", wantStatus: http.StatusNotFound},
		{name: "BadCurrency", method: http.MethodPost, path: "/balance/B/credit", user: "admin", body: map[string]string{"currency": "gold", "amount": "1"}, wantStatus: http.StatusBadRequest, wantReason: "invalid_currency"},
		{name: "Overdraft", method: http.MethodPost, path: "/balance/B/credit", user: "admin", body: map[string]string{"currency": "quote", "amount": "-1"}, wantStatus: http.StatusConflict, wantReason: "insufficient_funds"},
		{name: "BadLimit", method: http.MethodGet, path: "/leaderboard?limit=ten", wantStatus: http.StatusBadRequest},
		{name: "UserIDTooLong", method: http.MethodGet, path: "/balance/" + strings.Repeat("u", 65), wantStatus: http.StatusBadRequest, wantReason: "invalid_account"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := ""
			if tt.user != "" {
				token = s.token(t, tt.user)
			}
			rr, resp := s.do(t, tt.method, tt.path, token, tt.body)
			assert.Equal(t, tt.wantStatus, rr.Code, rr.Body.String())
			if tt.wantReason != "" {
				assert.Equal(t, tt.wantReason, resp["reason"])
			}
		})
	}
}

func TestHandler_Leaderboard(t *testing.T) {
	s := newTestServer(t)
	for i := 1; i <= 12; i++ {
		s.credit(t, fmt.Sprintf("user%02d", i), "asset", fmt.Sprint(i))
	}

	rr, resp := s.do(t, http.MethodGet, "/leaderboard", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	board := resp["leaderboard"].([]interface{})
	require.Len(t, board, 10)
	assert.Equal(t, "user12", board[0].(map[string]interface{})["user_id"])

	rr, resp = s.do(t, http.MethodGet, "/leaderboard?limit=3", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, resp["leaderboard"], 3)
}

func TestHandler_IndexHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	rr, resp := s.do(t, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "online", resp["status"])

	rr, resp = s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", resp["status"])

	s.createOrder(t, "A", map[string]string{"type": "sell", "amount": "1", "price": "1"})
	rr, _ = s.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "exchange_orders_created_total 1")
}

func TestHub_StreamsBookAndEvents(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	s.createOrder(t, "A", map[string]string{"type": "sell", "amount": "5", "price": "3"})

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, messageOrderBook, msg.Type)
	require.Len(t, msg.Orders, 1)
	assert.Equal(t, "3", msg.Orders[0].Price.String())

	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	s.createOrder(t, "A", map[string]string{"type": "buy", "amount": "1", "price": "1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg = message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, messageEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, events.OrderCreated, msg.Event.Type)
	assert.Equal(t, "buy", string(msg.Event.Order.Side))
}

func TestHub_DropsSlowClient(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	var msg message
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Eventually(t, func() bool { return s.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	// A client with a full queue and no writer stands in for a stalled browser
	other, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer other.Close()
	require.Eventually(t, func() bool { return s.hub.Clients() == 2 }, time.Second, 10*time.Millisecond)
	stalled := &wsClient{conn: other, send: make(chan []byte, 1)}
	stalled.send <- []byte("{}")
	s.hub.add(stalled)

	start := time.Now()
	s.createOrder(t, "A", map[string]string{"type": "sell", "amount": "1", "price": "1"})
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, 2, s.hub.Clients())
	_, open := <-stalled.send
	assert.True(t, open)
	_, open = <-stalled.send
	assert.False(t, open)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg = message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, messageEvent, msg.Type)
}
