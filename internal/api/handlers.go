package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/p2pexchange/internal/auth"
	"github.com/xtrntr/p2pexchange/internal/exchange"
	"github.com/xtrntr/p2pexchange/internal/models"
)

type contextKey struct{}

// userKey is the request context key holding the authenticated user id
var userKey = contextKey{}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Logger      *zap.Logger
	admins      map[string]bool
}

// NewHandler creates a new handler. admins may credit balances.
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, logger *zap.Logger, admins []string) *Handler {
	h := &Handler{Exchange: ex, AuthService: authService, Logger: logger, admins: make(map[string]bool)}
	for _, id := range admins {
		h.admins[id] = true
	}
	return h
}

// UserFromContext returns the authenticated user id stored by JWTAuthMiddleware
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey).(string)
	return userID, ok && userID != ""
}

// Index lists the endpoints
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "online",
		"endpoints": map[string]string{
			"balance":      "GET /balance/{user}",
			"credit":       "POST /balance/{user}/credit",
			"orders":       "GET /orders",
			"create_order": "POST /orders",
			"cancel_order": "POST /orders/{id}/cancel",
			"fill_order":   "POST /orders/{id}/fill",
			"order_trades": "GET /orders/{id}/trades",
			"user_orders":  "GET /orders/user/{user}",
			"user_trades":  "GET /trades/user/{user}",
			"leaderboard":  "GET /leaderboard",
			"stream":       "GET /ws",
		},
	})
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.UserID == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "User id and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.UserID, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUserExists) {
			writeError(w, http.StatusConflict, "User already exists")
			return
		}
		h.Logger.Warn("failed to register user", zap.String("user", req.UserID), zap.Error(err))
		writeError(w, http.StatusBadRequest, "Failed to register user")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         user.ID,
		"created_at": user.CreatedAt,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.UserID, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetBalance returns a user's balances
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Exchange.GetBalance(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// CreditBalance adds a signed amount to a user's balance. Admins only.
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if !h.admins[caller] {
		writeError(w, http.StatusForbidden, "Admin access required")
		return
	}

	var req struct {
		Currency string          `json:"currency"`
		Amount   decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	currency, err := models.ParseCurrency(req.Currency)
	if err != nil {
		h.fail(w, exchange.ErrInvalidCurrency)
		return
	}

	acct, err := h.Exchange.Credit(r.Context(), chi.URLParam(r, "user"), currency, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// CreateOrder posts a new order owned by the caller
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req struct {
		Type     models.Side     `json:"type"`
		Amount   decimal.Decimal `json:"amount"`
		Price    decimal.Decimal `json:"price"`
		MinLimit decimal.Decimal `json:"min_limit"`
		MaxLimit decimal.Decimal `json:"max_limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.Exchange.CreateOrder(r.Context(), exchange.NewOrder{
		UserID:   userID,
		Side:     req.Type,
		Amount:   req.Amount,
		Price:    req.Price,
		MinLimit: req.MinLimit,
		MaxLimit: req.MaxLimit,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// CancelOrder cancels one of the caller's active orders
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	if err := h.Exchange.CancelOrder(r.Context(), orderID, userID); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// FillOrder fills part or all of an order for the caller
func (h *Handler) FillOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.Exchange.Fill(r.Context(), orderID, userID, req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetActiveOrders lists every active order, best price first
func (h *Handler) GetActiveOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.ListActiveOrders(r.Context())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// GetUserOrders lists a user's orders in any status
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.ListUserOrders(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// GetUserTrades lists a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.Exchange.ListUserTrades(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// GetOrderTrades lists the fills of one order
func (h *Handler) GetOrderTrades(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	trades, err := h.Exchange.ListOrderTrades(r.Context(), orderID)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// GetLeaderboard ranks users by asset balance
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	holdings, err := h.Exchange.Leaderboard(r.Context(), limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"leaderboard": holdings})
}

// fail maps an exchange error to a status code. Internal errors are logged and hidden.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.Error(err))
		writeError(w, status, "Internal error")
		return
	}
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": exchange.Reason(err),
	})
}

func statusFor(err error) int {
	switch {
	case exchange.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrNotFound):
		return http.StatusNotFound
	case exchange.IsRejection(err):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return 0, false
	}
	return orderID, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
