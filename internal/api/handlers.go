package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xtrntr/matchbook/internal/auth"
	"github.com/xtrntr/matchbook/internal/db"
	"github.com/xtrntr/matchbook/internal/exchange"
	"github.com/xtrntr/matchbook/internal/logging"
	"github.com/xtrntr/matchbook/internal/models"
	"github.com/xtrntr/matchbook/internal/notify"
	"github.com/xtrntr/matchbook/internal/num"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserIDFromContext returns the authenticated user set by JWTAuthMiddleware
func UserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Exchange    *exchange.Exchange
	AuthService *auth.AuthService
	Hub         *notify.WSHub
	log         *logging.Logger
}

// NewHandler creates a new handler
func NewHandler(ex *exchange.Exchange, authService *auth.AuthService, hub *notify.WSHub, log *logging.Logger) *Handler {
	return &Handler{Exchange: ex, AuthService: authService, Hub: hub, log: log.Named("api")}
}

// decimalInput accepts a decimal as a JSON string or a JSON number and keeps
// its literal text for num.ParsePositive
type decimalInput string

func (d *decimalInput) UnmarshalJSON(b []byte) error {
	if bytes.HasPrefix(b, []byte(`"`)) {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*d = decimalInput(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*d = decimalInput(n.String())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a service error to its HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, exchange.ErrInvalidOrder), errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, exchange.ErrInsufficientBalance),
		errors.Is(err, exchange.ErrInsufficientAsset),
		errors.Is(err, exchange.ErrOrderNotOpen):
		return http.StatusUnprocessableEntity
	case errors.Is(err, exchange.ErrUnauthorized), errors.Is(err, notify.ErrForbiddenChannel):
		return http.StatusForbidden
	case errors.Is(err, exchange.ErrOrderNotFound), errors.Is(err, exchange.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, exchange.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "Internal server error"
	case http.StatusServiceUnavailable:
		h.log.Warn("request timed out on a lock", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "Resource busy, try again"
	}
	writeError(w, status, msg)
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted as well.
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}
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

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Profile returns the user's balance and holdings
func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	snap, err := h.Exchange.Profile(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ListOpenOrders returns the open orders of every user, optionally of one
// symbol
func (h *Handler) ListOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Exchange.ListOpenOrders(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	orders, err := h.Exchange.UserOrders(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": orders})
}

// PlaceOrder handles order placement
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	var req struct {
		Symbol string       `json:"symbol"`
		Side   string       `json:"side"`
		Price  decimalInput `json:"price"`
		Amount decimalInput `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	side, err := models.ParseSide(req.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Side must be 'buy' or 'sell'")
		return
	}
	price, err := num.ParsePositive(string(req.Price))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid price: "+err.Error())
		return
	}
	amount, err := num.ParsePositive(string(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount: "+err.Error())
		return
	}

	order, err := h.Exchange.PlaceOrder(r.Context(), exchange.PlaceOrderRequest{
		UserID: userID,
		Symbol: req.Symbol,
		Side:   side,
		Price:  price,
		Amount: amount,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Order created successfully",
		"order":   order,
	})
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	orderID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid order ID")
		return
	}

	order, err := h.Exchange.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Order cancelled successfully",
		"order": map[string]interface{}{
			"id":     strconv.FormatInt(order.ID, 10),
			"status": order.Status,
		},
	})
}

// GetOrderBook retrieves the current order book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	book, err := h.Exchange.GetOrderBook(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// GetUserTrades retrieves a user's trade history
func (h *Handler) GetUserTrades(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	trades, err := h.Exchange.UserTrades(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades})
}

// GetTrade retrieves one trade of the user
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())

	tradeID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid trade ID")
		return
	}

	trade, err := h.Exchange.GetTrade(r.Context(), userID, tradeID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

// WebSocket subscribes the caller to the requested channels. The current
// book of every requested order book channel is pushed on join.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserIDFromContext(r.Context())
	channels := r.URL.Query()["channel"]

	if err := h.Hub.Authorize(userID, channels); err != nil {
		h.fail(w, r, err)
		return
	}
	onJoin := func() {
		for _, ch := range channels {
			if symbol, ok := strings.CutPrefix(ch, "orderbook."); ok {
				broadcastBook(r.Context(), h.Exchange, h.Hub, h.log, symbol)
			}
		}
	}
	if err := h.Hub.Serve(w, r, userID, channels, onJoin); err != nil {
		h.log.Debug("websocket closed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
