package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the pieces of the router that are not handlers
type RouterOptions struct {
	AllowedOrigins []string
	Metrics        http.Handler
	Hub            *Hub
}

// NewRouter wires every endpoint. Reads are public; writes require a token.
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", h.Index)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	if opts.Hub != nil {
		r.Get("/ws", opts.Hub.ServeHTTP)
	}

	// Public endpoints
	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)
	r.Get("/balance/{user}", h.GetBalance)
	r.Get("/orders", h.GetActiveOrders)
	r.Get("/orders/user/{user}", h.GetUserOrders)
	r.Get("/orders/{id}/trades", h.GetOrderTrades)
	r.Get("/trades/user/{user}", h.GetUserTrades)
	r.Get("/leaderboard", h.GetLeaderboard)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)
		r.Post("/orders", h.CreateOrder)
		r.Post("/orders/{id}/cancel", h.CancelOrder)
		r.Delete("/orders/{id}", h.CancelOrder)
		r.Post("/orders/{id}/fill", h.FillOrder)
		r.Post("/balance/{user}/credit", h.CreditBalance)
	})

	return r
}
