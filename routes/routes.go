package routes

import (
	"net/http"
	"time"

	"github.com/Tonytony5278/narc-sub001/app"
	"github.com/Tonytony5278/narc-sub001/handlers"
	"github.com/Tonytony5278/narc-sub001/middleware"
	"github.com/Tonytony5278/narc-sub001/models"
	"github.com/Tonytony5278/narc-sub001/utils"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(deps.Logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoints
	var checks []handlers.ReadinessCheck
	if deps.DB != nil {
		checks = append(checks, handlers.DatabaseCheck(deps.DB))
	}
	if deps.Broker != nil {
		checks = append(checks, handlers.BrokerCheck(deps.Broker))
	}
	if deps.Dispatcher != nil {
		checks = append(checks, handlers.AlertQueueCheck(deps.Dispatcher.GetStats))
	}
	health := handlers.NewHealthHandler(deps.Logger, checks...)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	authMW := deps.AuthMiddleware
	if authMW == nil {
		authMW = middleware.NewAuthMiddleware(rejectAll{}, deps.Logger)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if deps.EventService != nil {
			eventHandler := handlers.NewEventHandler(deps.EventService, deps.Logger)
			r.Route("/events", func(r chi.Router) {
				r.Use(authMW.RequireAuth)
				r.Post("/", eventHandler.HandleDetect)
				r.Get("/{id}", eventHandler.HandleGet)
				r.Patch("/{id}/status", eventHandler.HandleChangeStatus)
			})
		}

		// Reading the ledger is restricted to reviewers and admins
		if deps.LedgerService != nil {
			ledgerHandler := handlers.NewLedgerHandler(deps.LedgerService, deps.Logger)
			r.Route("/ledger", func(r chi.Router) {
				r.Use(authMW.RequireAuth)
				r.Use(authMW.RequireRole(models.RoleAdmin, models.RoleReviewer))
				r.Get("/entries", ledgerHandler.HandleExport)
				r.Get("/entities/{entityType}/{entityId}", ledgerHandler.HandleEntityHistory)
				r.Get("/verify", ledgerHandler.HandleVerify)
			})
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})

	return r
}
