package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/texel/promptstore/internal/api/handlers"
	"github.com/texel/promptstore/internal/api/middleware"
	"github.com/texel/promptstore/internal/config"
)

const serviceName = "promptstore"

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "If-Match", "If-None-Match", "X-API-Key", "X-Request-Id"},
		ExposedHeaders: []string{"ETag", "Retry-After", "X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	limiter := middleware.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateBurst)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Documents addressed by key. Keys contain slashes, so the tail of
		// the path is the key.
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Delete("/", h.DeleteDocuments)
			r.Get("/*", h.GetDocument)
			r.Put("/*", h.PutDocument)
			r.Delete("/*", h.DeleteDocument)
		})
		r.Post("/documents:copy", h.CopyDocument)

		// Legacy save body {filename, prompt, params}
		r.Post("/prompts", h.SavePrompt)

		r.Get("/catalog", h.GetCatalog)
		r.Put("/catalog", h.PutCatalog)

		r.Route("/clients/{code}", func(r chi.Router) {
			r.Get("/index", h.GetIndex)
			r.Put("/index", h.PutIndex)
		})

		r.With(limiter.Middleware).Post("/chat/completions", h.ChatCompletion)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": serviceName,
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": serviceName,
		})
	}
}
