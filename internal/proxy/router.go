package proxy

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/namikmesic/kimi-gateway/internal/config"
	"github.com/namikmesic/kimi-gateway/internal/metrics"
	"github.com/namikmesic/kimi-gateway/internal/tokens"
	openai "github.com/sashabaranov/go-openai"
)

// Deps are the collaborators of the HTTP front end.
type Deps struct {
	Chat           *Handler
	Registry       *tokens.Registry
	Live           *config.Live
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// NewRouter wires every public and admin route.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, requestLogger, middleware.Recoverer)
	if len(d.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, message{"kimi-gateway is running"})
	})
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": time.Now().Unix()})
	})
	r.Get("/v1/models", listModels)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	r.Group(func(g chi.Router) {
		g.Use(bearerAuth(d.Live))
		g.Method(http.MethodPost, "/v1/chat/completions", d.Chat)
		g.Route("/api", (&adminAPI{registry: d.Registry, live: d.Live}).routes)
	})
	return r
}

type modelList struct {
	Object string         `json:"object"`
	Data   []openai.Model `json:"data"`
}

func listModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data: []openai.Model{{
			ID:        ModelID,
			Object:    "model",
			CreatedAt: time.Now().Unix(),
			OwnedBy:   "moonshot",
		}},
	})
}
