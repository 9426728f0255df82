package httpapi

import (
	"net/http"
	"time"

	"github.com/youssefsiam38/chatkeeper"
	"github.com/youssefsiam38/chatkeeper/render"
)

// Config holds API router configuration.
type Config struct {
	// PageSize for pagination.
	PageSize int

	// PromptTimeout bounds how long POST /chats/{id}/messages waits for a
	// reply, queue time included. Zero means no bound beyond the request.
	PromptTimeout time.Duration

	// MaxBodyBytes limits request bodies. Default 64 KiB.
	MaxBodyBytes int64

	// Logger for structured logging.
	Logger Logger
}

// Logger interface for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// router holds the API router state.
type router struct {
	reg      *chatkeeper.Registry
	renderer *render.Renderer
	config   *Config
}

// NewRouter creates a new API router.
func NewRouter(reg *chatkeeper.Registry, cfg *Config) http.Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	if c.PageSize <= 0 {
		c.PageSize = 25
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 64 << 10
	}

	r := &router{
		reg:      reg,
		renderer: render.New(),
		config:   &c,
	}

	mux := http.NewServeMux()

	// Chats
	mux.HandleFunc("GET /chats", r.handleListChats)
	mux.HandleFunc("GET /chats/{id}", r.handleGetChat)
	mux.HandleFunc("POST /chats/{id}/messages", r.handlePostMessage)

	// Diagnostics
	mux.HandleFunc("GET /stats", r.handleStats)
	mux.HandleFunc("GET /healthz", r.handleHealth)

	return withMiddleware(mux, &c)
}

// withMiddleware wraps the handler with common middleware.
func withMiddleware(handler http.Handler, cfg *Config) http.Handler {
	handler = jsonMiddleware(handler)
	handler = recoveryMiddleware(handler, cfg.Logger)
	return handler
}

// jsonMiddleware sets JSON content type for all responses.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware recovers from panics and returns 500.
func recoveryMiddleware(next http.Handler, logger Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if logger != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				}
				http.Error(w, `{"error":{"code":"internal_error","message":"internal server error"}}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
