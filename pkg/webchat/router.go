package webchat

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the chat API mux.
func NewRouter(opts RouterOptions) (*Router, error) {
	if opts.Relay == nil {
		return nil, errors.New("relay is nil")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is nil")
	}
	if opts.Spool == nil {
		return nil, errors.New("upload spool is nil")
	}
	r := &Router{
		mux:         http.NewServeMux(),
		relay:       opts.Relay,
		registry:    opts.Registry,
		transcripts: opts.Transcripts,
		spool:       opts.Spool,
		hub:         opts.Hub,
		bus:         opts.Bus,
		allowOrigin: strings.TrimSpace(opts.AllowOrigin),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	r.registerHTTPHandlers()
	return r, nil
}

func (r *Router) registerHTTPHandlers() {
	r.mux.HandleFunc("POST /api/chat", r.handleChat)
	r.mux.HandleFunc("GET /api/chat/ws", r.handleChatWS)
	r.mux.HandleFunc("POST /api/delete-history", r.handleDeleteHistory)
	r.mux.HandleFunc("GET /api/sessions/{id}/history", r.handleHistory)
	if r.hub != nil {
		r.mux.HandleFunc("GET /api/sessions/{id}/watch", r.handleWatch)
	}
	r.mux.HandleFunc("GET /healthz", r.handleHealth)
	log.Debug().Str("component", "webchat").Bool("watch", r.hub != nil).Msg("registered chat API handlers")
}

// Handle attaches an extra handler to the router mux.
func (r *Router) Handle(pattern string, h http.Handler) { r.mux.Handle(pattern, h) }

// Handler returns the mux wrapped with CORS handling.
func (r *Router) Handler() http.Handler {
	if r.allowOrigin == "" {
		return r.mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", r.allowOrigin)
		h.Set("Access-Control-Expose-Headers", "X-Exchange-Id")
		if req.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Idempotency-Key, X-Idempotency-Key, X-Exchange-Id")
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		r.mux.ServeHTTP(w, req)
	})
}

// BuildHTTPServer constructs an http.Server for addr. WriteTimeout stays unset, exchanges are
// bounded by the exchange timeout instead.
func (r *Router) BuildHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
