package webchat

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/go-go-golems/relaychat/pkg/persistence/chatstore"
	"github.com/go-go-golems/relaychat/pkg/redisstream"
	"github.com/go-go-golems/relaychat/pkg/session"
	"github.com/go-go-golems/relaychat/pkg/upload"
)

// Router wires the HTTP endpoints to the relay, the registry and the watchers.
type Router struct {
	mux *http.ServeMux

	relay       *Relay
	registry    session.Registry
	transcripts chatstore.TranscriptStore
	spool       *upload.Spool
	hub         *WatchHub
	bus         *redisstream.Bus

	allowOrigin string
	upgrader    websocket.Upgrader
}

// RouterOptions are the collaborators of a Router. Relay, Registry and Spool are required.
type RouterOptions struct {
	Relay       *Relay
	Registry    session.Registry
	Transcripts chatstore.TranscriptStore
	Spool       *upload.Spool
	// Hub enables GET /api/sessions/{id}/watch when set.
	Hub *WatchHub
	// Bus is pinged by /healthz when set.
	Bus *redisstream.Bus
	// AllowOrigin is sent as Access-Control-Allow-Origin; empty disables CORS headers.
	AllowOrigin string
}
