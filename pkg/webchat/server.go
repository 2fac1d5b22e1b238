package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/relaychat/pkg/config"
	"github.com/go-go-golems/relaychat/pkg/persistence/chatstore"
	"github.com/go-go-golems/relaychat/pkg/provider"
	"github.com/go-go-golems/relaychat/pkg/redisstream"
	"github.com/go-go-golems/relaychat/pkg/session"
	"github.com/go-go-golems/relaychat/pkg/upload"
)

// Server drives the eviction loop, the event publisher and the HTTP server lifecycle.
type Server struct {
	router      *Router
	httpSrv     *http.Server
	registry    *session.MemoryRegistry
	transcripts chatstore.TranscriptStore
	bus         *redisstream.Bus
	events      *ExchangeEvents
	hub         *WatchHub
	hubCancel   context.CancelFunc
}

// NewServer wires all collaborators from settings around the given provider.
func NewServer(ctx context.Context, s *config.Settings, p provider.Provider) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if s == nil {
		return nil, errors.New("settings are nil")
	}
	if p == nil {
		return nil, errors.New("provider is nil")
	}

	spool, err := upload.NewSpool(s.Upload.Dir, s.Upload.MaxBytes)
	if err != nil {
		return nil, err
	}

	// the registry logs evictions itself
	registry := session.NewMemoryRegistry(p, session.Options{MaxSessions: s.Session.MaxSessions})
	registry.SetEvictionConfig(s.Session.IdleTTL, s.Session.EvictInterval)

	transcripts, err := openTranscriptStore(s.Transcript.DSN)
	if err != nil {
		return nil, err
	}

	bus, err := redisstream.BuildBus(s.Redis)
	if err != nil {
		_ = transcripts.Close()
		return nil, errors.Wrap(err, "build event bus")
	}
	events := NewExchangeEvents(bus, 0)
	hubCtx, hubCancel := context.WithCancel(ctx)
	hub := NewWatchHub(hubCtx, bus, 30*time.Second)

	relay := NewRelay(RelayOptions{
		Registry:           registry,
		Transcripts:        transcripts,
		Events:             events,
		DefaultInstruction: s.Exchange.DefaultInstruction,
		ExchangeTimeout:    s.Exchange.Timeout,
	})
	r, err := NewRouter(RouterOptions{
		Relay:       relay,
		Registry:    registry,
		Transcripts: transcripts,
		Spool:       spool,
		Hub:         hub,
		Bus:         bus,
		AllowOrigin: s.CORS.AllowOrigin,
	})
	if err != nil {
		hubCancel()
		_ = bus.Close()
		_ = transcripts.Close()
		return nil, err
	}

	log.Info().
		Str("component", "webchat").
		Str("provider", p.Name()).
		Str("upload_dir", spool.Dir()).
		Bool("redis", s.Redis.Enabled).
		Bool("sqlite_transcripts", s.Transcript.DSN != "").
		Msg("relay server configured")

	return &Server{
		router:      r,
		httpSrv:     r.BuildHTTPServer(s.Addr),
		registry:    registry,
		transcripts: transcripts,
		bus:         bus,
		events:      events,
		hub:         hub,
		hubCancel:   hubCancel,
	}, nil
}

// openTranscriptStore opens SQLite for a DSN or a file path, memory otherwise.
func openTranscriptStore(dsn string) (chatstore.TranscriptStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return chatstore.NewInMemoryTranscriptStore(0), nil
	}
	if !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			_ = os.MkdirAll(dir, 0755)
		}
		d, err := chatstore.SQLiteTranscriptDSNForFile(dsn)
		if err != nil {
			return nil, errors.Wrap(err, "build transcript DSN")
		}
		dsn = d
	}
	store, err := chatstore.NewSQLiteTranscriptStore(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open transcript store")
	}
	return store, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) Registry() *session.MemoryRegistry { return s.registry }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled or the process receives SIGINT/SIGTERM.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.registry.StartEvictionLoop(srvCtx)

	eg.Go(func() error { return s.events.Run(srvCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.close()
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting relay-chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}

func (s *Server) close() {
	s.hub.Close()
	s.hubCancel()
	if err := s.bus.Close(); err != nil {
		log.Error().Err(err).Msg("event bus close error")
	}
	if err := s.transcripts.Close(); err != nil {
		log.Error().Err(err).Msg("transcript store close error")
	}
}
