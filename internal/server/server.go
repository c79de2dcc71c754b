// Package server exposes the WebSocket gateway: it accepts client
// connections on /ws, spins up one session per connection, and serves the
// health and metrics endpoints alongside.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/session"
	"github.com/MrWong99/voxgate/internal/timeout"
	"github.com/MrWong99/voxgate/pkg/profile"
	"github.com/MrWong99/voxgate/pkg/recognizer"
)

const (
	// readLimit bounds one inbound frame. Base64 audio chunks are small, but
	// clients may batch; 1 MiB leaves generous headroom.
	readLimit = 1 << 20

	// writeTimeout bounds one outbound frame write.
	writeTimeout = 10 * time.Second

	// shutdownTimeout bounds the HTTP server drain on shutdown.
	shutdownTimeout = 10 * time.Second
)

// Config assembles the gateway server.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8080".
	ListenAddr string

	// CertFile and KeyFile enable TLS when both are set.
	CertFile string
	KeyFile  string

	// NewEngine builds a fresh recognition engine for each session.
	NewEngine func() (recognizer.Engine, error)

	// Profiles is the voice-profile store. May be nil, in which case
	// sessions run without enrollment.
	Profiles profile.Store

	// Timeouts is the per-session cost-guard configuration.
	Timeouts timeout.Config

	// Health serves /healthz and /readyz. May be nil.
	Health *health.Handler

	// Metrics receives gateway telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the WebSocket gateway.
type Server struct {
	cfg      Config
	metrics  *observe.Metrics
	registry *session.Registry
	httpSrv  *http.Server
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		registry: session.NewRegistry(cfg.Metrics),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s
}

// Sessions returns the live-session registry.
func (s *Server) Sessions() *session.Registry { return s.registry }

// Run serves until ctx is cancelled, then closes all live sessions and drains
// the HTTP server. Returns nil on clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
			slog.Info("listening with TLS", "addr", s.cfg.ListenAddr)
			err = s.httpSrv.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
		} else {
			slog.Info("listening", "addr", s.cfg.ListenAddr)
			err = s.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	})

	g.Go(func() error {
		<-ctx.Done()

		s.registry.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// handleWS upgrades one HTTP request to a WebSocket connection and runs a
// session on it until either side disconnects or the cost guard expires.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers connect from arbitrary app origins; the subscription key
		// never transits this hop, so cross-origin is acceptable here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, span := observe.StartSpan(r.Context(), "session")
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := observe.Logger(ctx)

	engine, err := s.cfg.NewEngine()
	if err != nil {
		log.Error("failed to build recognition engine", "err", err)
		conn.Close(websocket.StatusInternalError, "engine unavailable")
		return
	}

	profiles := s.loadProfiles(ctx)

	sess := session.New(session.Config{
		Engine:   engine,
		Profiles: profiles,
		Timeouts: s.cfg.Timeouts,
		Metrics:  s.metrics,
		Send: func(frame []byte) {
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			defer wcancel()
			if err := conn.Write(wctx, websocket.MessageText, frame); err != nil {
				log.Debug("client write failed", "err", err)
			}
		},
	})

	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID())
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	log.Info("client connected",
		"session_id", sess.ID(),
		"remote", r.RemoteAddr,
		"profiles", len(profiles),
	)

	// Read loop: the session loop consumes frames; a read error (including a
	// client disconnect) ends the session.
	go func() {
		defer sess.Close()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					log.Debug("client read failed", "session_id", sess.ID(), "err", err)
				}
				return
			}
			sess.HandleClientFrame(data)
		}
	}()

	sess.Run(ctx)
}

// loadProfiles fetches all registered voice profiles. Errors degrade to an
// enrollment-free session rather than refusing the connection.
func (s *Server) loadProfiles(ctx context.Context) []profile.Profile {
	if s.cfg.Profiles == nil {
		return nil
	}
	profiles, err := s.cfg.Profiles.List(ctx)
	if err != nil {
		slog.Warn("failed to load voice profiles", "err", err)
		return nil
	}
	return profiles
}
