// Package app assembles the service: storage, domain services, the HTTP
// router and background sweepers.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/louisbranch/authn.one/internal/api/web"
	"github.com/louisbranch/authn.one/internal/email"
	"github.com/louisbranch/authn.one/internal/identity"
	"github.com/louisbranch/authn.one/internal/metrics"
	"github.com/louisbranch/authn.one/internal/session"
	"github.com/louisbranch/authn.one/internal/storage/sqlite"
	"github.com/louisbranch/authn.one/internal/user"
	"github.com/louisbranch/authn.one/internal/verifier"
)

// Server hosts the sign-in service.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      *sqlite.Store
	sessions   *session.Service
	index      *identity.Index
	limiter    *web.RateLimiter
	collector  *metrics.Collector

	cleanupInterval time.Duration
}

// New creates a configured server listening on cfg.HTTPAddr.
func New(cfg Config) (*Server, error) {
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}

	users := user.NewService(store)
	index := identity.NewIndex(store)
	sessions := session.NewService(store, users, index, cfg.SessionTTL)

	var notifier email.Notifier
	if strings.TrimSpace(cfg.EmailWebhookURL) != "" {
		notifier = email.NewWebhookNotifier(cfg.EmailWebhookURL)
	} else {
		notifier = email.LogNotifier{}
	}
	verification := email.NewVerification(index, notifier, strings.TrimRight(cfg.BaseURL, "/"), cfg.TokenTTL)

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	var limiter *web.RateLimiter
	if cfg.ChallengePerMin > 0 {
		limiter = web.NewRateLimiter(rate.Limit(cfg.ChallengePerMin/60), cfg.ChallengeBurst)
	}

	handler := web.NewHandler(sessions, users, index, verifier.NewWebAuthn(cfg.RPDisplayName), verification, collector)
	router := web.NewRouter(handler, limiter, metrics.Handler(registry))

	return &Server{
		listener:        listener,
		httpServer:      &http.Server{Handler: router},
		store:           store,
		sessions:        sessions,
		index:           index,
		limiter:         limiter,
		collector:       collector,
		cleanupInterval: cfg.CleanupInterval,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	s.StartCleanup(serverCtx, s.cleanupInterval)

	log.Printf("listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		<-serveErr
		return nil
	case err := <-serveErr:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// StartCleanup launches the periodic sweep of expired sessions and
// verification tokens. In-memory self-destruct timers do not survive a
// restart, so rows with a passed deadline are removed here.
func (s *Server) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Server) sweep(ctx context.Context) {
	expired, err := s.sessions.Sweep(ctx)
	if err != nil {
		log.Printf("sweep sessions: %v", err)
	} else if expired > 0 {
		s.collector.RecordSessionsExpired(expired)
		log.Printf("swept %d expired sessions", expired)
	}

	tokens, err := s.index.Sweep(ctx)
	if err != nil {
		log.Printf("sweep verification tokens: %v", err)
	} else if tokens > 0 {
		log.Printf("swept %d expired verification tokens", tokens)
	}
}

func (s *Server) close() {
	if s == nil {
		return
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}

func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}
