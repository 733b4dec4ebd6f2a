package beeps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server is the sync service: it persists per-document operation logs
// under authenticated accounts and serves deltas against per-peer
// watermarks.
type Server struct {
	cfg    ServerConfig
	store  *Store
	secret []byte
	hub    *watchHub
	backup *Backupper
	srv    *http.Server
}

// NewServer opens the store and prepares the HTTP stack. Call
// ListenAndServe to start serving.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, errors.New("database url is required")
	}
	if cfg.Bind == "" {
		cfg.Bind = DefaultServerConfig().Bind
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultServerConfig().RequestTimeout
	}
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = DefaultServerConfig().BodyLimit
	}

	store, err := OpenStore(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		secret: []byte(cfg.JWTSecret),
		hub:    newWatchHub(),
	}

	if cfg.Backup.Bucket != "" {
		backup, err := NewBackupper(cfg.Backup, store)
		if err != nil {
			store.Close()
			return nil, err
		}
		s.backup = backup
	}

	s.srv = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
	}

	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/register", s.handleRegister)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/whoami", s.handleWhoami)
	mux.HandleFunc("/api/push", s.handlePush)
	mux.HandleFunc("/api/pull", s.handlePull)
	mux.HandleFunc("/api/watch", s.handleWatch)

	return mux
}

// ListenAndServe serves until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Bind, err)
	}

	if s.backup != nil {
		go s.backup.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.Serve(listener)
	}()

	slog.Info("listening", "bind", listener.Addr().String(), "registration", s.cfg.AllowRegistration)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return s.store.Close()
	case err := <-errCh:
		s.store.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close shuts the server down immediately.
func (s *Server) Close() error {
	if s.srv != nil {
		s.srv.Close()
	}
	return s.store.Close()
}

// authenticate extracts and verifies the bearer token on a request.
func (s *Server) authenticate(r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return nil, ErrAuth
	}
	return parseToken(s.secret, header[len(prefix):])
}
