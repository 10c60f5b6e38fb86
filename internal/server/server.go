// Package server is the recall relay: it authenticates devices, applies
// their mutations to the per-account entity log and streams changes back.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"recall/internal/auth"
	"recall/internal/invalidate"
	"recall/internal/store"
)

const (
	allowRemoteEnvKey     = "RECALL_ALLOW_REMOTE"
	readHeaderTimeout     = 5 * time.Second
	readTimeout           = 30 * time.Second
	writeTimeout          = 60 * time.Second
	idleTimeout           = 60 * time.Second
	shutdownTimeout       = 10 * time.Second
	defaultStreamLimit    = 256
	defaultPingInterval   = 25 * time.Second
	defaultLoginFailures  = 5
	defaultLoginWindow    = 5 * time.Minute
	defaultLoginBlockTime = 15 * time.Minute
)

// Options configures a Server. Zero values take defaults.
type Options struct {
	// Hasher hashes passwords of accounts registered on first sign-in.
	Hasher auth.Hasher
	// MaxStreams caps concurrently open change streams.
	MaxStreams   int
	PingInterval time.Duration

	LoginMaxFailures int
	LoginWindow      time.Duration
	LoginBlockFor    time.Duration

	Logger *slog.Logger
}

// Server wraps HTTP handlers for the relay API.
type Server struct {
	addr          string
	relay         *store.Relay
	accounts      *AccountService
	hub           *invalidate.Hub
	logger        *slog.Logger
	loginLimiter  *loginRateLimiter
	streamLimiter chan struct{}
	upgrader      websocket.Upgrader
	pingInterval  time.Duration
	done          chan struct{}
	closeOnce     sync.Once
}

// New creates a new server instance.
func New(addr string, relay *store.Relay, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxStreams <= 0 {
		opts.MaxStreams = defaultStreamLimit
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.LoginMaxFailures == 0 {
		opts.LoginMaxFailures = defaultLoginFailures
	}
	if opts.LoginWindow == 0 {
		opts.LoginWindow = defaultLoginWindow
	}
	if opts.LoginBlockFor == 0 {
		opts.LoginBlockFor = defaultLoginBlockTime
	}

	return &Server{
		addr:          addr,
		relay:         relay,
		accounts:      NewAccountService(relay, opts.Hasher),
		hub:           invalidate.NewHub(),
		logger:        logger.With("component", "relay"),
		loginLimiter:  newLoginRateLimiter(opts.LoginMaxFailures, opts.LoginWindow, opts.LoginBlockFor),
		streamLimiter: make(chan struct{}, opts.MaxStreams),
		upgrader:      websocket.Upgrader{HandshakeTimeout: readHeaderTimeout},
		pingInterval:  opts.PingInterval,
		done:          make(chan struct{}),
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.routes())
}

// ListenAndServe starts the HTTP server and shuts it down when ctx ends.
// Open change streams are closed on shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.log().Info("starting relay", "addr", s.addr)
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends open change streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ListenAddr converts a base URL into a listen address.
func ListenAddr(apiURL string) (string, error) {
	if apiURL == "" {
		return "", fmt.Errorf("listen url is required")
	}
	if u, err := url.Parse(apiURL); err == nil && u.Host != "" {
		host := u.Hostname()
		if !isAllowedListenHost(host) {
			return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
		}
		return u.Host, nil
	}

	host, _, err := net.SplitHostPort(apiURL)
	if err == nil && !isAllowedListenHost(host) {
		return "", fmt.Errorf("remote listen host %q requires %s=true", host, allowRemoteEnvKey)
	}

	return apiURL, nil
}

func isAllowedListenHost(host string) bool {
	if host == "" {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(os.Getenv(allowRemoteEnvKey)), "true") {
		return true
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) acquireLimiter(limiter chan struct{}, w http.ResponseWriter, r *http.Request, name string) bool {
	if limiter == nil {
		return true
	}
	select {
	case limiter <- struct{}{}:
		return true
	default:
		err := apiError{
			status:  http.StatusTooManyRequests,
			code:    "resource_exhausted",
			errCode: ErrCodeResourceExhausted,
			err:     fmt.Errorf("too many concurrent %s requests", name),
		}
		s.writeErrorReq(w, r, http.StatusTooManyRequests, err)
		return false
	}
}

func (s *Server) log() *slog.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

func (s *Server) releaseLimiter(limiter chan struct{}) {
	if limiter == nil {
		return
	}
	select {
	case <-limiter:
	default:
	}
}
