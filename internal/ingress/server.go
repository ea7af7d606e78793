// Package ingress accepts mail over SMTP and hands every message straight to
// the inbound processor, bypassing the S3 receipt path. It is meant to sit
// behind an MTA that owns the relay domain.
package ingress

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	gosmtp "github.com/emersion/go-smtp"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const defaultMaxMessageBytes = 25 * 1024 * 1024

// Deliverer relays one raw message addressed to recipient.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, raw []byte) error
}

// ServerConfig holds the configuration for an ingress Server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting.
	Hostname string

	// EmailDomain restricts accepted recipients to this domain and its
	// subdomains, where custom masks live.
	EmailDomain string

	// TLSConfig enables STARTTLS. If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// AllowInsecureAuth permits AUTH before STARTTLS.
	AllowInsecureAuth bool

	MaxMessageBytes int64
}

// Server is an SMTP listener that delegates every accepted message to a
// Deliverer.
type Server struct {
	config    ServerConfig
	auth      *Authenticator
	deliverer Deliverer
	logger    *slog.Logger
}

// New creates a new ingress Server with the given configuration.
func New(cfg ServerConfig, deliverer Deliverer, logger *slog.Logger) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	cfg.EmailDomain = strings.ToLower(cfg.EmailDomain)
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}

	return &Server{
		config:    cfg,
		auth:      NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		deliverer: deliverer,
		logger:    logger,
	}
}

// acceptsDomain reports whether mail for domain is handled here. An empty
// EmailDomain accepts everything.
func (s *Server) acceptsDomain(domain string) bool {
	want := s.config.EmailDomain
	return want == "" || domain == want || strings.HasSuffix(domain, "."+want)
}

// ListenAndServe starts the SMTP server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up
// to 30 seconds for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := gosmtp.NewServer(&backend{server: s, ctx: ctx})
	srv.Domain = s.config.Hostname
	srv.TLSConfig = s.config.TLSConfig
	srv.AllowInsecureAuth = s.config.AllowInsecureAuth
	srv.MaxMessageBytes = s.config.MaxMessageBytes
	srv.MaxRecipients = 1
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second

	s.logger.Info("SMTP ingress listening",
		slog.String("addr", ln.Addr().String()),
		slog.Bool("auth_enabled", s.auth.Enabled()),
		slog.Bool("tls_enabled", s.config.TLSConfig != nil),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, gosmtp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down SMTP ingress")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown timeout reached, forcing close", sloki.WrapError(err))
		_ = srv.Close()
	}
	return nil
}

type backend struct {
	server *Server
	ctx    context.Context
}

func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	remote := ""
	if nc := c.Conn(); nc != nil {
		remote = nc.RemoteAddr().String()
	}
	return &session{
		server:        b.server,
		ctx:           b.ctx,
		remote:        remote,
		authenticated: !b.server.auth.Enabled(),
	}, nil
}
