// Package main is the entry point for the mask relay service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/OliverSchlueter/goutils/sloki"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/maskrelay/internal/config"
	"github.com/shineum/maskrelay/internal/dedup"
	"github.com/shineum/maskrelay/internal/inbound"
	"github.com/shineum/maskrelay/internal/ingress"
	"github.com/shineum/maskrelay/internal/mask"
	"github.com/shineum/maskrelay/internal/objectstore"
	"github.com/shineum/maskrelay/internal/observe"
	"github.com/shineum/maskrelay/internal/parser"
	"github.com/shineum/maskrelay/internal/queue"
	"github.com/shineum/maskrelay/internal/relay"
	"github.com/shineum/maskrelay/internal/relayfrom"
	"github.com/shineum/maskrelay/internal/reply"
	"github.com/shineum/maskrelay/internal/store/memory"
	"github.com/shineum/maskrelay/internal/store/postgres"
	"github.com/shineum/maskrelay/internal/store/sqlite"
	smtptls "github.com/shineum/maskrelay/internal/tls"
	"github.com/shineum/maskrelay/internal/transport"
	"github.com/shineum/maskrelay/internal/transport/ses"
	"github.com/shineum/maskrelay/internal/transport/smtp"
	"github.com/shineum/maskrelay/internal/transport/stdout"
	"github.com/shineum/maskrelay/internal/webhook"
)

// store is what every backend in internal/store provides.
type store interface {
	mask.Store
	reply.Store
	Close() error
}

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", sloki.WrapError(err))
		os.Exit(1)
	}

	setupLogger(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", sloki.WrapError(err))
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("maskrelay stopped with error", sloki.WrapError(err))
		os.Exit(1)
	}

	slog.Info("maskrelay stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()
	metrics := observe.New(cfg.Metrics.Enabled)

	t, err := selectTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	awsCfg, err := ses.LoadAWSConfig(ctx, cfg.S3Region(), cfg.Transport.SES.AccessKeyID, cfg.Transport.SES.SecretAccessKey)
	if err != nil {
		return err
	}

	guard, closeGuard, err := setupDedup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeGuard()

	formatter, err := relayfrom.New(cfg.Relay.FromAddress)
	if err != nil {
		return fmt.Errorf("invalid relay from address: %w", err)
	}

	dispatcher := relay.NewDispatcher(t, st, relay.Config{
		EmailDomain:      cfg.Relay.EmailDomain,
		ConfigurationSet: cfg.Relay.ConfigurationSet,
	}, logger, metrics)

	processor := inbound.NewProcessor(cfg.Relay.EmailDomain, inbound.Deps{
		Objects:   objectstore.New(awsCfg, logger, metrics),
		Parser:    parser.New(cfg.Relay.SpoolDir, logger),
		Masks:     st,
		Resolver:  reply.NewResolver(st),
		Relayer:   dispatcher,
		Formatter: formatter,
		Dedup:     guard,
		Metrics:   metrics,
		Logger:    logger,
	})

	var gatherer prometheus.Gatherer
	if metrics.Enabled() {
		gatherer = metrics.Registry()
	}
	mux := http.NewServeMux()
	webhook.New(processor, gatherer, logger).Register(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var consumer *queue.Consumer
	if cfg.AMQPEnabled() {
		consumer, err = queue.Dial(queue.Config{
			URL:        cfg.AMQP.URL,
			Queue:      cfg.AMQP.Queue,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, processor, logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
	}

	var ingressServer *ingress.Server
	if cfg.IngressEnabled() {
		ingressServer, err = newIngress(cfg, processor, logger)
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 3)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if consumer != nil {
		go func() {
			if err := consumer.Run(ctx); err != nil {
				errCh <- fmt.Errorf("queue consumer: %w", err)
			}
		}()
	}
	if ingressServer != nil {
		go func() {
			if err := ingressServer.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("smtp ingress: %w", err)
			}
		}()
	}

	logger.Info("starting maskrelay",
		slog.String("listen", cfg.HTTP.Listen),
		slog.String("transport", t.Name()),
		slog.String("store", cfg.Store.Driver),
		slog.String("email_domain", cfg.Relay.EmailDomain),
		slog.Bool("amqp", cfg.AMQPEnabled()),
		slog.Bool("smtp_ingress", cfg.IngressEnabled()),
		slog.Bool("dedup", cfg.RedisEnabled()),
		slog.Bool("metrics", metrics.Enabled()),
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, initiating shutdown")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", sloki.WrapError(err))
	}
	return runErr
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger installs a sloki handler as the default logger. Loki shipping
// is enabled when a push URL is configured.
func setupLogger(cfg config.LoggingConfig) {
	level := parseLevel(cfg.Level)

	handler := sloki.NewService(sloki.Configuration{
		URL:          cfg.LokiURL,
		Service:      "maskrelay",
		ConsoleLevel: level,
		LokiLevel:    level,
		EnableLoki:   cfg.LokiURL != "",
	})
	slog.SetDefault(slog.New(handler))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// selectTransport chooses the outbound transport based on configuration.
// An explicit provider takes precedence; otherwise SES is used when
// configured, then SMTP, then stdout.
func selectTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	provider := cfg.Transport.Provider
	if provider == "" {
		switch {
		case cfg.SESConfigured():
			provider = "ses"
		case cfg.SMTPConfigured():
			provider = "smtp"
		default:
			provider = "stdout"
		}
		logger.Info("transport auto-detected", slog.String("provider", provider))
	}

	switch provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("SES transport selected but SES_REGION is not set")
		}
		logger.Info("using AWS SES transport", slog.String("region", cfg.Transport.SES.Region))
		return ses.New(ctx, ses.SESTransportConfig{
			Region:          cfg.Transport.SES.Region,
			AccessKeyID:     cfg.Transport.SES.AccessKeyID,
			SecretAccessKey: cfg.Transport.SES.SecretAccessKey,
		}, logger)

	case "smtp":
		if !cfg.SMTPConfigured() {
			return nil, errors.New("SMTP transport selected but SMTP_HOST is not set")
		}
		smtpCfg := smtp.Config{
			Host:         cfg.Transport.SMTP.Host,
			Port:         cfg.Transport.SMTP.Port,
			Username:     cfg.Transport.SMTP.Username,
			Password:     cfg.Transport.SMTP.Password,
			Domain:       cfg.Relay.EmailDomain,
			DKIMSelector: cfg.Transport.SMTP.DKIMSelector,
		}
		if cfg.Transport.SMTP.DKIMKeyFile != "" {
			key, err := smtp.LoadDKIMPrivateKey(cfg.Transport.SMTP.DKIMKeyFile)
			if err != nil {
				return nil, err
			}
			smtpCfg.DKIMSigner = key
		}
		logger.Info("using SMTP transport",
			slog.String("host", cfg.Transport.SMTP.Host),
			slog.Int("port", cfg.Transport.SMTP.Port),
			slog.Bool("auth_enabled", cfg.SMTPAuthEnabled()),
			slog.Bool("dkim", smtpCfg.DKIMSigner != nil),
		)
		return smtp.New(smtpCfg, logger), nil

	case "stdout":
		logger.Info("using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown transport provider %q", provider)
	}
}

func newIngress(cfg *config.Config, processor ingress.Deliverer, logger *slog.Logger) (*ingress.Server, error) {
	tlsConfig, err := smtptls.ServerConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.Ingress.Hostname)
	if err != nil {
		return nil, err
	}

	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		tlsMode = "file"
	}
	logger.Info("SMTP ingress enabled",
		slog.String("listen", cfg.Ingress.Listen),
		slog.Bool("auth_enabled", cfg.IngressAuthEnabled()),
		slog.String("tls_mode", tlsMode),
	)

	return ingress.New(ingress.ServerConfig{
		ListenAddr:      cfg.Ingress.Listen,
		Hostname:        cfg.Ingress.Hostname,
		EmailDomain:     cfg.Relay.EmailDomain,
		TLSConfig:       tlsConfig,
		AuthUsername:    cfg.Ingress.Username,
		AuthPassword:    cfg.Ingress.Password,
		MaxMessageBytes: cfg.Ingress.MaxMessageSize,
	}, processor, logger), nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.DSN)
	case "sqlite":
		return sqlite.New(cfg.DSN)
	case "memory":
		slog.Warn("using in-memory store, masks and reply records are lost on restart")
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func setupDedup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (dedup.Guard, func(), error) {
	if !cfg.RedisEnabled() {
		return dedup.Noop{}, func() {}, nil
	}
	rdb, err := dedup.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, nil, err
	}
	return dedup.NewRedisGuard(rdb, cfg.Redis.DedupTTL, logger), func() { _ = rdb.Close() }, nil
}
