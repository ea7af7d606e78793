package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/shineum/maskrelay/internal/config"
)

func TestSelectTransport(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
		wantErr  bool
	}{
		{name: "auto stdout", wantName: "stdout"},
		{
			name:     "auto smtp",
			cfg:      config.Config{Transport: config.TransportConfig{SMTP: config.SMTPConfig{Host: "smtp.example", Port: 587}}},
			wantName: "smtp",
		},
		{
			name:     "explicit stdout wins over smtp",
			cfg:      config.Config{Transport: config.TransportConfig{Provider: "stdout", SMTP: config.SMTPConfig{Host: "smtp.example"}}},
			wantName: "stdout",
		},
		{
			name:    "ses without region",
			cfg:     config.Config{Transport: config.TransportConfig{Provider: "ses"}},
			wantErr: true,
		},
		{
			name:    "smtp without host",
			cfg:     config.Config{Transport: config.TransportConfig{Provider: "smtp"}},
			wantErr: true,
		},
		{
			name:    "smtp with missing dkim key",
			cfg:     config.Config{Transport: config.TransportConfig{Provider: "smtp", SMTP: config.SMTPConfig{Host: "smtp.example", DKIMKeyFile: "/nonexistent/dkim.pem"}}},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     config.Config{Transport: config.TransportConfig{Provider: "graph"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tr, err := selectTransport(context.Background(), &tt.cfg, logger)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tr.Name() != tt.wantName {
				t.Errorf("transport: got %q, want %q", tr.Name(), tt.wantName)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	mem, err := openStore(ctx, config.StoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	mem.Close()

	lite, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "relay.db")})
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	lite.Close()

	if _, err := openStore(ctx, config.StoreConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"bogus": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNewIngress(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Relay:   config.RelayConfig{EmailDomain: "relay.example"},
		Ingress: config.IngressConfig{Listen: "127.0.0.1:0", Hostname: "mx.relay.example"},
	}
	srv, err := newIngress(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil || srv == nil {
		t.Fatalf("newIngress: %v", err)
	}

	cfg.TLS.CertFile = "/only/cert.pem"
	if _, err := newIngress(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for incomplete TLS files")
	}
}
