package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/maskrelay/internal/inbound"
	"github.com/shineum/maskrelay/internal/transport"
)

type delivery struct {
	recipient string
	raw       string
}

type mockDeliverer struct {
	mu         sync.Mutex
	deliveries []delivery
	err        error
}

func (m *mockDeliverer) Deliver(_ context.Context, recipient string, raw []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries = append(m.deliveries, delivery{recipient: recipient, raw: string(raw)})
	return m.err
}

func (m *mockDeliverer) all() []delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]delivery(nil), m.deliveries...)
}

// startServer runs an ingress server on a loopback port and returns its
// address. The server is stopped when the test ends.
func startServer(t *testing.T, cfg ServerConfig, d Deliverer) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	cfg.EmailDomain = "relay.example"
	srv := New(cfg, d, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

const rawMessage = "From: sender@external.com\r\n" +
	"To: abc123@relay.example\r\n" +
	"Subject: Hi\r\n" +
	"\r\n" +
	"hello\r\n"

func send(addr string, auth sasl.Client, to string) error {
	c, err := gosmtp.Dial(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Hello("client.example"); err != nil {
		return err
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail("sender@external.com", nil); err != nil {
		return err
	}
	if err := c.Rcpt(to, nil); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, rawMessage); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func smtpCode(err error) int {
	var serr *gosmtp.SMTPError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return 0
}

func TestServer_DeliversMessage(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	addr := startServer(t, ServerConfig{}, d)

	if err := send(addr, nil, "abc123@relay.example"); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := d.all()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].recipient != "abc123@relay.example" {
		t.Errorf("recipient: got %q", got[0].recipient)
	}
	if !strings.Contains(got[0].raw, "Subject: Hi") || !strings.Contains(got[0].raw, "hello") {
		t.Errorf("raw message not passed through: %q", got[0].raw)
	}
}

func TestServer_AcceptsCustomMaskSubdomain(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	addr := startServer(t, ServerConfig{}, d)

	if err := send(addr, nil, "shop@alice.relay.example"); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := d.all()
	if len(got) != 1 || got[0].recipient != "shop@alice.relay.example" {
		t.Errorf("deliveries: got %+v", got)
	}

	// A domain that only ends with the same letters is still foreign.
	if code := smtpCode(send(addr, nil, "shop@evilrelay.example")); code != 550 {
		t.Errorf("lookalike domain: expected 550, got %d", code)
	}
}

func TestServer_RejectsForeignDomain(t *testing.T) {
	t.Parallel()

	d := &mockDeliverer{}
	addr := startServer(t, ServerConfig{}, d)

	err := send(addr, nil, "someone@elsewhere.example")
	if code := smtpCode(err); code != 550 {
		t.Errorf("expected 550, got %d (%v)", code, err)
	}
	if len(d.all()) != 0 {
		t.Error("foreign recipient must not be delivered")
	}
}

func TestServer_DeliveryErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "transport failure is temporary", err: &transport.TransportError{Provider: "ses", Message: "throttled"}, wantCode: 451},
		{name: "unparsable is permanent", err: fmt.Errorf("%w: bad mime", inbound.ErrUnparsable), wantCode: 554},
		{name: "other is temporary", err: errors.New("db down"), wantCode: 451},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			addr := startServer(t, ServerConfig{}, &mockDeliverer{err: tt.err})
			err := send(addr, nil, "abc123@relay.example")
			if code := smtpCode(err); code != tt.wantCode {
				t.Errorf("expected %d, got %d (%v)", tt.wantCode, code, err)
			}
		})
	}
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{AuthUsername: "user", AuthPassword: "secret", AllowInsecureAuth: true}

	t.Run("required", func(t *testing.T) {
		t.Parallel()

		d := &mockDeliverer{}
		addr := startServer(t, cfg, d)
		err := send(addr, nil, "abc123@relay.example")
		if err == nil {
			t.Fatal("expected unauthenticated MAIL to fail")
		}
		if len(d.all()) != 0 {
			t.Error("unauthenticated message delivered")
		}
	})

	t.Run("wrong password", func(t *testing.T) {
		t.Parallel()

		addr := startServer(t, cfg, &mockDeliverer{})
		err := send(addr, sasl.NewPlainClient("", "user", "nope"), "abc123@relay.example")
		if code := smtpCode(err); code != 535 {
			t.Errorf("expected 535, got %d (%v)", code, err)
		}
	})

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		d := &mockDeliverer{}
		addr := startServer(t, cfg, d)
		if err := send(addr, sasl.NewPlainClient("", "user", "secret"), "abc123@relay.example"); err != nil {
			t.Fatalf("send: %v", err)
		}
		if len(d.all()) != 1 {
			t.Errorf("expected one delivery, got %d", len(d.all()))
		}
	})
}

func TestServer_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := New(ServerConfig{}, &mockDeliverer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Serve after cancel: %v", err)
	}
}
