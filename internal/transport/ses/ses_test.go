package ses

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"

	"github.com/shineum/maskrelay/internal/transport"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("abc123@ses.amazonaws.com")}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessage() transport.RawMessage {
	return transport.RawMessage{
		Source:           `"sender@external.com [via Relay]" <relay@relay.example>`,
		Destinations:     []string{"user@real.example"},
		Data:             []byte("Subject: hi\r\n\r\nbody"),
		ConfigurationSet: "relay-configset",
	}
}

func TestName(t *testing.T) {
	t.Parallel()
	p := NewWithClient(&mockSESClient{}, discardLogger())
	if got := p.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestSendRaw(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	p := NewWithClient(mock, discardLogger())

	id, err := p.SendRaw(context.Background(), testMessage())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "abc123@ses.amazonaws.com" {
		t.Errorf("message id: got %q", id)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if input.Content.Raw == nil {
		t.Fatal("expected raw content")
	}
	if input.Content.Simple != nil {
		t.Error("expected no simple content")
	}
	if !bytes.Equal(input.Content.Raw.Data, testMessage().Data) {
		t.Error("raw data not passed through unchanged")
	}
	if got := aws.ToString(input.FromEmailAddress); got != testMessage().Source {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if got := input.Destination.ToAddresses; len(got) != 1 || got[0] != "user@real.example" {
		t.Errorf("ToAddresses: got %v", got)
	}
	if got := aws.ToString(input.ConfigurationSetName); got != "relay-configset" {
		t.Errorf("ConfigurationSetName: got %q", got)
	}
}

func TestSendRaw_NoConfigurationSet(t *testing.T) {
	t.Parallel()

	msg := testMessage()
	msg.ConfigurationSet = ""
	if input := buildRawInput(msg); input.ConfigurationSetName != nil {
		t.Errorf("expected nil ConfigurationSetName, got %q", *input.ConfigurationSetName)
	}
}

func TestSendRaw_APIError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."}
		},
	}
	p := NewWithClient(mock, discardLogger())

	_, err := p.SendRaw(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}

	var terr *transport.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T", err)
	}
	if terr.Code != "MessageRejected" || terr.Message != "Email address is not verified." {
		t.Errorf("provider detail: got %q / %q", terr.Code, terr.Message)
	}
	if !errors.Is(err, transport.ErrTransport) {
		t.Error("expected errors.Is(err, ErrTransport)")
	}
	// No retries: redelivery of the notification is the retry.
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}
}

func TestSendRaw_GenericError(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}

	_, err := NewWithClient(mock, discardLogger()).SendRaw(context.Background(), testMessage())
	var terr *transport.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %v", err)
	}
	if terr.Code != "" {
		t.Errorf("expected empty code for non-API error, got %q", terr.Code)
	}
}

func TestSendRaw_MissingMessageID(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{
		sendFn: func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
			return &sesv2.SendEmailOutput{}, nil
		},
	}

	if _, err := NewWithClient(mock, discardLogger()).SendRaw(context.Background(), testMessage()); !errors.Is(err, transport.ErrTransport) {
		t.Errorf("expected transport error, got %v", err)
	}
}

// Verify SESTransport implements transport.Transport.
func TestTransportInterface(t *testing.T) {
	t.Parallel()

	var _ transport.Transport = (*SESTransport)(nil)
}
