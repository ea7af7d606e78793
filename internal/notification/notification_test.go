package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

const sesNotification = `{
  "notificationType": "Received",
  "mail": {
    "source": "sender@external.com",
    "messageId": "o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1",
    "destination": ["abc123@relay.example"],
    "headers": [
      {"name": "From", "value": "Sender <sender@external.com>"},
      {"name": "Message-ID", "value": "<orig@external.com>"},
      {"name": "Subject", "value": "Hello"}
    ],
    "commonHeaders": {"from": ["Sender <sender@external.com>"], "to": ["abc123@relay.example"], "subject": "Hello"}
  },
  "receipt": {
    "recipients": ["abc123@relay.example"],
    "spamVerdict": {"status": "PASS"},
    "virusVerdict": {"status": "PASS"},
    "action": {"type": "S3", "bucketName": "inbound-bucket", "objectKey": "emails/o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1"}
  }
}`

func newLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestParse_Bare(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(sesNotification))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Envelope != nil {
		t.Error("bare notification should have no envelope")
	}
	if n.Mail.MessageID != "o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1" {
		t.Errorf("message id: got %q", n.Mail.MessageID)
	}
	if got := n.Header("message-id"); got != "<orig@external.com>" {
		t.Errorf("Header: got %q", got)
	}
	if n.Spam() {
		t.Error("PASS verdict reported as spam")
	}
	if got := strings.Join(n.Keys(), ","); got != "mail,notificationType,receipt" {
		t.Errorf("Keys: got %q", got)
	}
}

func TestParse_SNSEnvelope(t *testing.T) {
	t.Parallel()

	env, _ := json.Marshal(map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-1",
		"TopicArn":  "arn:aws:sns:us-east-1:123:inbound",
		"Message":   sesNotification,
	})

	n, err := Parse(env)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if n.Envelope == nil || n.Envelope.MessageID != "sns-1" {
		t.Fatalf("envelope not kept: %+v", n.Envelope)
	}
	if n.IsControl() {
		t.Error("notification envelope reported as control message")
	}
	if len(n.Mail.Destination) != 1 || n.Mail.Destination[0] != "abc123@relay.example" {
		t.Errorf("destination: got %v", n.Mail.Destination)
	}
}

func TestParse_SubscriptionConfirmation(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"Type":"SubscriptionConfirmation","SubscribeURL":"https://sns.example/confirm"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !n.IsControl() {
		t.Error("expected control message")
	}
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	tests := []string{
		`not json`,
		`{"Type":"Notification","Message":"{broken"}`,
		`[1,2,3]`,
	}
	for _, body := range tests {
		if _, err := Parse([]byte(body)); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q): expected ErrMalformed, got %v", body, err)
		}
	}
}

func TestLocate_S3Action(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(sesNotification))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	bucket, key := Locate(n, newLogger(&buf))

	if bucket != "inbound-bucket" || key != "emails/o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1" {
		t.Errorf("Locate: got (%q, %q)", bucket, key)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %s", buf.String())
	}
}

func TestLocate_WithoutReceipt(t *testing.T) {
	t.Parallel()

	n, err := Parse([]byte(`{"notificationType":"Received","mail":{"messageId":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	bucket, key := Locate(n, newLogger(&buf))

	if bucket != "" || key != "" {
		t.Errorf("Locate: got (%q, %q), want empty", bucket, key)
	}
	out := buf.String()
	if !strings.Contains(out, "sns_inbound_message_without_receipt") {
		t.Errorf("anomaly not logged: %s", out)
	}
	if !strings.Contains(out, "mail,notificationType") {
		t.Errorf("available keys not logged: %s", out)
	}
}

func TestLocate_NonS3Action(t *testing.T) {
	t.Parallel()

	n := &Notification{Receipt: &Receipt{Action: &Action{Type: "SNS", TopicArn: "arn"}}}
	var buf bytes.Buffer
	if bucket, key := Locate(n, newLogger(&buf)); bucket != "" || key != "" {
		t.Errorf("Locate: got (%q, %q), want empty", bucket, key)
	}
}

func TestSpam(t *testing.T) {
	t.Parallel()

	n := &Notification{Receipt: &Receipt{SpamVerdict: &Verdict{Status: "FAIL"}}}
	if !n.Spam() {
		t.Error("FAIL verdict should be spam")
	}
}
