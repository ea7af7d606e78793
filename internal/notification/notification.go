// Package notification decodes SES receipt notifications, either bare or
// wrapped in an SNS envelope, and locates the stored raw message they describe.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shineum/maskrelay/internal/email"
)

// SNS envelope types.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"
	TypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

var ErrMalformed = errors.New("malformed notification")

// Envelope is the SNS wrapper around a notification.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

// Notification is an SES receipt notification.
type Notification struct {
	NotificationType string   `json:"notificationType"`
	Mail             Mail     `json:"mail"`
	Receipt          *Receipt `json:"receipt"`

	// Envelope is set when the notification arrived through SNS.
	Envelope *Envelope `json:"-"`

	// keys holds the top-level keys present in the decoded JSON.
	keys []string
}

// Mail is the mail section of a notification.
type Mail struct {
	MessageID     string         `json:"messageId"`
	Source        string         `json:"source"`
	Destination   []string       `json:"destination"`
	Headers       []email.Header `json:"headers"`
	CommonHeaders CommonHeaders  `json:"commonHeaders"`
}

// CommonHeaders are the pre-parsed headers SES includes.
type CommonHeaders struct {
	From      []string `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	MessageID string   `json:"messageId"`
}

// Receipt is the receipt section of a notification.
type Receipt struct {
	Recipients   []string `json:"recipients"`
	SpamVerdict  *Verdict `json:"spamVerdict"`
	VirusVerdict *Verdict `json:"virusVerdict"`
	Action       *Action  `json:"action"`
}

// Verdict is an SES scan result such as {"status": "PASS"}.
type Verdict struct {
	Status string `json:"status"`
}

// Action describes what SES did with the message.
type Action struct {
	Type       string `json:"type"`
	BucketName string `json:"bucketName"`
	ObjectKey  string `json:"objectKey"`
	TopicArn   string `json:"topicArn"`
}

// Parse decodes body. An SNS envelope is recognised by its Type field; for
// Notification envelopes the inner Message is decoded. Subscription control
// messages return a Notification with only Envelope set.
func Parse(body []byte) (*Notification, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if _, ok := probe["Type"]; ok {
		var env Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
		}
		if env.Type != TypeNotification {
			return &Notification{Envelope: &env}, nil
		}
		n, err := Parse([]byte(env.Message))
		if err != nil {
			return nil, err
		}
		n.Envelope = &env
		return n, nil
	}

	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	n.keys = make([]string, 0, len(probe))
	for k := range probe {
		n.keys = append(n.keys, k)
	}
	sort.Strings(n.keys)
	return &n, nil
}

// IsControl reports whether n is an SNS subscription message rather than mail.
func (n *Notification) IsControl() bool {
	return n.Envelope != nil && n.Envelope.Type != TypeNotification
}

// Keys returns the top-level keys present in the decoded notification.
func (n *Notification) Keys() []string {
	return n.keys
}

// Header returns a mail header by name, ignoring case.
func (n *Notification) Header(name string) string {
	return email.HeaderValue(n.Mail.Headers, name)
}

// Spam reports whether SES flagged the message as spam.
func (n *Notification) Spam() bool {
	return n.Receipt != nil && n.Receipt.SpamVerdict != nil && n.Receipt.SpamVerdict.Status == "FAIL"
}

// Locate returns the bucket and key of the stored raw message. A notification
// without a receipt action is logged and yields empty strings, as does any
// action that is not an S3 action.
func Locate(n *Notification, logger *slog.Logger) (bucket, key string) {
	if n.Receipt == nil || n.Receipt.Action == nil {
		logger.Error("sns_inbound_message_without_receipt",
			slog.String("message_json_keys", strings.Join(n.Keys(), ",")),
		)
		return "", ""
	}

	action := n.Receipt.Action
	if strings.Contains(action.Type, "S3") {
		return action.BucketName, action.ObjectKey
	}
	return "", ""
}
