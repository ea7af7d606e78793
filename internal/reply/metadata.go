package reply

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/shineum/maskrelay/internal/email"
)

// Header names retained from the original message. Everything else is dropped
// before encryption.
const (
	KeyMessageID = "message-id"
	KeyFrom      = "from"
	KeyReplyTo   = "reply-to"
)

// ErrDecrypt is returned when a token cannot be parsed or fails authentication.
var ErrDecrypt = errors.New("reply metadata decryption failed")

// Metadata is the plaintext sender context kept for a relayed message.
type Metadata map[string]string

// ExtractMetadata keeps the message-id, from and reply-to headers (matched
// case-insensitively, keyed in lower case). Later duplicates win.
func ExtractMetadata(headers []email.Header) Metadata {
	md := Metadata{}
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		switch name {
		case KeyMessageID, KeyFrom, KeyReplyTo:
			md[name] = h.Value
		}
	}
	return md
}

// EncryptMetadata seals the JSON form of md as a compact JWE using the key
// directly ("dir") with AES-256-GCM.
func EncryptMetadata(key []byte, md Metadata) (string, error) {
	if len(key) != EncryptionKeySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}

	payload, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("failed to marshal reply metadata: %w", err)
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}

	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt reply metadata: %w", err)
	}

	return obj.CompactSerialize()
}

// DecryptMetadata opens a token produced by EncryptMetadata and returns the
// JSON plaintext. Only dir/A256GCM tokens are accepted.
func DecryptMetadata(key []byte, token string) ([]byte, error) {
	obj, err := jose.ParseEncrypted(token,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	plaintext, err := obj.Decrypt(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// DecodeMetadata decrypts a token and unmarshals the metadata map.
func DecodeMetadata(key []byte, token string) (Metadata, error) {
	plaintext, err := DecryptMetadata(key, token)
	if err != nil {
		return nil, err
	}

	var md Metadata
	if err := json.Unmarshal(plaintext, &md); err != nil {
		return nil, fmt.Errorf("%w: invalid payload: %v", ErrDecrypt, err)
	}
	return md, nil
}
