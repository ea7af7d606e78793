// Package reply derives per-message reply keys, protects the original sender's
// headers at rest, and resolves later replies back to them.
package reply

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Context strings separating the two keys derived from one message id.
// Changing either orphans every stored record.
const (
	lookupKeyInfo     = "replay replies lookup key"
	encryptionKeyInfo = "replay replies encryption key"
)

const (
	LookupKeySize     = 16
	EncryptionKeySize = 32
)

// KeySet is the pair of keys derived from an outbound message id.
// Only the encoded lookup key is ever persisted.
type KeySet struct {
	Lookup     [LookupKeySize]byte
	Encryption [EncryptionKeySize]byte
}

// DeriveKeys runs HKDF-Expand (SHA-256, no extract step) over the message id
// twice with distinct info strings. The result is deterministic.
func DeriveKeys(messageID []byte) KeySet {
	var ks KeySet
	expand(messageID, lookupKeyInfo, ks.Lookup[:])
	expand(messageID, encryptionKeyInfo, ks.Encryption[:])
	return ks
}

func expand(secret []byte, info string, out []byte) {
	r := hkdf.Expand(sha256.New, secret, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		// Only reachable if out exceeds 255*32 bytes.
		panic(fmt.Sprintf("hkdf expand %q: %v", info, err))
	}
}

// MessageIDBytes extracts the local identifier from a Message-ID style string:
// "<abc123@mail.example.com>" and "abc123@mail.example.com" both yield "abc123".
// The outbound send path and the inbound reply path must both use it.
func MessageIDBytes(messageID string) []byte {
	local, _, _ := strings.Cut(messageID, "@")
	if i := strings.LastIndex(local, "<"); i >= 0 {
		local = local[i+1:]
	}
	return []byte(strings.TrimSpace(local))
}

// LookupString encodes a lookup key as stored in ReplyRecord.lookup
// (URL-safe base64, padded).
func LookupString(lookupKey []byte) string {
	return base64.URLEncoding.EncodeToString(lookupKey)
}
