// Package signature signs and verifies webhook bodies with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Header names used by the workflow engine. Inbound requests are checked in order.
const (
	HeaderN8N     = "X-N8N-Signature"
	HeaderGeneric = "X-Signature"
	HeaderBare    = "Signature"
)

// InboundHeaders lists the headers a callback signature may arrive in, by priority.
var InboundHeaders = []string{HeaderN8N, HeaderGeneric, HeaderBare}

// Sign returns the lowercase hex HMAC-SHA256 of body keyed by secret.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether provided is the hex signature of body under secret.
// Malformed input yields false.
func Verify(body []byte, provided, secret string) bool {
	normalized := strings.ToLower(strings.TrimSpace(provided))
	if normalized == "" {
		return false
	}

	got, err := hex.DecodeString(normalized)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if len(got) != len(expected) {
		return false
	}
	return hmac.Equal(got, expected)
}

// FromHeaders returns the first non-empty signature among InboundHeaders.
func FromHeaders(get func(string) string) string {
	for _, name := range InboundHeaders {
		if v := get(name); v != "" {
			return v
		}
	}
	return ""
}
