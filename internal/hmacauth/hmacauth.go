// Package hmacauth authenticates integration calls signed with a shared
// HMAC-SHA256 secret.
package hmacauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/phonginreallife/chats/internal/apperr"
	"github.com/phonginreallife/chats/internal/clock"
)

const (
	SignatureHeader   = "X-Weni-Signature"
	TimestampHeader   = "X-Weni-Timestamp"
	IntegrationHeader = "X-Weni-Integration"

	// MaxSkew bounds how far a timestamp may sit from now, in either direction.
	MaxSkew = 300 * time.Second
)

// Failure reasons, all of kind UNAUTHENTICATED.
var (
	ErrInvalidSignature = apperr.New(apperr.Unauthenticated, "INVALID_SIGNATURE")
	ErrNoSignature      = apperr.New(apperr.Unauthenticated, "NO_SIGNATURE")
	ErrNoTimestamp      = apperr.New(apperr.Unauthenticated, "NO_TIMESTAMP")
	ErrTimestampTooOld  = apperr.New(apperr.Unauthenticated, "TIMESTAMP_TOO_OLD")
)

// Sign returns the hex HMAC-SHA256 of message.
func Sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares provided against the expected signature in constant time.
// Case of the hex digits is ignored; anything that is not hex fails.
func VerifySignature(secret []byte, provided string, message []byte) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(provided), "sha256="))
	if err != nil {
		got = nil
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, got) == 1
}

// IsSafeMethod reports whether method carries no body worth signing.
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// CanonicalMessage is "{body}+{timestamp}" for mutating requests and the
// bare timestamp for safe ones.
func CanonicalMessage(method string, body []byte, timestamp string) []byte {
	if IsSafeMethod(method) {
		return []byte(timestamp)
	}
	msg := make([]byte, 0, len(body)+1+len(timestamp))
	msg = append(msg, body...)
	msg = append(msg, '+')
	msg = append(msg, timestamp...)
	return msg
}

// Verifier checks signature headers against a set of named secrets.
type Verifier struct {
	secrets map[string][]byte
	names   []string
	clock   clock.Clock
}

func NewVerifier(secrets map[string]string, clk clock.Clock) *Verifier {
	if clk == nil {
		clk = clock.Real()
	}
	v := &Verifier{secrets: make(map[string][]byte, len(secrets)), clock: clk}
	for name, secret := range secrets {
		if secret == "" {
			continue
		}
		v.secrets[name] = []byte(secret)
		v.names = append(v.names, name)
	}
	sort.Strings(v.names)
	return v
}

// Enabled reports whether any secret is configured.
func (v *Verifier) Enabled() bool { return len(v.secrets) > 0 }

// VerifyTimestamp accepts unix seconds within MaxSkew of now.
func (v *Verifier) VerifyTimestamp(raw string) error {
	if raw == "" {
		return ErrNoTimestamp
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ErrTimestampTooOld
	}
	skew := v.clock.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxSkew {
		return ErrTimestampTooOld
	}
	return nil
}

// Authenticate validates one request. It returns the name of the integration
// whose secret matched. An empty integration tries every configured secret.
func (v *Verifier) Authenticate(integration, method string, body []byte, signature, timestamp string) (string, error) {
	if signature == "" {
		return "", ErrNoSignature
	}
	if err := v.VerifyTimestamp(timestamp); err != nil {
		return "", err
	}

	message := CanonicalMessage(method, body, timestamp)
	if integration != "" {
		secret, ok := v.secrets[strings.ToLower(integration)]
		if ok && VerifySignature(secret, signature, message) {
			return strings.ToLower(integration), nil
		}
		return "", ErrInvalidSignature
	}
	for _, name := range v.names {
		if VerifySignature(v.secrets[name], signature, message) {
			return name, nil
		}
	}
	return "", ErrInvalidSignature
}
