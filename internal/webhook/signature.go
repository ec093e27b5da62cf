package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature is returned when an inbound request fails verification.
// Verification always precedes state mutation.
var ErrBadSignature = errors.New("webhook signature verification failed")

// Verifier authenticates an inbound platform callback. Implementations
// read whatever headers or query parameters their scheme prescribes.
type Verifier interface {
	Verify(r *http.Request, body []byte) error
}

const maxTimestampSkew = 5 * time.Minute

// BotVerifier implements the bot-style scheme: the caller supplies a
// unix timestamp and a base64 HMAC-SHA256 of "timestamp\n" + secret,
// keyed by the secret.
type BotVerifier struct {
	Secret string
}

// Verify checks the X-Timestamp and X-Signature headers.
func (v *BotVerifier) Verify(r *http.Request, _ []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	signature := r.Header.Get("X-Signature")
	if timestamp == "" || signature == "" {
		return fmt.Errorf("%w: missing timestamp or signature header", ErrBadSignature)
	}

	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", ErrBadSignature)
	}
	if skew := time.Since(time.Unix(unix, 0)); skew > maxTimestampSkew || skew < -maxTimestampSkew {
		return fmt.Errorf("%w: timestamp outside allowed skew", ErrBadSignature)
	}

	expected := BotSignature(timestamp, v.Secret)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// BotSignature computes the bot-scheme signature for a timestamp.
func BotSignature(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CallbackVerifier implements the app-callback scheme: a hex HMAC-SHA1
// keyed by the token over the sorted concatenation of token, timestamp
// and nonce, carried as query parameters.
type CallbackVerifier struct {
	Token string
}

// Verify checks the signature, timestamp and nonce query parameters.
func (v *CallbackVerifier) Verify(r *http.Request, _ []byte) error {
	query := r.URL.Query()
	signature := query.Get("signature")
	timestamp := query.Get("timestamp")
	nonce := query.Get("nonce")
	if signature == "" || timestamp == "" || nonce == "" {
		return fmt.Errorf("%w: missing signature parameters", ErrBadSignature)
	}

	expected := CallbackSignature(v.Token, timestamp, nonce)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrBadSignature
	}
	return nil
}

// CallbackSignature computes the app-callback signature.
func CallbackSignature(token, timestamp, nonce string) string {
	parts := []string{token, timestamp, nonce}
	sort.Strings(parts)

	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(mac.Sum(nil))
}
