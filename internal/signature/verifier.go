// Package signature authenticates gateway webhook payloads.
package signature

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	// ErrInvalidInput reports a malformed payload: a required field or the digest is missing.
	ErrInvalidInput = errors.New("signature: invalid input")
	// ErrNoSecret reports that no merchant secret is configured.
	ErrNoSecret = errors.New("signature: secret not configured")
)

// emptySlots is the number of reserved positions between status and amount.
const emptySlots = 9

// Fields are the payload values covered by the gateway digest.
type Fields struct {
	Status string
	Amount string
	TxnID  string
	Key    string
}

// Result is the verification outcome for a well-formed payload.
type Result struct {
	Valid bool
}

func (f Fields) missing() bool {
	return strings.TrimSpace(f.Status) == "" ||
		strings.TrimSpace(f.Amount) == "" ||
		strings.TrimSpace(f.TxnID) == "" ||
		strings.TrimSpace(f.Key) == ""
}

// canonical builds secret|status|<9 empty>|amount|txnid|key.
func canonical(f Fields, secret string) string {
	parts := make([]string, 0, 4+emptySlots)
	parts = append(parts, secret, f.Status)
	for i := 0; i < emptySlots; i++ {
		parts = append(parts, "")
	}
	parts = append(parts, f.Amount, f.TxnID, f.Key)
	return strings.Join(parts, "|")
}

// Sign returns the lowercase hex SHA-512 digest the gateway would send for f.
func Sign(f Fields, secret string) (string, error) {
	if secret == "" {
		return "", ErrNoSecret
	}
	if f.missing() {
		return "", ErrInvalidInput
	}
	sum := sha512.Sum512([]byte(canonical(f, secret)))
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the digest for f and compares it with provided in constant time.
// A mismatch is reported as Result{Valid: false} with a nil error.
func Verify(f Fields, provided, secret string) (Result, error) {
	provided = strings.ToLower(strings.TrimSpace(provided))
	if provided == "" {
		return Result{}, ErrInvalidInput
	}
	expected, err := Sign(f, secret)
	if err != nil {
		return Result{}, err
	}
	return Result{Valid: hmac.Equal([]byte(expected), []byte(provided))}, nil
}

// Verifier binds a merchant secret so handlers can verify without carrying it around.
type Verifier struct {
	Secret string
}

// Verify checks provided against the digest of f under the bound secret.
func (v Verifier) Verify(f Fields, provided string) (Result, error) {
	return Verify(f, provided, v.Secret)
}
