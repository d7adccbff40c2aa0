package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC of a cron trigger body
const SignatureHeader = "X-Signature-256"

const maxSignedBody = 1 << 20

var ErrBadSignature = errors.New("signature mismatch")

// Sign returns the header value for payload: "sha256=<hex hmac>"
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks signature against payload in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}

// ValidateSignatureHeader checks the header is present and well formed
func ValidateSignatureHeader(header string) error {
	if header == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}
	if !strings.HasPrefix(header, "sha256=") {
		return fmt.Errorf("invalid signature format, expected 'sha256=<hash>'")
	}
	return nil
}

// VerifyRequest reads the body of r, checks its signature and puts the body
// back so handlers can decode it
func VerifyRequest(r *http.Request, secret string) ([]byte, error) {
	header := r.Header.Get(SignatureHeader)
	if err := ValidateSignatureHeader(header); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if !VerifySignature(body, header, secret) {
		return nil, ErrBadSignature
	}
	return body, nil
}
