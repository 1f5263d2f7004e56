package paymentgateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Gateway-Signature"

// Sign returns the hex HMAC-SHA256 of body, in the form the gateway sends.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts hex or base64 digests, with or without a
// "sha256=" prefix.
func VerifySignature(secret string, body []byte, header string) bool {
	secret = strings.TrimSpace(secret)
	header = strings.TrimSpace(header)
	if secret == "" || header == "" {
		return false
	}
	header = strings.TrimPrefix(header, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if provided, err := hex.DecodeString(header); err == nil && hmac.Equal(provided, expected) {
		return true
	}
	if provided, err := base64.StdEncoding.DecodeString(header); err == nil && hmac.Equal(provided, expected) {
		return true
	}
	return false
}
