// ============================================================================
// Signature Verification
// ============================================================================
//
// Package: internal/auth
// File: auth.go
// Purpose: Verifies that inbound requests were signed by the gateway
// and extracts the caller's identity claims.
//
// Scheme:
//   The gateway signs every forwarded request with a shared secret.
//   The canonical string is four newline-joined fields:
//
//     UPPER(method) "\n" path "\n" sha256hex(body) "\n" claimsHeader
//
//   The signature header carries hex(HMAC-SHA256(secret, canonical)).
//   Claims travel base64-encoded as JSON {uid, email, admin} in a
//   separate header. Comparison is constant-time.
//
// Failure mapping:
//   - missing headers, bad signature, undecodable claims -> ErrUnauthorized
//   - valid signature but insufficient privilege          -> ErrForbidden
//
// ============================================================================

package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/novalto/dpo-orchestrator/pkg/types"
)

// Header names set by the gateway.
const (
	ClaimsHeader    = "X-Novalto-User"
	SignatureHeader = "X-Novalto-Signature"
)

// Verifier validates gateway-signed requests.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the gateway shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// canonicalString builds the string the gateway signed.
func canonicalString(method, path, bodySHA256, claimsHeader string) string {
	return strings.ToUpper(method) + "\n" + path + "\n" + bodySHA256 + "\n" + claimsHeader
}

// Sign computes the hex HMAC-SHA256 signature for a request. Exported
// for tests and for local tooling that emits gateway-shaped requests.
func (v *Verifier) Sign(method, path string, body []byte, claimsHeader string) string {
	bodySum := sha256.Sum256(body)
	canonical := canonicalString(method, path, hex.EncodeToString(bodySum[:]), claimsHeader)

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the request signature and decodes the claims.
//
// Returns ErrUnauthorized on any authentication failure: missing
// headers, signature mismatch, or malformed claims. Authorization
// (admin/ownership) is checked separately by the caller.
func (v *Verifier) Verify(method, path string, body []byte, claimsHeader, signature string) (types.Claims, error) {
	if claimsHeader == "" || signature == "" {
		return types.Claims{}, fmt.Errorf("%w: missing authentication headers", types.ErrUnauthorized)
	}

	expected := v.Sign(method, path, body, claimsHeader)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return types.Claims{}, fmt.Errorf("%w: signature mismatch", types.ErrUnauthorized)
	}

	claims, err := parseClaims(claimsHeader)
	if err != nil {
		return types.Claims{}, fmt.Errorf("%w: %v", types.ErrUnauthorized, err)
	}

	return claims, nil
}

// RequireAdmin rejects claims without the admin flag. The gateway
// decides how admin is granted (allowlist or custom claim); this
// service only checks its presence.
func RequireAdmin(claims types.Claims) error {
	if !claims.Admin {
		return fmt.Errorf("%w: admin privileges required", types.ErrForbidden)
	}
	return nil
}

func parseClaims(header string) (types.Claims, error) {
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return types.Claims{}, fmt.Errorf("decode claims: %v", err)
	}

	var claims types.Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return types.Claims{}, fmt.Errorf("parse claims: %v", err)
	}
	if claims.UID == "" {
		return types.Claims{}, fmt.Errorf("claims missing uid")
	}
	return claims, nil
}

// EncodeClaims produces the base64 claims header value for the given
// claims. Used by tests and local tooling.
func EncodeClaims(claims types.Claims) string {
	data, _ := json.Marshal(claims)
	return base64.StdEncoding.EncodeToString(data)
}
