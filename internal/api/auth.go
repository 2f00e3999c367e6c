package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// VerifyResult reports whether a presented token was accepted and, when it
// was not, which status and message to return.
type VerifyResult struct {
	OK         bool
	StatusCode int
	Message    string
}

// TokenVerifier checks admin bearer tokens on mutating endpoints.
type TokenVerifier interface {
	Verify(token string) VerifyResult
}

// AdminTokenVerifier accepts either a plaintext secret or a derived hash
// in the form pbkdf2$sha256$<iterations>$<salt>$<key>. Exactly one of the
// two should be configured.
type AdminTokenVerifier struct {
	secret string
	hash   string
}

// NewAdminTokenVerifier builds a verifier from the configured secret or
// hash. An empty verifier rejects everything.
func NewAdminTokenVerifier(secret, hash string) *AdminTokenVerifier {
	return &AdminTokenVerifier{secret: secret, hash: hash}
}

// Verify implements TokenVerifier.
func (v *AdminTokenVerifier) Verify(token string) VerifyResult {
	if token == "" {
		return VerifyResult{
			StatusCode: http.StatusUnauthorized,
			Message:    "Authorization token required",
		}
	}
	if v.accepts(token) {
		return VerifyResult{OK: true}
	}
	return VerifyResult{
		StatusCode: http.StatusForbidden,
		Message:    "Invalid admin token",
	}
}

func (v *AdminTokenVerifier) accepts(token string) bool {
	if v.hash != "" {
		return verifyTokenHash(v.hash, token)
	}
	if v.secret == "" {
		return false
	}
	want := sha256.Sum256([]byte(v.secret))
	got := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

func verifyTokenHash(encodedHash, candidate string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 || parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	return subtle.ConstantTimeCompare(derived, storedKey) == 1
}

// ExtractToken pulls the bearer token from the Authorization header. A
// bare header value without the Bearer prefix is accepted as well.
func ExtractToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}

// ClientID derives the rate-limit identity for a request. Proxy headers
// win over the socket address so limits follow the real client.
func ClientID(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(forwarded)
	}
	if clientIP := r.Header.Get("Client-IP"); clientIP != "" {
		return strings.TrimSpace(clientIP)
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
