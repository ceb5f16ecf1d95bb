// Package auth implements JobServ's three credential schemes (spec.md
// §4.7, "L7"): internal HMAC-SHA1 for privileged calls, per-worker
// API-key tokens, and per-worker certificate-pinned bearer JWTs, plus
// webhook HMAC-SHA1 verification. Grounded on the teacher's
// internal/controller/auth package (jwt.go's ParseWithClaims-based
// verifier, webhook_auth.go's constant-time HMAC compare) generalized
// from HS256/EdDSA bearer tokens and a canned webhook source list to
// spec.md's ES256-with-cert-kid scheme and HMAC-SHA1 webhook bodies.
package auth

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // spec.md §4.7 mandates HMAC-SHA1, not a hash weakness here
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

// ---- Internal HMAC (privileged calls) ----

// SignInternal computes X-JobServ-Sig's value: HMAC-SHA1(secret,
// "METHOD,TIME,BASE_URL") (spec.md §4.7).
func SignInternal(secret, method, timestamp, baseURL string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%s,%s,%s", method, timestamp, baseURL)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyInternal checks a request's X-Time/X-JobServ-Sig headers
// against secret. baseURL is the scheme://host/path the caller computed
// the signature over (query string excluded, so proxies rewriting query
// params don't break signatures).
func VerifyInternal(r *http.Request, secret, baseURL string) error {
	ts := r.Header.Get("X-Time")
	sig := r.Header.Get("X-JobServ-Sig")
	if ts == "" || sig == "" {
		return &jobservErrors.AuthMissingError{Message: "missing X-Time/X-JobServ-Sig"}
	}
	expected := SignInternal(secret, r.Method, ts, baseURL)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return &jobservErrors.AuthInvalidError{Message: "invalid X-JobServ-Sig"}
	}
	return nil
}

// ---- Worker API key ----

// VerifyWorkerAPIKey constant-time compares the "Authorization: Token
// <key>" header against expected (spec.md §4.7).
func VerifyWorkerAPIKey(r *http.Request, expected string) error {
	got, ok := bearerToken(r, "Token")
	if !ok {
		return &jobservErrors.AuthMissingError{Message: "missing Authorization: Token <key>"}
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(expected)) != 1 {
		return &jobservErrors.AuthInvalidError{Message: "invalid worker API key"}
	}
	return nil
}

func bearerToken(r *http.Request, scheme string) (string, bool) {
	h := r.Header.Get("Authorization")
	prefix := scheme + " "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	return strings.TrimPrefix(h, prefix), true
}

// ---- Worker bearer JWT ----

// WorkerClaims are the claims spec.md §4.7 requires: exp and name.
type WorkerClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name"`
}

// CertStore resolves a kid to an EC P-256 public key plus the
// organizational-unit attributes spec.md §4.7 derives allowed_tags
// from, caching parsed certificates the way the teacher's JWT verifier
// caches signing keys (internal/controller/auth/jwt.go).
type CertStore struct {
	dir string

	mu    sync.RWMutex
	cache map[string]*parsedCert
}

type parsedCert struct {
	cert *x509.Certificate
}

// NewCertStore returns a CertStore rooted at dir (WORKER_JWTS_DIR),
// one PEM file per kid named "<kid>.pem".
func NewCertStore(dir string) *CertStore {
	return &CertStore{dir: dir, cache: map[string]*parsedCert{}}
}

func (c *CertStore) lookup(kid string) (*x509.Certificate, error) {
	c.mu.RLock()
	cached, ok := c.cache[kid]
	c.mu.RUnlock()
	if ok {
		return cached.cert, nil
	}

	path := filepath.Join(c.dir, kid+".pem")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: unknown kid %q: %w", kid, err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("auth: kid %q: not a PEM file", kid)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: kid %q: parse certificate: %w", kid, err)
	}

	c.mu.Lock()
	c.cache[kid] = &parsedCert{cert: cert}
	c.mu.Unlock()
	return cert, nil
}

// VerifyResult carries what a successful bearer verification yields.
type VerifyResult struct {
	Name        string
	AllowedTags []string
}

// VerifyBearer validates an ES256 bearer token: the `kid` header selects
// a certificate from CertStore, `exp` and `name` claims are required,
// and allowed_tags is derived from the certificate's organizational
// unit attributes (spec.md §4.7).
func (c *CertStore) VerifyBearer(r *http.Request) (*VerifyResult, error) {
	tokenString, ok := bearerToken(r, "Bearer")
	if !ok {
		return nil, &jobservErrors.AuthMissingError{Message: "missing Authorization: Bearer <jwt>"}
	}

	var cert *x509.Certificate
	token, err := jwt.ParseWithClaims(tokenString, &WorkerClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing kid")
		}
		var err error
		cert, err = c.lookup(kid)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		if strings.Contains(err.Error(), "missing kid") || strings.Contains(err.Error(), "unknown kid") {
			return nil, &jobservErrors.AuthInvalidError{Message: "unknown kid"}
		}
		return nil, &jobservErrors.AuthInvalidError{Message: err.Error()}
	}

	claims, ok := token.Claims.(*WorkerClaims)
	if !ok || !token.Valid {
		return nil, &jobservErrors.AuthInvalidError{Message: "invalid token claims"}
	}
	if claims.ExpiresAt == nil {
		return nil, &jobservErrors.AuthInvalidError{Message: "exp"}
	}
	if claims.Name == "" {
		return nil, &jobservErrors.AuthInvalidError{Message: "name"}
	}

	return &VerifyResult{Name: claims.Name, AllowedTags: organizationalUnits(cert)}, nil
}

func organizationalUnits(cert *x509.Certificate) []string {
	if cert == nil {
		return nil
	}
	return cert.Subject.OrganizationalUnit
}

// ---- Webhook signatures ----

// VerifyWebhookSignature validates X-Hub-Signature: sha1=<hex> against
// an HMAC-SHA1 of body using key (spec.md §4.7).
func VerifyWebhookSignature(header string, body []byte, key string) error {
	const prefix = "sha1="
	if !strings.HasPrefix(header, prefix) {
		return &jobservErrors.AuthInvalidError{Message: "missing sha1= prefix"}
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return &jobservErrors.AuthInvalidError{Message: "malformed signature"}
	}
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(got, expected) {
		return &jobservErrors.AuthInvalidError{Message: "signature mismatch"}
	}
	return nil
}

// Now renders the current time in the format SignInternal/VerifyInternal
// expect for X-Time (unix seconds), used by cmd/jobservctl when signing
// outbound privileged calls.
func Now() string {
	return strconv.FormatInt(time.Now().UTC().Unix(), 10)
}
