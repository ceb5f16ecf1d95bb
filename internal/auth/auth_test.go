package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // matching VerifyWebhookSignature's mandated scheme
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyInternalRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://jobserv.example/projects/p1/builds/", nil)
	ts := Now()
	baseURL := "https://jobserv.example/projects/p1/builds/"
	sig := SignInternal("sekret", req.Method, ts, baseURL)
	req.Header.Set("X-Time", ts)
	req.Header.Set("X-JobServ-Sig", sig)

	require.NoError(t, VerifyInternal(req, "sekret", baseURL))
}

func TestVerifyInternalRejectsWrongSecret(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://jobserv.example/x", nil)
	ts := Now()
	req.Header.Set("X-Time", ts)
	req.Header.Set("X-JobServ-Sig", SignInternal("sekret", req.Method, ts, "https://jobserv.example/x"))

	err := VerifyInternal(req, "different-secret", "https://jobserv.example/x")
	require.Error(t, err)
}

func TestVerifyInternalRejectsMissingHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "https://jobserv.example/x", nil)
	err := VerifyInternal(req, "sekret", "https://jobserv.example/x")
	require.Error(t, err)
}

func TestVerifyWorkerAPIKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/workers/w1/", nil)
	req.Header.Set("Authorization", "Token abc123")
	require.NoError(t, VerifyWorkerAPIKey(req, "abc123"))

	bad := httptest.NewRequest(http.MethodGet, "/workers/w1/", nil)
	bad.Header.Set("Authorization", "Token wrong")
	require.Error(t, VerifyWorkerAPIKey(bad, "abc123"))

	missing := httptest.NewRequest(http.MethodGet, "/workers/w1/", nil)
	require.Error(t, VerifyWorkerAPIKey(missing, "abc123"))
}

func TestVerifyWebhookSignature(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	sig := "sha1=" + hmacHex(t, body, "whsecret")
	require.NoError(t, VerifyWebhookSignature(sig, body, "whsecret"))
	require.Error(t, VerifyWebhookSignature(sig, body, "wrong-secret"))
	require.Error(t, VerifyWebhookSignature("not-prefixed", body, "whsecret"))
	require.Error(t, VerifyWebhookSignature("sha1=not-hex!!", body, "whsecret"))
}

func hmacHex(t *testing.T, body []byte, key string) string {
	t.Helper()
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// --- CertStore / bearer JWT ---

func writeTestCert(t *testing.T, dir, kid string, ou []string) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: kid, OrganizationalUnit: ou},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(filepath.Join(dir, kid+".pem"), pemBytes, 0o600))
	return key
}

func signTestJWT(t *testing.T, key *ecdsa.PrivateKey, kid, name string, exp time.Time) string {
	t.Helper()
	claims := WorkerClaims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(exp)},
		Name:             name,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestVerifyBearerAcceptsValidToken(t *testing.T) {
	dir := t.TempDir()
	key := writeTestCert(t, dir, "worker-cert", []string{"linux", "arm64"})
	store := NewCertStore(dir)

	tokenString := signTestJWT(t, key, "worker-cert", "worker-1", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/workers/worker-1/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	result, err := store.VerifyBearer(req)
	require.NoError(t, err)
	require.Equal(t, "worker-1", result.Name)
	require.ElementsMatch(t, []string{"linux", "arm64"}, result.AllowedTags)
}

func TestVerifyBearerRejectsUnknownKid(t *testing.T) {
	dir := t.TempDir()
	key := writeTestCert(t, dir, "worker-cert", nil)
	store := NewCertStore(dir)

	tokenString := signTestJWT(t, key, "no-such-kid", "worker-1", time.Now().Add(time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/workers/worker-1/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	_, err := store.VerifyBearer(req)
	require.Error(t, err)
}

func TestVerifyBearerRejectsExpiredToken(t *testing.T) {
	dir := t.TempDir()
	key := writeTestCert(t, dir, "worker-cert", nil)
	store := NewCertStore(dir)

	tokenString := signTestJWT(t, key, "worker-cert", "worker-1", time.Now().Add(-time.Hour))
	req := httptest.NewRequest(http.MethodGet, "/workers/worker-1/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenString)

	_, err := store.VerifyBearer(req)
	require.Error(t, err)
}

func TestVerifyBearerMissingAuthorizationHeader(t *testing.T) {
	store := NewCertStore(t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/workers/worker-1/", nil)
	_, err := store.VerifyBearer(req)
	require.Error(t, err)
}
