package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/youmark/pkcs8"
	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/config"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writeKeyFile(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "rsa_key.p8")
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	return path
}

func keyPairConfig(keyFile, url string) *config.Config {
	return &config.Config{
		Account:        "xy12345",
		User:           "bob",
		Database:       "D",
		Schema:         "S",
		Pipe:           "P",
		URL:            url,
		PrivateKeyFile: keyFile,
	}
}

func patConfig(url string) *config.Config {
	return &config.Config{
		Account:  "xy12345",
		User:     "bob",
		Database: "D",
		Schema:   "S",
		Pipe:     "P",
		URL:      url,
		PATToken: "pat-tok",
	}
}

func TestPATBearerPassthrough(t *testing.T) {
	p, err := NewProvider(patConfig("https://x"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	tok, err := p.BearerToken()
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}
	if tok != "pat-tok" {
		t.Errorf("token = %q, want pat-tok", tok)
	}
	if p.TokenType() != TokenTypePAT {
		t.Errorf("TokenType = %q, want %q", p.TokenType(), TokenTypePAT)
	}
}

func TestFingerprintFormat(t *testing.T) {
	key := testKey(t)
	p, err := NewProvider(keyPairConfig(writeKeyFile(t, key), "https://x"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	fp, err := p.Fingerprint()
	if err != nil {
		t.Fatalf("Fingerprint failed: %v", err)
	}
	if !strings.HasPrefix(fp, "SHA256:") {
		t.Fatalf("fingerprint %q missing SHA256: prefix", fp)
	}
	digest, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(fp, "SHA256:"))
	if err != nil {
		t.Fatalf("fingerprint not base64: %v", err)
	}
	if len(digest) != 32 {
		t.Errorf("digest length = %d, want 32", len(digest))
	}
}

func TestAssertionClaims(t *testing.T) {
	key := testKey(t)
	p, err := NewProvider(keyPairConfig(writeKeyFile(t, key), "https://x"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return issued }

	raw, err := p.BearerToken()
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return issued }))
	if err != nil {
		t.Fatalf("parse assertion: %v", err)
	}

	fp, _ := p.Fingerprint()
	if claims.Subject != "XY12345.BOB" {
		t.Errorf("sub = %q, want XY12345.BOB", claims.Subject)
	}
	if claims.Issuer != "XY12345.BOB."+fp {
		t.Errorf("iss = %q, want qualified name + fingerprint", claims.Issuer)
	}
	if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != time.Hour {
		t.Errorf("lifetime = %v, want 1h", got)
	}
}

func TestAssertionCaching(t *testing.T) {
	p, err := NewProvider(keyPairConfig(writeKeyFile(t, testKey(t)), "https://x"), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	first, err := p.BearerToken()
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}

	// Within the validity window the cached assertion is reused.
	now = now.Add(30 * time.Minute)
	second, err := p.BearerToken()
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}
	if first != second {
		t.Error("assertion regenerated inside validity window")
	}

	// Inside the 60s refresh margin a fresh assertion is signed.
	now = now.Add(29*time.Minute + 30*time.Second)
	third, err := p.BearerToken()
	if err != nil {
		t.Fatalf("BearerToken failed: %v", err)
	}
	if third == first {
		t.Error("assertion not regenerated near expiry")
	}
}

func TestScopedTokenExchange(t *testing.T) {
	exchanges := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges++
		if r.URL.Path != "/oauth/token" {
			t.Errorf("path = %q, want /oauth/token", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer pat-tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Snowflake-Authorization-Token-Type"); got != TokenTypePAT {
			t.Errorf("token type header = %q", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != grantType {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("scope"); got != "ingest.example.com" {
			t.Errorf("scope = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"scoped-1","expires_in":600}`))
	}))
	defer srv.Close()

	p, err := NewProvider(patConfig(srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	tok, err := p.ScopedToken(context.Background(), "ingest.example.com")
	if err != nil {
		t.Fatalf("ScopedToken failed: %v", err)
	}
	if tok != "scoped-1" {
		t.Errorf("token = %q, want scoped-1", tok)
	}

	// Second call inside the validity window performs no exchange.
	if _, err := p.ScopedToken(context.Background(), "ingest.example.com"); err != nil {
		t.Fatalf("ScopedToken failed: %v", err)
	}
	if exchanges != 1 {
		t.Errorf("exchanges = %d, want 1", exchanges)
	}

	// Past expiry-minus-margin (600s - 60s) a single new exchange runs.
	now = now.Add(10 * time.Minute)
	if _, err := p.ScopedToken(context.Background(), "ingest.example.com"); err != nil {
		t.Fatalf("ScopedToken failed: %v", err)
	}
	if exchanges != 2 {
		t.Errorf("exchanges = %d, want 2", exchanges)
	}
}

func TestScopedTokenMissingField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"expires_in":600}`))
	}))
	defer srv.Close()

	p, err := NewProvider(patConfig(srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	_, err = p.ScopedToken(context.Background(), "ingest.example.com")
	if err == nil {
		t.Fatal("ScopedToken succeeded, want error")
	}
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error type %T, want *CredentialError", err)
	}
}

func TestScopedTokenExchangeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such scope", http.StatusForbidden)
	}))
	defer srv.Close()

	p, err := NewProvider(patConfig(srv.URL), zap.NewNop())
	if err != nil {
		t.Fatalf("NewProvider failed: %v", err)
	}

	_, err = p.ScopedToken(context.Background(), "ingest.example.com")
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %v, want *CredentialError", err)
	}
	if credErr.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", credErr.Status)
	}
	if !strings.Contains(credErr.Body, "no such scope") {
		t.Errorf("body %q missing response text", credErr.Body)
	}
}

func TestMissingKeyFile(t *testing.T) {
	cfg := keyPairConfig(filepath.Join(t.TempDir(), "absent.p8"), "https://x")
	_, err := NewProvider(cfg, zap.NewNop())
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %v, want *CredentialError", err)
	}
}

func TestEncryptedKeyPassphrase(t *testing.T) {
	key := testKey(t)
	der, err := pkcs8.MarshalPrivateKey(key, []byte("correct horse"), nil)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "rsa_key_enc.p8")
	block := &pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	cfg := keyPairConfig(path, "https://x")
	cfg.PrivateKeyPassphrase = "correct horse"
	if _, err := NewProvider(cfg, zap.NewNop()); err != nil {
		t.Fatalf("NewProvider with correct passphrase failed: %v", err)
	}

	cfg.PrivateKeyPassphrase = "wrong"
	var credErr *CredentialError
	if _, err := NewProvider(cfg, zap.NewNop()); !errors.As(err, &credErr) {
		t.Fatalf("error = %v, want *CredentialError for wrong passphrase", err)
	}
}
