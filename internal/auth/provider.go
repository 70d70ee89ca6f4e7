// Package auth produces the bearer and scoped tokens required by the
// Snowpipe Streaming v2 REST API. Key-pair mode signs a short-lived
// RS256 identity assertion with the configured private key; PAT mode
// passes the externally managed token through unchanged. Scoped tokens
// are exchanged from the bearer token and bound to one ingest host.
package auth

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/youmark/pkcs8"
	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/config"
	"github.com/sensefleet/snowstream/internal/logging"
)

// Token type header values for X-Snowflake-Authorization-Token-Type.
const (
	TokenTypeKeyPair = "KEYPAIR_JWT"
	TokenTypePAT     = "PROGRAMMATIC_ACCESS_TOKEN"
)

const (
	assertionLifetime = time.Hour
	// refreshMargin is subtracted from every declared token lifetime so
	// a token is never handed out within 60s of its expiry.
	refreshMargin  = 60 * time.Second
	requestTimeout = 30 * time.Second

	grantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// CredentialError reports a failure to produce or exchange a token.
type CredentialError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("credentials: %s: status %d: %s", e.Op, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("credentials: %s: %v", e.Op, e.Err)
	default:
		return "credentials: " + e.Op
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }

// Provider caches tokens and regenerates them before expiry. Safe for
// concurrent use, though the single-writer ingestion design only ever
// calls it from one goroutine.
type Provider struct {
	cfg    *config.Config
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	key *rsa.PrivateKey // nil in PAT mode

	mu              sync.Mutex
	assertion       string
	assertionExpiry time.Time
	scoped          string
	scopedExpiry    time.Time
}

// NewProvider loads the signing key (key-pair mode) and returns a
// ready provider. Key material problems surface here so that startup
// fails before any network traffic.
func NewProvider(cfg *config.Config, logger *zap.Logger) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
		now:    time.Now,
	}

	if cfg.Mode() == config.AuthKeyPair {
		key, err := loadPrivateKey(cfg.PrivateKeyFile, cfg.PrivateKeyPassphrase)
		if err != nil {
			return nil, err
		}
		p.key = key
		logger.Info("using key-pair JWT authentication")
	} else {
		logger.Info("using PAT authentication")
	}

	return p, nil
}

func loadPrivateKey(path, passphrase string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Op: "load private key", Err: err}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, &CredentialError{Op: "load private key", Err: fmt.Errorf("no PEM block in %s", path)}
	}

	var parsed any
	switch {
	case block.Type == "ENCRYPTED PRIVATE KEY" || passphrase != "":
		parsed, err = pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(passphrase))
	case block.Type == "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, &CredentialError{Op: "parse private key", Err: err}
	}

	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, &CredentialError{Op: "parse private key", Err: fmt.Errorf("unsupported key type %T", parsed)}
	}
	return key, nil
}

// TokenType returns the control-plane token type header value for the
// configured authentication mode.
func (p *Provider) TokenType() string {
	if p.cfg.Mode() == config.AuthPAT {
		return TokenTypePAT
	}
	return TokenTypeKeyPair
}

// Fingerprint returns the SHA-256 fingerprint of the public half of the
// signing key, in Snowflake's SHA256:<base64> form.
func (p *Provider) Fingerprint() (string, error) {
	if p.key == nil {
		return "", &CredentialError{Op: "fingerprint", Err: fmt.Errorf("no private key configured")}
	}
	der, err := x509.MarshalPKIXPublicKey(&p.key.PublicKey)
	if err != nil {
		return "", &CredentialError{Op: "fingerprint", Err: err}
	}
	sum := sha256.Sum256(der)
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:]), nil
}

// BearerToken returns a token valid against the control-plane host. In
// PAT mode the configured token is returned unconditionally; otherwise
// a cached identity assertion is returned, regenerated when absent or
// within the refresh margin of its expiry.
func (p *Provider) BearerToken() (string, error) {
	if p.cfg.Mode() == config.AuthPAT {
		return p.cfg.PATToken, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.assertion != "" && now.Before(p.assertionExpiry.Add(-refreshMargin)) {
		return p.assertion, nil
	}

	token, expiry, err := p.signAssertion(now)
	if err != nil {
		return "", err
	}
	p.assertion = token
	p.assertionExpiry = expiry
	p.logger.Debug("identity assertion generated", zap.Time("expiry", expiry))
	return token, nil
}

func (p *Provider) signAssertion(now time.Time) (string, time.Time, error) {
	fingerprint, err := p.Fingerprint()
	if err != nil {
		return "", time.Time{}, err
	}

	qualified := strings.ToUpper(p.cfg.Account) + "." + strings.ToUpper(p.cfg.User)
	expiry := now.Add(assertionLifetime)

	claims := jwt.RegisteredClaims{
		Issuer:    qualified + "." + fingerprint,
		Subject:   qualified,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiry),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return "", time.Time{}, &CredentialError{Op: "sign assertion", Err: err}
	}
	return signed, expiry, nil
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// ScopedToken returns a token scoped to ingestHost for data-plane
// calls, exchanging a fresh one via the control-plane when the cached
// token is absent or past its expiry-minus-margin. The exchange is not
// retried here; failed calls surface to the batch-level error handling.
func (p *Provider) ScopedToken(ctx context.Context, ingestHost string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.scoped != "" && now.Before(p.scopedExpiry) {
		return p.scoped, nil
	}

	bearer := p.cfg.PATToken
	if p.cfg.Mode() == config.AuthKeyPair {
		// Reuse the cached assertion when still valid. BearerToken
		// would deadlock on p.mu, so the refresh check is inlined.
		if p.assertion == "" || !now.Before(p.assertionExpiry.Add(-refreshMargin)) {
			token, expiry, err := p.signAssertion(now)
			if err != nil {
				return "", err
			}
			p.assertion = token
			p.assertionExpiry = expiry
		}
		bearer = p.assertion
	}

	form := url.Values{
		"grant_type": {grantType},
		"scope":      {ingestHost},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &CredentialError{Op: "token exchange", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", p.TokenType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", &CredentialError{Op: "token exchange", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CredentialError{Op: "token exchange", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &CredentialError{Op: "token exchange", Status: resp.StatusCode, Body: string(body)}
	}

	var result exchangeResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", &CredentialError{Op: "token exchange", Err: err}
	}
	if result.AccessToken == "" {
		return "", &CredentialError{Op: "token exchange", Err: fmt.Errorf("no access_token in response")}
	}

	lifetime := result.ExpiresIn
	if lifetime <= 0 {
		lifetime = int64(assertionLifetime / time.Second)
	}

	p.scoped = result.AccessToken
	p.scopedExpiry = now.Add(time.Duration(lifetime)*time.Second - refreshMargin)
	p.logger.Info("scoped token obtained", logging.Host(ingestHost), zap.Time("expiry", p.scopedExpiry))
	return p.scoped, nil
}
