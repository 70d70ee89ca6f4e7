// Package discovery resolves the per-account data-plane ingest host
// from the control-plane discovery endpoint.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/logging"
)

const requestTimeout = 30 * time.Second

// BearerSource supplies control-plane credentials. Implemented by
// auth.Provider.
type BearerSource interface {
	BearerToken() (string, error)
	TokenType() string
}

// ResolutionError reports a failed host discovery.
type ResolutionError struct {
	Status int
	Body   string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("resolve ingest host: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("resolve ingest host: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Resolver discovers and caches the ingest host for the process
// lifetime. The first successful resolution wins; later calls return
// the cached value without a network round trip.
type Resolver struct {
	controlURL string
	creds      BearerSource
	client     *http.Client
	logger     *zap.Logger

	mu   sync.Mutex
	host string
}

// NewResolver returns a resolver against the given control-plane URL.
func NewResolver(controlURL string, creds BearerSource, logger *zap.Logger) *Resolver {
	return &Resolver{
		controlURL: strings.TrimRight(controlURL, "/"),
		creds:      creds,
		client:     &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}
}

type hostnameResponse struct {
	Hostname   string `json:"hostname"`
	IngestHost string `json:"ingest_host"`
}

// IngestHost returns the data-plane hostname, resolving it on first
// use. The discovery endpoint answers with either a JSON object or the
// bare hostname as text; underscores in the result are replaced with
// hyphens since account locators can contain characters that are not
// DNS-safe.
func (r *Resolver) IngestHost(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.host != "" {
		return r.host, nil
	}

	bearer, err := r.creds.BearerToken()
	if err != nil {
		return "", &ResolutionError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.controlURL+"/v2/streaming/hostname", nil)
	if err != nil {
		return "", &ResolutionError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", r.creds.TokenType())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &ResolutionError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ResolutionError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ResolutionError{Status: resp.StatusCode, Body: string(body)}
	}

	host := parseHost(resp.Header.Get("Content-Type"), body)
	if host == "" {
		return "", &ResolutionError{Err: fmt.Errorf("empty hostname in response %q", body)}
	}

	if strings.Contains(host, "_") {
		host = strings.ReplaceAll(host, "_", "-")
		r.logger.Info("replaced underscores in ingest host", logging.Host(host))
	}

	r.host = host
	r.logger.Info("discovered ingest host", logging.Host(host))
	return host, nil
}

func parseHost(contentType string, body []byte) string {
	if strings.Contains(contentType, "application/json") {
		var parsed hostnameResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return ""
		}
		if parsed.Hostname != "" {
			return parsed.Hostname
		}
		return parsed.IngestHost
	}
	return strings.TrimSpace(string(body))
}
