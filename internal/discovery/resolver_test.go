package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type staticCreds struct{ token string }

func (c staticCreds) BearerToken() (string, error) { return c.token, nil }
func (c staticCreds) TokenType() string            { return "PROGRAMMATIC_ACCESS_TOKEN" }

func TestIngestHostJSON(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		want        string
	}{
		{
			name:        "json hostname field",
			contentType: "application/json",
			body:        `{"hostname":"xy12345.ingest.snowflakecomputing.com"}`,
			want:        "xy12345.ingest.snowflakecomputing.com",
		},
		{
			name:        "json ingest_host field",
			contentType: "application/json; charset=utf-8",
			body:        `{"ingest_host":"xy12345.ingest.snowflakecomputing.com"}`,
			want:        "xy12345.ingest.snowflakecomputing.com",
		},
		{
			name:        "plain text with whitespace",
			contentType: "text/plain",
			body:        " xy12345.ingest.snowflakecomputing.com\n",
			want:        "xy12345.ingest.snowflakecomputing.com",
		},
		{
			name:        "underscores normalized",
			contentType: "text/plain",
			body:        "xy_12345.ingest.snowflakecomputing.com",
			want:        "xy-12345.ingest.snowflakecomputing.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v2/streaming/hostname" {
					t.Errorf("path = %q", r.URL.Path)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q", got)
				}
				w.Header().Set("Content-Type", tt.contentType)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			r := NewResolver(srv.URL, staticCreds{"tok"}, zap.NewNop())
			host, err := r.IngestHost(context.Background())
			if err != nil {
				t.Fatalf("IngestHost failed: %v", err)
			}
			if host != tt.want {
				t.Errorf("host = %q, want %q", host, tt.want)
			}
			if strings.Contains(host, "_") {
				t.Errorf("host %q still contains underscores", host)
			}
		})
	}
}

func TestIngestHostCached(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("ingest.example.com"))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, staticCreds{"tok"}, zap.NewNop())
	for i := 0; i < 3; i++ {
		host, err := r.IngestHost(context.Background())
		if err != nil {
			t.Fatalf("IngestHost failed: %v", err)
		}
		if host != "ingest.example.com" {
			t.Errorf("host = %q", host)
		}
	}
	if calls != 1 {
		t.Errorf("discovery calls = %d, want 1", calls)
	}
}

func TestIngestHostErrors(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "denied", http.StatusUnauthorized)
			},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "empty body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("  \n"))
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(`{"hostname":`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			r := NewResolver(srv.URL, staticCreds{"tok"}, zap.NewNop())
			_, err := r.IngestHost(context.Background())
			if err == nil {
				t.Fatal("IngestHost succeeded, want error")
			}
			var resErr *ResolutionError
			if !errors.As(err, &resErr) {
				t.Fatalf("error type %T, want *ResolutionError", err)
			}
			if tt.wantStatus != 0 && resErr.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", resErr.Status, tt.wantStatus)
			}
		})
	}
}
