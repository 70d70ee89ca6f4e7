// Package channel owns the per-channel streaming protocol state: the
// server-issued continuation token and the client-maintained offset
// counter. A Session is a single-writer state machine
// (unopened → open → closed); the offset only advances after a
// server-acknowledged append and the continuation token is replaced
// atomically with the value from the most recent successful append, so
// a failed call leaves the channel exactly as it was.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sensefleet/snowstream/internal/config"
	"github.com/sensefleet/snowstream/internal/logging"
	"github.com/sensefleet/snowstream/internal/record"
	"github.com/sensefleet/snowstream/internal/stats"
)

const requestTimeout = 30 * time.Second

// State is the session lifecycle phase.
type State int

// Session states. Closed is terminal.
const (
	StateUnopened State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session misuse errors.
var (
	ErrNotOpen = errors.New("channel is not open")
	ErrReopen  = errors.New("channel was already opened")
)

// RequestError reports a failed channel request with enough context to
// diagnose remotely.
type RequestError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("channel %s: status %d: %s", e.Op, e.Status, e.Body)
}

func (e *RequestError) Unwrap() error { return e.Err }

// HostResolver supplies the data-plane host. Implemented by
// discovery.Resolver.
type HostResolver interface {
	IngestHost(ctx context.Context) (string, error)
}

// ScopedTokenSource supplies data-plane credentials. Implemented by
// auth.Provider.
type ScopedTokenSource interface {
	ScopedToken(ctx context.Context, ingestHost string) (string, error)
}

// flexInt64 decodes offset tokens that arrive as a JSON number, a
// quoted decimal string, or null (absent offsets decode to 0).
type flexInt64 int64

func (f *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("offset token %q: %w", s, err)
	}
	*f = flexInt64(v)
	return nil
}

type openResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
	ChannelStatus         struct {
		LastCommittedOffsetToken flexInt64 `json:"last_committed_offset_token"`
	} `json:"channel_status"`
}

type appendResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
}

// ChannelStatus is the server-side view of one channel.
type ChannelStatus struct {
	CommittedOffsetToken flexInt64 `json:"committed_offset_token"`
}

// Committed returns the server's last committed offset.
func (s ChannelStatus) Committed() int64 { return int64(s.CommittedOffsetToken) }

type bulkStatusResponse struct {
	ChannelStatuses map[string]ChannelStatus `json:"channel_statuses"`
}

// AppendResult summarizes one acknowledged append.
type AppendResult struct {
	Rows   int
	Bytes  int
	Offset int64
}

// Session drives one streaming channel. It is owned by a single
// ingestion loop; the internal mutex only enforces the at-most-one
// append-in-flight rule, it does not make the session a shared object.
type Session struct {
	cfg      *config.Config
	resolver HostResolver
	creds    ScopedTokenSource
	client   *http.Client
	logger   *zap.Logger
	stats    *stats.Stats

	name   string
	scheme string // https outside of tests

	mu           sync.Mutex
	state        State
	continuation string
	offset       int64
}

// NewSession names the channel by suffixing the configured base with
// the creation timestamp, so concurrent or restarted processes never
// collide on the same channel.
func NewSession(cfg *config.Config, resolver HostResolver, creds ScopedTokenSource, st *stats.Stats, logger *zap.Logger) *Session {
	name := cfg.ChannelBase + "_" + time.Now().Format("20060102_150405")
	return NewNamedSession(cfg, name, resolver, creds, st, logger)
}

// NewNamedSession attaches to an explicitly named channel. Used by the
// status command to inspect a channel created by an earlier run.
func NewNamedSession(cfg *config.Config, name string, resolver HostResolver, creds ScopedTokenSource, st *stats.Stats, logger *zap.Logger) *Session {
	return &Session{
		cfg:      cfg,
		resolver: resolver,
		creds:    creds,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   logger,
		stats:    st,
		name:     name,
		scheme:   "https",
	}
}

// Name returns the unique channel name for this process run.
func (s *Session) Name() string { return s.name }

// Offset returns the offset of the last acknowledged batch.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) prepare(ctx context.Context) (host, token string, err error) {
	host, err = s.resolver.IngestHost(ctx)
	if err != nil {
		return "", "", err
	}
	token, err = s.creds.ScopedToken(ctx, host)
	if err != nil {
		return "", "", err
	}
	return host, token, nil
}

func (s *Session) channelURL(host string) string {
	return fmt.Sprintf("%s://%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		s.scheme, host, s.cfg.Database, s.cfg.Schema, s.cfg.Pipe, s.name)
}

func (s *Session) rowsURL(host string) string {
	return fmt.Sprintf("%s://%s/v2/streaming/data/databases/%s/schemas/%s/pipes/%s/channels/%s/rows",
		s.scheme, host, s.cfg.Database, s.cfg.Schema, s.cfg.Pipe, s.name)
}

func (s *Session) bulkStatusURL(host string) string {
	return fmt.Sprintf("%s://%s/v2/streaming/databases/%s/schemas/%s/pipes/%s:bulk-channel-status",
		s.scheme, host, s.cfg.Database, s.cfg.Schema, s.cfg.Pipe)
}

// Open creates or attaches to the channel, recording the continuation
// token and the server-reported committed offset as the starting point.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnopened {
		return fmt.Errorf("open %s channel: %w", s.state, ErrReopen)
	}

	host, token, err := s.prepare(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.channelURL(host), strings.NewReader("{}"))
	if err != nil {
		return &RequestError{Op: "open", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := s.do(req)
	if err != nil {
		return &RequestError{Op: "open", Err: err}
	}
	if status < 200 || status > 299 {
		return &RequestError{Op: "open", Status: status, Body: string(body)}
	}

	var parsed openResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return &RequestError{Op: "open", Err: err}
	}

	s.continuation = parsed.NextContinuationToken
	s.offset = int64(parsed.ChannelStatus.LastCommittedOffsetToken)
	s.state = StateOpen

	s.logger.Info("channel opened",
		logging.Channel(s.name),
		logging.Pipe(s.cfg.Database, s.cfg.Schema, s.cfg.Pipe),
		logging.Offset(s.offset),
	)
	return nil
}

// Append streams one batch of readings. The batch occupies one logical
// offset regardless of its row count. On failure the continuation token
// and offset are left untouched and the channel stays open; the next
// Append reuses the same candidate offset.
func (s *Session) Append(ctx context.Context, readings []record.Reading) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return AppendResult{}, fmt.Errorf("append on %s channel: %w", s.state, ErrNotOpen)
	}
	if len(readings) == 0 {
		return AppendResult{}, nil
	}

	host, token, err := s.prepare(ctx)
	if err != nil {
		return AppendResult{}, err
	}

	payload, err := record.EncodeNDJSON(readings)
	if err != nil {
		return AppendResult{}, &RequestError{Op: "append", Err: err}
	}

	candidate := s.offset + 1

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.rowsURL(host), bytes.NewReader(payload))
	if err != nil {
		return AppendResult{}, &RequestError{Op: "append", Err: err}
	}
	q := req.URL.Query()
	q.Set("continuationToken", s.continuation)
	q.Set("offsetToken", strconv.FormatInt(candidate, 10))
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	body, status, err := s.do(req)
	if err != nil {
		return AppendResult{}, &RequestError{Op: "append", Err: err}
	}
	if status < 200 || status > 299 {
		return AppendResult{}, &RequestError{Op: "append", Status: status, Body: string(body)}
	}

	var parsed appendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return AppendResult{}, &RequestError{Op: "append", Err: err}
	}

	s.continuation = parsed.NextContinuationToken
	s.offset = candidate
	if s.stats != nil {
		s.stats.RecordBatch(len(readings), len(payload))
	}

	s.logger.Debug("batch appended",
		logging.Channel(s.name),
		logging.Rows(len(readings)),
		logging.Bytes(len(payload)),
		logging.Offset(s.offset),
	)
	return AppendResult{Rows: len(readings), Bytes: len(payload), Offset: candidate}, nil
}

// Status queries the bulk channel status endpoint for this channel.
func (s *Session) Status(ctx context.Context) (ChannelStatus, error) {
	host, token, err := s.prepare(ctx)
	if err != nil {
		return ChannelStatus{}, err
	}

	reqBody, err := json.Marshal(map[string][]string{"channel_names": {s.name}})
	if err != nil {
		return ChannelStatus{}, &RequestError{Op: "status", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.bulkStatusURL(host), bytes.NewReader(reqBody))
	if err != nil {
		return ChannelStatus{}, &RequestError{Op: "status", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := s.do(req)
	if err != nil {
		return ChannelStatus{}, &RequestError{Op: "status", Err: err}
	}
	if status < 200 || status > 299 {
		return ChannelStatus{}, &RequestError{Op: "status", Status: status, Body: string(body)}
	}

	var parsed bulkStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChannelStatus{}, &RequestError{Op: "status", Err: err}
	}
	return parsed.ChannelStatuses[s.name], nil
}

// WaitForCommit polls the channel status until the committed offset
// reaches expected or the timeout elapses. Poll failures are logged and
// retried, never returned.
func (s *Session) WaitForCommit(ctx context.Context, expected int64, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		status, err := s.Status(ctx)
		if err != nil {
			s.logger.Warn("status check failed", logging.Channel(s.name), zap.Error(err))
		} else if status.Committed() >= expected {
			s.logger.Info("offset committed", logging.Channel(s.name), logging.Offset(status.Committed()))
			return true
		}

		if time.Now().After(deadline) {
			s.logger.Warn("commit wait timed out",
				logging.Channel(s.name),
				logging.Offset(expected),
				zap.Duration("timeout", timeout),
			)
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}

// Close marks the session closed. The service auto-closes channels
// after inactivity, so this is local bookkeeping only; calling it more
// than once is safe.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.logger.Info("channel closed", logging.Channel(s.name), logging.Offset(s.offset))
}

func (s *Session) do(req *http.Request) ([]byte, int, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
