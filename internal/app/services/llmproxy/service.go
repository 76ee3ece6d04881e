package llmproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/daygent/daygent/internal/app/domain/providerkey"
	"github.com/daygent/daygent/internal/app/domain/usage"
	"github.com/daygent/daygent/internal/app/metrics"
	"github.com/daygent/daygent/pkg/logger"
)

const (
	maxAttempts         = 3
	defaultRetryBackoff = 200 * time.Millisecond
	maxRetryBackoff     = 5 * time.Second
	headerTimeout       = 60 * time.Second
	errorBodyLimit      = 64 << 10
	responseBodyLimit   = 8 << 20
	breakerFailures     = 5
	breakerCooldown     = 30 * time.Second
	usageRecordTimeout  = 5 * time.Second
	fallbackUsageModel  = "unknown"
)

// ServiceError is a proxy failure the API layer maps onto an HTTP status.
type ServiceError struct {
	Status  int
	Code    string
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

// ErrBudgetExceeded refuses traffic for workspaces past their monthly token
// budget. It reads as a rate limit to callers.
var ErrBudgetExceeded = &ServiceError{
	Status:  http.StatusTooManyRequests,
	Code:    "BUDGET_EXHAUSTED",
	Message: "workspace monthly token budget exhausted",
}

// ErrCircuitOpen fails fast while a provider key's circuit is open.
var ErrCircuitOpen = &ServiceError{
	Status:  http.StatusServiceUnavailable,
	Code:    "UPSTREAM_UNAVAILABLE",
	Message: "provider temporarily unavailable",
}

// KeyResolver yields decrypted provider credentials.
type KeyResolver interface {
	Reveal(ctx context.Context, workspaceID, id string) (providerkey.Key, string, error)
	RevealByProvider(ctx context.Context, workspaceID string, p providerkey.Provider) (providerkey.Key, string, error)
}

// UsageRecorder absorbs per-request usage deltas.
type UsageRecorder interface {
	Record(ctx context.Context, d usage.Delta) error
}

// BudgetGate reports a workspace's budget state before the proxy spends.
type BudgetGate interface {
	BudgetState(ctx context.Context, workspaceID string) (usage.BudgetState, error)
}

// Service forwards chat-completion traffic to upstream LLM providers using
// workspace credentials, with retries, per-key circuit breaking and usage
// accounting.
type Service struct {
	keys     KeyResolver
	usage    UsageRecorder
	budget   BudgetGate
	log      *logger.Logger
	client   *http.Client
	breakers *breakerSet
	custom   ProviderProfile

	retryBackoff time.Duration
}

// Option customises service construction.
type Option func(*Service)

// WithHTTPClient replaces the upstream HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.client = c
		}
	}
}

// WithCustomProfile overrides the profile applied to "custom" provider keys.
func WithCustomProfile(p ProviderProfile) Option {
	return func(s *Service) {
		p.Name = "custom"
		s.custom = p
	}
}

// New constructs the proxy service. The default client carries a response
// header timeout but no overall deadline, so event streams can outlive it;
// the request context bounds each call.
func New(keys KeyResolver, rec UsageRecorder, log *logger.Logger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDefault("llmproxy")
	}
	s := &Service{
		keys:  keys,
		usage: rec,
		log:   log,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: headerTimeout,
			},
		},
		breakers:     newBreakerSet(breakerFailures, breakerCooldown),
		custom:       customProfile(),
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachBudgetGate enables refusal of traffic for over-budget workspaces.
func (s *Service) AttachBudgetGate(gate BudgetGate) {
	s.budget = gate
}

// Request is one chat-completion call to forward. KeyID selects the
// workspace key explicitly; when empty, Provider picks the workspace's
// key for that provider. Path overrides the profile's chat path so
// relay surfaces can forward sibling endpoints.
type Request struct {
	WorkspaceID string
	KeyID       string
	Provider    providerkey.Provider
	Path        string
	Payload     []byte
}

// Result relays the upstream response. Exactly one of Body and Stream is
// set; a Stream must be drained and closed by the caller, and its usage is
// recorded when it ends.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
	Usage       usage.Delta
}

// Proxy resolves the workspace's provider key and forwards the payload
// upstream. Status and body pass through unchanged, including provider
// errors; error bodies are capped at 64KB.
func (s *Service) Proxy(ctx context.Context, req Request) (*Result, error) {
	if len(req.Payload) == 0 || !gjson.ValidBytes(req.Payload) {
		return nil, &ServiceError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "payload must be valid JSON"}
	}
	if err := s.checkBudget(ctx, req.WorkspaceID); err != nil {
		return nil, err
	}

	var (
		key    providerkey.Key
		secret string
		err    error
	)
	if req.KeyID != "" {
		key, secret, err = s.keys.Reveal(ctx, req.WorkspaceID, req.KeyID)
	} else if req.Provider != "" {
		key, secret, err = s.keys.RevealByProvider(ctx, req.WorkspaceID, req.Provider)
	} else {
		return nil, &ServiceError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "key id or provider is required"}
	}
	if err != nil {
		return nil, err
	}
	profile := s.profileFor(key)
	if req.Path != "" {
		profile.ChatPath = req.Path
	}

	br := s.breakers.get(key.ID)
	if !br.allow(time.Now()) {
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := s.send(ctx, profile, secret, req.Payload)
	if err != nil {
		br.failure(time.Now())
		metrics.RecordProxyRequest(profile.Name, "error", time.Since(start))
		s.log.WithError(err).Warnf("upstream %s request failed", profile.Name)
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("upstream request failed: %v", err)}
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		br.failure(time.Now())
	} else {
		br.success()
	}
	metrics.RecordProxyRequest(profile.Name, strconv.Itoa(resp.StatusCode), time.Since(start))

	requestModel := gjson.GetBytes(req.Payload, "model").String()
	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode < http.StatusMultipleChoices && strings.HasPrefix(contentType, "text/event-stream") {
		stream := newUsageStream(resp.Body, profile, func(in, out int64, model string) {
			if model == "" {
				model = requestModel
			}
			rctx, cancel := context.WithTimeout(context.Background(), usageRecordTimeout)
			defer cancel()
			s.record(rctx, key, model, in, out)
		})
		return &Result{Status: resp.StatusCode, ContentType: contentType, Stream: stream}, nil
	}

	limit := int64(responseBodyLimit)
	if resp.StatusCode >= http.StatusBadRequest {
		limit = errorBodyLimit
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	_ = resp.Body.Close()
	if err != nil {
		return nil, &ServiceError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: fmt.Sprintf("read upstream response: %v", err)}
	}

	result := &Result{Status: resp.StatusCode, ContentType: contentType, Body: body}
	if resp.StatusCode < http.StatusMultipleChoices {
		in, out, model := profile.usage(body)
		if model == "" {
			model = requestModel
		}
		result.Usage = s.record(ctx, key, model, in, out)
	}
	return result, nil
}

// send posts the payload upstream, retrying rate limits, server errors and
// transient transport failures with exponential backoff and jitter.
func (s *Service) send(ctx context.Context, p ProviderProfile, secret string, payload []byte) (*http.Response, error) {
	url := strings.TrimSuffix(p.BaseURL, "/") + p.ChatPath
	backoff := s.retryBackoff

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter(backoff)):
			}
			backoff *= 2
			if backoff > maxRetryBackoff {
				backoff = maxRetryBackoff
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json, text/event-stream")
		if p.AuthScheme != "" {
			req.Header.Set(p.AuthHeader, p.AuthScheme+" "+secret)
		} else {
			req.Header.Set(p.AuthHeader, secret)
		}
		for k, v := range p.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			if retriableError(err) && ctx.Err() == nil {
				continue
			}
			return nil, err
		}
		if retriableStatus(resp.StatusCode) && attempt < maxAttempts-1 {
			drain(resp.Body)
			lastErr = fmt.Errorf("upstream returned status %d", resp.StatusCode)
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}

func (s *Service) profileFor(k providerkey.Key) ProviderProfile {
	var p ProviderProfile
	switch k.Provider {
	case providerkey.ProviderAnthropic:
		p = anthropicProfile()
	case providerkey.ProviderCustom:
		p = s.custom
	default:
		p = openAIProfile()
	}
	if k.BaseURL != "" {
		p.BaseURL = k.BaseURL
	}
	return p
}

// checkBudget refuses over-budget workspaces. A failing budget lookup does
// not block traffic; it is logged and the request proceeds.
func (s *Service) checkBudget(ctx context.Context, workspaceID string) error {
	if s.budget == nil {
		return nil
	}
	state, err := s.budget.BudgetState(ctx, workspaceID)
	if err != nil {
		s.log.WithError(err).Warnf("budget check for workspace %s failed", workspaceID)
		return nil
	}
	if state == usage.BudgetExceeded {
		return ErrBudgetExceeded
	}
	return nil
}

func (s *Service) record(ctx context.Context, k providerkey.Key, model string, in, out int64) usage.Delta {
	if model == "" {
		model = fallbackUsageModel
	}
	delta := usage.Delta{
		WorkspaceID:  k.WorkspaceID,
		Provider:     string(k.Provider),
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
	}
	metrics.RecordProxyTokens(string(k.Provider), in, out)
	if s.usage != nil {
		if err := s.usage.Record(ctx, delta); err != nil {
			s.log.WithError(err).Warnf("record usage for workspace %s failed", k.WorkspaceID)
		}
	}
	return delta
}

func retriableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func retriableError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d/2)+1))
}

func drain(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, errorBodyLimit))
	_ = rc.Close()
}
