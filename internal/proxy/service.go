// Package proxy relays one chat request to an upstream provider as an
// ordered chunk stream, with rate limiting, policy checks and fallback.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/promptcraft/chat-gateway/internal/auth"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/policy"
	"github.com/promptcraft/chat-gateway/internal/ratelimit"
	"github.com/promptcraft/chat-gateway/internal/redact"
	"github.com/promptcraft/chat-gateway/internal/router"
	"github.com/promptcraft/chat-gateway/internal/telemetry"
	"github.com/promptcraft/chat-gateway/internal/types"
	"github.com/promptcraft/chat-gateway/internal/usage"
)

// RouteSource yields the ordered provider chain for a model.
type RouteSource interface {
	Candidates(model string) ([]router.Candidate, error)
}

// PolicyEvaluator decides whether a request may proceed.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// Settings bound how long a stream may wait and how often it may retry.
type Settings struct {
	FirstChunkTimeout time.Duration
	ChunkTimeout      time.Duration
	MaxStreamDuration time.Duration
	// MaxAttempts counts providers actually tried; skipped open circuits
	// do not count.
	MaxAttempts int
}

func SettingsFromConfig(cfg config.RoutingConfig) Settings {
	return Settings{
		FirstChunkTimeout: cfg.FirstChunkTimeout,
		ChunkTimeout:      cfg.ChunkTimeout,
		MaxStreamDuration: cfg.MaxStreamDuration,
		MaxAttempts:       cfg.MaxAttempts,
	}
}

type Option func(*Service)

func WithPolicy(p PolicyEvaluator) Option {
	return func(s *Service) { s.policy = p }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithUsage(r usage.Recorder) Option {
	return func(s *Service) { s.usage = r }
}

// WithRedactor replaces the default credential scrubber applied to upstream
// error text before it reaches callers, logs or usage records.
func WithRedactor(r *redact.Redactor) Option {
	return func(s *Service) { s.redact = r }
}

// Service is the streaming chat proxy.
type Service struct {
	routes   RouteSource
	health   *router.HealthTracker
	limiter  ratelimit.Limiter
	settings atomic.Pointer[Settings]

	policy  PolicyEvaluator
	metrics *telemetry.Metrics
	usage   usage.Recorder
	redact  *redact.Redactor
	now     func() time.Time
	newID   func() string
}

func NewService(routes RouteSource, health *router.HealthTracker, limiter ratelimit.Limiter, settings Settings, opts ...Option) *Service {
	s := &Service{
		routes:  routes,
		health:  health,
		limiter: limiter,
		usage:   usage.NopRecorder{},
		redact:  redact.New(),
		now:     time.Now,
		newID:   func() string { return "chatcmpl-" + uuid.NewString() },
	}
	s.SetSettings(settings)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSettings replaces the stream limits. Streams already running keep the
// settings they started with.
func (s *Service) SetSettings(settings Settings) {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = 2
	}
	s.settings.Store(&settings)
}

func (s *Service) Settings() Settings { return *s.settings.Load() }

// Submit validates, authorizes and rate-limits req, then starts relaying it.
// Any error is returned before an upstream call is made: ErrInvalidRequest,
// ErrPolicyDenied, ErrRateLimited (as *RateLimitedError) or
// auth.ErrUnauthorized. Once a Stream is returned it always ends with exactly
// one terminal chunk unless ctx is canceled or the Stream is closed first.
func (s *Service) Submit(ctx context.Context, req *types.ChatRequest, id *auth.Identity) (*Stream, error) {
	reqID := telemetry.RequestID(ctx)
	if id == nil || id.UserID == "" {
		return nil, fmt.Errorf("%w: no identity", auth.ErrUnauthorized)
	}
	if req == nil {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidRequest)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.authorize(ctx, req, id); err != nil {
		slog.Warn("chat request denied by policy", "request_id", reqID, "user_id", id.UserID, "tier", id.QuotaTier, "error", err)
		return nil, err
	}

	candidates, err := s.routes.Candidates(req.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	decision, err := s.limiter.TryConsume(ctx, id.UserID, id.QuotaTier)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !decision.Allowed {
		slog.Warn("rate limit exceeded",
			"request_id", reqID,
			"user_id", id.UserID,
			"tier", id.QuotaTier,
			"limit", decision.Limit,
			"retry_after_s", ratelimit.RetryAfterSeconds(decision),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimited(id.QuotaTier)
		}
		return nil, &RateLimitedError{Decision: decision}
	}

	streamCtx, cancel := context.WithCancelCause(ctx)
	st := &Stream{
		ID:        s.newID(),
		RateLimit: decision,
		chunks:    make(chan types.StreamChunk),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	slog.Info("chat request started",
		"request_id", reqID,
		"stream_id", st.ID,
		"user_id", id.UserID,
		"tier", id.QuotaTier,
		"model", req.Model,
		"messages", len(req.Messages),
		"candidates", len(candidates),
	)

	go s.pump(streamCtx, st, req, id, candidates)
	return st, nil
}

func (s *Service) authorize(ctx context.Context, req *types.ChatRequest, id *auth.Identity) error {
	if s.policy == nil {
		return nil
	}
	chars := 0
	for _, m := range req.Messages {
		chars += utf8.RuneCountInString(m.Content)
	}
	score, rules := policy.ScoreInjection(req.Messages)
	in := policy.NewInput(id.UserID, id.QuotaTier, id.Method, policy.Request{
		Model:          req.Model,
		MessageCount:   len(req.Messages),
		InputChars:     chars,
		Stream:         req.Stream,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		InjectionScore: score,
		InjectionRules: rules,
	}, s.now())

	d, err := s.policy.Evaluate(ctx, in)
	if err != nil {
		// Fail closed
		return fmt.Errorf("%w: %v", ErrPolicyDenied, err)
	}
	if !d.Allowed {
		return fmt.Errorf("%w: %s", ErrPolicyDenied, d.Reason)
	}
	return nil
}

// relay tracks one stream's progress across attempts.
type relay struct {
	st       *Stream
	ctx      context.Context
	index    int
	start    time.Time
	outcome  Outcome
	provider string
	model    string
	settings Settings
}

// pump walks the candidate chain. Failures before the first forwarded chunk
// move on to the next admissible candidate; anything after that ends the
// stream.
func (s *Service) pump(ctx context.Context, st *Stream, req *types.ChatRequest, id *auth.Identity, candidates []router.Candidate) {
	r := &relay{st: st, ctx: ctx, start: s.now(), settings: s.Settings()}
	if s.metrics != nil {
		s.metrics.ActiveStreams.Inc()
	}
	defer func() {
		st.cancel(nil)
		s.finish(ctx, r, req, id)
		close(st.done)
		close(st.chunks)
	}()

	upstreamCtx := ctx
	if r.settings.MaxStreamDuration > 0 {
		var cancel context.CancelFunc
		upstreamCtx, cancel = context.WithTimeoutCause(ctx, r.settings.MaxStreamDuration, ErrStreamDuration)
		defer cancel()
	}

	reqID := telemetry.RequestID(ctx)
	var (
		lastErr      error
		lastProvider string
	)
	for i, c := range candidates {
		if r.outcome.Attempts >= r.settings.MaxAttempts {
			break
		}
		name := c.Provider.Name()
		if !c.LastResort && !s.health.Allow(name) {
			slog.Info("provider skipped, circuit open", "request_id", reqID, "provider", name)
			continue
		}

		r.outcome.Attempts++
		r.provider, r.model = name, c.Model
		if lastProvider != "" && s.metrics != nil {
			s.metrics.RecordFallback(lastProvider, name)
		}
		slog.Info("provider selected",
			"request_id", reqID,
			"provider", name,
			"upstream_model", c.Model,
			"attempt", r.outcome.Attempts,
			"position", i,
		)

		sent, err := s.attempt(upstreamCtx, r, c, req)
		if err == nil {
			if !c.LastResort {
				s.health.RecordSuccess(name)
			}
			switch {
			case r.outcome.FinishReason == types.FinishError:
				r.outcome.Status = StatusError
			case r.outcome.Attempts > 1 || c.LastResort:
				r.outcome.Status = StatusFallback
			default:
				r.outcome.Status = StatusSuccess
			}
			return
		}

		if ctx.Err() != nil {
			// Caller went away; nobody is left to receive a terminal chunk.
			if !c.LastResort {
				s.health.RecordAbandoned(name)
			}
			r.outcome.Status = StatusCanceled
			r.outcome.Err = context.Cause(ctx)
			return
		}

		stage := "pre_stream"
		if sent > 0 {
			stage = "mid_stream"
		}
		if !c.LastResort {
			if errors.Is(err, ErrStreamDuration) {
				s.health.RecordAbandoned(name)
			} else {
				s.health.RecordFailure(name)
			}
		}
		if s.metrics != nil {
			s.metrics.RecordProviderError(name, stage)
		}
		slog.Warn("provider attempt failed",
			"request_id", reqID,
			"provider", name,
			"stage", stage,
			"chunks_sent", sent,
			"error", s.redact.Error(err),
		)

		if sent > 0 {
			s.terminate(r, err)
			return
		}
		lastErr, lastProvider = err, name
	}

	if lastErr == nil {
		lastErr = ErrNoProvider
	}
	s.terminate(r, lastErr)
}

// attempt streams from one candidate. It returns how many chunks were
// forwarded and nil once a terminal chunk has been delivered.
func (s *Service) attempt(parent context.Context, r *relay, c router.Candidate, req *types.ChatRequest) (int, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	sent := 0
	watchdog := newWatchdog(cancel)
	watchdog.reset(r.settings.FirstChunkTimeout, ErrFirstChunkTimeout)
	defer watchdog.stop()

	stream, err := c.Provider.StreamCompletion(ctx, req.WithModel(c.Model))
	if err != nil {
		return 0, attemptError(ctx, c, err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if watchdog.stop() {
			// The deadline passed while Recv was returning; drop the chunk.
			return sent, fmt.Errorf("%s: %w", c.Provider.Name(), context.Cause(ctx))
		}
		if errors.Is(err, io.EOF) {
			// Upstream closed without a finish reason.
			if err := s.deliver(r, types.StreamChunk{FinishReason: types.FinishStop}, sent == 0); err != nil {
				return sent, err
			}
			return sent + 1, nil
		}
		if err != nil {
			return sent, attemptError(ctx, c, err)
		}

		if err := s.deliver(r, chunk, sent == 0); err != nil {
			return sent, err
		}
		sent++
		if chunk.FinishReason.Terminal() {
			return sent, nil
		}
		watchdog.reset(r.settings.ChunkTimeout, ErrChunkTimeout)
	}
}

// deliver stamps and hands one chunk to the consumer, blocking until it is
// taken or the stream is abandoned.
func (s *Service) deliver(r *relay, chunk types.StreamChunk, first bool) error {
	chunk.ID = r.st.ID
	chunk.Index = r.index
	chunk.Provider = r.provider
	chunk.Model = r.model

	select {
	case r.st.chunks <- chunk:
	case <-r.ctx.Done():
		return context.Cause(r.ctx)
	}

	r.index++
	r.outcome.Chunks++
	r.outcome.FinishReason = chunk.FinishReason
	if first {
		r.outcome.FirstChunk = s.now().Sub(r.start)
		if s.metrics != nil {
			s.metrics.RecordFirstChunk(r.provider, float64(r.outcome.FirstChunk.Milliseconds()))
		}
	}
	return nil
}

// terminate delivers the terminal error chunk for cause.
func (s *Service) terminate(r *relay, cause error) {
	r.outcome.Status = StatusError
	r.outcome.Err = cause
	err := s.deliver(r, types.StreamChunk{
		FinishReason: types.FinishError,
		Error: &types.ChunkError{
			Type:    types.ErrorTypeUpstream,
			Message: s.redact.Error(cause),
		},
	}, false)
	if err != nil {
		r.outcome.Status = StatusCanceled
	}
}

func (s *Service) finish(ctx context.Context, r *relay, req *types.ChatRequest, id *auth.Identity) {
	r.outcome.Provider = r.provider
	r.outcome.Model = r.model
	r.outcome.Duration = s.now().Sub(r.start)
	r.st.outcome = r.outcome
	out := r.outcome

	reqID := telemetry.RequestID(ctx)
	attrs := []any{
		"request_id", reqID,
		"stream_id", r.st.ID,
		"user_id", id.UserID,
		"model", req.Model,
		"provider", out.Provider,
		"outcome", out.Status,
		"attempts", out.Attempts,
		"chunks", out.Chunks,
		"first_chunk_ms", out.FirstChunk.Milliseconds(),
		"latency_ms", out.Duration.Milliseconds(),
	}
	if out.Err != nil {
		attrs = append(attrs, "error", s.redact.Error(out.Err))
	}
	if out.Status == StatusError {
		slog.Warn("chat request finished", attrs...)
	} else {
		slog.Info("chat request finished", attrs...)
	}

	if s.metrics != nil {
		s.metrics.ActiveStreams.Dec()
		s.metrics.RecordRequest(telemetry.RequestLabels{
			Model:      req.Model,
			Provider:   out.Provider,
			Outcome:    out.Status,
			DurationMs: float64(out.Duration.Milliseconds()),
			Chunks:     out.Chunks,
		})
	}

	rec := usage.Record{
		RequestID:    reqID,
		UserID:       id.UserID,
		QuotaTier:    id.QuotaTier,
		KeyID:        id.KeyID,
		Model:        req.Model,
		Provider:     out.Provider,
		Outcome:      out.Status,
		Attempts:     out.Attempts,
		Chunks:       out.Chunks,
		FirstChunkMs: out.FirstChunk.Milliseconds(),
		DurationMs:   out.Duration.Milliseconds(),
	}
	rec.Error = s.redact.Error(out.Err)
	if rec.RequestID == "" {
		rec.RequestID = r.st.ID
	}
	s.usage.Record(rec)
}

// attemptError prefers the context cause (timeouts, cancellation) over the
// transport error it produced.
func attemptError(ctx context.Context, c router.Candidate, err error) error {
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(err, cause) {
		return err
	}
	if errors.Is(cause, ErrFirstChunkTimeout) || errors.Is(cause, ErrChunkTimeout) || errors.Is(cause, ErrStreamDuration) {
		return fmt.Errorf("%s: %w", c.Provider.Name(), cause)
	}
	return cause
}
