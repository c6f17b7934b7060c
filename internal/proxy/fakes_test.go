package proxy

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/promptcraft/chat-gateway/internal/auth"
	"github.com/promptcraft/chat-gateway/internal/config"
	"github.com/promptcraft/chat-gateway/internal/policy"
	"github.com/promptcraft/chat-gateway/internal/provider"
	"github.com/promptcraft/chat-gateway/internal/ratelimit"
	"github.com/promptcraft/chat-gateway/internal/router"
	"github.com/promptcraft/chat-gateway/internal/types"
	"github.com/promptcraft/chat-gateway/internal/usage"
)

// fakeProvider replays a scripted upstream.
type fakeProvider struct {
	name string
	// openErr fails the call before any chunk.
	openErr error
	deltas  []string
	finish  types.FinishReason
	// failAfter returns streamErr once this many deltas have been sent.
	failAfter int
	streamErr error
	// hang blocks Recv until the context ends once deltas are exhausted.
	hang bool
	// delay is applied before every Recv.
	delay time.Duration
	// stall sleeps before every Recv without watching the context.
	stall time.Duration

	calls   atomic.Int32
	closed  atomic.Int32
	lastReq atomic.Pointer[types.ChatRequest]
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) StreamCompletion(ctx context.Context, req *types.ChatRequest) (provider.ChunkStream, error) {
	p.calls.Add(1)
	p.lastReq.Store(req)
	if p.openErr != nil {
		return nil, p.openErr
	}
	return &fakeStream{p: p, ctx: ctx}, nil
}

type fakeStream struct {
	p    *fakeProvider
	ctx  context.Context
	sent int
	done bool
}

func (s *fakeStream) Recv() (types.StreamChunk, error) {
	if s.p.stall > 0 {
		time.Sleep(s.p.stall)
	}
	if s.p.delay > 0 {
		select {
		case <-time.After(s.p.delay):
		case <-s.ctx.Done():
			return types.StreamChunk{}, s.ctx.Err()
		}
	}
	if s.p.streamErr != nil && s.sent == s.p.failAfter {
		return types.StreamChunk{}, s.p.streamErr
	}
	if s.sent < len(s.p.deltas) {
		s.sent++
		return types.StreamChunk{Delta: s.p.deltas[s.sent-1]}, nil
	}
	if s.p.hang {
		<-s.ctx.Done()
		return types.StreamChunk{}, s.ctx.Err()
	}
	if s.done || s.p.finish == types.FinishNone {
		return types.StreamChunk{}, io.EOF
	}
	s.done = true
	return types.StreamChunk{FinishReason: s.p.finish}, nil
}

func (s *fakeStream) Close() error {
	s.p.closed.Add(1)
	return nil
}

type staticRoutes []router.Candidate

func (r staticRoutes) Candidates(model string) ([]router.Candidate, error) {
	if model == "unknown-model" {
		return nil, errors.New("unknown model: " + model)
	}
	return r, nil
}

type fakePolicy struct {
	decision policy.Decision
	err      error
	got      policy.Input
}

func (p *fakePolicy) Evaluate(_ context.Context, in policy.Input) (policy.Decision, error) {
	p.got = in
	return p.decision, p.err
}

type captureRecorder struct {
	records chan usage.Record
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{records: make(chan usage.Record, 16)}
}

func (r *captureRecorder) Record(rec usage.Record) { r.records <- rec }

func testSettings() Settings {
	return Settings{
		FirstChunkTimeout: 2 * time.Second,
		ChunkTimeout:      2 * time.Second,
		MaxStreamDuration: 10 * time.Second,
		MaxAttempts:       2,
	}
}

func testLimiter(requests int64) ratelimit.Limiter {
	return ratelimit.NewMemoryLimiter(config.RateLimitConfig{Requests: requests, Window: time.Minute})
}

func newTestService(routes RouteSource, opts ...Option) (*Service, *router.HealthTracker) {
	health := router.NewHealthTracker(3, 30*time.Second)
	return NewService(routes, health, testLimiter(5), testSettings(), opts...), health
}

func testIdentity() *auth.Identity {
	return &auth.Identity{UserID: "user-1", QuotaTier: "free", KeyID: "key-1", Method: auth.MethodAPIKey}
}

func testRequest() *types.ChatRequest {
	return &types.ChatRequest{
		Model:    "glm-4-32b-0414-128k",
		Messages: []types.Message{{Role: types.RoleUser, Content: "Hello"}},
		Stream:   true,
	}
}

// collect drains a stream, failing the test if it does not finish in time.
func collect(t *testing.T, st *Stream) []types.StreamChunk {
	t.Helper()
	var chunks []types.StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-st.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d chunks", len(chunks))
		}
	}
}

func terminalCount(chunks []types.StreamChunk) int {
	n := 0
	for _, c := range chunks {
		if c.FinishReason.Terminal() {
			n++
		}
	}
	return n
}

func text(chunks []types.StreamChunk) string {
	s := ""
	for _, c := range chunks {
		s += c.Delta
	}
	return s
}
