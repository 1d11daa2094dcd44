package middleware_test

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/serroba/ratelimit-go/internal/events"
	"github.com/serroba/ratelimit-go/internal/middleware"
	"github.com/serroba/ratelimit-go/internal/ratelimit"
	"github.com/serroba/ratelimit-go/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testHostAddr  = "192.168.1.1:12345"
	testUserAgent = "TestAgent/1.0"
)

var errMultipartNotSupported = errors.New("multipart not supported in mock")

func newTestAPI() huma.API {
	return humachi.New(chi.NewMux(), huma.DefaultConfig("Test", "1.0.0"))
}

type allowCall struct {
	identifier string
	max        int64
	window     time.Duration
}

type mockLimiter struct {
	result     ratelimit.Result
	err        error
	calls      []allowCall
	instanceID string
}

func (m *mockLimiter) Allow(
	_ context.Context, identifier string, max int64, window time.Duration,
) (ratelimit.Result, error) {
	m.calls = append(m.calls, allowCall{identifier: identifier, max: max, window: window})

	return m.result, m.err
}

func (m *mockLimiter) InstanceID() string { return m.instanceID }

// mockHumaContext implements huma.Context for testing.
type mockHumaContext struct {
	headers    map[string]string
	setHeaders map[string]string
	host       string
	written    []byte
	statusCode int
	method     string
	operation  *huma.Operation
}

func newMockHumaContext() *mockHumaContext {
	return &mockHumaContext{
		headers:    make(map[string]string),
		setHeaders: make(map[string]string),
		method:     "GET",
		host:       testHostAddr,
	}
}

func (m *mockHumaContext) Operation() *huma.Operation {
	return m.operation
}
func (m *mockHumaContext) Context() context.Context              { return context.Background() }
func (m *mockHumaContext) TLS() *tls.ConnectionState             { return nil }
func (m *mockHumaContext) Version() huma.ProtoVersion            { return huma.ProtoVersion{} }
func (m *mockHumaContext) Method() string                        { return m.method }
func (m *mockHumaContext) Host() string                          { return m.host }
func (m *mockHumaContext) RemoteAddr() string                    { return m.host }
func (m *mockHumaContext) URL() url.URL                          { return url.URL{} }
func (m *mockHumaContext) Param(_ string) string                 { return "" }
func (m *mockHumaContext) Query(_ string) string                 { return "" }
func (m *mockHumaContext) Header(name string) string             { return m.headers[name] }
func (m *mockHumaContext) EachHeader(_ func(name, value string)) {}
func (m *mockHumaContext) BodyReader() io.Reader                 { return nil }
func (m *mockHumaContext) GetMultipartForm() (*multipart.Form, error) {
	return nil, errMultipartNotSupported
}
func (m *mockHumaContext) SetReadDeadline(_ time.Time) error { return nil }
func (m *mockHumaContext) SetStatus(code int)                { m.statusCode = code }
func (m *mockHumaContext) Status() int                       { return m.statusCode }
func (m *mockHumaContext) AppendHeader(name, value string)   { m.setHeaders[name] = value }
func (m *mockHumaContext) SetHeader(name, value string)      { m.setHeaders[name] = value }
func (m *mockHumaContext) BodyWriter() io.Writer             { return &mockBodyWriter{ctx: m} }

type mockBodyWriter struct {
	ctx *mockHumaContext
}

func (w *mockBodyWriter) Write(p []byte) (n int, err error) {
	w.ctx.written = append(w.ctx.written, p...)

	return len(p), nil
}

type capturingPublisher struct {
	mu       sync.Mutex
	messages []*message.Message
}

func (p *capturingPublisher) Publish(_ string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.messages = append(p.messages, msgs...)

	return nil
}

func (p *capturingPublisher) Close() error { return nil }

func (p *capturingPublisher) saved() []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]*message.Message(nil), p.messages...)
}

func defaultPolicy() middleware.Policy {
	return middleware.Policy{MaxRequests: 5, Window: time.Minute}
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows request and sets rate limit headers", func(t *testing.T) {
		api := newTestAPI()
		resetTime := time.Now().Add(time.Minute)
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: true, Remaining: 4, ResetTime: resetTime}}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), nil)

		ctx := newMockHumaContext()
		ctx.headers["User-Agent"] = testUserAgent

		nextCalled := false

		mw(ctx, func(_ huma.Context) {
			nextCalled = true
		})

		assert.True(t, nextCalled, "next should be called when allowed")
		assert.Equal(t, "5", ctx.setHeaders["X-RateLimit-Limit"])
		assert.Equal(t, "4", ctx.setHeaders["X-RateLimit-Remaining"])
		assert.NotEmpty(t, ctx.setHeaders["X-RateLimit-Reset"])
		assert.Empty(t, ctx.setHeaders["Retry-After"])
	})

	t.Run("returns 429 with retry hint when denied", func(t *testing.T) {
		api := newTestAPI()
		resetTime := time.Now().Add(30 * time.Second)
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: false, Remaining: 0, ResetTime: resetTime}}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), nil)

		ctx := newMockHumaContext()

		nextCalled := false

		mw(ctx, func(_ huma.Context) {
			nextCalled = true
		})

		assert.False(t, nextCalled, "next should not be called when denied")
		assert.Equal(t, http.StatusTooManyRequests, ctx.statusCode)
		assert.Equal(t, "0", ctx.setHeaders["X-RateLimit-Remaining"])
		assert.NotEmpty(t, ctx.setHeaders["Retry-After"])
	})

	t.Run("uses the policy budget by default", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: true, Remaining: 9}}
		policy := middleware.Policy{MaxRequests: 10, Window: time.Hour}
		mw := middleware.RateLimiter(api, limiter, policy, zap.NewNop(), nil)

		mw(newMockHumaContext(), func(_ huma.Context) {})

		require.Len(t, limiter.calls, 1)
		assert.Equal(t, int64(10), limiter.calls[0].max)
		assert.Equal(t, time.Hour, limiter.calls[0].window)
	})

	t.Run("endpoint metadata overrides the budget", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: true, Remaining: 1}}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), nil)

		ctx := newMockHumaContext()
		ctx.operation = &huma.Operation{
			Path: "/expensive",
			Metadata: map[string]any{
				middleware.MetadataKey: middleware.EndpointConfig{
					MaxRequests: 2,
					Window:      time.Second,
				},
			},
		}

		mw(ctx, func(_ huma.Context) {})

		require.Len(t, limiter.calls, 1)
		assert.Equal(t, int64(2), limiter.calls[0].max)
		assert.Equal(t, time.Second, limiter.calls[0].window)
	})

	t.Run("disabled endpoint skips the limiter", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: false}}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), nil)

		ctx := newMockHumaContext()
		ctx.operation = &huma.Operation{
			Metadata: map[string]any{
				middleware.MetadataKey: middleware.EndpointConfig{Disabled: true},
			},
		}

		nextCalled := false

		mw(ctx, func(_ huma.Context) {
			nextCalled = true
		})

		assert.True(t, nextCalled)
		assert.Empty(t, limiter.calls, "limiter should not be consulted")
	})

	t.Run("returns 500 on invalid policy", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{err: ratelimit.ErrInvalidLimit}
		mw := middleware.RateLimiter(api, limiter, middleware.Policy{}, zap.NewNop(), nil)

		ctx := newMockHumaContext()

		nextCalled := false

		mw(ctx, func(_ huma.Context) {
			nextCalled = true
		})

		assert.False(t, nextCalled)
		assert.Equal(t, http.StatusInternalServerError, ctx.statusCode)
	})

	t.Run("keys clients by ip and user agent", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: true, Remaining: 4}}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), nil)

		first := newMockHumaContext()
		first.headers["User-Agent"] = testUserAgent
		mw(first, func(_ huma.Context) {})

		second := newMockHumaContext()
		second.headers["User-Agent"] = testUserAgent
		second.headers["X-Forwarded-For"] = "10.0.0.9"
		mw(second, func(_ huma.Context) {})

		require.Len(t, limiter.calls, 2)
		assert.NotEqual(t, limiter.calls[0].identifier, limiter.calls[1].identifier,
			"different client IPs should produce different keys")
	})

	t.Run("overridden budgets count against their own key", func(t *testing.T) {
		api := newTestAPI()
		limiter := &mockLimiter{result: ratelimit.Result{Allowed: true, Remaining: 4}}
		policy := middleware.Policy{MaxRequests: 100, Window: time.Minute}
		mw := middleware.RateLimiter(api, limiter, policy, zap.NewNop(), nil)

		plain := newMockHumaContext()
		plain.headers["User-Agent"] = testUserAgent
		mw(plain, func(_ huma.Context) {})

		burst := newMockHumaContext()
		burst.headers["User-Agent"] = testUserAgent
		burst.operation = &huma.Operation{
			Path: "/burst",
			Metadata: map[string]any{
				middleware.MetadataKey: middleware.EndpointConfig{
					MaxRequests: 5,
					Window:      10 * time.Second,
				},
			},
		}
		mw(burst, func(_ huma.Context) {})

		require.Len(t, limiter.calls, 2)
		assert.NotEqual(t, limiter.calls[0].identifier, limiter.calls[1].identifier,
			"overridden budget must not share the default policy's key")
		assert.Contains(t, limiter.calls[1].identifier, "/burst")
	})

	t.Run("publishes a throttle event on denial", func(t *testing.T) {
		api := newTestAPI()
		capturing := &capturingPublisher{}
		publisher := events.NewPublisher(capturing)
		limiter := &mockLimiter{
			result:     ratelimit.Result{Allowed: false, ResetTime: time.Now().Add(time.Minute)},
			instanceID: "instance-1",
		}
		mw := middleware.RateLimiter(api, limiter, defaultPolicy(), zap.NewNop(), publisher)

		mw(newMockHumaContext(), func(_ huma.Context) {})

		require.Eventually(t, func() bool {
			return len(capturing.saved()) == 1
		}, time.Second, 10*time.Millisecond, "denial event should be published off the response path")

		payload := string(capturing.saved()[0].Payload)
		assert.Contains(t, payload, `"kind":"denied"`)
		assert.Contains(t, payload, `"instanceId":"instance-1"`)
		assert.NotContains(t, payload, `"count"`)
	})
}

// A client that exhausts one endpoint's budget must still have its full
// budget on an endpoint with an overridden limit.
func TestRateLimiter_BudgetIsolation(t *testing.T) {
	api := newTestAPI()
	limiter := ratelimit.NewFixedWindowLimiter(store.NewRateLimitMemoryStore())
	defer limiter.Close()

	policy := middleware.Policy{MaxRequests: 100, Window: time.Minute}
	mw := middleware.RateLimiter(api, limiter, policy, zap.NewNop(), nil)

	for i := 0; i < 6; i++ {
		ctx := newMockHumaContext()
		ctx.headers["User-Agent"] = testUserAgent

		mw(ctx, func(_ huma.Context) {})
	}

	burst := newMockHumaContext()
	burst.headers["User-Agent"] = testUserAgent
	burst.operation = &huma.Operation{
		Path: "/burst",
		Metadata: map[string]any{
			middleware.MetadataKey: middleware.EndpointConfig{
				MaxRequests: 5,
				Window:      10 * time.Second,
			},
		},
	}

	nextCalled := false

	mw(burst, func(_ huma.Context) {
		nextCalled = true
	})

	assert.True(t, nextCalled, "first request to the tighter budget should pass")
	assert.Equal(t, "5", burst.setHeaders["X-RateLimit-Limit"])
	assert.Equal(t, "4", burst.setHeaders["X-RateLimit-Remaining"])
}
