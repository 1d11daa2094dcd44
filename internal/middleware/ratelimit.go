package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/serroba/ratelimit-go/internal/events"
	"github.com/serroba/ratelimit-go/internal/ratelimit"
	"go.uber.org/zap"
)

// MetadataKey is the key used to store per-endpoint rate limit config in
// operation metadata.
const MetadataKey = "rateLimit"

// Policy is the default admission budget applied to guarded endpoints.
type Policy struct {
	MaxRequests int64
	Window      time.Duration
}

// EndpointConfig overrides the default policy for a single endpoint. Attach
// it to Huma operations via the Metadata field under MetadataKey.
type EndpointConfig struct {
	// MaxRequests and Window replace the policy budget when both are set.
	MaxRequests int64
	Window      time.Duration

	// Disabled skips rate limiting entirely for this endpoint.
	Disabled bool
}

// RateLimiter returns a Huma middleware that limits requests per client.
// Clients are keyed by a hash of IP and User-Agent. Denials answer 429 with
// rate limit headers; a store outage never surfaces as a failure because the
// limiter degrades to local decisions internally. The publisher may be nil;
// when set, denials are reported as throttle events off the response path.
func RateLimiter(
	api huma.API,
	limiter ratelimit.Limiter,
	policy Policy,
	logger *zap.Logger,
	publisher *events.Publisher,
) func(ctx huma.Context, next func(huma.Context)) {
	instanceID := limiterInstanceID(limiter)

	return func(ctx huma.Context, next func(huma.Context)) {
		max, window := policy.MaxRequests, policy.Window
		overridden := false

		if cfg := endpointConfig(ctx); cfg != nil {
			if cfg.Disabled {
				next(ctx)

				return
			}

			if cfg.MaxRequests > 0 && cfg.Window > 0 {
				max, window = cfg.MaxRequests, cfg.Window
				overridden = true
			}
		}

		key := clientKey(ctx)
		if overridden {
			// Overridden budgets count against their own window, never the
			// default policy's counter for the same client.
			key = fmt.Sprintf("%s:custom:%s:%d", key, operationPath(ctx), window.Milliseconds())
		}

		res, err := limiter.Allow(ctx.Context(), key, max, window)
		if err != nil {
			// Only invalid policy values reach here; store failures are
			// absorbed by the limiter's fallback mode.
			logger.Error("rate limit check failed",
				zap.String("path", operationPath(ctx)), zap.Error(err))
			_ = huma.WriteErr(api, ctx, http.StatusInternalServerError, "internal server error", err)

			return
		}

		setRateLimitHeaders(ctx, max, res)

		if !res.Allowed {
			logger.Warn("rate limit exceeded",
				zap.String("path", operationPath(ctx)),
				zap.String("method", ctx.Method()),
				zap.Int64("max", max),
				zap.Duration("window", window),
				zap.String("client_ip", clientIP(ctx)),
			)

			_ = huma.WriteErr(api, ctx, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded, retry after %s", time.Until(res.ResetTime).Round(time.Second)))

			publishDenied(publisher, logger, instanceID, key, max, res)

			return
		}

		next(ctx)
	}
}

// limiterInstanceID reports the limiter's instance ID when it exposes one.
func limiterInstanceID(limiter ratelimit.Limiter) string {
	if ider, ok := limiter.(interface{ InstanceID() string }); ok {
		return ider.InstanceID()
	}

	return ""
}

func publishDenied(
	publisher *events.Publisher, logger *zap.Logger, instanceID, key string, max int64, res ratelimit.Result,
) {
	if publisher == nil {
		return
	}

	event := &events.ThrottleEvent{
		Kind:        events.KindDenied,
		Identifier:  key,
		MaxRequests: max,
		ResetTime:   res.ResetTime,
		InstanceID:  instanceID,
		OccurredAt:  time.Now(),
	}

	// The 429 is already written by the time this runs.
	go func() {
		if err := publisher.PublishThrottle(event); err != nil {
			logger.Debug("failed to publish throttle event", zap.Error(err))
		}
	}()
}

func setRateLimitHeaders(ctx huma.Context, max int64, res ratelimit.Result) {
	ctx.SetHeader("X-RateLimit-Limit", fmt.Sprintf("%d", max))
	ctx.SetHeader("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	ctx.SetHeader("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetTime.UnixMilli()))

	if !res.Allowed {
		retryAfter := int64(math.Ceil(time.Until(res.ResetTime).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}

		ctx.SetHeader("Retry-After", fmt.Sprintf("%d", retryAfter))
	}
}

// endpointConfig extracts the EndpointConfig from operation metadata, if present.
func endpointConfig(ctx huma.Context) *EndpointConfig {
	op := ctx.Operation()
	if op == nil || op.Metadata == nil {
		return nil
	}

	cfg, ok := op.Metadata[MetadataKey].(EndpointConfig)
	if !ok {
		return nil
	}

	return &cfg
}

// operationPath extracts the path from the operation, if available.
func operationPath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil {
		return op.Path
	}

	return ""
}

// clientKey generates a unique key for rate limiting based on IP and User-Agent.
func clientKey(ctx huma.Context) string {
	ip := clientIP(ctx)
	ua := ctx.Header("User-Agent")

	hash := sha256.Sum256([]byte(ip + "|" + ua))

	return hex.EncodeToString(hash[:])
}

// clientIP extracts the client IP from the request, considering proxies.
func clientIP(ctx huma.Context) string {
	// Check X-Forwarded-For header (may contain multiple IPs)
	if xff := ctx.Header("X-Forwarded-For"); xff != "" {
		// Take the first IP (original client)
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}

		return strings.TrimSpace(xff)
	}

	// Check X-Real-IP header
	if xri := ctx.Header("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to Host (which contains remote addr in Huma context)
	host := ctx.Host()

	ip, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}

	return ip
}
