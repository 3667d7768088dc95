package middleware

// contextKey is a private type for this package's context keys, preventing
// collisions with keys set by other packages.
type contextKey string

const (
	// RequestIDContextKey stores the per-request id in the request context.
	RequestIDContextKey contextKey = "request_id"
)

const (
	// RequestIDHeader is the header a request id is read from or written to.
	RequestIDHeader = "X-Request-ID"

	// RateLimitLimitHeader reports the configured requests-per-minute limit.
	RateLimitLimitHeader = "X-RateLimit-Limit"
	// RateLimitRemainingHeader reports the remaining request budget.
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	// RateLimitResetHeader reports the unix timestamp the limit resets at.
	RateLimitResetHeader = "X-RateLimit-Reset"
)
