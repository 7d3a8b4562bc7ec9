package middleware

import (
	"net/http"
	"strconv"
	"time"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
	"quota-gate/internal/ratelimit"
)

// Rate limit response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
)

// Stage pairs a limiter with the strategy that derives its key.
type Stage struct {
	Limiter *ratelimit.Limiter
	Key     ratelimit.KeyFunc
}

// Pipeline is an ordered list of stages. Stages are evaluated in order and
// evaluation stops at the first rejection, so later limiters are not charged.
type Pipeline []Stage

// Decision is the outcome of evaluating a pipeline for one request.
type Decision struct {
	Passed bool
	// Category is the last limiter evaluated: the rejecting one, or the last
	// stage of a passed request. Empty for an empty pipeline.
	Category string
	Key      string
	Result   ratelimit.Result
	Err      error
}

// Evaluate consumes one point from each stage in order.
func (p Pipeline) Evaluate(r *http.Request) Decision {
	decision := Decision{Passed: true}

	for _, stage := range p {
		key := stage.Key(r)
		result, err := stage.Limiter.Consume(r.Context(), key, 1)

		decision.Category = stage.Limiter.Name()
		decision.Key = key
		decision.Result = result

		if err != nil {
			decision.Passed = false
			decision.Err = err
			return decision
		}
	}

	return decision
}

// Categories lists the stage categories in evaluation order.
func (p Pipeline) Categories() []string {
	names := make([]string, len(p))
	for i, stage := range p {
		names[i] = stage.Limiter.Name()
	}
	return names
}

// Admission gates next behind pipeline. A rejected request gets a 429 with
// Retry-After and {error, retryAfter}; a passed request carries the
// X-RateLimit headers of the last limiter evaluated.
func Admission(pipeline Pipeline, logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := pipeline.Evaluate(r)
			now := time.Now()

			if decision.Passed {
				if decision.Category != "" {
					setRateLimitHeaders(w, decision.Result, now)
				}
				next.ServeHTTP(w, r)
				return
			}

			if !errors.IsType(decision.Err, errors.ErrTypeRateLimit) {
				logger.WithContext(r.Context()).Error("Admission check failed", decision.Err,
					logging.String("category", decision.Category),
				)
				requestID, _ := logging.RequestIDFromContext(r.Context())
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error":     "Internal server error",
					"requestId": requestID,
				})
				return
			}

			retryAfter := retryAfterSeconds(decision.Result.RetryAfter())
			if d, ok := errors.RetryAfterOf(decision.Err); ok {
				retryAfter = retryAfterSeconds(d)
			}

			logger.WithContext(r.Context()).Debug("Request rejected by rate limiter",
				logging.String("category", decision.Category),
				logging.String("key", decision.Key),
				logging.Int64("retry_after_s", retryAfter),
			)

			setRateLimitHeaders(w, decision.Result, now)
			w.Header().Set(HeaderRetryAfter, strconv.FormatInt(retryAfter, 10))
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":      "Too many requests",
				"retryAfter": retryAfter,
			})
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result, now time.Time) {
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(result.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(resetUnix(now, result.MsBeforeNext), 10))
}

// retryAfterSeconds rounds up so a client never retries early.
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func resetUnix(now time.Time, msBeforeNext int64) int64 {
	ms := now.UnixMilli() + msBeforeNext
	return (ms + 999) / 1000
}
