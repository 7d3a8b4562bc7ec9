package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"quota-gate/internal/common/errors"
)

// KeyFunc derives the caller key a limiter charges for a request.
type KeyFunc func(r *http.Request) string

const (
	anonymousIdentity = "anonymous"
	missingAPIKey     = "no-key"
	globalKey         = "global"
	unknownIP         = "unknown"
)

// Strategy names accepted by StrategyByName
const (
	StrategyIP     = "ip"
	StrategyUser   = "user"
	StrategyAPIKey = "api_key"
	StrategyGlobal = "global"
)

// IPKey keys on the client address. X-Forwarded-For and X-Real-IP are read
// only when trustProxy is set. Of X-Forwarded-For only the last hop is used:
// the trusted proxy appends the peer it saw, everything before it is
// client-supplied.
func IPKey(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if ip := lastForwardedHop(r.Header.Values("X-Forwarded-For")); ip != "" {
				return ip
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return unknownIP
	}
}

// lastForwardedHop returns the rightmost non-empty entry across all
// X-Forwarded-For header lines.
func lastForwardedHop(values []string) string {
	for i := len(values) - 1; i >= 0; i-- {
		hops := strings.Split(values[i], ",")
		for j := len(hops) - 1; j >= 0; j-- {
			if ip := strings.TrimSpace(hops[j]); ip != "" {
				return ip
			}
		}
	}
	return ""
}

type identityKey struct{}

// WithIdentity attaches an authenticated user id to ctx for IdentityKey.
func WithIdentity(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, identityKey{}, userID)
}

// IdentityFromContext returns the user id stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}

// IdentityKey keys on the authenticated user, or "anonymous".
func IdentityKey(r *http.Request) string {
	if id, ok := IdentityFromContext(r.Context()); ok {
		return id
	}
	return anonymousIdentity
}

// APIKeyKey keys on the value of header, or "no-key".
func APIKeyKey(header string) KeyFunc {
	if header == "" {
		header = "X-API-Key"
	}
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return missingAPIKey
	}
}

// GlobalKey charges every request against one shared key.
func GlobalKey(*http.Request) string {
	return globalKey
}

// StrategyOptions carries the settings some strategies depend on.
type StrategyOptions struct {
	TrustProxy   bool
	APIKeyHeader string
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string, opts StrategyOptions) (KeyFunc, error) {
	switch name {
	case StrategyIP:
		return IPKey(opts.TrustProxy), nil
	case StrategyUser:
		return IdentityKey, nil
	case StrategyAPIKey:
		return APIKeyKey(opts.APIKeyHeader), nil
	case StrategyGlobal:
		return GlobalKey, nil
	default:
		return nil, errors.ConfigError(fmt.Sprintf("unknown key strategy %q", name)).
			WithContext("strategy", name)
	}
}
