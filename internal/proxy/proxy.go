// Package proxy forwards admitted requests to the protected backends.
package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

// Target is one upstream behind a path prefix.
type Target struct {
	Prefix      string
	Upstream    string
	StripPrefix bool
	Timeout     time.Duration
}

// NewHTTPTransport returns the transport shared by every upstream.
func NewHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New returns a handler proxying to target.Upstream. A failed upstream call
// is answered with 502, or 504 when the per-route timeout expired.
func New(target Target, transport http.RoundTripper, logger logging.Logger) (http.Handler, error) {
	upstream, err := url.Parse(target.Upstream)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.ConfigError("invalid upstream URL").
			WithContext("prefix", target.Prefix).
			WithContext("upstream", target.Upstream)
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	logger = logger.WithFields(
		logging.String("component", "proxy"),
		logging.String("upstream", upstream.Host),
	)

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			if target.StripPrefix {
				pr.Out.URL.Path = stripPrefix(pr.In.URL.Path, target.Prefix, upstream.Path)
				pr.Out.URL.RawPath = ""
			}
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			if r.Context().Err() == context.DeadlineExceeded {
				status = http.StatusGatewayTimeout
			}
			logger.WithContext(r.Context()).Error("Upstream request failed", err,
				logging.String("path", r.URL.Path),
				logging.Int("status", status),
			)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": http.StatusText(status)})
		},
	}

	if target.Timeout <= 0 {
		return rp, nil
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), target.Timeout)
		defer cancel()
		rp.ServeHTTP(w, r.WithContext(ctx))
	}), nil
}

// stripPrefix removes prefix from path and joins the rest onto base.
func stripPrefix(path, prefix, base string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest != "" && !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	joined := strings.TrimSuffix(base, "/") + rest
	if joined == "" {
		return "/"
	}
	return joined
}
