package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"quota-gate/internal/common/logging"
)

// Recovery turns a panic into a generic 500. Nothing about the failure is
// sent to the client beyond the request id.
func Recovery(logger logging.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.WithContext(r.Context()).Error("Recovered from panic",
					fmt.Errorf("%v", rec),
					logging.String("method", r.Method),
					logging.String("path", r.URL.Path),
					logging.String("stack", string(debug.Stack())),
				)

				requestID, _ := logging.RequestIDFromContext(r.Context())
				writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
					"error":     "Internal server error",
					"requestId": requestID,
				})
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
