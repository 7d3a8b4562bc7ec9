package handlers

import (
	"encoding/json"
	"net/http"

	"quota-gate/internal/common/errors"
	"quota-gate/internal/common/logging"
)

// maxBodyBytes caps Control API request bodies
const maxBodyBytes = 64 << 10

func (h *Handlers) sendJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", err)
	}
}

// sendJSONError maps err to a status code. Internal errors are logged and
// replaced by a generic message.
func (h *Handlers) sendJSONError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)

	if status == http.StatusInternalServerError {
		h.logger.WithContext(r.Context()).Error("Control API request failed", err,
			logging.String("path", r.URL.Path),
		)
		requestID, _ := logging.RequestIDFromContext(r.Context())
		h.sendJSONResponse(w, status, map[string]interface{}{
			"error":     "Internal server error",
			"requestId": requestID,
		})
		return
	}

	h.sendJSONResponse(w, status, map[string]interface{}{"error": errors.Message(err)})
}

func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		return errors.ValidationError("invalid JSON body").WithContext("cause", err.Error())
	}
	return h.validator.Struct(dst)
}
