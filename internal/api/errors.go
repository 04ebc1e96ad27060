package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-agent/internal/entity"
	"github.com/nerrad567/gray-logic-agent/internal/registry"
)

// Error is the body of every error response.
type Error struct {
	Error string `json:"error"`
}

// Messages of errors the handlers raise themselves.
const (
	msgNotFound         = "Not Found"
	msgMethodNotAllowed = "Method Not Allowed"
	msgPayloadTooLarge  = "Payload Too Large"
	msgUnavailable      = "Entity store unavailable"
	msgInternal         = "internal server error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Error{Error: message})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="graylogic-agent"`)
	writeError(w, http.StatusUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, message)
}

// statusOf maps an entity store or decoding error to its HTTP status.
func statusOf(err error) int {
	var (
		tooLarge    *http.MaxBytesError
		syntax      *json.SyntaxError
		unmarshal   *json.UnmarshalTypeError
		twinKey     *entity.InvalidTwinKeyError
		unsupported *entity.UnsupportedChannelError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, registry.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, registry.ErrUnknownEntity),
		errors.Is(err, entity.ErrResourceNotFound),
		errors.As(err, &unsupported):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNoParent),
		errors.Is(err, registry.ErrInvalidParent),
		errors.Is(err, registry.ErrMainDevice),
		errors.Is(err, registry.ErrIncompatibleFilters),
		errors.Is(err, entity.ErrInvalidTopicID),
		errors.Is(err, entity.ErrInvalidEntityType),
		errors.As(err, &twinKey),
		errors.As(err, &syntax),
		errors.As(err, &unmarshal),
		errors.Is(err, errInvalidBody):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeStoreError writes the response for an error returned while serving
// an entity store request.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	switch status {
	case http.StatusNotFound:
		if errors.Is(err, entity.ErrResourceNotFound) {
			msg = msgNotFound
		}
	case http.StatusRequestEntityTooLarge:
		msg = msgPayloadTooLarge
	case http.StatusServiceUnavailable:
		msg = msgUnavailable
	case http.StatusInternalServerError:
		s.logger.Error("entity store request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		msg = msgInternal
	}
	writeError(w, status, msg)
}
