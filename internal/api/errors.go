package api

import (
	"net/http"

	"proctorguard/internal/apperr"
)

// statusFor maps a typed application error kind to the HTTP status
// clients observe. Tenant mismatches and unknown sessions both map to
// 404 so a caller cannot distinguish "wrong tenant" from "no such
// session".
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindCredentialInvalid:
		return http.StatusUnauthorized
	case apperr.KindIdentityMismatch, apperr.KindSessionNotFound:
		return http.StatusNotFound
	case apperr.KindSessionEnded:
		return http.StatusConflict
	case apperr.KindBatchTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTimestampOutOfRange, apperr.KindPayloadInvalid, apperr.KindDuplicate:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("request failed", "err", err, "kind", kind)
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}
