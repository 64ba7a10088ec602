// Package handlers provides the REST handlers of the desktop local API.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
)

// UserHeader names the clinic user performing a request.
const UserHeader = "X-Clinic-User"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail writes err with the status its kind maps to. Server-side failures are
// logged; client mistakes are not.
func fail(log *logging.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.ErrorWithCode("request failed", string(apperrors.KindOf(err)), err, map[string]interface{}{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		})
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrDuplicate, apperrors.ErrConflict, apperrors.ErrSyncBusy:
		return http.StatusConflict
	case apperrors.ErrPermanent, apperrors.ErrResolution:
		return http.StatusUnprocessableEntity
	case apperrors.ErrTransient, apperrors.ErrNotConfigured:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads a non-negative integer parameter, def when absent.
func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperrors.Newf(apperrors.ErrInvalid, "%s must be a non-negative integer", key)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, apperrors.Newf(apperrors.ErrInvalid, "%s must be a boolean", key)
	}
	return b, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}
