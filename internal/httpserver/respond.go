package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"drivepulse/internal/common"
	"drivepulse/internal/upload"
)

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// wantsJSON is true for API clients; browsers posting forms get redirects.
func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrOutOfBounds):
		return http.StatusNotFound
	case errors.Is(err, common.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, common.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, common.ErrInvalidInput),
		errors.Is(err, common.ErrExtensionMismatch),
		errors.Is(err, common.ErrOffsetMismatch):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrUnauthorized), errors.Is(err, common.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, common.ErrRangeNotSatisfiable):
		return http.StatusRequestedRangeNotSatisfiable
	}
	var ue *upload.Error
	if errors.As(err, &ue) && ue.Cause != upload.CauseUnknown {
		switch ue.Cause {
		case upload.CauseIniSize, upload.CauseFormSize:
			return http.StatusRequestEntityTooLarge
		case upload.CauseExtension:
			return http.StatusUnsupportedMediaType
		case upload.CauseNoFile, upload.CausePartial:
			return http.StatusBadRequest
		}
	}
	return http.StatusInternalServerError
}

// messageFor is the short user-facing text for err. Filesystem details never
// leak; an out-of-bounds path reads the same as a missing one.
func messageFor(err error) string {
	var ue *upload.Error
	if errors.As(err, &ue) {
		if ue.Cause == upload.CauseUnknown && ue.Err != nil {
			return "Upload error for " + ue.File + ": " + messageFor(ue.Err)
		}
		return ue.Error()
	}
	switch {
	case errors.Is(err, common.ErrNotFound), errors.Is(err, common.ErrOutOfBounds):
		return "not found"
	case errors.Is(err, common.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, common.ErrAlreadyExists):
		return "already exists"
	case errors.Is(err, common.ErrExtensionMismatch):
		return common.ErrExtensionMismatch.Error()
	case errors.Is(err, common.ErrOffsetMismatch):
		return "chunk offset does not match uploaded size"
	case errors.Is(err, common.ErrInvalidInput):
		return "invalid input"
	case errors.Is(err, common.ErrUnauthorized):
		return "invalid username or password"
	case errors.Is(err, common.ErrInvalidToken):
		return "invalid link"
	case errors.Is(err, common.ErrTokenExpired):
		return "link expired"
	case errors.Is(err, common.ErrChunkWriteFailed):
		return "write failed"
	default:
		return "operation failed"
	}
}

func httpError(w http.ResponseWriter, err error) {
	http.Error(w, messageFor(err), statusFor(err))
}

// apiError answers API clients with the {ok, errors} envelope.
func apiError(w http.ResponseWriter, err error) {
	writeJSONStatus(w, statusFor(err), map[string]any{"ok": false, "errors": []string{messageFor(err)}})
}

// explorerURL is the listing location for folder, optionally carrying a
// message for the user.
func explorerURL(folder string, msgs []string) string {
	q := url.Values{}
	if folder != "" {
		q.Set("folder", folder)
	}
	if len(msgs) > 0 {
		q.Set("error", strings.Join(msgs, "; "))
	}
	if len(q) == 0 {
		return "/explorer"
	}
	return "/explorer?" + q.Encode()
}

// finish completes a mutation: 303 back to the folder listing for browsers,
// the {ok, errors} envelope for JSON clients. extra is merged into the JSON
// body.
func finish(w http.ResponseWriter, r *http.Request, folder string, errs []error, extra map[string]any) {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, messageFor(err))
	}
	if !wantsJSON(r) {
		http.Redirect(w, r, explorerURL(folder, msgs), http.StatusSeeOther)
		return
	}
	body := map[string]any{"ok": len(errs) == 0, "errors": msgs}
	for k, v := range extra {
		body[k] = v
	}
	status := http.StatusOK
	if len(errs) > 0 {
		status = statusFor(errs[0])
	}
	writeJSONStatus(w, status, body)
}
