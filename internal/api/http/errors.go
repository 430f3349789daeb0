package http

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/essaylake/essaylake/internal/errors"
)

// StatusFor maps a service error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, context.Canceled):
		// client went away; the status is never seen
		return 499
	}

	switch errors.GetCategory(err) {
	case errors.ErrCategoryValidation:
		return http.StatusBadRequest
	case errors.ErrCategorySnapshot:
		if errors.GetCode(err) == errors.CodeSnapshotNotFound {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case errors.ErrCategoryStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status StatusFor assigns.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      errors.GetCode(err),
		Details:   errors.GetDetails(err),
		RequestID: GetRequestID(r.Context()),
	}
	if stderrors.Is(err, errors.ErrSnapshotNotFound) {
		resp.Error = "no data available"
	}
	writeError(w, StatusFor(err), resp)
}
