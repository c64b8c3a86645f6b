package internal

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is the API's "nothing active" answer (no war, no league
	// group). Callers treat it as an inactive state, not a failure.
	ErrNotFound = errors.New("coc API: not found")

	// ErrAccessDenied means the key is invalid or the caller IP is not on the
	// key's allow-list. Retrying will not help without operator action.
	ErrAccessDenied = errors.New("coc API: access denied (invalid key or caller IP not allow-listed)")

	ErrMalformedResponse = errors.New("coc API: malformed response body")

	// ErrPartialResult is returned with whatever was fetched before a
	// deadline or cancellation stopped the run.
	ErrPartialResult = errors.New("sync aborted before all wars were fetched")

	ErrDocumentNotFound = errors.New("document not found")
)

// APIError is any other failed call: a non-2xx status, a transport error
// (Status 0) or a body that did not decode.
type APIError struct {
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("coc API error: %d %s - %s: %v", e.Status, http.StatusText(e.Status), e.Body, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("coc API error: %d %s - %s", e.Status, http.StatusText(e.Status), e.Body)
	case e.Err != nil:
		return fmt.Sprintf("coc API request failed: %v", e.Err)
	}
	return "coc API request failed"
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsExpectedAbsence reports whether err only means "not currently active".
func IsExpectedAbsence(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func errorCode(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPartialResult):
		return "partial_result"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.As(err, &apiErr):
		if apiErr.Status == 0 {
			return "transport"
		}
		return fmt.Sprintf("http_%d", apiErr.Status)
	}
	return "internal"
}
