package edge

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is returned for any control-plane response with status >= 400.
// The body is retained (truncated) so callers can classify failures.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("edge request failed: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the control plane.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// duplicate key violations surface either as a clean 409 or as a raw
// Postgres error inside a 500 body.
var duplicateMarkers = []string{
	"duplicate key value",
	"contacts_instance_id_jid_key",
	"23505",
}

// IsDuplicateConflict reports whether err is a duplicate-contact
// conflict, which callers treat as benign.
func IsDuplicateConflict(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusConflict {
		return true
	}
	if apiErr.StatusCode == http.StatusInternalServerError {
		for _, marker := range duplicateMarkers {
			if strings.Contains(apiErr.Body, marker) {
				return true
			}
		}
	}
	return false
}
