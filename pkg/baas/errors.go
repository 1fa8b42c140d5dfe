package baas

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrClosed is reported by subscriptions of a LiveQuery that was closed.
var ErrClosed = errors.New("baas: live query closed")

// Error codes returned by the backend.
const (
	CodeObjectNotFound = 101
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("baas: %d %s (code %d)", e.Status, e.Message, e.Code)
	}
	return fmt.Sprintf("baas: %d %s", e.Status, e.Message)
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	if err := json.Unmarshal(body, e); err != nil || e.Message == "" {
		e.Message = http.StatusText(status)
		if len(body) > 0 && err != nil {
			e.Message = string(body)
		}
	}
	e.Status = status
	return e
}

// IsNotFound reports whether err is a missing object or a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusNotFound || apiErr.Code == CodeObjectNotFound
}
