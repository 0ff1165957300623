package salesforce

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Code       string // e.g. INVALID_SESSION_ID, MALFORMED_QUERY
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("salesforce API error (HTTP %d): %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("salesforce API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsSessionExpired reports whether err is a rejected session token.
func IsSessionExpired(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusUnauthorized || apiErr.Code == "INVALID_SESSION_ID"
}

func parseAPIError(status int, body []byte) error {
	// Data API errors are an array; OAuth endpoints use an object.
	var list []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if json.Unmarshal(body, &list) == nil && len(list) > 0 {
		codes := make([]string, 0, len(list))
		msgs := make([]string, 0, len(list))
		for _, e := range list {
			if e.ErrorCode != "" {
				codes = append(codes, e.ErrorCode)
			}
			msgs = append(msgs, e.Message)
		}
		return &APIError{
			StatusCode: status,
			Code:       strings.Join(codes, ","),
			Message:    strings.Join(msgs, "; "),
		}
	}

	var single struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &single) == nil && single.Error != "" {
		return &APIError{StatusCode: status, Code: single.Error, Message: single.ErrorDescription}
	}

	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
