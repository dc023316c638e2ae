package api

import (
	"encoding/json"
	"net/http"
	"strings"

	perrors "github.com/p-blackswan/codetime-agent/internal/errors"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Check classifies a response. Status < 300 is success. A 4xx whose body
// carries code DEACTIVATED yields an error matching perrors.IsDeactivated.
// Anything else yields an *perrors.APIError.
func Check(resp *Response) error {
	if resp == nil {
		return perrors.ErrUnavailable
	}
	if resp.Status < http.StatusMultipleChoices {
		return nil
	}

	apiErr := perrors.NewAPIError(serviceName, resp.Status, "")
	var body errorBody
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Message = body.Message
	} else {
		apiErr.Message = truncate(strings.TrimSpace(string(resp.Body)), 200)
	}

	switch {
	case resp.Status >= 400 && resp.Status < 500 && apiErr.Code == perrors.CodeDeactivated:
		apiErr.Err = perrors.ErrDeactivated
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		apiErr.Err = perrors.ErrAuthFailure
	case resp.Status == http.StatusTooManyRequests:
		apiErr.Err = perrors.ErrRateLimit
	case resp.Status >= 500:
		apiErr.Err = perrors.ErrUnavailable
	}
	return apiErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
