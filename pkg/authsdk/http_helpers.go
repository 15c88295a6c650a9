package authsdk

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aussiebroadwan/bartab-session/internal/request"
)

// resolve turns a path into an absolute URL against the base URL. Absolute
// URLs pass through.
func (m *Manager) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return m.client.BaseURL + path
}

// DecodeJSON decodes resp into target. A status other than expectedStatus
// yields a typed *Error carrying the parsed APIError.
func DecodeJSON(resp *request.Response, target any, expectedStatus int) error {
	if resp == nil {
		return fmt.Errorf("authsdk: nil response")
	}

	if resp.StatusCode != expectedStatus {
		return parseErrorResponse("decode", resp.StatusCode, resp.Body)
	}

	if target == nil {
		return nil
	}

	if err := json.Unmarshal(resp.Body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
