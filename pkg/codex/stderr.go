package codex

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// stderrErrorRegex matches the engine's provider error log lines:
// TIMESTAMP ERROR module: error=HTTP_ERROR: Some("JSON")
var stderrErrorRegex = regexp.MustCompile(`error=(.+?):\s*Some\("(.+)"\)\s*$`)

// StderrError is a provider error recovered from engine stderr.
type StderrError struct {
	// Message is the user-facing summary.
	Message string
	// HTTPError is the status line, e.g. "http 429 Too Many Requests".
	HTTPError string
	// ErrorType is the provider's error type, e.g. "usage_limit_reached".
	ErrorType string
	// ResetsIn is the time until a usage limit resets, when reported.
	ResetsIn time.Duration
	// Raw holds every field of the provider's JSON body.
	Raw map[string]any
}

func (e *StderrError) Error() string {
	return e.Message
}

// ParseStderrLine extracts a provider error from one stderr line. It
// returns nil when the line is not an error report.
//
//	2026-01-23T22:57:08.953223Z ERROR codex_api::endpoint::responses: error=http 429 Too Many Requests: Some("{\"error\":{...}}")
func ParseStderrLine(line string) *StderrError {
	matches := stderrErrorRegex.FindStringSubmatch(line)
	if len(matches) < 3 {
		return nil
	}

	parsed := &StderrError{HTTPError: strings.TrimSpace(matches[1])}

	body := strings.ReplaceAll(matches[2], `\"`, `"`)
	body = strings.ReplaceAll(body, `\\`, `\`)

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		parsed.Message = parsed.HTTPError
		return parsed
	}
	parsed.Raw = raw

	var message string
	parsed.ErrorType, message, parsed.ResetsIn = errorFields(raw)
	switch {
	case message != "":
		parsed.Message = withResetHint(message, parsed.ResetsIn)
	case parsed.ErrorType != "":
		parsed.Message = "Error: " + parsed.ErrorType
	default:
		pretty, _ := json.MarshalIndent(raw, "", "  ")
		parsed.Message = fmt.Sprintf("%s\n\n%s", parsed.HTTPError, pretty)
	}
	return parsed
}

// ParseStderrLines returns the most recent provider error in lines, or nil.
func ParseStderrLines(lines []string) *StderrError {
	for i := len(lines) - 1; i >= 0; i-- {
		if parsed := ParseStderrLine(lines[i]); parsed != nil {
			return parsed
		}
	}
	return nil
}

// errorFields reads the nested "error" object first, then top-level fields.
func errorFields(raw map[string]any) (errType, message string, resetsIn time.Duration) {
	if nested, ok := raw["error"].(map[string]any); ok {
		errType, _ = nested["type"].(string)
		message, _ = nested["message"].(string)
		if secs, ok := nested["resets_in_seconds"].(float64); ok {
			resetsIn = time.Duration(secs) * time.Second
		}
	}
	if message == "" {
		message, _ = raw["message"].(string)
	}
	if errType == "" {
		errType, _ = raw["type"].(string)
	}
	return errType, message, resetsIn
}

func withResetHint(msg string, resetsIn time.Duration) string {
	switch {
	case resetsIn <= 0:
		return msg
	case resetsIn >= time.Hour:
		return fmt.Sprintf("%s (resets in %.0f hours)", msg, resetsIn.Hours())
	case resetsIn >= time.Minute:
		return fmt.Sprintf("%s (resets in %.0f minutes)", msg, resetsIn.Minutes())
	default:
		return fmt.Sprintf("%s (resets in %d seconds)", msg, int(resetsIn.Seconds()))
	}
}
