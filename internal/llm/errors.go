package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// CompletionError carries the provider's HTTP status and error code so the
// retry logic can classify failures without parsing provider-specific text.
type CompletionError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *CompletionError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("completion error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("completion error %d: %s", e.StatusCode, e.Message)
}

var (
	quotaCodeRe    = regexp.MustCompile(`insufficient|quota|balance|billing|payment`)
	quotaMessageRe = regexp.MustCompile(`insufficient[_\s-]*quota|exceeded your quota|quota.*exceeded|billing|payment required`)
)

// IsQuotaError reports whether err is a quota/billing exhaustion response:
// HTTP 429 combined with a quota-ish code or message. Plain rate limiting
// without a quota signature is not a quota error.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}

	status, code, message := classify(err)
	if status != 429 {
		return false
	}
	if quotaCodeRe.MatchString(code) {
		return true
	}
	return quotaMessageRe.MatchString(message)
}

// IsModelNotFoundError reports whether err means the requested model does
// not exist for this account, which callers handle by retrying once on the
// default model.
func IsModelNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	_, code, message := classify(err)
	if code == "model_not_found" {
		return true
	}
	return strings.Contains(message, "model") && strings.Contains(message, "not found")
}

var statusRe = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// classify extracts status, code, and lowercased message from err. Providers
// surfaced through langchaingo often return flat strings, so the status is
// recovered from the text when no CompletionError is in the chain.
func classify(err error) (int, string, string) {
	message := strings.ToLower(err.Error())

	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce.StatusCode, strings.ToLower(ce.Code), message
	}

	status := 0
	if m := statusRe.FindString(message); m != "" {
		// Safe: the regexp only matches three digits.
		status = int(m[0]-'0')*100 + int(m[1]-'0')*10 + int(m[2]-'0')
	}
	return status, "", message
}
