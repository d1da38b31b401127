package util

import "regexp"

// PII redaction for log sanitisation. Applied to error messages before they
// reach the log pipeline when the redaction toggle is on.

var (
	emailPattern      = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	ssnPattern        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	creditCardPattern = regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)
	phonePattern      = regexp.MustCompile(`\b(?:\+?1[-.]?)?\(?[0-9]{3}\)?[-.]?[0-9]{3}[-.]?[0-9]{4}\b`)
)

// RedactPII replaces common PII shapes with placeholder tokens.
// Most specific patterns run first so partial shapes don't survive.
func RedactPII(text string) string {
	if text == "" {
		return text
	}
	text = emailPattern.ReplaceAllString(text, "[EMAIL]")
	text = ssnPattern.ReplaceAllString(text, "[SSN]")
	text = creditCardPattern.ReplaceAllString(text, "[CC]")
	text = phonePattern.ReplaceAllString(text, "[PHONE]")
	return text
}
