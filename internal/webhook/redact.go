package webhook

import "regexp"

// redaction patterns and their replacement tokens. Applied to the raw JSON
// body before signing, so subscribers never receive caller PII even if a
// timeline payload accidentally carries it.
var redactions = []struct {
	pattern *regexp.Regexp
	token   string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\+?\d{1,3}[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}\b`), "[REDACTED_PHONE]"},
	{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_NATIONAL_ID]"},
}

// redactPII replaces email, phone, card, and national-id patterns found in
// body with fixed tokens. It operates on the raw serialized bytes rather than
// parsing JSON, since the payload shape is caller-defined and not known to
// this package.
func redactPII(body []byte) []byte {
	out := body
	for _, r := range redactions {
		out = r.pattern.ReplaceAll(out, []byte(r.token))
	}
	return out
}
