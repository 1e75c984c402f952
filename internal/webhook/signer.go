package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signature holds the pieces of an x-invorto-signature header value:
// "t=<unix-seconds>,v1=<hex-hmac-sha256>".
type Signature struct {
	Timestamp int64
	HMAC      string
}

// String renders the header value. Retries reuse the same Signature (the same
// stable t), never resigning with a new timestamp.
func (s Signature) String() string {
	return fmt.Sprintf("t=%d,v1=%s", s.Timestamp, s.HMAC)
}

// Sign redacts PII from body, then computes an HMAC-SHA256 over
// "<timestamp>.<redacted body>" using secret, returning the redacted body and
// the signature to send alongside it.
func Sign(secret string, body []byte, at time.Time) ([]byte, Signature) {
	redacted := redactPII(body)
	ts := at.Unix()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(redacted)

	return redacted, Signature{
		Timestamp: ts,
		HMAC:      hex.EncodeToString(mac.Sum(nil)),
	}
}

// Verify reports whether sig is a valid HMAC-SHA256 over "t.body" for secret.
// Used by receivers (and by tests standing in for a receiver) to check
// delivered jobs, including retries, which reuse the original signature.
func Verify(secret string, body []byte, sig Signature) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(sig.Timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig.HMAC))
}
