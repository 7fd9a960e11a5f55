package gateway

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// newWireID returns a ULID for outbound envelope ids. ULIDs sort by time,
// which keeps gateway logs and traces in emission order.
//
// Returns "" when the random source fails; callers treat empty as an
// error-like condition.
func newWireID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}

// newSessionID returns the per-connection session identifier.
func newSessionID() string {
	return "s-" + newWireID(time.Now().UTC())
}

// randomSuffix returns a short random string safe for names, tokens and
// schema identifiers.
func randomSuffix() string {
	return strings.ToLower(newWireID(time.Now().UTC()))
}
