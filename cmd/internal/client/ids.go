package client

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewToken returns a client-generated correlation token for an optimistic
// message ("tmp-" + ULID). ULIDs are lexicographically sortable, which keeps
// tokens readable in logs and stable in traces.
//
// Returns "" in the extremely rare case the random source fails; callers
// should treat empty as an error-like condition.
func NewToken(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return "tmp-" + id.String()
}

// NewEnvelopeID returns a ULID used as push-channel envelope id.
func NewEnvelopeID(now time.Time) string {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return ""
	}
	return id.String()
}
