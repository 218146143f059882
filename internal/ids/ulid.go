// Package ids provides ID primitives (ULID) shared across the chat core.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable, which keeps connection and message ids
// orderable in logs and storage.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID that falls back to a zero-entropy id on rand failure.
// Callers that cannot propagate an error (hot broadcast paths) use this; the
// degraded id is still unique enough for log correlation.
func MustULID(now time.Time) string {
	s, err := NewULID(now)
	if err != nil {
		return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), nil).String()
	}
	return s
}
