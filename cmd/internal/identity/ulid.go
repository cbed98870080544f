package identity

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a new device identifier (26-char ULID).
func New(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Valid reports whether s is a well-formed device identifier.
func Valid(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
