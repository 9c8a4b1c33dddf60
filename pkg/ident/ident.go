// Package ident generates the identifiers used for requests, tunnels and
// proxy sessions: 26-character Crockford base32 ULIDs encoding a 48-bit
// millisecond timestamp followed by 80 random bits. Identifiers sort
// lexicographically by creation time.
package ident

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// New returns a fresh identifier. The monotonic entropy source guarantees
// uniqueness within the process at any call rate.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Timestamp recovers the millisecond timestamp encoded in id.
func Timestamp(id string) (uint64, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return 0, err
	}
	return parsed.Time(), nil
}

// Valid reports whether id parses as a canonical identifier.
func Valid(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}
