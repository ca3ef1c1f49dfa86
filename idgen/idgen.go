// Package idgen provides the id strategies used across the slate sync engine.
//
// Three kinds of identifiers coexist:
//
//   - canvas and element ids: UUID v7, assigned by the backend and
//     time-sortable for cheap index locality;
//   - temporary element ids: "temp_" + short nano id, assigned locally to
//     optimistic creations and renamed in place once the backend returns the
//     authoritative id;
//   - outbox entry ids: ULIDs, lexicographically ordered by enqueue time so
//     a plain ORDER BY id drains the queue oldest-first.
//
// Components accept a Generator so the strategy stays a startup-time
// decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// TempPrefix marks locally assigned element ids that the backend has not
// confirmed yet.
const TempPrefix = "temp_"

// Generator produces unique string identifiers.
type Generator func() string

// NanoID returns a Generator that produces base-36 ids of the given length.
// Short and URL-safe; used for the suffix of temporary element ids where a
// full UUID is needless weight.
func NanoID(length int) Generator {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	return func() string {
		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		b := make([]byte, length)
		for i := range b {
			b[i] = alphabet[int(buf[i])%len(alphabet)]
		}
		return string(b)
	}
}

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// The backend assigns these as authoritative canvas and element ids.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Temp returns a Generator for optimistic element ids: "temp_" + nano id.
func Temp() Generator {
	inner := NanoID(12)
	return func() string {
		return TempPrefix + inner()
	}
}

// IsTemp reports whether id is a locally assigned temporary element id.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}

// ULID returns a Generator that produces ULIDs from the current wall clock.
// Outbox entries use these so the oldest pending mutation sorts first.
func ULID() Generator {
	return func() string {
		return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.DefaultEntropy()).String()
	}
}

// Element is the default generator for authoritative element ids.
var Element Generator = UUIDv7()

// NewElementID produces an authoritative element id.
func NewElementID() string { return Element() }

// NewTempID produces an optimistic element id.
var NewTempID Generator = Temp()

// NewOutboxID produces an outbox entry id.
var NewOutboxID Generator = ULID()
