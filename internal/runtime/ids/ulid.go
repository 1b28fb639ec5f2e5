package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID for the current instant. IDs generated by one process are
// strictly increasing, which keeps subscription listings in creation order.
func New() ulid.ULID {
	return NewAt(time.Now())
}

// NewAt returns a ULID for the supplied instant.
func NewAt(t time.Time) ulid.ULID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy)
}

// CreateULID returns New encoded as a 26-character string.
func CreateULID() string {
	return New().String()
}

// Time extracts the timestamp embedded in an encoded ULID.
func Time(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
