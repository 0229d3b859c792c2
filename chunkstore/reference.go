package chunkstore

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/openhim-core/errors"
)

// Reference identifies one stored body. It is a ULID string, so references
// sort by creation time and compare with ==.
type Reference string

var (
	entropyMu sync.Mutex
	entropy   io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewReference returns a fresh reference
func NewReference() Reference {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return Reference(ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String())
}

// ParseReference validates a reference received from outside the process
func ParseReference(s string) (Reference, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return "", errors.WrapInvalid(fmt.Errorf("%w: %q: %v", errors.ErrInvalidID, s, err),
			"ChunkStore", "ParseReference", "parse reference")
	}
	return Reference(id.String()), nil
}

func (r Reference) String() string { return string(r) }

// IsZero reports an unset reference
func (r Reference) IsZero() bool { return r == "" }

// Time returns the creation time encoded in the reference
func (r Reference) Time() time.Time {
	id, err := ulid.Parse(string(r))
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(id.Time())
}
