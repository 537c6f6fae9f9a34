package ids

import (
	"crypto/rand"
	"regexp"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CorrelationIDPrefix marks identifiers minted by the pipeline rather than a producer.
const CorrelationIDPrefix = "corr-"

// CorrelationIDPattern matches every value returned by NewCorrelationID.
var CorrelationIDPattern = regexp.MustCompile(`^corr-[0-9A-HJKMNP-TV-Z]{26}$`)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// NewCorrelationID returns "corr-" followed by a monotonic ULID. The ULID carries
// the millisecond timestamp and 80 bits of entropy, so concurrent calls never collide.
func NewCorrelationID() string {
	return CorrelationIDPrefix + CreateULID()
}

// IsCorrelationID reports whether id has the format produced by NewCorrelationID.
func IsCorrelationID(id string) bool {
	return CorrelationIDPattern.MatchString(id)
}
