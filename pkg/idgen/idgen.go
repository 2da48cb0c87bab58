// Package idgen generates lexicographically sortable identifiers for
// outbox rows, so drain order can be derived from id order alone.
package idgen

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/laneforge/possync/pkg/helpers"
)

// secureReader is an io.Reader of cryptographically secure random bytes,
// routed through pkg/helpers so every module needing entropy goes through
// one audited source.
type secureReader struct{}

func (secureReader) Read(p []byte) (int, error) {
	b, err := helpers.GenerateSecureRandom(len(p))
	if err != nil {
		return 0, err
	}
	copy(p, b)
	return len(p), nil
}

var (
	mu      sync.Mutex
	monoSrc = ulid.Monotonic(secureReader{}, 0)
)

// NewOutboxID returns a new monotonic ULID string, time-sortable at
// millisecond resolution and strictly increasing for calls made within the
// same process even at the same millisecond.
func NewOutboxID() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), monoSrc).String()
}
