package relation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Timestamp orders the entries of a relation timeline. It is a ULID: the first 48 bits hold
// a millisecond time and the remaining 80 bits monotonic entropy, so the big-endian byte
// order of two timestamps is their creation order.
type Timestamp ulid.ULID

// ParseTimestamp decodes a timestamp from the 16 bytes returned by [Timestamp.Bytes].
func ParseTimestamp(b []byte) (Timestamp, error) {
	var id ulid.ULID
	if err := id.UnmarshalBinary(b); err != nil {
		return Timestamp{}, fmt.Errorf("invalid timestamp: %w", err)
	}

	return Timestamp(id), nil
}

// Bytes returns the binary form of t.
func (t Timestamp) Bytes() []byte {
	b := make([]byte, len(t))
	copy(b, t[:])
	return b
}

// Time returns the millisecond time component of t.
func (t Timestamp) Time() time.Time {
	return ulid.Time(ulid.ULID(t).Time())
}

// Compare returns -1, 0 or +1 if t is before, equal to or after other.
func (t Timestamp) Compare(other Timestamp) int {
	return ulid.ULID(t).Compare(ulid.ULID(other))
}

func (t Timestamp) String() string {
	return ulid.ULID(t).String()
}

// ClockOption configures a [Clock].
type ClockOption func(*Clock)

// WithNow sets the wall clock used by the Clock. Defaults to time.Now.
func WithNow(now func() time.Time) ClockOption {
	return func(c *Clock) {
		c.now = now
	}
}

// WithEntropy sets the source of randomness of the Clock. Defaults to crypto/rand.
func WithEntropy(r io.Reader) ClockOption {
	return func(c *Clock) {
		c.entropy = ulid.Monotonic(r, 0)
	}
}

// Clock hands out strictly increasing timestamps. It is safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	now     func() time.Time
	entropy *ulid.MonotonicEntropy
	last    ulid.ULID // GUARDED_BY(mu)
}

// NewClock returns a Clock.
func NewClock(opts ...ClockOption) *Clock {
	c := &Clock{
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Next returns a timestamp strictly greater than every timestamp previously returned by c.
// If the wall clock moves backwards the millisecond of the previous timestamp is reused; if
// the entropy of a millisecond is exhausted the millisecond is advanced.
func (c *Clock) Next() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := ulid.Timestamp(c.now())
	if last := c.last.Time(); ms < last {
		ms = last
	}

	for {
		id, err := ulid.New(ms, c.entropy)
		if err == nil && id.Compare(c.last) > 0 {
			c.last = id
			return Timestamp(id)
		}

		if err != nil && !errors.Is(err, ulid.ErrMonotonicOverflow) {
			// the entropy source failed; fall back to the smallest id of the next millisecond
			ms++
			id = ulid.ULID{}
			if setErr := id.SetTime(ms); setErr == nil {
				c.last = id
				return Timestamp(id)
			}
		}

		ms++
	}
}
