package retry

import (
	"fmt"
	"time"
)

// DefaultDelays is the intended policy: 5 minutes, 1 hour, 24 hours.
var DefaultDelays = []time.Duration{5 * time.Minute, time.Hour, 24 * time.Hour}

// DefaultMaxDelay matches the longest delay a message can be deferred on the
// managed queue the pipeline was first deployed on.
const DefaultMaxDelay = 15 * time.Minute

// Backoff maps an attempt number to a queue delay.
type Backoff struct {
	Delays   []time.Duration
	MaxDelay time.Duration
}

func NewBackoff(delays []time.Duration, maxDelay time.Duration) (Backoff, error) {
	if len(delays) == 0 {
		delays = DefaultDelays
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if err := ValidateDelays(delays); err != nil {
		return Backoff{}, err
	}
	out := make([]time.Duration, len(delays))
	copy(out, delays)
	return Backoff{Delays: out, MaxDelay: maxDelay}, nil
}

// ValidateDelays rejects negative or decreasing tables.
func ValidateDelays(delays []time.Duration) error {
	for i, d := range delays {
		if d < 0 {
			return fmt.Errorf("retry delay %d is negative (%s)", i+1, d)
		}
		if i > 0 && d < delays[i-1] {
			return fmt.Errorf("retry delays must not decrease: attempt %d (%s) < attempt %d (%s)", i+1, d, i, delays[i-1])
		}
	}
	return nil
}

// Delay returns the clamped delay for attempt (1-based). Attempts past the end
// of the table reuse the last entry.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b.Delays) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(b.Delays) {
		i = len(b.Delays) - 1
	}
	d := b.Delays[i]
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	return d
}
