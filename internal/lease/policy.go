package lease

import (
	"hash/fnv"
	"strconv"
	"time"
)

const (
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 5 * time.Minute
)

// RetryPolicy computes the backoff before a failed task becomes due again.
// The retry budget itself is per task (max_retries on the row).
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

// Delay returns the backoff before retry number attempt (1-based) of key. It
// doubles from BaseDelay, adds up to 50% jitter derived from key and attempt,
// and never exceeds MaxDelay. The same inputs always give the same delay.
func (p RetryPolicy) Delay(key string, attempt int) time.Duration {
	base, maxDelay := p.BaseDelay, p.MaxDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	if base > maxDelay {
		base = maxDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if base >= maxDelay {
			base = maxDelay
			break
		}
	}

	jitterMax := base / 2
	if jitterMax <= 0 {
		jitterMax = time.Millisecond
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key + ":" + strconv.Itoa(attempt)))
	jitter := time.Duration(h.Sum64() % uint64(jitterMax))

	delay := base + jitter
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
