package syncq

import "time"

// RetryPolicy computes exponential backoff for failed items.
type RetryPolicy struct {
	BaseDelay     time.Duration
	DelayCap      time.Duration
	MaxRetryCount int
}

// Delay returns min(BaseDelay * 2^retryCount, DelayCap) without overflowing for
// large retry counts.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay > p.DelayCap/2 {
			return p.DelayCap
		}
		delay *= 2
	}
	return min(delay, p.DelayCap)
}

func (p RetryPolicy) IsExhausted(retryCount int) bool {
	return retryCount >= p.MaxRetryCount
}
