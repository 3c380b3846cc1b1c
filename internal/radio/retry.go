package radio

import (
	"time"

	"github.com/nrftun/nrftun/internal/util"
)

// RetryPolicy bounds how many times a failed transaction is attempted and
// how long to wait between attempts.
type RetryPolicy struct {
	MaxAttempts  int           // total attempts, first try included
	InitialDelay time.Duration // delay before the second attempt
	MaxDelay     time.Duration // cap on the doubled delay
}

// DefaultRetryPolicy suits the link's millisecond-scale poll cadence.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     64 * time.Millisecond,
	}
}

// Delay returns the backoff before attempt n (1-based): the initial delay
// doubled per attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 2 || p.InitialDelay <= 0 {
		return p.InitialDelay
	}
	d := p.InitialDelay << uint(attempt-2)
	if d > p.MaxDelay || d < p.InitialDelay {
		d = p.MaxDelay
	}
	return d
}

// Retrier wraps a Transactor with bounded retries and capped exponential
// backoff. Timeouts and transport errors are retried alike; once attempts
// are exhausted, the last error is returned and the caller abandons the
// in-flight packet.
type Retrier struct {
	tr     Transactor
	policy RetryPolicy
	sleep  func(time.Duration)
}

// NewRetrier creates a Retrier around tr.
func NewRetrier(tr Transactor, policy RetryPolicy) *Retrier {
	return &Retrier{tr: tr, policy: policy, sleep: time.Sleep}
}

// Transact runs one transaction, retrying failures per the policy. The
// same frame bytes are re-sent on every attempt, so the peer can recognize
// a retry and suppress the duplicate.
func (r *Retrier) Transact(frame []byte, timeout time.Duration) ([]byte, error) {
	var err error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			util.Stats.AddRetry()
			r.sleep(r.policy.Delay(attempt))
		}
		util.Stats.AddFrameSent()
		var reply []byte
		reply, err = r.tr.Transact(frame, timeout)
		if err == nil {
			return reply, nil
		}
		util.LogDebug("transaction attempt %d/%d failed: %v", attempt, r.policy.MaxAttempts, err)
	}
	util.Stats.AddFailure()
	return nil, err
}
