package dispatcher

import (
	"math"
	"math/rand"
	"time"

	"storesync/internal/config"
	"storesync/internal/models"
	"storesync/internal/transport"
)

// RetryPolicy defines exponential backoff parameters. Critical-priority
// items use a shorter cap so compliance submissions retry promptly.
type RetryPolicy struct {
	Base         time.Duration
	Cap          time.Duration
	CriticalCap  time.Duration
	CapExponent  int
	JitterWindow time.Duration
}

func NewRetryPolicy(cfg config.BackoffConfig) RetryPolicy {
	return RetryPolicy{
		Base:         time.Duration(cfg.Base) * time.Second,
		Cap:          time.Duration(cfg.Cap) * time.Second,
		CriticalCap:  time.Duration(cfg.CriticalCap) * time.Second,
		CapExponent:  cfg.CapExponent,
		JitterWindow: time.Duration(cfg.JitterMs) * time.Millisecond,
	}
}

// IsRetriable reports whether the error class goes back on the backoff
// path. Rejected is terminal; conflicts route to the resolver instead.
func (r RetryPolicy) IsRetriable(class transport.ErrorClass) bool {
	return class == transport.ClassTransient
}

// NextDelay returns the backoff delay for a given attempt (1-based)
// with exponent clamping, random jitter, and a priority-dependent cap.
func (r RetryPolicy) NextDelay(attempt int, priority models.Priority) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := r.Base
	if base <= 0 {
		base = time.Second
	}

	exponent := attempt
	if r.CapExponent > 0 && exponent > r.CapExponent {
		exponent = r.CapExponent
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(exponent)))

	if r.JitterWindow > 0 {
		delay += time.Duration(rand.Int63n(int64(r.JitterWindow)))
	}

	// Кап применяется к сумме с джиттером: итоговая задержка никогда
	// не превышает настроенный максимум.
	cap := r.Cap
	if priority == models.PriorityCritical && r.CriticalCap > 0 {
		cap = r.CriticalCap
	}
	if cap > 0 && delay > cap {
		delay = cap
	}

	if delay <= 0 {
		delay = time.Second
	}
	return delay
}
