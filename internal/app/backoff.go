package app

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"time"
)

const (
	defaultBackoffMin = 2 * time.Second
	defaultBackoffMax = 5 * time.Minute
)

// Backoff computes exponential retry delays with ±25% jitter.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	// jitter returns a value in [0,1). Nil uses crypto/rand.
	jitter func() float64
}

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11
	return float64(n) / float64(uint64(1)<<53)
}

func (b Backoff) normalized() Backoff {
	if b.Min <= 0 {
		b.Min = defaultBackoffMin
	}
	if b.Max < b.Min {
		b.Max = defaultBackoffMax
		if b.Max < b.Min {
			b.Max = b.Min
		}
	}
	if b.jitter == nil {
		b.jitter = cryptoRandFloat64
	}
	return b
}

// Delay returns the wait before retry number failures (1-based).
func (b Backoff) Delay(failures int) time.Duration {
	b = b.normalized()
	if failures < 1 {
		failures = 1
	}
	delay := b.Min
	for i := 1; i < failures && delay < b.Max; i++ {
		delay *= 2
	}
	if delay > b.Max {
		delay = b.Max
	}
	factor := 0.75 + b.jitter()*0.5
	return time.Duration(float64(delay) * factor)
}
