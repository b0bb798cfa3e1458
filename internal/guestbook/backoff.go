package guestbook

import (
	"math"
	"time"
)

// Backoff is the drain loop's retry policy.
type Backoff struct {
	Floor        time.Duration
	Ceiling      time.Duration
	Factor       float64
	SuccessDelay time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		Floor:        time.Second,
		Ceiling:      60 * time.Second,
		Factor:       1.8,
		SuccessDelay: 2 * time.Second,
	}
}

// Next returns the delay after another failure at cur.
func (b Backoff) Next(cur time.Duration) time.Duration {
	if cur < b.Floor {
		cur = b.Floor
	}
	next := time.Duration(math.Round(float64(cur) * b.Factor))
	if next > b.Ceiling {
		return b.Ceiling
	}
	return next
}
