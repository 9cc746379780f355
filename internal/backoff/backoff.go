package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy computes retry delays with exponential growth and jitter.
// The zero value is not usable; fill in Base, Max, and Multiplier.
type Policy struct {
	Base       time.Duration // delay for attempt 0, and the floor after jitter
	Max        time.Duration // ceiling before jitter is applied
	Multiplier float64       // growth factor per attempt (>= 1)
	Jitter     float64       // fraction of the delay perturbed, in [0, 1]

	// Rand supplies the jitter randomness. Nil uses the shared default
	// source; tests inject a seeded source for determinism.
	Rand *rand.Rand
}

// Delay returns the wait before retry attempt n (n >= 0).
// The result is min(Base * Multiplier^n, Max) perturbed by
// +/- delay*Jitter, then clamped back into [Base, Max].
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Base) * math.Pow(mult, float64(attempt))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		d += d * p.Jitter * (2*p.float64() - 1)
	}

	if d < float64(p.Base) {
		d = float64(p.Base)
	}
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	return time.Duration(d)
}

func (p Policy) float64() float64 {
	if p.Rand != nil {
		return p.Rand.Float64()
	}
	return rand.Float64()
}
