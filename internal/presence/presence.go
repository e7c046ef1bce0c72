package presence

import "time"

// Bucket is the derived liveness classification of an actor.
type Bucket int

const (
	Online Bucket = iota
	Idle
	Stale
)

func (b Bucket) String() string {
	switch b {
	case Online:
		return "online"
	case Idle:
		return "idle"
	default:
		return "stale"
	}
}

// Policy holds the recency thresholds. Every surface that displays presence
// must classify through the same Policy value; no component invents its own
// thresholds.
type Policy struct {
	OnlineWithin time.Duration
	IdleWithin   time.Duration
}

// DefaultPolicy returns the observed production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		OnlineWithin: 2 * time.Minute,
		IdleWithin:   10 * time.Minute,
	}
}

// Classify buckets an actor by the age of their last update at the given
// wall-clock instant. Ages exactly at a threshold fall on the older side:
// an update aged exactly OnlineWithin is Idle, one aged exactly IdleWithin
// is Stale. Deterministic for a frozen now.
//
// Callers must re-classify on every read; the bucket decays as the clock
// advances even when no new data arrives.
func (p Policy) Classify(lastUpdatedAt, now time.Time) Bucket {
	age := now.Sub(lastUpdatedAt)
	switch {
	case age < p.OnlineWithin:
		return Online
	case age < p.IdleWithin:
		return Idle
	default:
		return Stale
	}
}
