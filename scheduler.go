package beeps

import (
	"math"
	"math/rand/v2"
	"time"
)

// pcgStream is the second seed word for every PCG in the package.
const pcgStream = 0xa02bdbf7bb3c0a7

// Scheduler draws successive ping instants from a homogeneous Poisson
// process with rate 1/minutesPerPing per minute.
//
// Each gap is generated from a PCG seeded with the previous ping's unix
// time and the current rate, NOT from OS entropy. That choice is
// load-bearing: replicas that share the latest ping and rate generate
// identical futures, so syncing unions identical sets instead of doubling
// the ping density. Changing this requires redesigning ping generation as
// a coordinated election.
type Scheduler struct {
	minutesPerPing int
	last           time.Time
}

// NewScheduler starts a schedule from the given last ping and rate.
func NewScheduler(minutesPerPing int, last time.Time) *Scheduler {
	return &Scheduler{minutesPerPing: minutesPerPing, last: Instant(last)}
}

// Next advances to and returns the next ping instant. The gap is an
// exponential draw with mean minutesPerPing, converted to whole seconds
// (rounded up, so the schedule always moves forward).
func (s *Scheduler) Next() time.Time {
	rng := rand.New(rand.NewPCG(uint64(s.last.Unix()), pcgStream^uint64(s.minutesPerPing)))

	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}

	lambda := 1.0 / float64(s.minutesPerPing)
	gapMinutes := -math.Log(u) / lambda

	seconds := int64(math.Ceil(gapMinutes * 60.0))
	if seconds < 1 {
		seconds = 1
	}

	s.last = s.last.Add(time.Duration(seconds) * time.Second)
	return s.last
}
