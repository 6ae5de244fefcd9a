package clock

import "time"

// Clock abstracts time so reconciliation logic can be driven by tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns a Clock backed by the wall clock, always in UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}
