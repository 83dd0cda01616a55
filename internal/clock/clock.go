package clock

import "time"

// Clock supplies the current time. The scheduler and capsule service never
// call time.Now directly so tests can drive release timing.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// System returns a Clock backed by the wall clock (UTC).
func System() Clock {
	return systemClock{}
}
