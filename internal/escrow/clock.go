package escrow

import "time"

// Clock supplies the current time for timeout eligibility checks.
// Injected so tests can cross the dispute window boundary without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
