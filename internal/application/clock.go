package application

import "time"

// Clock interface supaya gampang ditest
type Clock interface {
	Now() time.Time
}

// SystemClock returns the wall clock in UTC. Stored timestamps are always UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
