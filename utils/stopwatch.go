package utils

import "time"

type Stopwatch struct {
	start time.Time
}

func NewStopwatch() Stopwatch {
	return Stopwatch{start: time.Now()}
}

func (s *Stopwatch) Reset() {
	s.start = time.Now()
}

func (s Stopwatch) Elapsed() time.Duration {
	return time.Since(s.start)
}
