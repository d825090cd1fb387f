package clock

import "time"

// Fake is a manually advanced Clock used by the core's test suites.
// SleepMS advances the fake clock by the requested amount instead of
// blocking, so retry-backoff tests run instantly.
type Fake struct {
	ms uint32
}

// NewFake creates a Fake clock starting at ms milliseconds.
func NewFake(ms uint32) *Fake {
	return &Fake{ms: ms}
}

// NowMS returns the current fake time.
func (f *Fake) NowMS() uint32 {
	return f.ms
}

// SleepMS advances the fake clock without blocking.
func (f *Fake) SleepMS(n uint32) {
	f.ms += n
}

// Advance moves the fake clock forward by n milliseconds.
func (f *Fake) Advance(n uint32) {
	f.ms += n
}

// LocaltimeFromEpoch converts a Unix epoch second count to a local time.Time,
// using the real time package for calendar math (only the tick counter is
// faked).
func (f *Fake) LocaltimeFromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).Local()
}
