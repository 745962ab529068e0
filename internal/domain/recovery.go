package domain

import "time"

// RetrySchedule is the fixed backoff used for event retries and payment recovery
type RetrySchedule struct {
	MaxAttempts   int
	IntervalsDays []int
}

// DefaultRetrySchedule returns the +1, +3, +7 day schedule capped at three attempts
func DefaultRetrySchedule() RetrySchedule {
	return RetrySchedule{
		MaxAttempts:   3,
		IntervalsDays: []int{1, 3, 7},
	}
}

// IntervalDays returns the interval in days for a 1-based attempt number.
// Attempts past the end of the schedule repeat the last interval.
func (s RetrySchedule) IntervalDays(attempt int) int {
	if len(s.IntervalsDays) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(s.IntervalsDays) {
		return s.IntervalsDays[len(s.IntervalsDays)-1]
	}
	return s.IntervalsDays[attempt-1]
}

// NextAttemptAt returns when the given attempt is due, counted from now
func (s RetrySchedule) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.AddDate(0, 0, s.IntervalDays(attempt))
}

// Exhausted reports whether the attempt number is past the retry cap
func (s RetrySchedule) Exhausted(attempt int) bool {
	return s.MaxAttempts > 0 && attempt > s.MaxAttempts
}
