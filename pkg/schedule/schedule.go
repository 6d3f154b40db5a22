// Package schedule decides when a machine is due for its next scan.
//
// Scheduling is a pure function of the machine's last observed scan and its
// policy interval. Nothing is persisted, so an interval edit takes effect
// immediately for every machine under the policy.
package schedule

import "time"

// Interval converts a policy's scan interval, stored in minutes, to a
// duration. Intervals below one minute are rejected at policy creation, so
// callers can assume the result is positive.
func Interval(minutes int) time.Duration {
	return time.Duration(minutes) * time.Minute
}

// IsDue reports whether a machine whose most recent scan carries timestamp
// lastScan is due for another scan at instant now. A machine that has never
// scanned passes its creation time as lastScan.
func IsDue(lastScan time.Time, interval time.Duration, now time.Time) bool {
	if interval <= 0 {
		return false
	}
	return now.Sub(lastScan) >= interval
}

// NextDueAt returns the earliest instant at which the next scan becomes due.
func NextDueAt(lastScan time.Time, interval time.Duration) time.Time {
	return lastScan.Add(interval)
}
