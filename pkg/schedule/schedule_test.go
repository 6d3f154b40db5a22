package schedule

import (
	"testing"
	"time"
)

func TestIsDue(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		lastScan time.Time
		interval time.Duration
		now      time.Time
		want     bool
	}{
		{
			name:     "one minute before interval elapses",
			lastScan: t0,
			interval: 60 * time.Minute,
			now:      t0.Add(59 * time.Minute),
			want:     false,
		},
		{
			name:     "exactly at interval boundary",
			lastScan: t0,
			interval: 60 * time.Minute,
			now:      t0.Add(60 * time.Minute),
			want:     true,
		},
		{
			name:     "one minute past interval",
			lastScan: t0,
			interval: 60 * time.Minute,
			now:      t0.Add(61 * time.Minute),
			want:     true,
		},
		{
			name:     "long overdue machine",
			lastScan: t0,
			interval: 5 * time.Minute,
			now:      t0.Add(72 * time.Hour),
			want:     true,
		},
		{
			name:     "zero interval never due",
			lastScan: t0,
			interval: 0,
			now:      t0.Add(24 * time.Hour),
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsDue(tt.lastScan, tt.interval, tt.now); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDueAt(t *testing.T) {
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	got := NextDueAt(t0, Interval(90))
	want := t0.Add(90 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("NextDueAt() = %v, want %v", got, want)
	}
}

func TestIsDueMatchesNextDueAt(t *testing.T) {
	// IsDue must be true precisely from NextDueAt onward.
	t0 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	interval := Interval(45)
	due := NextDueAt(t0, interval)

	if IsDue(t0, interval, due.Add(-time.Second)) {
		t.Error("machine due one second before NextDueAt")
	}
	if !IsDue(t0, interval, due) {
		t.Error("machine not due at NextDueAt")
	}
}
