package main

import (
	"sync"
	"time"
)

type rateRecord struct {
	count  int
	reset  time.Time
	window time.Duration
}

// RateLimiter tracks per-key request usage within a fixed window. Used to
// throttle enrollment attempts and scan submissions per machine.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]rateRecord
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{entries: make(map[string]rateRecord)}
}

// Allow returns true if the caller may proceed under the provided limit and
// window. A non-positive limit disables limiting.
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec := rl.entries[key]
	if rec.window == 0 || now.After(rec.reset) {
		rec.count = 0
		rec.window = window
		rec.reset = now.Add(window)
	}
	if rec.count >= limit {
		return false
	}
	rec.count++
	rl.entries[key] = rec
	return true
}
