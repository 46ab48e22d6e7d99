// Copyright 2026 The Hivedoor Authors
// SPDX-License-Identifier: Apache-2.0

package console

import "time"

const (
	// maxAuthFailures failed ATTACH attempts inside failureWindow
	// start a cooldown.
	maxAuthFailures = 3
	failureWindow   = 60 * time.Second
	authCooldown    = 90 * time.Second
)

// authLimiter throttles failed ATTACH attempts in a sliding window.
// During a cooldown, attempts are rejected before any ticket
// verification runs, so the limiter also bounds verification work.
type authLimiter struct {
	failures     []time.Time
	blockedUntil time.Time
}

// check reports the remaining cooldown while attempts are blocked.
func (l *authLimiter) check(now time.Time) (time.Duration, bool) {
	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now), true
	}
	return 0, false
}

// fail records one failed attempt. It returns the cooldown duration
// when this failure is the one that starts it.
func (l *authLimiter) fail(now time.Time) (time.Duration, bool) {
	keep := l.failures[:0]
	for _, at := range l.failures {
		if now.Sub(at) <= failureWindow {
			keep = append(keep, at)
		}
	}
	l.failures = append(keep, now)
	if len(l.failures) >= maxAuthFailures {
		l.failures = l.failures[:0]
		l.blockedUntil = now.Add(authCooldown)
		return authCooldown, true
	}
	return 0, false
}

// success clears all throttling state.
func (l *authLimiter) success() {
	l.failures = l.failures[:0]
	l.blockedUntil = time.Time{}
}
