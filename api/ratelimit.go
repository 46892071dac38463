package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure a record is forgotten.
	attemptExpiry = 1 * time.Hour

	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// loginRateLimiter tracks failed logins per account and enforces
// exponential backoff. Keys are normalised email addresses; passwords
// never reach it.
type loginRateLimiter struct {
	mu       sync.Mutex
	now      func() time.Time
	attempts map[string]*attemptRecord
}

func newLoginRateLimiter(now func() time.Time) *loginRateLimiter {
	return &loginRateLimiter{
		now:      now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check reports whether account is locked out and for how long.
func (rl *loginRateLimiter) check(account string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[account]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, account)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure and, from maxFailures on, locks the
// account for baseLockout * 2^(failures-maxFailures), capped at maxLockout.
func (rl *loginRateLimiter) recordFailure(account string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[account]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[account] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now
	if rec.failures >= maxFailures {
		rec.lockedUntil = now.Add(lockoutFor(rec.failures - maxFailures))
	}
}

func lockoutFor(shift int) time.Duration {
	lockout := baseLockout
	for i := 0; i < shift; i++ {
		lockout *= 2
		if lockout >= maxLockout {
			return maxLockout
		}
	}
	return lockout
}

// recordSuccess resets the failure counter on a successful login.
func (rl *loginRateLimiter) recordSuccess(account string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, account)
}

// sweep removes records idle for longer than attemptExpiry as of now.
func (rl *loginRateLimiter) sweep(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for id, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, id)
			removed++
		}
	}
	return removed
}

// globalRateLimiter counts failed logins across all accounts in a sliding
// window, throttling credential stuffing spread over many emails.
type globalRateLimiter struct {
	mu          sync.Mutex
	now         func() time.Time
	failures    []time.Time
	lockedUntil time.Time
}

func newGlobalRateLimiter(now func() time.Time) *globalRateLimiter {
	return &globalRateLimiter{now: now}
}

func (rl *globalRateLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *globalRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.failures = trimWindow(append(rl.failures, now), now, globalWindow)
	if len(rl.failures) >= globalMaxFailures {
		rl.lockedUntil = now.Add(globalLockout)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
