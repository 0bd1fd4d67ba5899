// Package watchlist tracks blacklisted identities and failed-login lockouts.
//
// Blacklist membership and an active lockout both force a block decision in
// the scoring engine regardless of the computed score.
package watchlist

import (
	"strings"
	"sync"
	"time"
)

// Blacklist holds known-bad users, devices, and phone numbers.
type Blacklist struct {
	mu      sync.RWMutex
	users   map[string]struct{}
	devices map[string]struct{}
	phones  map[string]struct{}
}

// NewBlacklist creates an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		users:   make(map[string]struct{}),
		devices: make(map[string]struct{}),
		phones:  make(map[string]struct{}),
	}
}

// AddUser blacklists a user id.
func (b *Blacklist) AddUser(userID string) {
	b.mu.Lock()
	b.users[userID] = struct{}{}
	b.mu.Unlock()
}

// AddDevice blacklists a device id.
func (b *Blacklist) AddDevice(deviceID string) {
	b.mu.Lock()
	b.devices[deviceID] = struct{}{}
	b.mu.Unlock()
}

// AddPhone blacklists a phone number (normalized: digits only).
func (b *Blacklist) AddPhone(phone string) {
	b.mu.Lock()
	b.phones[normalizePhone(phone)] = struct{}{}
	b.mu.Unlock()
}

// RemoveUser clears a user from the blacklist.
func (b *Blacklist) RemoveUser(userID string) {
	b.mu.Lock()
	delete(b.users, userID)
	b.mu.Unlock()
}

// IsUserBlacklisted reports whether the user is blacklisted.
func (b *Blacklist) IsUserBlacklisted(userID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.users[userID]
	return ok
}

// IsDeviceBlacklisted reports whether the device is blacklisted.
func (b *Blacklist) IsDeviceBlacklisted(deviceID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.devices[deviceID]
	return ok
}

// IsPhoneBlacklisted reports whether the phone number is blacklisted.
func (b *Blacklist) IsPhoneBlacklisted(phone string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.phones[normalizePhone(phone)]
	return ok
}

func normalizePhone(phone string) string {
	var sb strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// LoginGuard counts failed login attempts per user and locks accounts out
// after too many failures. Increment-and-check is atomic under the guard's
// lock, so concurrent failures never miss the lockout threshold.
type LoginGuard struct {
	mu          sync.Mutex
	attempts    map[string]*attemptState
	maxAttempts int
	lockFor     time.Duration
}

type attemptState struct {
	count       int
	lockedUntil time.Time
}

// NewLoginGuard creates a guard that locks a user out for lockFor after
// maxAttempts consecutive failures.
func NewLoginGuard(maxAttempts int, lockFor time.Duration) *LoginGuard {
	return &LoginGuard{
		attempts:    make(map[string]*attemptState),
		maxAttempts: maxAttempts,
		lockFor:     lockFor,
	}
}

// RecordFailure registers a failed login. Returns true if the user is now
// locked out.
func (g *LoginGuard) RecordFailure(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.attempts[userID]
	if !ok {
		state = &attemptState{}
		g.attempts[userID] = state
	}

	// An expired lockout resets the counter.
	if !state.lockedUntil.IsZero() && time.Now().After(state.lockedUntil) {
		state.count = 0
		state.lockedUntil = time.Time{}
	}

	state.count++
	if state.count >= g.maxAttempts {
		state.lockedUntil = time.Now().Add(g.lockFor)
		return true
	}
	return false
}

// RecordSuccess clears the failure counter for a user.
func (g *LoginGuard) RecordSuccess(userID string) {
	g.mu.Lock()
	delete(g.attempts, userID)
	g.mu.Unlock()
}

// IsLockedOut reports whether the user is currently locked out.
func (g *LoginGuard) IsLockedOut(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.attempts[userID]
	if !ok {
		return false
	}
	return !state.lockedUntil.IsZero() && time.Now().Before(state.lockedUntil)
}
