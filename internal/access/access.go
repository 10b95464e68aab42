// Package access owns the service's privilege state: the current
// privilege level and the hidden escalation counter driven by repeated
// sentinel-code submissions. All reads and writes go through Controller;
// no other component touches this state.
package access

import "sync"

// Level is the current privilege level.
type Level int

const (
	// LevelStandard is the unprivileged default.
	LevelStandard Level = iota
	// LevelAdmin grants generation and listing access.
	LevelAdmin
)

// String returns the lowercase level name.
func (l Level) String() string {
	if l == LevelAdmin {
		return "admin"
	}
	return "standard"
}

// EscalationOutcome reports the result of one escalation attempt.
type EscalationOutcome struct {
	// Unlocked is true when this attempt reached the threshold and
	// admin privilege was granted.
	Unlocked bool
	// Progress is the counter value after the attempt. Zero when
	// Unlocked is true (the counter resets on grant).
	Progress int
}

// Controller is the single owner of AccessState. Safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	level     Level
	counter   int
	threshold int
}

// NewController returns a standard-privilege controller that unlocks
// admin after threshold consecutive escalation attempts. A threshold
// below 1 is coerced to 1.
func NewController(threshold int) *Controller {
	if threshold < 1 {
		threshold = 1
	}
	return &Controller{level: LevelStandard, threshold: threshold}
}

// AttemptEscalation increments the escalation counter. On reaching the
// threshold it grants admin privilege, resets the counter, and reports
// Unlocked.
func (c *Controller) AttemptEscalation() EscalationOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counter++
	if c.counter >= c.threshold {
		c.level = LevelAdmin
		c.counter = 0
		return EscalationOutcome{Unlocked: true}
	}
	return EscalationOutcome{Progress: c.counter}
}

// GrantAdmin elevates privilege directly (successful login) and resets
// escalation progress.
func (c *Controller) GrantAdmin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = LevelAdmin
	c.counter = 0
}

// RevokeAdmin drops back to standard privilege and resets escalation
// progress (explicit logout).
func (c *Controller) RevokeAdmin() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.level = LevelStandard
	c.counter = 0
}

// ResetEscalation clears escalation progress without changing the
// privilege level. Used when the reset-on-redeem policy is enabled.
func (c *Controller) ResetEscalation() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counter = 0
}

// SeedEscalation restores a persisted counter value at startup.
func (c *Controller) SeedEscalation(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= c.threshold {
		n = c.threshold - 1
	}
	c.counter = n
}

// CurrentLevel returns the current privilege level.
func (c *Controller) CurrentLevel() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// EscalationCount returns the current escalation counter value.
func (c *Controller) EscalationCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counter
}
