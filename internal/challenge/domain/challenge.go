package domain

import (
	"fmt"
	"sync"
	"time"

	"captcha-gate/internal/captcha"
	"captcha-gate/internal/platform/clock"
)

// Key identifies the entity a challenge belongs to: one member of one community.
type Key struct {
	CommunityID string
	EntityID    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CommunityID, k.EntityID)
}

// State is the lifecycle state of a challenge.
type State int

const (
	StateIssued State = iota
	StateResolved
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Reason is the terminal outcome recorded when a challenge resolves.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonVerified          Reason = "verified"
	ReasonTimedOut          Reason = "timed_out"
	ReasonAttemptsExhausted Reason = "attempts_exhausted"
	ReasonCancelled         Reason = "cancelled"
)

// Outcome is the result of evaluating one attempt.
type Outcome int

const (
	// OutcomeIgnored means the challenge was already resolved; the attempt had no effect.
	OutcomeIgnored Outcome = iota
	OutcomeIncorrect
	OutcomeVerified
	OutcomeExhausted
	// OutcomeExpired means the attempt arrived at or after the deadline and resolved the
	// challenge as timed out.
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeIncorrect:
		return "incorrect"
	case OutcomeVerified:
		return "verified"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// MessageHandle points at a message posted on the host platform.
type MessageHandle struct {
	ChannelID string
	MessageID string
}

// Params are the values fixed at issuance.
type Params struct {
	ID             string
	EntityID       string
	CommunityID    string
	ChannelID      string
	RoleID         string
	BeforeTemplate string
	AfterTemplate  string
	Solution       string
	Image          []byte
	IssuedAt       time.Time
	Timeout        time.Duration
	MaxAttempts    int
}

// Challenge is one verification challenge. The exported fields are fixed at issuance;
// everything else is guarded by mu and changes only through methods.
type Challenge struct {
	ID             string
	EntityID       string
	CommunityID    string
	ChannelID      string
	RoleID         string
	BeforeTemplate string
	AfterTemplate  string
	IssuedAt       time.Time
	Deadline       time.Time
	MaxAttempts    int

	mu           sync.Mutex
	solution     string
	image        []byte
	attemptsUsed int
	state        State
	reason       Reason
	resolvedAt   time.Time
	message      *MessageHandle
	timer        *clock.Timer
	delivering   bool
}

// New returns a challenge in state Issued. MaxAttempts below 1 is raised to 1.
func New(p Params) *Challenge {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Challenge{
		ID:             p.ID,
		EntityID:       p.EntityID,
		CommunityID:    p.CommunityID,
		ChannelID:      p.ChannelID,
		RoleID:         p.RoleID,
		BeforeTemplate: p.BeforeTemplate,
		AfterTemplate:  p.AfterTemplate,
		IssuedAt:       p.IssuedAt,
		Deadline:       p.IssuedAt.Add(p.Timeout),
		MaxAttempts:    maxAttempts,
		solution:       p.Solution,
		image:          p.Image,
		state:          StateIssued,
	}
}

// Key returns the entity key of the challenge.
func (c *Challenge) Key() Key {
	return Key{CommunityID: c.CommunityID, EntityID: c.EntityID}
}

// Evaluate compares answer against the solution and advances the challenge. It returns the
// outcome and the number of attempts left afterwards. Comparison, counting and any
// resolution happen under one lock.
func (c *Challenge) Evaluate(answer string, at time.Time) (Outcome, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIssued || c.delivering {
		return OutcomeIgnored, 0
	}
	if !at.Before(c.Deadline) {
		c.resolveLocked(ReasonTimedOut, at)
		return OutcomeExpired, 0
	}
	if captcha.SolutionEqual(answer, c.solution) {
		c.resolveLocked(ReasonVerified, at)
		return OutcomeVerified, c.MaxAttempts - c.attemptsUsed
	}
	c.attemptsUsed++
	if c.attemptsUsed >= c.MaxAttempts {
		c.resolveLocked(ReasonAttemptsExhausted, at)
		return OutcomeExhausted, 0
	}
	return OutcomeIncorrect, c.MaxAttempts - c.attemptsUsed
}

// Resolve moves the challenge to Resolved with reason. It reports whether this call made the
// transition; resolving an already resolved challenge is a no-op returning false.
// While delivery is in flight only ReasonCancelled is accepted.
func (c *Challenge) Resolve(reason Reason, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIssued {
		return false
	}
	if c.delivering && reason != ReasonCancelled {
		return false
	}
	c.resolveLocked(reason, at)
	return true
}

func (c *Challenge) resolveLocked(reason Reason, at time.Time) {
	c.state = StateResolved
	c.reason = reason
	c.resolvedAt = at
	c.solution = ""
	c.image = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// BeginDelivery marks the challenge as not yet seen by the member. Until EndDelivery, attempts
// are ignored and the challenge cannot time out.
func (c *Challenge) BeginDelivery() {
	c.mu.Lock()
	c.delivering = true
	c.mu.Unlock()
}

func (c *Challenge) EndDelivery() {
	c.mu.Lock()
	c.delivering = false
	c.mu.Unlock()
}

// Delivering reports whether delivery is in flight.
func (c *Challenge) Delivering() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivering
}

// SetDeadlineTimer attaches the timer that fires the deadline. If the challenge is already
// resolved the timer is stopped and false is returned.
func (c *Challenge) SetDeadlineTimer(t *clock.Timer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIssued {
		t.Stop()
		return false
	}
	c.timer = t
	return true
}

// StopDeadline stops the deadline timer, if any.
func (c *Challenge) StopDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// AttachMessage records the delivered challenge message. It returns false when the challenge
// resolved while delivery was in flight; the caller then owns cleanup of the message.
func (c *Challenge) AttachMessage(h MessageHandle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIssued {
		return false
	}
	c.message = &h
	return true
}

// Message returns the delivered challenge message, if one was attached.
func (c *Challenge) Message() (MessageHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.message == nil {
		return MessageHandle{}, false
	}
	return *c.message, true
}

// Solution returns the expected answer; empty once resolved.
func (c *Challenge) Solution() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.solution
}

// Image returns the rendered bytes; nil once resolved.
func (c *Challenge) Image() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image
}

// DropImage releases the rendered bytes once they have been delivered.
func (c *Challenge) DropImage() {
	c.mu.Lock()
	c.image = nil
	c.mu.Unlock()
}

func (c *Challenge) AttemptsUsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attemptsUsed
}

func (c *Challenge) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Challenge) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Challenge) ResolvedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolvedAt
}
