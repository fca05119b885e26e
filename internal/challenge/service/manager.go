// Package service runs the challenge lifecycle: issuing a challenge to a joining member, evaluating
// their answers, and driving each challenge to exactly one terminal outcome.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"captcha-gate/internal/audit"
	"captcha-gate/internal/captcha"
	"captcha-gate/internal/challenge/domain"
	"captcha-gate/internal/challenge/store"
	guildconfigdomain "captcha-gate/internal/guildconfig/domain"
	"captcha-gate/internal/platform/clock"
	"captcha-gate/internal/telemetry"
	telemetrydomain "captcha-gate/internal/telemetry/domain"
)

// actionTimeout bounds the platform calls made from deadline callbacks, which have no caller context.
const actionTimeout = 15 * time.Second

// Expel reasons recorded in the guild's audit log on the platform side.
const (
	expelReasonTimedOut  = "Did not complete verification in time"
	expelReasonExhausted = "Failed verification: too many incorrect answers"
)

// Manager owns the outstanding challenges of the process.
type Manager struct {
	settings   SettingsProvider
	renderer   Renderer
	gateway    NotificationGateway
	moderation ModerationActions

	store              store.Store
	clock              clock.Clock
	policy             EligibilityPolicy
	audit              AuditLogger
	emitter            telemetry.EventEmitter
	metrics            MetricsRecorder
	onPermissionDenied PermissionDeniedFunc
	generate           func(length int) (string, error)
	solutionLength     int
	defaultTimeout     time.Duration
	defaultMaxAttempts int
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

func WithStore(s store.Store) Option                           { return func(m *Manager) { m.store = s } }
func WithClock(c clock.Clock) Option                           { return func(m *Manager) { m.clock = c } }
func WithPolicy(p EligibilityPolicy) Option                    { return func(m *Manager) { m.policy = p } }
func WithAuditLogger(a AuditLogger) Option                     { return func(m *Manager) { m.audit = a } }
func WithEventEmitter(e telemetry.EventEmitter) Option         { return func(m *Manager) { m.emitter = e } }
func WithMetrics(r MetricsRecorder) Option                     { return func(m *Manager) { m.metrics = r } }
func WithPermissionDenied(f PermissionDeniedFunc) Option       { return func(m *Manager) { m.onPermissionDenied = f } }
func WithSolutionGenerator(f func(int) (string, error)) Option { return func(m *Manager) { m.generate = f } }

// WithSolutionLength sets the number of characters per solution.
func WithSolutionLength(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.solutionLength = n
		}
	}
}

// WithDefaults sets the timeout and attempt budget used when a guild config leaves them unset.
func WithDefaults(timeout time.Duration, maxAttempts int) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.defaultTimeout = timeout
		}
		if maxAttempts > 0 {
			m.defaultMaxAttempts = maxAttempts
		}
	}
}

// NewManager returns a Manager. settings, renderer, gateway and moderation are required.
func NewManager(settings SettingsProvider, renderer Renderer, gateway NotificationGateway, moderation ModerationActions, opts ...Option) *Manager {
	m := &Manager{
		settings:           settings,
		renderer:           renderer,
		gateway:            gateway,
		moderation:         moderation,
		store:              store.NewMemoryStore(),
		clock:              clock.Real(),
		generate:           captcha.GenerateSolution,
		solutionLength:     captcha.DefaultSolutionLength,
		defaultTimeout:     guildconfigdomain.DefaultTimeout,
		defaultMaxAttempts: guildconfigdomain.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates, renders, registers and delivers a challenge for member. The deadline timer is
// armed once delivery returns; until then the challenge accepts no attempts and cannot time out.
//
// On ErrPartialDelivery the returned challenge is registered and live. On any other error no
// challenge is left behind.
func (m *Manager) Issue(ctx context.Context, member domain.Member) (*domain.Challenge, error) {
	cfg, err := m.settings.GetByGuildID(ctx, member.GuildID)
	if err != nil {
		return nil, fmt.Errorf("load guild config: %w", err)
	}
	if cfg == nil || !cfg.Enabled {
		return nil, ErrFeatureDisabled
	}
	if cfg.ChannelID == "" {
		return nil, ErrMissingChannel
	}
	if cfg.RoleID == "" {
		return nil, ErrMissingRole
	}
	settings := cfg.WithDefaults(m.defaultTimeout, m.defaultMaxAttempts)

	if m.policy != nil {
		required, err := m.policy.ChallengeRequired(ctx, member, &settings)
		if err != nil {
			log.Printf("challenge: eligibility for %s: %v", member.Key(), err)
		}
		if !required {
			return nil, ErrNotRequired
		}
	}
	if existing, ok := m.store.Get(member.Key()); ok && existing.State() == domain.StateIssued {
		return nil, ErrAlreadyIssued
	}

	solution, err := m.generate(m.solutionLength)
	if err != nil {
		return nil, fmt.Errorf("generate solution: %w", err)
	}
	image, err := m.renderer.Render(solution)
	if err != nil {
		var cfgErr *captcha.ConfigurationError
		if errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		return nil, fmt.Errorf("render challenge: %w", err)
	}

	ch := domain.New(domain.Params{
		ID:             uuid.New().String(),
		EntityID:       member.UserID,
		CommunityID:    member.GuildID,
		ChannelID:      settings.ChannelID,
		RoleID:         settings.RoleID,
		BeforeTemplate: settings.BeforeTemplate,
		AfterTemplate:  settings.AfterTemplate,
		Solution:       solution,
		Image:          image,
		IssuedAt:       m.clock.Now(),
		Timeout:        settings.Timeout,
		MaxAttempts:    settings.MaxAttempts,
	})
	ch.BeginDelivery()
	if err := m.store.Add(ch); err != nil {
		if errors.Is(err, store.ErrExists) {
			return nil, ErrAlreadyIssued
		}
		return nil, err
	}

	msg, deliverErr := m.gateway.DeliverChallenge(ctx, ch.ChannelID, image, m.notice(ch, NoticeChallenge, ch.BeforeTemplate, ch.MaxAttempts))
	ch.EndDelivery()
	ch.DropImage()
	if msg == nil {
		if deliverErr == nil {
			deliverErr = errors.New("gateway returned no message")
		}
		m.rollback(ctx, ch, deliverErr)
		return nil, fmt.Errorf("%w: %w", ErrDelivery, deliverErr)
	}
	if !ch.AttachMessage(*msg) {
		m.deleteMessage(ctx, *msg)
	}

	m.recordIssued(ctx, ch)
	// The deadline counts from issuance; a slow delivery eats into it.
	ch.SetDeadlineTimer(m.clock.AfterFunc(ch.Deadline.Sub(m.clock.Now()), func() { m.expire(ch) }))
	if deliverErr != nil {
		log.Printf("challenge: partial delivery for %s: %v", ch.Key(), deliverErr)
		return ch, fmt.Errorf("%w: %w", ErrPartialDelivery, deliverErr)
	}
	return ch, nil
}

// rollback removes a challenge whose delivery failed before anything was posted. It is not a
// terminal outcome: no moderation, no notice.
func (m *Manager) rollback(ctx context.Context, ch *domain.Challenge, cause error) {
	ch.Resolve(domain.ReasonCancelled, m.clock.Now())
	m.store.Delete(ch.Key(), ch)
	log.Printf("challenge: delivery failed for %s: %v", ch.Key(), cause)
	telemetry.EmitAsync(m.emitter, ctx, telemetrydomain.NewEvent(telemetrydomain.EventDeliveryFailed,
		ch.CommunityID, ch.EntityID, ch.ID, map[string]any{"error": cause.Error()}))
}

// SubmitAttempt evaluates one message. Messages from members without an issued challenge, or posted
// outside the challenge channel, are ignored.
func (m *Manager) SubmitAttempt(ctx context.Context, a Attempt) (AttemptResult, error) {
	ch, result := m.evaluate(ctx, a)
	if ch == nil {
		return result, nil
	}
	return result, m.settle(ctx, ch, result)
}

// evaluate advances the challenge for a. It returns a nil challenge when the attempt was ignored.
func (m *Manager) evaluate(ctx context.Context, a Attempt) (*domain.Challenge, AttemptResult) {
	ch, ok := m.store.Get(a.Key())
	if !ok || ch.ChannelID != a.ChannelID {
		return nil, AttemptResult{Outcome: domain.OutcomeIgnored}
	}
	outcome, remaining := ch.Evaluate(a.Content, m.clock.Now())
	result := AttemptResult{Outcome: outcome, AttemptsRemaining: remaining}
	if outcome == domain.OutcomeIgnored {
		return nil, result
	}
	if m.metrics != nil {
		m.metrics.AttemptEvaluated(ctx, ch.CommunityID, outcome.String())
	}
	telemetry.EmitAsync(m.emitter, ctx, telemetrydomain.NewEvent(telemetrydomain.EventAttemptEvaluated,
		ch.CommunityID, ch.EntityID, ch.ID, map[string]any{"outcome": outcome.String(), "attempts_remaining": remaining}))
	return ch, result
}

// settle runs the platform side effects of an evaluated attempt.
func (m *Manager) settle(ctx context.Context, ch *domain.Challenge, result AttemptResult) error {
	switch result.Outcome {
	case domain.OutcomeIncorrect:
		if err := m.gateway.DeliverResult(ctx, ch.ChannelID, m.notice(ch, NoticeIncorrect, "", result.AttemptsRemaining)); err != nil {
			log.Printf("challenge: incorrect notice for %s: %v", ch.Key(), err)
		}
	case domain.OutcomeVerified, domain.OutcomeExhausted, domain.OutcomeExpired:
		return m.finish(ctx, ch)
	}
	return nil
}

// OnDeadlineElapsed times out the member's challenge. No-op if it already resolved.
func (m *Manager) OnDeadlineElapsed(ctx context.Context, key domain.Key) error {
	ch, ok := m.store.Get(key)
	if !ok {
		return nil
	}
	return m.resolve(ctx, ch, domain.ReasonTimedOut)
}

// OnEntityDeparted cancels the member's challenge after they left. It never expels.
func (m *Manager) OnEntityDeparted(ctx context.Context, key domain.Key) error {
	ch, ok := m.store.Get(key)
	if !ok {
		return nil
	}
	return m.resolve(ctx, ch, domain.ReasonCancelled)
}

// expire is the deadline timer callback for ch.
func (m *Manager) expire(ch *domain.Challenge) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	if err := m.resolve(ctx, ch, domain.ReasonTimedOut); err != nil {
		log.Printf("challenge: timeout for %s: %v", ch.Key(), err)
	}
}

// resolve moves ch to reason and runs the terminal side effects if this call won the transition.
func (m *Manager) resolve(ctx context.Context, ch *domain.Challenge, reason domain.Reason) error {
	if !ch.Resolve(reason, m.clock.Now()) {
		return nil
	}
	return m.finish(ctx, ch)
}

// finish runs once per challenge, after it resolved: cleanup, moderation and the result notice.
// Moderation failures are returned after the notice has been sent.
func (m *Manager) finish(ctx context.Context, ch *domain.Challenge) error {
	reason := ch.Reason()
	m.store.Delete(ch.Key(), ch)
	if h, ok := ch.Message(); ok {
		m.deleteMessage(ctx, h)
	}

	var modErr error
	switch reason {
	case domain.ReasonVerified:
		if err := m.moderation.GrantRole(ctx, ch.CommunityID, ch.EntityID, ch.RoleID); err != nil {
			modErr = m.moderationFailed(ctx, ch, audit.ActionRoleGrantFailed, err)
		}
		m.sendResult(ctx, ch, NoticeVerified, ch.AfterTemplate)
	case domain.ReasonAttemptsExhausted:
		m.sendResult(ctx, ch, NoticeExhausted, "")
		if err := m.moderation.Expel(ctx, ch.CommunityID, ch.EntityID, expelReasonExhausted); err != nil {
			modErr = m.moderationFailed(ctx, ch, audit.ActionExpelFailed, err)
		}
	case domain.ReasonTimedOut:
		m.sendResult(ctx, ch, NoticeTimedOut, "")
		if err := m.moderation.Expel(ctx, ch.CommunityID, ch.EntityID, expelReasonTimedOut); err != nil {
			modErr = m.moderationFailed(ctx, ch, audit.ActionExpelFailed, err)
		}
	case domain.ReasonCancelled:
	}

	m.recordResolved(ctx, ch, reason)
	return modErr
}

func (m *Manager) sendResult(ctx context.Context, ch *domain.Challenge, kind NoticeKind, template string) {
	if err := m.gateway.DeliverResult(ctx, ch.ChannelID, m.notice(ch, kind, template, 0)); err != nil {
		log.Printf("challenge: %s notice for %s: %v", kind, ch.Key(), err)
	}
}

func (m *Manager) deleteMessage(ctx context.Context, h domain.MessageHandle) {
	if err := m.gateway.Delete(ctx, h); err != nil {
		log.Printf("challenge: delete message %s/%s: %v", h.ChannelID, h.MessageID, err)
	}
}

// moderationFailed logs, records and reports a failed moderation action and returns the error to
// hand back to the caller. Nothing is retried.
func (m *Manager) moderationFailed(ctx context.Context, ch *domain.Challenge, action string, err error) error {
	log.Printf("challenge: %s for %s: %v", action, ch.Key(), err)
	if m.audit != nil {
		m.audit.LogEvent(ctx, ch.CommunityID, ch.EntityID, action, audit.ResourceMember,
			audit.Metadata(map[string]any{"challenge_id": ch.ID, "error": err.Error()}))
	}
	if m.metrics != nil {
		m.metrics.ModerationFailed(ctx, ch.CommunityID, action)
	}
	telemetry.EmitAsync(m.emitter, ctx, telemetrydomain.NewEvent(telemetrydomain.EventModerationFailed,
		ch.CommunityID, ch.EntityID, ch.ID, map[string]any{"action": action, "error": err.Error()}))
	if errors.Is(err, ErrPermission) && m.onPermissionDenied != nil {
		m.onPermissionDenied(ctx, ch.CommunityID, err)
	}
	return fmt.Errorf("%s: %w", action, err)
}

func (m *Manager) notice(ch *domain.Challenge, kind NoticeKind, template string, remaining int) Notice {
	return Notice{
		Kind:              kind,
		Template:          template,
		GuildID:           ch.CommunityID,
		UserID:            ch.EntityID,
		IssuedAt:          ch.IssuedAt,
		Deadline:          ch.Deadline,
		AttemptsRemaining: remaining,
	}
}

func (m *Manager) recordIssued(ctx context.Context, ch *domain.Challenge) {
	if m.audit != nil {
		m.audit.LogEvent(ctx, ch.CommunityID, ch.EntityID, audit.ActionChallengeIssued, audit.ResourceMember,
			audit.Metadata(map[string]any{"challenge_id": ch.ID, "max_attempts": ch.MaxAttempts, "deadline": ch.Deadline}))
	}
	if m.metrics != nil {
		m.metrics.ChallengeIssued(ctx, ch.CommunityID)
	}
	telemetry.EmitAsync(m.emitter, ctx, telemetrydomain.NewEvent(telemetrydomain.EventChallengeIssued,
		ch.CommunityID, ch.EntityID, ch.ID, map[string]any{"max_attempts": ch.MaxAttempts}))
}

func (m *Manager) recordResolved(ctx context.Context, ch *domain.Challenge, reason domain.Reason) {
	meta := map[string]any{
		"challenge_id":  ch.ID,
		"reason":        string(reason),
		"attempts_used": ch.AttemptsUsed(),
	}
	if m.audit != nil {
		ar := audit.ForResolution(string(reason))
		m.audit.LogEvent(ctx, ch.CommunityID, ch.EntityID, ar.Action, ar.Resource, audit.Metadata(meta))
	}
	if m.metrics != nil {
		m.metrics.ChallengeResolved(ctx, ch.CommunityID, string(reason))
	}
	telemetry.EmitAsync(m.emitter, ctx, telemetrydomain.NewEvent(telemetrydomain.EventChallengeResolved,
		ch.CommunityID, ch.EntityID, ch.ID, meta))
}

// Outstanding returns the number of registered challenges.
func (m *Manager) Outstanding() int {
	return m.store.Len()
}

// Get returns the challenge registered for key, if any.
func (m *Manager) Get(key domain.Key) (*domain.Challenge, bool) {
	return m.store.Get(key)
}

// Run feeds attempts from the channel into the manager until ctx is done or the channel closes.
// Attempts are evaluated in arrival order; the platform calls that follow each one run on their
// own goroutine so a slow guild does not hold up the others. Run waits for them before returning.
func (m *Manager) Run(ctx context.Context, attempts <-chan Attempt) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-attempts:
			if !ok {
				return nil
			}
			ch, result := m.evaluate(ctx, a)
			if ch == nil {
				continue
			}
			wg.Go(func() {
				if err := m.settle(ctx, ch, result); err != nil {
					log.Printf("challenge: attempt from %s: %v", a.Key(), err)
				}
			})
		}
	}
}

// Shutdown cancels every outstanding challenge without moderating anyone, stopping their timers
// and deleting their messages.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, ch := range m.store.List() {
		if err := m.resolve(ctx, ch, domain.ReasonCancelled); err != nil {
			log.Printf("challenge: shutdown %s: %v", ch.Key(), err)
		}
		m.store.Delete(ch.Key(), ch)
	}
}
