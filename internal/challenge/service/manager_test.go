package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"captcha-gate/internal/captcha"
	"captcha-gate/internal/challenge/domain"
	guildconfigdomain "captcha-gate/internal/guildconfig/domain"
	guildconfigrepo "captcha-gate/internal/guildconfig/repository"
	"captcha-gate/internal/platform/clock"
)

const testSolution = "QWERTY"

var testStart = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeRenderer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRenderer) Render(solution string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []byte("png:" + solution), nil
}

type fakeGateway struct {
	mu         sync.Mutex
	challenges []Notice
	results    []Notice
	deleted    []domain.MessageHandle
	deliverErr error
	partial    bool
	nextID     int
	// onDeliver and onResult run before the call is recorded, without g.mu held.
	onDeliver func()
	onResult  func(channelID string)
}

func (g *fakeGateway) DeliverChallenge(ctx context.Context, channelID string, image []byte, n Notice) (*domain.MessageHandle, error) {
	if g.onDeliver != nil {
		g.onDeliver()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.deliverErr != nil && !g.partial {
		return nil, g.deliverErr
	}
	g.nextID++
	g.challenges = append(g.challenges, n)
	return &domain.MessageHandle{ChannelID: channelID, MessageID: fmt.Sprintf("m%d", g.nextID)}, g.deliverErr
}

func (g *fakeGateway) DeliverResult(ctx context.Context, channelID string, n Notice) error {
	if g.onResult != nil {
		g.onResult(channelID)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results = append(g.results, n)
	return nil
}

func (g *fakeGateway) Delete(ctx context.Context, h domain.MessageHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleted = append(g.deleted, h)
	return nil
}

func (g *fakeGateway) resultKinds() []NoticeKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	kinds := make([]NoticeKind, len(g.results))
	for i, n := range g.results {
		kinds[i] = n.Kind
	}
	return kinds
}

type fakeModeration struct {
	mu       sync.Mutex
	expelled []string
	granted  []string
	expelErr error
	grantErr error
}

func (m *fakeModeration) Expel(ctx context.Context, guildID, userID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expelled = append(m.expelled, guildID+"/"+userID)
	return m.expelErr
}

func (m *fakeModeration) GrantRole(ctx context.Context, guildID, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granted = append(m.granted, guildID+"/"+userID+"/"+roleID)
	return m.grantErr
}

func (m *fakeModeration) counts() (expels, grants int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.expelled), len(m.granted)
}

type fakeAudit struct {
	mu      sync.Mutex
	actions []string
}

func (a *fakeAudit) LogEvent(ctx context.Context, guildID, userID, action, resource, metadata string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, action)
}

type fakePolicy struct {
	required bool
}

func (p fakePolicy) ChallengeRequired(ctx context.Context, m domain.Member, cfg *guildconfigdomain.GuildCaptchaConfig) (bool, error) {
	return p.required, nil
}

type harness struct {
	mgr        *Manager
	clock      *clock.FakeClock
	settings   *guildconfigrepo.MemoryRepository
	renderer   *fakeRenderer
	gateway    *fakeGateway
	moderation *fakeModeration
	audit      *fakeAudit
}

func newHarness(t *testing.T, cfg guildconfigdomain.GuildCaptchaConfig, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clock:      clock.Fake(testStart),
		settings:   guildconfigrepo.NewMemoryRepository(),
		renderer:   &fakeRenderer{},
		gateway:    &fakeGateway{},
		moderation: &fakeModeration{},
		audit:      &fakeAudit{},
	}
	if cfg.GuildID != "" {
		if err := h.settings.Upsert(context.Background(), &cfg); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	base := []Option{
		WithClock(h.clock),
		WithAuditLogger(h.audit),
		WithSolutionGenerator(func(int) (string, error) { return testSolution, nil }),
	}
	h.mgr = NewManager(h.settings, h.renderer, h.gateway, h.moderation, append(base, opts...)...)
	return h
}

func guildConfig(timeout time.Duration, maxAttempts int) guildconfigdomain.GuildCaptchaConfig {
	return guildconfigdomain.GuildCaptchaConfig{
		GuildID:       "g1",
		Enabled:       true,
		ChannelID:     "verify",
		RoleID:        "member",
		Timeout:       timeout,
		MaxAttempts:   maxAttempts,
		AfterTemplate: "Welcome {mention}!",
	}
}

var alice = domain.Member{GuildID: "g1", UserID: "alice"}

func attempt(content string) Attempt {
	return Attempt{GuildID: "g1", UserID: "alice", ChannelID: "verify", Content: content}
}

func (h *harness) issue(t *testing.T) *domain.Challenge {
	t.Helper()
	ch, err := h.mgr.Issue(context.Background(), alice)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return ch
}

func (h *harness) submit(t *testing.T, content string) AttemptResult {
	t.Helper()
	res, err := h.mgr.SubmitAttempt(context.Background(), attempt(content))
	if err != nil {
		t.Fatalf("SubmitAttempt(%q): %v", content, err)
	}
	return res
}

func TestIssue_RegistersAndDelivers(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)

	if ch.State() != domain.StateIssued {
		t.Errorf("State = %v, want issued", ch.State())
	}
	if !ch.Deadline.Equal(testStart.Add(time.Minute)) {
		t.Errorf("Deadline = %v", ch.Deadline)
	}
	if h.mgr.Outstanding() != 1 {
		t.Errorf("Outstanding = %d, want 1", h.mgr.Outstanding())
	}
	if len(h.gateway.challenges) != 1 || h.gateway.challenges[0].Kind != NoticeChallenge {
		t.Fatalf("challenge notices = %+v", h.gateway.challenges)
	}
	if got := h.gateway.challenges[0].AttemptsRemaining; got != 3 {
		t.Errorf("AttemptsRemaining = %d, want 3", got)
	}
	if _, ok := ch.Message(); !ok {
		t.Error("delivered message should be attached")
	}
	if ch.Image() != nil {
		t.Error("image bytes should be dropped after delivery")
	}
	if h.clock.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1", h.clock.Pending())
	}
}

func TestIssue_Errors(t *testing.T) {
	disabled := guildConfig(time.Minute, 3)
	disabled.Enabled = false
	noChannel := guildConfig(time.Minute, 3)
	noChannel.ChannelID = ""
	noRole := guildConfig(time.Minute, 3)
	noRole.RoleID = ""

	tests := []struct {
		name    string
		cfg     guildconfigdomain.GuildCaptchaConfig
		opts    []Option
		wantErr error
	}{
		{"no config", guildconfigdomain.GuildCaptchaConfig{}, nil, ErrFeatureDisabled},
		{"disabled", disabled, nil, ErrFeatureDisabled},
		{"missing channel", noChannel, nil, ErrMissingChannel},
		{"missing role", noRole, nil, ErrMissingRole},
		{"exempt by policy", guildConfig(time.Minute, 3), []Option{WithPolicy(fakePolicy{required: false})}, ErrNotRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.cfg, tt.opts...)
			_, err := h.mgr.Issue(context.Background(), alice)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if h.mgr.Outstanding() != 0 {
				t.Error("no challenge should be registered")
			}
			if h.renderer.calls != 0 {
				t.Error("nothing should be rendered")
			}
		})
	}
}

func TestIssue_MissingChannelAndRoleAreConfigurationErrors(t *testing.T) {
	if !errors.Is(ErrMissingChannel, ErrConfiguration) || !errors.Is(ErrMissingRole, ErrConfiguration) {
		t.Error("missing channel/role must wrap ErrConfiguration")
	}
}

func TestIssue_AlreadyIssued(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	first := h.issue(t)
	if _, err := h.mgr.Issue(context.Background(), alice); !errors.Is(err, ErrAlreadyIssued) {
		t.Fatalf("second Issue err = %v, want ErrAlreadyIssued", err)
	}
	if got, _ := h.mgr.Get(alice.Key()); got != first {
		t.Error("first challenge must stay registered")
	}
}

func TestIssue_RenderConfigurationError(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	h.renderer.err = &captcha.ConfigurationError{Path: "font.ttf", Err: errors.New("missing")}
	_, err := h.mgr.Issue(context.Background(), alice)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	var cfgErr *captcha.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Error("the renderer error should stay inspectable")
	}
	if h.mgr.Outstanding() != 0 || h.clock.Pending() != 0 {
		t.Error("nothing should be registered or armed")
	}
}

func TestIssue_DeliveryFailureRollsBack(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	h.gateway.deliverErr = errors.New("cannot send messages")

	_, err := h.mgr.Issue(context.Background(), alice)
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if h.mgr.Outstanding() != 0 {
		t.Error("failed delivery must not leave a challenge registered")
	}
	if h.clock.Pending() != 0 {
		t.Error("deadline timer should be stopped")
	}
	h.clock.Advance(2 * time.Minute)
	if expels, _ := h.moderation.counts(); expels != 0 {
		t.Error("member must not be penalized for a failed delivery")
	}
}

func TestIssue_PartialDeliveryKeepsChallenge(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	h.gateway.deliverErr = errors.New("follow-up failed")
	h.gateway.partial = true

	ch, err := h.mgr.Issue(context.Background(), alice)
	if !errors.Is(err, ErrPartialDelivery) {
		t.Fatalf("err = %v, want ErrPartialDelivery", err)
	}
	if ch == nil || ch.State() != domain.StateIssued {
		t.Fatal("challenge should be returned and live")
	}
	if h.mgr.Outstanding() != 1 {
		t.Error("challenge should stay registered")
	}
}

func TestIssue_DeadlinePassingDuringFailedDeliveryDoesNotExpel(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	h.gateway.onDeliver = func() {
		h.clock.Advance(6 * time.Second)
		if res, err := h.mgr.SubmitAttempt(context.Background(), attempt("guess")); err != nil || res.Outcome != domain.OutcomeIgnored {
			t.Errorf("attempt during delivery = %+v, %v; want ignored", res, err)
		}
		if err := h.mgr.OnDeadlineElapsed(context.Background(), alice.Key()); err != nil {
			t.Errorf("OnDeadlineElapsed: %v", err)
		}
	}
	h.gateway.deliverErr = errors.New("dm closed")

	_, err := h.mgr.Issue(context.Background(), alice)
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if expels, grants := h.moderation.counts(); expels != 0 || grants != 0 {
		t.Errorf("expels = %d, grants = %d; want 0, 0", expels, grants)
	}
	if got := h.gateway.resultKinds(); len(got) != 0 {
		t.Errorf("notices = %v, want none", got)
	}
	if h.mgr.Outstanding() != 0 || h.clock.Pending() != 0 {
		t.Error("failed delivery must leave nothing registered or armed")
	}
	if len(h.audit.actions) != 0 {
		t.Errorf("audit actions = %v, want none for an undelivered challenge", h.audit.actions)
	}
}

func TestIssue_SlowDeliveryKeepsDeadlineFromIssuance(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	h.gateway.onDeliver = func() { h.clock.Advance(3 * time.Second) }

	ch := h.issue(t)
	if ch.Delivering() {
		t.Fatal("delivery should be over once Issue returns")
	}
	if h.clock.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", h.clock.Pending())
	}
	h.clock.Advance(2 * time.Second)
	if ch.Reason() != domain.ReasonTimedOut {
		t.Fatalf("Reason = %q, want timed_out 5s after issuance", ch.Reason())
	}
	if expels, _ := h.moderation.counts(); expels != 1 {
		t.Errorf("expels = %d, want 1", expels)
	}
}

func TestIssue_DeliveryOutlastingDeadlineTimesOutOnReturn(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	h.gateway.onDeliver = func() { h.clock.Advance(6 * time.Second) }

	ch := h.issue(t)
	if ch.Reason() != domain.ReasonTimedOut {
		t.Fatalf("Reason = %q, want timed_out", ch.Reason())
	}
	if h.mgr.Outstanding() != 0 {
		t.Error("timed out challenge should be removed")
	}
}

// Two wrong answers then the right one.
func TestScenarioA_VerifiedAfterTwoWrong(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)

	if res := h.submit(t, "nope"); res.Outcome != domain.OutcomeIncorrect || res.AttemptsRemaining != 2 {
		t.Fatalf("first attempt = %+v", res)
	}
	if res := h.submit(t, "still wrong"); res.Outcome != domain.OutcomeIncorrect || res.AttemptsRemaining != 1 {
		t.Fatalf("second attempt = %+v", res)
	}
	if res := h.submit(t, "qwerty"); res.Outcome != domain.OutcomeVerified {
		t.Fatalf("third attempt = %+v", res)
	}

	if ch.Reason() != domain.ReasonVerified {
		t.Errorf("Reason = %q, want verified", ch.Reason())
	}
	if ch.AttemptsUsed() != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", ch.AttemptsUsed())
	}
	expels, grants := h.moderation.counts()
	if grants != 1 || expels != 0 {
		t.Errorf("grants = %d, expels = %d; want 1, 0", grants, expels)
	}
	if h.moderation.granted[0] != "g1/alice/member" {
		t.Errorf("granted = %v", h.moderation.granted)
	}
	want := []NoticeKind{NoticeIncorrect, NoticeIncorrect, NoticeVerified}
	if got := h.gateway.resultKinds(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("notices = %v, want %v", got, want)
	}
	if h.gateway.results[2].Template != "Welcome {mention}!" {
		t.Errorf("success notice template = %q", h.gateway.results[2].Template)
	}
	if h.mgr.Outstanding() != 0 {
		t.Error("resolved challenge should be removed")
	}
	if len(h.gateway.deleted) != 1 {
		t.Errorf("challenge message should be deleted, got %v", h.gateway.deleted)
	}
	if ch.Solution() != "" {
		t.Error("solution should be cleared")
	}
}

// Three wrong answers.
func TestScenarioB_AttemptsExhausted(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)

	h.submit(t, "a")
	h.submit(t, "b")
	if res := h.submit(t, "c"); res.Outcome != domain.OutcomeExhausted {
		t.Fatalf("third attempt = %+v", res)
	}
	if ch.Reason() != domain.ReasonAttemptsExhausted {
		t.Errorf("Reason = %q, want attempts_exhausted", ch.Reason())
	}
	if ch.AttemptsUsed() != 3 {
		t.Errorf("AttemptsUsed = %d, want 3", ch.AttemptsUsed())
	}
	if expels, grants := h.moderation.counts(); expels != 1 || grants != 0 {
		t.Errorf("expels = %d, grants = %d; want 1, 0", expels, grants)
	}

	// nothing left to answer
	if res := h.submit(t, testSolution); res.Outcome != domain.OutcomeIgnored {
		t.Errorf("attempt after exhaustion = %+v, want ignored", res)
	}
	h.clock.Advance(2 * time.Minute)
	if expels, _ := h.moderation.counts(); expels != 1 {
		t.Errorf("expels = %d, want exactly 1", expels)
	}
}

// No answer within the timeout.
func TestScenarioC_TimedOut(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	ch := h.issue(t)

	h.clock.Advance(6 * time.Second)

	if ch.Reason() != domain.ReasonTimedOut {
		t.Fatalf("Reason = %q, want timed_out", ch.Reason())
	}
	if expels, grants := h.moderation.counts(); expels != 1 || grants != 0 {
		t.Errorf("expels = %d, grants = %d; want 1, 0", expels, grants)
	}
	if res := h.submit(t, testSolution); res.Outcome != domain.OutcomeIgnored {
		t.Errorf("late correct attempt = %+v, want ignored", res)
	}
	if _, grants := h.moderation.counts(); grants != 0 {
		t.Error("late correct attempt must not grant the role")
	}
	if got := h.gateway.resultKinds(); len(got) != 1 || got[0] != NoticeTimedOut {
		t.Errorf("notices = %v, want [timed_out]", got)
	}
}

func TestDeadlineAfterVerifiedIsNoop(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	ch := h.issue(t)
	h.submit(t, testSolution)

	if err := h.mgr.OnDeadlineElapsed(context.Background(), alice.Key()); err != nil {
		t.Fatalf("OnDeadlineElapsed: %v", err)
	}
	h.clock.Advance(10 * time.Second)

	if ch.Reason() != domain.ReasonVerified {
		t.Errorf("Reason = %q, want verified", ch.Reason())
	}
	if expels, grants := h.moderation.counts(); expels != 0 || grants != 1 {
		t.Errorf("expels = %d, grants = %d; want 0, 1", expels, grants)
	}
}

func TestOnDeadlineElapsed_TimesOut(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)
	if err := h.mgr.OnDeadlineElapsed(context.Background(), alice.Key()); err != nil {
		t.Fatalf("OnDeadlineElapsed: %v", err)
	}
	if ch.Reason() != domain.ReasonTimedOut {
		t.Errorf("Reason = %q, want timed_out", ch.Reason())
	}
	if h.clock.Pending() != 0 {
		t.Error("deadline timer should be stopped")
	}
}

func TestOnEntityDeparted_NeverExpels(t *testing.T) {
	h := newHarness(t, guildConfig(5*time.Second, 3))
	ch := h.issue(t)
	h.submit(t, "wrong")

	if err := h.mgr.OnEntityDeparted(context.Background(), alice.Key()); err != nil {
		t.Fatalf("OnEntityDeparted: %v", err)
	}
	h.clock.Advance(time.Minute)

	if ch.Reason() != domain.ReasonCancelled {
		t.Errorf("Reason = %q, want cancelled", ch.Reason())
	}
	if expels, grants := h.moderation.counts(); expels != 0 || grants != 0 {
		t.Errorf("expels = %d, grants = %d; want 0, 0", expels, grants)
	}
	if h.mgr.Outstanding() != 0 {
		t.Error("departed member's challenge should be removed")
	}
	if len(h.gateway.deleted) != 1 {
		t.Error("challenge message should be deleted")
	}
	// departure of someone without a challenge
	if err := h.mgr.OnEntityDeparted(context.Background(), domain.Key{CommunityID: "g1", EntityID: "bob"}); err != nil {
		t.Errorf("OnEntityDeparted(unknown) = %v", err)
	}
}

func TestSubmitAttempt_IgnoredCases(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)

	otherChannel := attempt(testSolution)
	otherChannel.ChannelID = "general"
	stranger := attempt(testSolution)
	stranger.UserID = "bob"

	for _, a := range []Attempt{otherChannel, stranger} {
		res, err := h.mgr.SubmitAttempt(context.Background(), a)
		if err != nil || res.Outcome != domain.OutcomeIgnored {
			t.Errorf("SubmitAttempt(%+v) = %+v, %v; want ignored", a, res, err)
		}
	}
	if ch.AttemptsUsed() != 0 || ch.State() != domain.StateIssued {
		t.Error("ignored attempts must not touch the challenge")
	}
}

func TestResolutionRace_ExactlyOneOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, guildConfig(5*time.Second, 3))
		ch := h.issue(t)

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); h.clock.Advance(6 * time.Second) }()
		go func() { defer wg.Done(); _, _ = h.mgr.SubmitAttempt(context.Background(), attempt(testSolution)) }()
		go func() { defer wg.Done(); _ = h.mgr.OnEntityDeparted(context.Background(), alice.Key()) }()
		wg.Wait()

		expels, grants := h.moderation.counts()
		switch ch.Reason() {
		case domain.ReasonVerified:
			if grants != 1 || expels != 0 {
				t.Fatalf("verified: grants = %d, expels = %d", grants, expels)
			}
		case domain.ReasonTimedOut:
			if grants != 0 || expels != 1 {
				t.Fatalf("timed out: grants = %d, expels = %d", grants, expels)
			}
		case domain.ReasonCancelled:
			if grants != 0 || expels != 0 {
				t.Fatalf("cancelled: grants = %d, expels = %d", grants, expels)
			}
		default:
			t.Fatalf("unexpected reason %q", ch.Reason())
		}
	}
}

func TestModerationFailure_PermissionDeniedCallback(t *testing.T) {
	var (
		mu       sync.Mutex
		disabled []string
	)
	h := newHarness(t, guildConfig(5*time.Second, 3), WithPermissionDenied(func(ctx context.Context, guildID string, err error) {
		mu.Lock()
		defer mu.Unlock()
		disabled = append(disabled, guildID)
	}))
	h.moderation.expelErr = fmt.Errorf("kick: %w", ErrPermission)
	h.issue(t)

	h.submit(t, "a")
	h.submit(t, "b")
	_, err := h.mgr.SubmitAttempt(context.Background(), attempt("c"))
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}
	if len(disabled) != 1 || disabled[0] != "g1" {
		t.Errorf("disabled = %v, want [g1]", disabled)
	}
	if expels, _ := h.moderation.counts(); expels != 1 {
		t.Errorf("expel should be attempted exactly once, got %d", expels)
	}
}

func TestRoleGrantFailure_StillReportsSuccess(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	h.moderation.grantErr = errors.New("role above bot")
	ch := h.issue(t)

	res, err := h.mgr.SubmitAttempt(context.Background(), attempt(testSolution))
	if err == nil {
		t.Error("grant failure should be reported to the caller")
	}
	if res.Outcome != domain.OutcomeVerified || ch.Reason() != domain.ReasonVerified {
		t.Errorf("outcome = %v, reason = %q; want verified", res.Outcome, ch.Reason())
	}
	if got := h.gateway.resultKinds(); len(got) != 1 || got[0] != NoticeVerified {
		t.Errorf("notices = %v, want [verified]", got)
	}
	found := false
	for _, a := range h.audit.actions {
		if a == "role_grant_failed" {
			found = true
		}
	}
	if !found {
		t.Errorf("audit actions = %v, want role_grant_failed", h.audit.actions)
	}
}

func TestAudit_RecordsLifecycle(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	h.issue(t)
	h.submit(t, testSolution)
	want := []string{"challenge_issued", "member_verified"}
	if fmt.Sprint(h.audit.actions) != fmt.Sprint(want) {
		t.Errorf("audit actions = %v, want %v", h.audit.actions, want)
	}
}

func TestRun_ConsumesAttempts(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)

	attempts := make(chan Attempt, 2)
	attempts <- attempt("wrong")
	attempts <- attempt(testSolution)
	close(attempts)

	if err := h.mgr.Run(context.Background(), attempts); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ch.Reason() != domain.ReasonVerified {
		t.Errorf("Reason = %q, want verified", ch.Reason())
	}
}

func TestRun_SlowGuildDoesNotBlockOthers(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	other := guildConfig(time.Minute, 3)
	other.GuildID = "g2"
	other.ChannelID = "verify2"
	if err := h.settings.Upsert(context.Background(), &other); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	h.issue(t)
	bob := domain.Member{GuildID: "g2", UserID: "bob"}
	chBob, err := h.mgr.Issue(context.Background(), bob)
	if err != nil {
		t.Fatalf("Issue(bob): %v", err)
	}

	release := make(chan struct{})
	h.gateway.onResult = func(channelID string) {
		if channelID == "verify" {
			<-release
		}
	}

	attempts := make(chan Attempt)
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(context.Background(), attempts) }()

	attempts <- attempt("wrong")
	attempts <- Attempt{GuildID: "g2", UserID: "bob", ChannelID: "verify2", Content: testSolution}

	deadline := time.After(2 * time.Second)
	for chBob.State() != domain.StateResolved {
		select {
		case <-deadline:
			close(release)
			t.Fatal("g2 attempt was held up by the blocked g1 notice")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if chBob.Reason() != domain.ReasonVerified {
		t.Errorf("Reason = %q, want verified", chBob.Reason())
	}

	close(release)
	close(attempts)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.mgr.Run(ctx, make(chan Attempt)); !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

func TestShutdown_CancelsWithoutModeration(t *testing.T) {
	h := newHarness(t, guildConfig(time.Minute, 3))
	ch := h.issue(t)
	bob := domain.Member{GuildID: "g1", UserID: "bob"}
	if _, err := h.mgr.Issue(context.Background(), bob); err != nil {
		t.Fatalf("Issue(bob): %v", err)
	}

	h.mgr.Shutdown(context.Background())

	if h.mgr.Outstanding() != 0 {
		t.Errorf("Outstanding = %d, want 0", h.mgr.Outstanding())
	}
	if h.clock.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clock.Pending())
	}
	if ch.Reason() != domain.ReasonCancelled {
		t.Errorf("Reason = %q, want cancelled", ch.Reason())
	}
	if expels, grants := h.moderation.counts(); expels != 0 || grants != 0 {
		t.Error("shutdown must not moderate anyone")
	}
}

func TestIssue_UsesConfigDefaults(t *testing.T) {
	cfg := guildConfig(time.Minute, 3)
	h := newHarness(t, cfg, WithDefaults(10*time.Second, 5))
	// stored config always has explicit values; check the defaults fill a zero-valued config
	got := guildconfigdomain.GuildCaptchaConfig{}.WithDefaults(h.mgr.defaultTimeout, h.mgr.defaultMaxAttempts)
	if got.Timeout != 10*time.Second || got.MaxAttempts != 5 {
		t.Errorf("defaults = %v/%d", got.Timeout, got.MaxAttempts)
	}
	ch := h.issue(t)
	if ch.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want the guild's 3", ch.MaxAttempts)
	}
}
