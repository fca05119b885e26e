package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	challengedomain "captcha-gate/internal/challenge/domain"
	guildconfigdomain "captcha-gate/internal/guildconfig/domain"
	"captcha-gate/internal/policy/repository"
)

const eligibilityQuery = "data.captcha.eligibility.challenge_required"

// Default Rego policy: every human member is challenged, bot accounts are not.
const defaultRegoPolicy = `package captcha.eligibility

default challenge_required := true

challenge_required := false if {
	input.member.bot
}
`

// discordEpochMillis is the offset of Discord snowflake timestamps (2015-01-01T00:00:00Z).
const discordEpochMillis = 1420070400000

// OPAEvaluator evaluates eligibility using OPA Rego. Guild policies stored in the policy
// repository replace the base policy for that guild.
type OPAEvaluator struct {
	policyRepo repository.Repository
	basePolicy string
	base       rego.PreparedEvalQuery
	nowF       func() time.Time
}

// NewOPAEvaluator returns an OPA-based evaluator. policyRepo may be nil (no per-guild policies).
// basePolicy replaces the built-in default when non-empty; it must define
// data.captcha.eligibility.challenge_required.
func NewOPAEvaluator(ctx context.Context, policyRepo repository.Repository, basePolicy string) (*OPAEvaluator, error) {
	if basePolicy == "" {
		basePolicy = defaultRegoPolicy
	}
	prepared, err := prepare(ctx, []string{basePolicy})
	if err != nil {
		return nil, fmt.Errorf("policy: base policy: %w", err)
	}
	return &OPAEvaluator{
		policyRepo: policyRepo,
		basePolicy: basePolicy,
		base:       prepared,
		nowF:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// LoadPolicyFile reads a Rego module from path. An empty path returns "" (use the default).
func LoadPolicyFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("policy: read %s: %w", path, err)
	}
	return string(b), nil
}

// Validate compiles rules as a guild policy would be compiled, so bad Rego is rejected before it
// is stored.
func Validate(ctx context.Context, rules string) error {
	_, err := prepare(ctx, []string{rules})
	return err
}

// HealthCheck evaluates the base policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	input := e.buildInput(challengedomain.Member{GuildID: "0", UserID: "0"}, nil)
	_, err := evalBool(ctx, e.base, input)
	return err
}

// ChallengeRequired evaluates the guild's enabled policies, or the base policy when the guild has
// none. Evaluation failures are logged and fall back to requiring a challenge.
func (e *OPAEvaluator) ChallengeRequired(ctx context.Context, member challengedomain.Member, cfg *guildconfigdomain.GuildCaptchaConfig) (bool, error) {
	input := e.buildInput(member, cfg)

	query := e.base
	if e.policyRepo != nil {
		policies, err := e.policyRepo.GetEnabledPoliciesByGuild(ctx, member.GuildID)
		if err != nil {
			log.Printf("policy: failed to load policies for guild %s: %v", member.GuildID, err)
		}
		var modules []string
		for _, p := range policies {
			if p.Enabled && p.Rules != "" {
				modules = append(modules, p.Rules)
			}
		}
		if len(modules) > 0 {
			prepared, err := prepare(ctx, modules)
			if err != nil {
				log.Printf("policy: guild %s policies do not compile: %v, using base policy", member.GuildID, err)
			} else {
				query = prepared
			}
		}
	}

	required, err := evalBool(ctx, query, input)
	if err != nil {
		log.Printf("policy: evaluation failed for guild %s: %v, challenging", member.GuildID, err)
		return true, err
	}
	return required, nil
}

func (e *OPAEvaluator) buildInput(member challengedomain.Member, cfg *guildconfigdomain.GuildCaptchaConfig) map[string]interface{} {
	now := e.nowF()
	memberMap := map[string]interface{}{
		"id":               member.UserID,
		"username":         member.Username,
		"bot":              member.Bot,
		"joined_at":        nil,
		"account_age_days": nil,
	}
	if !member.JoinedAt.IsZero() {
		memberMap["joined_at"] = member.JoinedAt.Format(time.RFC3339)
	}
	if created, ok := snowflakeTime(member.UserID); ok {
		memberMap["account_age_days"] = int(now.Sub(created).Hours() / 24)
	}

	guild := map[string]interface{}{
		"id":              member.GuildID,
		"channel_id":      "",
		"role_id":         "",
		"max_attempts":    0,
		"timeout_seconds": 0,
	}
	if cfg != nil {
		guild["channel_id"] = cfg.ChannelID
		guild["role_id"] = cfg.RoleID
		guild["max_attempts"] = cfg.MaxAttempts
		guild["timeout_seconds"] = int(cfg.Timeout / time.Second)
	}
	return map[string]interface{}{
		"member": memberMap,
		"guild":  guild,
	}
}

func prepare(ctx context.Context, policies []string) (rego.PreparedEvalQuery, error) {
	modules := make(map[string]string, len(policies))
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("compile policies: %w", err)
	}
	return rego.New(
		rego.Query(eligibilityQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
}

func evalBool(ctx context.Context, query rego.PreparedEvalQuery, input map[string]interface{}) (bool, error) {
	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return true, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return true, fmt.Errorf("policy query returned no result")
	}
	v, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return true, fmt.Errorf("policy query returned %T, want bool", rs[0].Expressions[0].Value)
	}
	return v, nil
}

// snowflakeTime extracts the creation time encoded in a Discord snowflake id.
func snowflakeTime(id string) (time.Time, bool) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}, false
	}
	ms := int64(n>>22) + discordEpochMillis
	return time.UnixMilli(ms).UTC(), true
}
