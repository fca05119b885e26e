// guildconfig manages per-guild captcha settings and eligibility policies in Postgres.
//
//	guildconfig show    -guild ID
//	guildconfig set     -guild ID -channel ID -role ID [-timeout 5m] [-attempts 3] [-before TEXT] [-after TEXT] [-disabled]
//	guildconfig enable  -guild ID
//	guildconfig disable -guild ID
//	guildconfig policy-set  -guild ID -file rules.rego
//	guildconfig policy-list -guild ID
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"captcha-gate/internal/audit"
	auditrepo "captcha-gate/internal/audit/repository"
	"captcha-gate/internal/config"
	"captcha-gate/internal/db"
	"captcha-gate/internal/guildconfig/domain"
	guildconfigrepo "captcha-gate/internal/guildconfig/repository"
	"captcha-gate/internal/policy/engine"
	policydomain "captcha-gate/internal/policy/domain"
	policyrepo "captcha-gate/internal/policy/repository"
)

var errUsage = errors.New("usage: guildconfig show|set|enable|disable|policy-set|policy-list -guild ID [flags]")

type deps struct {
	configs  guildconfigrepo.Repository
	policies policyrepo.Repository
	audit    audit.AuditLogger
	now      func() time.Time
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("guildconfig: DATABASE_URL is required")
	}
	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer database.Close()

	d := deps{
		configs:  guildconfigrepo.NewPostgresRepository(database),
		policies: policyrepo.NewPostgresRepository(database),
		audit:    audit.NewLogger(auditrepo.NewPostgresRepository(database)),
		now:      func() time.Time { return time.Now().UTC() },
	}
	if err := run(ctx, os.Args[1:], os.Stdout, d); err != nil {
		fmt.Fprintln(os.Stderr, "guildconfig:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer, d deps) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	guildID := fs.String("guild", "", "guild ID")
	channelID := fs.String("channel", "", "verification channel ID")
	roleID := fs.String("role", "", "role granted on success")
	timeout := fs.Duration("timeout", domain.DefaultTimeout, "time allowed to answer")
	attempts := fs.Int("attempts", domain.DefaultMaxAttempts, "answers allowed")
	before := fs.String("before", "", "message posted with the challenge")
	after := fs.String("after", "", "message posted on success")
	disabled := fs.Bool("disabled", false, "store the config disabled")
	file := fs.String("file", "", "Rego policy file")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *guildID == "" {
		return errUsage
	}

	switch cmd {
	case "show":
		cfg, err := d.configs.GetByGuildID(ctx, *guildID)
		if err != nil {
			return err
		}
		if cfg == nil {
			return fmt.Errorf("guild %s has no captcha config", *guildID)
		}
		printConfig(out, cfg)
		return nil
	case "set":
		cfg := &domain.GuildCaptchaConfig{
			GuildID:        *guildID,
			Enabled:        !*disabled,
			ChannelID:      *channelID,
			RoleID:         *roleID,
			Timeout:        *timeout,
			MaxAttempts:    *attempts,
			BeforeTemplate: *before,
			AfterTemplate:  *after,
		}
		if cfg.Enabled && (cfg.ChannelID == "" || cfg.RoleID == "") {
			return errors.New("-channel and -role are required for an enabled config")
		}
		if err := d.configs.Upsert(ctx, cfg); err != nil {
			return err
		}
		d.record(ctx, *guildID, "config_updated", map[string]any{"enabled": cfg.Enabled, "channel_id": cfg.ChannelID, "role_id": cfg.RoleID})
		fmt.Fprintf(out, "saved captcha config for %s\n", *guildID)
		return nil
	case "enable", "disable":
		enabled := cmd == "enable"
		if err := d.configs.SetEnabled(ctx, *guildID, enabled); err != nil {
			return err
		}
		d.record(ctx, *guildID, "config_"+cmd+"d", nil)
		fmt.Fprintf(out, "captcha %sd for %s\n", cmd, *guildID)
		return nil
	case "policy-set":
		return d.setPolicy(ctx, out, *guildID, *file)
	case "policy-list":
		if d.policies == nil {
			return errors.New("policies need a database")
		}
		list, err := d.policies.ListByGuild(ctx, *guildID)
		if err != nil {
			return err
		}
		for _, p := range list {
			fmt.Fprintf(out, "%s\tenabled=%t\tcreated=%s\n", p.ID, p.Enabled, p.CreatedAt.Format(time.RFC3339))
		}
		return nil
	default:
		return errUsage
	}
}

// setPolicy stores rules as the guild's only enabled policy; older ones are disabled.
func (d deps) setPolicy(ctx context.Context, out io.Writer, guildID, path string) error {
	if d.policies == nil {
		return errors.New("policies need a database")
	}
	if path == "" {
		return errors.New("-file is required")
	}
	rules, err := engine.LoadPolicyFile(path)
	if err != nil {
		return err
	}
	if err := engine.Validate(ctx, rules); err != nil {
		return err
	}
	existing, err := d.policies.GetEnabledPoliciesByGuild(ctx, guildID)
	if err != nil {
		return err
	}
	for _, p := range existing {
		p.Enabled = false
		if err := d.policies.Update(ctx, p); err != nil {
			return err
		}
	}
	p := &policydomain.Policy{ID: uuid.New().String(), GuildID: guildID, Rules: rules, Enabled: true, CreatedAt: d.now()}
	if err := d.policies.Create(ctx, p); err != nil {
		return err
	}
	d.record(ctx, guildID, "policy_updated", map[string]any{"policy_id": p.ID})
	fmt.Fprintf(out, "policy %s active for %s\n", p.ID, guildID)
	return nil
}

func (d deps) record(ctx context.Context, guildID, action string, meta map[string]any) {
	if d.audit == nil {
		return
	}
	d.audit.LogEvent(ctx, guildID, "", action, audit.ResourceConfig, audit.Metadata(meta))
}

func printConfig(out io.Writer, cfg *domain.GuildCaptchaConfig) {
	fmt.Fprintf(out, "guild:        %s\n", cfg.GuildID)
	fmt.Fprintf(out, "enabled:      %t\n", cfg.Enabled)
	fmt.Fprintf(out, "channel:      %s\n", cfg.ChannelID)
	fmt.Fprintf(out, "role:         %s\n", cfg.RoleID)
	fmt.Fprintf(out, "timeout:      %s\n", cfg.Timeout)
	fmt.Fprintf(out, "max attempts: %d\n", cfg.MaxAttempts)
	fmt.Fprintf(out, "before:       %q\n", cfg.BeforeTemplate)
	fmt.Fprintf(out, "after:        %q\n", cfg.AfterTemplate)
}
