package db

import "embed"

// MigrationFS embeds the schema: guild captcha configs, the audit log, the telemetry archive and
// per-guild eligibility policies. Applied by cmd/migrate.
//
//go:embed migrations/*.sql
var MigrationFS embed.FS
