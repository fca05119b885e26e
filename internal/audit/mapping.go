package audit

import "encoding/json"

// ActionResource is the action/resource pair recorded for an audit event.
type ActionResource struct {
	Action   string
	Resource string
}

// Resources recorded in audit_logs.
const (
	ResourceMember = "member"
	ResourceConfig = "captcha_config"
)

// Actions recorded in audit_logs.
const (
	ActionChallengeIssued   = "challenge_issued"
	ActionMemberVerified    = "member_verified"
	ActionMemberTimedOut    = "member_timed_out"
	ActionMemberExhausted   = "member_attempts_exhausted"
	ActionChallengeCanceled = "challenge_cancelled"
	ActionRoleGrantFailed   = "role_grant_failed"
	ActionExpelFailed       = "expel_failed"
	ActionConfigDisabled    = "config_disabled"
)

// ForResolution returns the audit action for a terminal challenge reason
// (verified, timed_out, attempts_exhausted, cancelled). Unknown reasons map to
// "challenge_" + reason so nothing is dropped.
func ForResolution(reason string) ActionResource {
	switch reason {
	case "verified":
		return ActionResource{Action: ActionMemberVerified, Resource: ResourceMember}
	case "timed_out":
		return ActionResource{Action: ActionMemberTimedOut, Resource: ResourceMember}
	case "attempts_exhausted":
		return ActionResource{Action: ActionMemberExhausted, Resource: ResourceMember}
	case "cancelled":
		return ActionResource{Action: ActionChallengeCanceled, Resource: ResourceMember}
	case "":
		return ActionResource{Action: "unknown", Resource: ResourceMember}
	default:
		return ActionResource{Action: "challenge_" + reason, Resource: ResourceMember}
	}
}

// Metadata encodes fields as a JSON object for the metadata column. Empty input yields "".
func Metadata(fields map[string]any) string {
	if len(fields) == 0 {
		return ""
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return ""
	}
	return string(b)
}
