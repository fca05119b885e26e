package domain

import (
	"errors"
	"testing"
	"time"
)

func TestGuildCaptchaConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     GuildCaptchaConfig
		wantErr error
	}{
		{"valid", GuildCaptchaConfig{GuildID: "g1", Timeout: time.Minute, MaxAttempts: 3}, nil},
		{"disabled without channel", GuildCaptchaConfig{GuildID: "g1", Timeout: time.Minute, MaxAttempts: 1}, nil},
		{"missing guild", GuildCaptchaConfig{Timeout: time.Minute, MaxAttempts: 3}, ErrInvalidGuildID},
		{"zero timeout", GuildCaptchaConfig{GuildID: "g1", MaxAttempts: 3}, ErrInvalidTimeout},
		{"zero attempts", GuildCaptchaConfig{GuildID: "g1", Timeout: time.Minute}, ErrInvalidMaxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGuildCaptchaConfig_WithDefaults(t *testing.T) {
	got := GuildCaptchaConfig{GuildID: "g1"}.WithDefaults(DefaultTimeout, DefaultMaxAttempts)
	if got.Timeout != DefaultTimeout || got.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("WithDefaults = %+v", got)
	}
	kept := GuildCaptchaConfig{GuildID: "g1", Timeout: time.Second, MaxAttempts: 7}.WithDefaults(DefaultTimeout, DefaultMaxAttempts)
	if kept.Timeout != time.Second || kept.MaxAttempts != 7 {
		t.Errorf("WithDefaults overwrote explicit values: %+v", kept)
	}
}
