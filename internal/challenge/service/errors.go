package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the challenge manager; callers inspect them with errors.Is.
var (
	ErrConfiguration   = errors.New("captcha: configuration error")
	ErrMissingChannel  = fmt.Errorf("%w: verification channel is not set", ErrConfiguration)
	ErrMissingRole     = fmt.Errorf("%w: verified role is not set", ErrConfiguration)
	ErrFeatureDisabled = errors.New("captcha: verification is disabled for this guild")
	ErrDelivery        = errors.New("captcha: challenge could not be delivered")
	ErrPartialDelivery = errors.New("captcha: challenge image delivered but follow-up failed")
	ErrPermission      = errors.New("captcha: missing permission")
	ErrAlreadyIssued   = errors.New("captcha: member already has an outstanding challenge")
	ErrNotRequired     = errors.New("captcha: member is exempt from verification")
)
