// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 AuthGate Contributors

package account

import "github.com/samber/oops"

// PasswordPolicy validates candidate passwords before they are hashed.
type PasswordPolicy interface {
	// Validate returns an AUTH_POLICY_VIOLATION error describing the
	// first rule the password breaks, or nil.
	Validate(password string) error
}

// LengthPolicy enforces minimum and maximum password length.
type LengthPolicy struct {
	Min int
	Max int
}

// Validate implements PasswordPolicy.
func (p LengthPolicy) Validate(password string) error {
	if len(password) < p.Min {
		return oops.Code("AUTH_POLICY_VIOLATION").
			With("min", p.Min).
			Errorf("password must be at least %d characters", p.Min)
	}
	if p.Max > 0 && len(password) > p.Max {
		return oops.Code("AUTH_POLICY_VIOLATION").
			With("max", p.Max).
			Errorf("password must be at most %d characters", p.Max)
	}
	return nil
}

var _ PasswordPolicy = LengthPolicy{}
