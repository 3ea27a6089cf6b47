package enums

import "fmt"

// PolicyMode maps to the policy_mode enum in Postgres.
type PolicyMode string

const (
	PolicyModeFree     PolicyMode = "free"
	PolicyModeFreemium PolicyMode = "freemium"
	PolicyModePaid     PolicyMode = "paid"
)

var validPolicyModes = []PolicyMode{
	PolicyModeFree,
	PolicyModeFreemium,
	PolicyModePaid,
}

// String implements fmt.Stringer.
func (m PolicyMode) String() string {
	return string(m)
}

// IsValid reports whether the value is a known PolicyMode.
func (m PolicyMode) IsValid() bool {
	for _, candidate := range validPolicyModes {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParsePolicyMode converts raw input into a PolicyMode.
func ParsePolicyMode(value string) (PolicyMode, error) {
	for _, candidate := range validPolicyModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid policy mode %q", value)
}
