package enums

import "fmt"

// ServiceName identifies an external dependency protected by the resilience layer.
type ServiceName string

const (
	ServiceStorage  ServiceName = "storage"
	ServicePayment  ServiceName = "payment"
	ServiceIdentity ServiceName = "identity"
)

var validServiceNames = []ServiceName{
	ServiceStorage,
	ServicePayment,
	ServiceIdentity,
}

// String implements fmt.Stringer.
func (s ServiceName) String() string {
	return string(s)
}

// IsValid reports whether the value is a known ServiceName.
func (s ServiceName) IsValid() bool {
	for _, candidate := range validServiceNames {
		if candidate == s {
			return true
		}
	}
	return false
}

// ParseServiceName converts raw input into a ServiceName.
func ParseServiceName(value string) (ServiceName, error) {
	for _, candidate := range validServiceNames {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid service name %q", value)
}
