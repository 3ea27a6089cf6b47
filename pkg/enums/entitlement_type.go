package enums

import "fmt"

// EntitlementType distinguishes granted download rights from pending cart reservations.
type EntitlementType string

const (
	EntitlementTypeDownload        EntitlementType = "download"
	EntitlementTypeCartReservation EntitlementType = "cart_reservation"
)

var validEntitlementTypes = []EntitlementType{
	EntitlementTypeDownload,
	EntitlementTypeCartReservation,
}

// IsValid reports whether the value is a known EntitlementType.
func (t EntitlementType) IsValid() bool {
	for _, candidate := range validEntitlementTypes {
		if candidate == t {
			return true
		}
	}
	return false
}

// ParseEntitlementType converts raw input into an EntitlementType.
func ParseEntitlementType(value string) (EntitlementType, error) {
	for _, candidate := range validEntitlementTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid entitlement type %q", value)
}
