package enums

// CircuitState is the breaker state for one protected service.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// String implements fmt.Stringer.
func (s CircuitState) String() string {
	return string(s)
}
