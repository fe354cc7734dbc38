package circuitbreaker

type State int

const (
	// StateClosed - backend healthy, calls pass through
	StateClosed State = iota

	// StateOpen - backend failing, calls fail fast
	StateOpen

	// StateHalfOpen - probing whether the backend recovered
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON responses.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
