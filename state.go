package fraisewire

// ConnectionState is the connection's lifecycle state. See spec §3/§4.4.
type ConnectionState int

const (
	StateInitial ConnectionState = iota
	StateNegotiatingTls
	StateAwaitingAuth
	StateAuthenticating
	StateIdle
	StateQueryInProgress
	StateReadingResults
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateNegotiatingTls:
		return "NegotiatingTls"
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateAuthenticating:
		return "Authenticating"
	case StateIdle:
		return "Idle"
	case StateQueryInProgress:
		return "QueryInProgress"
	case StateReadingResults:
		return "ReadingResults"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// allowedTransitions encodes the restricted transition table from spec §4.4.
// Any state may additionally transition to StateClosed.
var allowedTransitions = map[ConnectionState]map[ConnectionState]bool{
	StateInitial:         {StateNegotiatingTls: true, StateAwaitingAuth: true},
	StateNegotiatingTls:  {StateAwaitingAuth: true},
	StateAwaitingAuth:    {StateAuthenticating: true},
	StateAuthenticating:  {StateIdle: true},
	StateIdle:            {StateQueryInProgress: true},
	StateQueryInProgress: {StateReadingResults: true},
	StateReadingResults:  {StateIdle: true},
}

// transition validates and applies a state change, returning InvalidState on
// a disallowed transition.
func transition(current *ConnectionState, to ConnectionState) error {
	if to == StateClosed {
		*current = StateClosed
		return nil
	}
	if allowedTransitions[*current][to] {
		*current = to
		return nil
	}
	return newErr(KindInvalidState, "illegal transition from "+current.String()+" to "+to.String())
}
