package client

// State is the connection state of a Client.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateOpen
	StateDegraded
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanSend reports whether sends go straight to the transport. Degraded is a
// warning sub-state of Open.
func (s State) CanSend() bool {
	return s == StateOpen || s == StateDegraded
}

// active 连接尝试进行中或已连接，Connect 对这些状态是 no-op
func (s State) active() bool {
	switch s {
	case StateConnecting, StateAuthenticating, StateOpen, StateDegraded, StateReconnecting:
		return true
	}
	return false
}

// transitions 状态转移表；Open/Degraded -> Connecting 仅由显式 Reconnect 触发
var transitions = map[State][]State{
	StateIdle:           {StateConnecting, StateClosed},
	StateConnecting:     {StateAuthenticating, StateOpen, StateReconnecting, StateClosed},
	StateAuthenticating: {StateOpen, StateReconnecting, StateClosed},
	StateOpen:           {StateDegraded, StateReconnecting, StateConnecting, StateClosed},
	StateDegraded:       {StateOpen, StateReconnecting, StateConnecting, StateClosed},
	StateReconnecting:   {StateConnecting, StateClosed},
	StateClosed:         {StateConnecting},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
