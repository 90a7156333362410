package conn

import "time"

// State 连接状态机
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange is delivered to OnStateChange callbacks. Attempt and Delay are
// only meaningful while reconnecting.
type StateChange struct {
	State   State
	Attempt int
	Delay   time.Duration
}
