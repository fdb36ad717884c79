package live

// State is the connection state of the live feed.
//
//	Connected -> Reconnecting(attempt) -> Connected
//	                                   -> Degraded (terminal)
type State int

const (
	Connected State = iota
	Reconnecting
	Degraded
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}
