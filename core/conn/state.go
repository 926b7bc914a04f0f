package conn

// State is the lifecycle phase of the connection machine.
type State int32

const (
	// StateInit is the phase before any connection attempt.
	StateInit State = iota
	// StateDiscovering means cluster topology is being resolved.
	StateDiscovering
	// StateHandshaking means a candidate node is being dialed.
	StateHandshaking
	// StateIdentifying means the client is announcing itself on a fresh channel.
	StateIdentifying
	// StateReady means a session is established and operations can flow.
	StateReady
	// StateReconnecting means the last session died and a new one will be
	// established on demand.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDiscovering:
		return "discovering"
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
