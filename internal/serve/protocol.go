// Package serve speaks the remote store's serve protocol over a
// ports.Channel: the greeting handshake, artifact substitution and the
// query sub-protocol.
package serve

// Protocol constants. They must match the remote peer exactly.
const (
	Magic1          uint32 = 0x390c9deb
	Magic2          uint32 = 0x5452eecb
	ProtocolVersion uint32 = 0x200
)

type Command uint32

const (
	CmdQuery      Command = 0
	CmdSubstitute Command = 1
)

type QueryCommand uint32

const (
	QueryHave QueryCommand = 0
	QueryInfo QueryCommand = 1
)

// State is the lifecycle position of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateBusy
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
