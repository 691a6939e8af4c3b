package proto

// SocketState is the lifecycle of one bridged websocket on either side of
// the tunnel. A socket only ever moves forward.
type SocketState int

const (
	SocketConnecting SocketState = iota
	SocketOpen
	SocketClosed
)

func (s SocketState) String() string {
	switch s {
	case SocketConnecting:
		return "connecting"
	case SocketOpen:
		return "open"
	case SocketClosed:
		return "closed"
	}
	return "unknown"
}
