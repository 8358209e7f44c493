package transport

import "fmt"

// EventType identifies the variant of an Event.
type EventType int

const (
	EventNone EventType = iota
	EventSend
	EventRecv
	EventConnectAccepted
	EventConnectTimedOut
	EventConnectRejected
	EventConnectRequest
	EventKeepaliveTimedOut
	EventEndpointDeviceFailed
)

func (t EventType) String() string {
	switch t {
	case EventNone:
		return "NONE"
	case EventSend:
		return "SEND"
	case EventRecv:
		return "RECV"
	case EventConnectAccepted:
		return "CONNECT_ACCEPTED"
	case EventConnectTimedOut:
		return "CONNECT_TIMEDOUT"
	case EventConnectRejected:
		return "CONNECT_REJECTED"
	case EventConnectRequest:
		return "CONNECT_REQUEST"
	case EventKeepaliveTimedOut:
		return "KEEPALIVE_TIMEDOUT"
	case EventEndpointDeviceFailed:
		return "ENDPOINT_DEVICE_FAILED"
	default:
		return fmt.Sprintf("EVENT(%d)", int(t))
	}
}

// Event is a notification handed to the application by Endpoint.GetEvent. It
// must be handed back with Endpoint.ReturnEvent exactly once.
type Event interface {
	Type() EventType
}

// Attribute is the reliability/ordering class of a connection.
type Attribute uint32

const (
	AttrReliableOrdered Attribute = iota
	AttrReliableUnordered
	AttrUnreliableUnordered
	AttrUnreliableMulticastTx
	AttrUnreliableMulticastRx
)

func (a Attribute) String() string {
	switch a {
	case AttrReliableOrdered:
		return "RO"
	case AttrReliableUnordered:
		return "RU"
	case AttrUnreliableUnordered:
		return "UU"
	case AttrUnreliableMulticastTx:
		return "UU_MC_TX"
	case AttrUnreliableMulticastRx:
		return "UU_MC_RX"
	default:
		return fmt.Sprintf("ATTR(%d)", uint32(a))
	}
}

// Valid reports whether a is a known attribute.
func (a Attribute) Valid() bool {
	return a <= AttrUnreliableMulticastRx
}
