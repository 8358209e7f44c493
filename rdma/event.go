package rdma

import "github.com/rocketbitz/fabric-transport/transport"

// endpointEvent is an event owned by an endpoint queue. recycle gives back
// whatever the event holds when the application returns it; it runs with the
// endpoint mutex held.
type endpointEvent interface {
	transport.Event
	recycle(ep *Endpoint)
}

// SendEvent completes a Send.
type SendEvent struct {
	Connection *Connection
	Context    any
	Err        error

	tx *txDesc
}

func (*SendEvent) Type() transport.EventType { return transport.EventSend }

func (e *SendEvent) recycle(ep *Endpoint) {
	if ep.pool != nil {
		ep.pool.releaseTx(e.tx)
	}
}

// RecvEvent carries one message. Data is valid until the event is returned.
type RecvEvent struct {
	Connection *Connection
	Data       []byte

	rx *rxDesc
}

func (*RecvEvent) Type() transport.EventType { return transport.EventRecv }

func (e *RecvEvent) recycle(ep *Endpoint) {
	if ep.pool != nil {
		ep.pool.releaseRx(e.rx)
		ep.rxStarved = false
	}
}

// ConnectAcceptedEvent reports a usable connection on either side.
type ConnectAcceptedEvent struct {
	Connection *Connection
	Context    any
}

func (*ConnectAcceptedEvent) Type() transport.EventType { return transport.EventConnectAccepted }
func (*ConnectAcceptedEvent) recycle(*Endpoint)         {}

type ConnectRejectedEvent struct {
	Context any
}

func (*ConnectRejectedEvent) Type() transport.EventType { return transport.EventConnectRejected }
func (*ConnectRejectedEvent) recycle(*Endpoint)         {}

type ConnectTimedOutEvent struct {
	Context any
}

func (*ConnectTimedOutEvent) Type() transport.EventType { return transport.EventConnectTimedOut }
func (*ConnectTimedOutEvent) recycle(*Endpoint)         {}

// ConnectRequestEvent is a peer waiting for Accept. Data is the peer's connect
// payload.
type ConnectRequestEvent struct {
	Data      []byte
	Attribute transport.Attribute

	request uint64
}

func (*ConnectRequestEvent) Type() transport.EventType { return transport.EventConnectRequest }

// recycle drops the staged handshake socket of a request that was never
// accepted. The peer sees its handshake fail.
func (e *ConnectRequestEvent) recycle(ep *Endpoint) {
	req, ok := ep.requests[e.request]
	if !ok {
		return
	}
	delete(ep.requests, e.request)
	_ = req.conn.Close()
	ep.ctx.logf("rdma: endpoint %s dropped connect request %d", ep.name, e.request)
}

// KeepaliveTimedOutEvent is reserved for peer liveness checks. Connections
// carry no keepalive yet, so the progress engine never posts it.
type KeepaliveTimedOutEvent struct {
	Connection *Connection
}

func (*KeepaliveTimedOutEvent) Type() transport.EventType { return transport.EventKeepaliveTimedOut }
func (*KeepaliveTimedOutEvent) recycle(*Endpoint)         {}

// DeviceFailedEvent reports a fabric or handshake failure found by the
// progress engine. Connection is set for channel failures and Context for
// failed connects.
type DeviceFailedEvent struct {
	Connection *Connection
	Context    any
	Err        error
}

func (*DeviceFailedEvent) Type() transport.EventType { return transport.EventEndpointDeviceFailed }
func (*DeviceFailedEvent) recycle(*Endpoint)         {}
