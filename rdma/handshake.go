package rdma

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"syscall"
	"time"

	"github.com/rocketbitz/fabric-transport/transport"
)

// parseURI resolves scheme://host:port to a dialable address.
func parseURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("connect uri %q: %w", uri, transport.ErrInvalidArgument)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || port == "" {
		return "", fmt.Errorf("connect uri %q: %w", uri, transport.ErrInvalidArgument)
	}
	return net.JoinHostPort(host, port), nil
}

// Connect builds the local mailbox for a new connection and leaves the
// handshake to the progress engine. The outcome arrives as a
// ConnectAcceptedEvent, ConnectRejectedEvent, ConnectTimedOutEvent or
// DeviceFailedEvent carrying context. A zero timeout uses the configured
// handshake timeout.
func (ep *Endpoint) Connect(uri string, data []byte, attr transport.Attribute, context any, timeout time.Duration) error {
	x := ep.ctx
	if x.shutdown.Load() {
		return transport.ErrNoDevice.WithOp("connect")
	}
	if len(data) > MaxConnectPayload {
		return fmt.Errorf("connect payload of %d bytes exceeds %d: %w", len(data), MaxConnectPayload, transport.ErrInvalidArgument)
	}
	if !attr.Valid() {
		return fmt.Errorf("connect attribute %d: %w", attr, transport.ErrInvalidArgument)
	}
	addr, err := parseURI(uri)
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = x.cfg.HandshakeTimeout
	}

	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		return transport.ErrInvalidArgument.WithOp("connect: endpoint closed")
	}
	c := &Connection{
		ep:      ep,
		ref:     ep.nextRef(),
		attr:    attr,
		context: context,
		status:  ConnPendingRequest,
		dial: &dialState{
			addr:    addr,
			data:    append([]byte(nil), data...),
			timeout: timeout,
		},
	}
	ep.mu.Unlock()

	if err := c.openMailbox(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		c.ch.close()
		return transport.ErrInvalidArgument.WithOp("connect: endpoint closed")
	}
	c.status = ConnPendingReply
	ep.conns = append(ep.conns, c)
	ep.mu.Unlock()

	x.logf("rdma: endpoint %s connecting to %s conn=%#x attr=%s", ep.name, addr, c.ref, attr)
	return nil
}

// completeHandshakes runs the client side of every pending connect. The
// caller holds progressMu.
func (ep *Endpoint) completeHandshakes(span Span) bool {
	if ep.closed.Load() {
		return false
	}
	pending := ep.connsIn(ConnPendingReply)
	for _, c := range pending {
		ep.finishHandshake(c, span)
	}
	return len(pending) > 0
}

func (ep *Endpoint) finishHandshake(c *Connection, span Span) {
	x := ep.ctx
	fields := []logField{ep.deviceField(), ep.endpointField(), logKV("connection", fmt.Sprintf("%#x", c.ref)), logKV("peer", c.dial.addr)}

	reply, err := c.exchange()
	if err == nil && reply.Reply == ConnAccepted {
		err = c.initChannel(&reply)
	}
	if err != nil || reply.Reply != ConnAccepted {
		c.ch.close()
	}

	ep.mu.Lock()
	c.dial = nil
	var ev endpointEvent
	switch {
	case err != nil:
		c.status = ConnFailed
		if isTimeout(err) {
			ev = &ConnectTimedOutEvent{Context: c.context}
		} else {
			ev = &DeviceFailedEvent{Context: c.context, Err: err}
		}
		ep.dropConn(c)
	case reply.Reply == ConnAccepted:
		c.status = ConnAccepted
		ev = &ConnectAcceptedEvent{Connection: c, Context: c.context}
	default:
		c.status = ConnRejected
		ev = &ConnectRejectedEvent{Context: c.context}
		ep.dropConn(c)
	}
	status := c.status
	switch status {
	case ConnAccepted:
		x.stats.handshakesAccepted.Add(1)
	case ConnRejected:
		x.stats.handshakesRejected.Add(1)
	default:
		x.stats.handshakesFailed.Add(1)
	}
	ep.pushEvent(ev)
	ep.mu.Unlock()

	x.metricHandshake(status, fields...)
	switch status {
	case ConnAccepted:
		x.logProgressEvent("connect_accepted", fields...)
		spanAddEvent(span, "connect_accepted", fields...)
	case ConnRejected:
		x.logProgressEvent("connect_rejected", fields...)
		spanAddEvent(span, "connect_rejected", fields...)
	default:
		x.recordFailure(span, "handshake_failed", err, fields...)
	}
}

// exchange sends the local descriptor and connect payload over a fresh TCP
// socket and reads the peer's reply.
func (c *Connection) exchange() (mailboxDescriptor, error) {
	d := c.dial
	var reply mailboxDescriptor

	conn, err := net.DialTimeout("tcp4", d.addr, d.timeout)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			err = fmt.Errorf("%w: %w", transport.ErrConnectionRefused, err)
		}
		return reply, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(d.timeout)); err != nil {
		return reply, fmt.Errorf("handshake deadline: %w", err)
	}

	desc := c.localDescriptor()
	desc.PayloadLength = uint32(len(d.data))
	desc.Reply = ConnPendingRequest
	if err := writeMailbox(conn, &desc, d.data); err != nil {
		return reply, err
	}
	reply, _, err = readMailbox(conn)
	if err != nil {
		return reply, err
	}
	return reply, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// acceptRequests stages handshake sockets handed over by the accept loop on
// the device's first endpoint.
func (d *Device) acceptRequests(span Span) bool {
	staged := false
	for {
		select {
		case conn := <-d.incoming:
			d.stageRequest(conn, span)
			staged = true
		default:
			return staged
		}
	}
}

func (d *Device) stageRequest(conn net.Conn, span Span) {
	x := d.ctx
	fields := []logField{logKV(labelDevice, d.name), logKV("peer", conn.RemoteAddr().String())}

	_ = conn.SetReadDeadline(time.Now().Add(x.cfg.HandshakeTimeout))
	desc, payload, err := readMailbox(conn)
	if err != nil {
		_ = conn.Close()
		x.stats.handshakesFailed.Add(1)
		x.metricHandshake(ConnFailed, fields...)
		x.recordFailure(span, "handshake_failed", err, fields...)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ep := d.firstEndpoint()
	if ep == nil {
		_ = conn.Close()
		x.logProgressEvent("connect_request_dropped", fields...)
		return
	}
	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		_ = conn.Close()
		return
	}
	id := ep.nextRef()
	ep.requests[id] = &pendingRequest{conn: conn, desc: desc}
	ep.pushEvent(&ConnectRequestEvent{Data: payload, Attribute: desc.Attribute, request: id})
	ep.mu.Unlock()

	fields = append(fields, ep.endpointField(), logKV("data_len", len(payload)), logKV("attribute", desc.Attribute.String()))
	x.logProgressEvent("connect_request", fields...)
	spanAddEvent(span, "connect_request", fields...)
}

// Accept completes the handshake of a ConnectRequestEvent: it builds the
// local channel, replies over the staged socket and posts a
// ConnectAcceptedEvent. The request event must still be returned.
func (ep *Endpoint) Accept(ev transport.Event, context any) (transport.Connection, error) {
	req, ok := ev.(*ConnectRequestEvent)
	if !ok {
		return nil, transport.ErrInvalidArgument.WithOp("accept: not a connect request")
	}
	x := ep.ctx
	if x.shutdown.Load() {
		return nil, transport.ErrNoDevice.WithOp("accept")
	}

	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		return nil, transport.ErrInvalidArgument.WithOp("accept: endpoint closed")
	}
	pending, ok := ep.requests[req.request]
	if !ok {
		ep.mu.Unlock()
		return nil, transport.ErrInvalidArgument.WithOp("accept: request already handled")
	}
	delete(ep.requests, req.request)
	c := &Connection{
		ep:      ep,
		ref:     ep.nextRef(),
		attr:    pending.desc.Attribute,
		context: context,
		status:  ConnPendingReply,
	}
	ep.mu.Unlock()
	defer pending.conn.Close()

	fields := []logField{ep.deviceField(), ep.endpointField(), logKV("connection", fmt.Sprintf("%#x", c.ref)), logKV("peer", pending.conn.RemoteAddr().String())}
	_ = pending.conn.SetWriteDeadline(time.Now().Add(x.cfg.HandshakeTimeout))

	if err := c.openMailbox(); err != nil {
		rejectPending(pending.conn)
		x.stats.handshakesFailed.Add(1)
		x.metricHandshake(ConnFailed, fields...)
		return nil, fmt.Errorf("accept: %w", err)
	}
	if err := c.initChannel(&pending.desc); err != nil {
		c.ch.close()
		rejectPending(pending.conn)
		x.stats.handshakesFailed.Add(1)
		x.metricHandshake(ConnFailed, fields...)
		return nil, fmt.Errorf("accept: %w", err)
	}
	reply := c.localDescriptor()
	reply.Reply = ConnAccepted
	if err := writeMailbox(pending.conn, &reply, nil); err != nil {
		c.ch.close()
		x.stats.handshakesFailed.Add(1)
		x.metricHandshake(ConnFailed, fields...)
		return nil, fmt.Errorf("accept: %w: %w", transport.ErrGeneric, err)
	}

	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		c.ch.close()
		return nil, transport.ErrInvalidArgument.WithOp("accept: endpoint closed")
	}
	c.status = ConnAccepted
	ep.conns = append(ep.conns, c)
	x.stats.handshakesAccepted.Add(1)
	ep.pushEvent(&ConnectAcceptedEvent{Connection: c, Context: context})
	ep.mu.Unlock()

	x.metricHandshake(ConnAccepted, fields...)
	x.logProgressEvent("connect_accepted", fields...)
	return c, nil
}

// rejectPending tells a waiting client that no channel will be built.
func rejectPending(conn net.Conn) {
	desc := mailboxDescriptor{Reply: ConnRejected}
	_ = writeMailbox(conn, &desc, nil)
}
