package rdma

import (
	"fmt"
	"time"

	"github.com/rocketbitz/fabric-transport/transport"
)

// ConnStatus is the handshake state of a connection. It is also the reply code
// carried in mailbox descriptors.
type ConnStatus uint32

const (
	ConnPendingRequest ConnStatus = iota
	ConnPendingReply
	ConnAccepted
	ConnRejected
	ConnFailed
	ConnDisconnected
)

func (s ConnStatus) String() string {
	switch s {
	case ConnPendingRequest:
		return "PENDING_REQUEST"
	case ConnPendingReply:
		return "PENDING_REPLY"
	case ConnAccepted:
		return "ACCEPTED"
	case ConnRejected:
		return "REJECTED"
	case ConnFailed:
		return "FAILED"
	case ConnDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint32(s))
	}
}

var _ transport.Connection = (*Connection)(nil)

// Connection is one side of an established or establishing mailbox channel.
type Connection struct {
	ep        *Endpoint
	ref       uint64
	remoteRef uint64
	attr      transport.Attribute
	context   any

	// Guarded by ep.mu.
	status      ConnStatus
	maxSendSize uint32
	credits     uint32
	maxCredits  uint32

	ch   channel
	dial *dialState
}

// dialState is what the progress engine needs to run a client handshake.
type dialState struct {
	addr    string
	data    []byte
	timeout time.Duration
}

// Endpoint returns the owning endpoint.
func (c *Connection) Endpoint() transport.Endpoint { return c.ep }

// MaxSendSize is the negotiated payload limit of a single Send.
func (c *Connection) MaxSendSize() uint32 {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	return c.maxSendSize
}

func (c *Connection) Attribute() transport.Attribute { return c.attr }

func (c *Connection) Context() any { return c.context }

// Status reports the handshake state.
func (c *Connection) Status() ConnStatus {
	c.ep.mu.Lock()
	defer c.ep.mu.Unlock()
	return c.status
}

// Send transmits data. With a credit available the message is handed to the
// fabric straight from data; otherwise it is copied into an endpoint buffer
// and queued until a send completion returns a credit. Completion is reported
// as a SendEvent unless SendSilent is set.
func (c *Connection) Send(data []byte, context any, flags transport.SendFlag) error {
	if flags&transport.SendBlocking != 0 {
		return transport.ErrNotImplemented.WithOp("blocking send")
	}
	ep := c.ep
	x := ep.ctx

	ep.mu.Lock()
	if ep.pool == nil {
		ep.mu.Unlock()
		if x.shutdown.Load() {
			return transport.ErrNoDevice.WithOp("send")
		}
		return transport.ErrInvalidArgument.WithOp("send: endpoint closed")
	}
	if c.status != ConnAccepted {
		status := c.status
		ep.mu.Unlock()
		return transport.ErrInvalidArgument.WithOp("send: connection " + status.String())
	}
	if uint32(len(data)) > c.maxSendSize {
		limit := c.maxSendSize
		ep.mu.Unlock()
		return fmt.Errorf("send %d bytes over limit %d: %w", len(data), limit, transport.ErrInvalidArgument)
	}
	tx := ep.pool.acquireTx()
	if tx == nil {
		ep.mu.Unlock()
		return transport.ErrNoBufferSpace.WithOp("send")
	}
	tx.conn = c
	tx.context = context
	tx.silent = flags&transport.SendSilent != 0

	if c.credits == 0 {
		n := copy(tx.buf, data)
		tx.data = tx.buf[:n]
		tx.zeroCopy = false
		ep.pool.enqueue(tx)
		ep.mu.Unlock()
		x.stats.sendQueued.Add(1)
		x.metricSendQueued(ep.deviceField())
		return nil
	}

	c.credits--
	tx.data = data
	tx.zeroCopy = true
	tx.state = txInFlight
	ep.mu.Unlock()

	if err := c.issue(tx); err != nil {
		ep.mu.Lock()
		if c.status == ConnFailed {
			// deviceFailed already completed tx with an error event.
			ep.mu.Unlock()
			return nil
		}
		next := c.returnCredit()
		if ep.pool != nil {
			ep.pool.releaseTx(tx)
		}
		ep.mu.Unlock()
		c.issueQueued(next, nil)
		x.stats.sendErrored.Add(1)
		x.metricSendFailed(err, ep.deviceField())
		return fmt.Errorf("send: %w: %w", transport.ErrGeneric, err)
	}
	x.stats.sendPosted.Add(1)
	return nil
}

// returnCredit gives one credit back. When the count leaves zero the oldest
// queued send of c is dequeued and takes the credit again; the caller must
// issue it after dropping the lock. Requires ep.mu.
func (c *Connection) returnCredit() *txDesc {
	if c.credits >= c.maxCredits {
		panic(fmt.Sprintf("rdma: credit overflow on connection %#x", c.ref))
	}
	c.credits++
	if c.credits != 1 || c.ep.pool == nil {
		return nil
	}
	tx := c.ep.pool.dequeueFor(c)
	if tx == nil {
		return nil
	}
	c.credits--
	tx.state = txInFlight
	return tx
}

// issueQueued hands a dequeued send to the fabric. A failure completes the
// send with an error event and moves the credit on to the next queued send.
func (c *Connection) issueQueued(tx *txDesc, span Span) {
	ep := c.ep
	x := ep.ctx
	for tx != nil {
		err := c.issue(tx)
		if err == nil {
			x.stats.sendPosted.Add(1)
			x.logProgressEvent("send_requeued", ep.deviceField(), logKV("connection", fmt.Sprintf("%#x", c.ref)), logKV("tx", tx.id))
			return
		}
		ep.mu.Lock()
		if c.status == ConnFailed {
			ep.mu.Unlock()
			return
		}
		next := c.returnCredit()
		if ep.pool != nil {
			x.stats.sendErrored.Add(1)
			ep.completeSend(tx, fmt.Errorf("queued send: %w: %w", transport.ErrGeneric, err))
		}
		ep.mu.Unlock()

		x.metricSendFailed(err, ep.deviceField())
		x.recordFailure(span, "send_failed", err, ep.deviceField(), logKV("connection", fmt.Sprintf("%#x", c.ref)))
		tx = next
	}
}

func (c *Connection) SendV(data [][]byte, context any, flags transport.SendFlag) error {
	return transport.ErrNotImplemented.WithOp("sendv")
}

func (c *Connection) RMA(header []byte, local transport.RMAHandle, localOffset uint64, remote transport.RMAHandle, remoteOffset uint64, length uint64, context any, flags int) error {
	return transport.ErrNotImplemented.WithOp("rma")
}

// Disconnect is not supported; connections end when their endpoint closes.
func (c *Connection) Disconnect() error {
	return transport.ErrNotImplemented.WithOp("disconnect")
}
