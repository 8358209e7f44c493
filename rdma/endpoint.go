package rdma

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/fabric-transport/transport"
)

var _ transport.Endpoint = (*Endpoint)(nil)

// Endpoint owns a buffer pool, its connections and the event queue the
// application drains with GetEvent.
type Endpoint struct {
	ctx     *Context
	dev     *Device
	id      uint32
	name    string
	rxCount int

	// progressMu serializes reaping and handshakes between the progress
	// engine and GetEvent callers. It is taken before mu.
	progressMu sync.Mutex

	mu          sync.Mutex
	pool        *bufferPool
	conns       []*Connection
	requests    map[uint64]*pendingRequest
	ready       []endpointEvent
	outstanding map[transport.Event]struct{}
	seq         uint32
	rxStarved   bool

	closed atomic.Bool
}

// pendingRequest is a handshake socket waiting for Accept.
type pendingRequest struct {
	conn net.Conn
	desc mailboxDescriptor
}

// OpenEndpoint creates an endpoint on d, or on the first device when d is nil.
func (x *Context) OpenEndpoint(d *Device) (*Endpoint, error) {
	if x.shutdown.Load() {
		return nil, transport.ErrNoDevice.WithOp("create endpoint")
	}
	if d == nil {
		d = x.devices[0]
	}

	d.mu.Lock()
	id, err := d.ids.allocate()
	d.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	pool, err := newBufferPool(x.cfg.RxCount, x.cfg.TxCount, int(d.maxSendSize))
	if err != nil {
		d.mu.Lock()
		d.ids.release(id)
		d.mu.Unlock()
		return nil, fmt.Errorf("create endpoint: %w", err)
	}

	ep := &Endpoint{
		ctx:         x,
		dev:         d,
		id:          id,
		name:        fmt.Sprintf("%s0x%08x:0x%04x:%s:0x%04x", URIScheme, d.nicAddr, x.instance, x.nodeName, d.Port()),
		rxCount:     x.cfg.RxCount,
		pool:        pool,
		requests:    make(map[uint64]*pendingRequest),
		outstanding: make(map[transport.Event]struct{}),
	}

	d.mu.Lock()
	if x.shutdown.Load() {
		d.ids.release(id)
		d.mu.Unlock()
		return nil, transport.ErrNoDevice.WithOp("create endpoint")
	}
	d.endpoints = append(d.endpoints, ep)
	d.mu.Unlock()

	x.logf("rdma: endpoint %s id=%d device=%s rx=%d tx=%d", ep.name, id, d.name, x.cfg.RxCount, x.cfg.TxCount)
	return ep, nil
}

// Name is the endpoint URI: scheme, NIC address, instance, node and port.
func (ep *Endpoint) Name() string { return ep.name }

func (ep *Endpoint) Device() transport.Device { return ep.dev }

// ID is the endpoint id carried in completion event data.
func (ep *Endpoint) ID() uint32 { return ep.id }

func (ep *Endpoint) MaxRecvBufferCount() int { return ep.rxCount }

// GetEvent reaps completions on the calling goroutine when the progress
// engine is not already doing so, then hands out the oldest ready event.
// It reports ErrAgain when nothing is ready, or ErrNoBufferSpace when the
// application holds every receive buffer.
func (ep *Endpoint) GetEvent() (transport.Event, error) {
	if ep.ctx.shutdown.Load() {
		return nil, transport.ErrNoDevice.WithOp("get event")
	}
	if ep.progressMu.TryLock() {
		ep.reap(nil)
		ep.progressMu.Unlock()
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.pool == nil {
		return nil, transport.ErrInvalidArgument.WithOp("get event: endpoint closed")
	}
	if len(ep.ready) == 0 {
		if ep.rxStarved {
			return nil, transport.ErrNoBufferSpace.WithOp("get event")
		}
		return nil, transport.ErrAgain
	}
	ev := ep.ready[0]
	ep.ready[0] = nil
	ep.ready = ep.ready[1:]
	ep.outstanding[ev] = struct{}{}
	return ev, nil
}

// ReturnEvent hands ev back. Each event returned by GetEvent must be returned
// exactly once; later calls fail with ErrInvalidArgument.
func (ep *Endpoint) ReturnEvent(ev transport.Event) error {
	e, ok := ev.(endpointEvent)
	if !ok {
		return transport.ErrInvalidArgument.WithOp("return event: foreign event")
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if _, ok := ep.outstanding[ev]; !ok {
		return transport.ErrInvalidArgument.WithOp("return event: not outstanding")
	}
	delete(ep.outstanding, ev)
	e.recycle(ep)
	return nil
}

// Close releases the endpoint id, its buffers and every connection. After the
// Context has shut down it does nothing.
func (ep *Endpoint) Close() error {
	x := ep.ctx
	if x.shutdown.Load() {
		return nil
	}
	if !ep.closed.CompareAndSwap(false, true) {
		return nil
	}
	ep.dev.removeEndpoint(ep)

	ep.progressMu.Lock()
	ep.teardown()
	ep.progressMu.Unlock()

	ep.dev.mu.Lock()
	ep.dev.ids.release(ep.id)
	ep.dev.mu.Unlock()
	return nil
}

// teardown drops the pool, queues and staged requests and closes every
// channel. The caller holds progressMu or has stopped the progress engine.
func (ep *Endpoint) teardown() {
	ep.mu.Lock()
	conns := ep.conns
	requests := ep.requests
	ep.conns = nil
	ep.requests = nil
	ep.ready = nil
	ep.pool = nil
	for _, c := range conns {
		switch c.status {
		case ConnAccepted:
			c.status = ConnDisconnected
		case ConnPendingRequest, ConnPendingReply:
			c.status = ConnFailed
		}
	}
	ep.mu.Unlock()

	for _, c := range conns {
		c.ch.close()
	}
	for _, req := range requests {
		_ = req.conn.Close()
	}
	ep.ctx.logf("rdma: endpoint %s closed conns=%d requests=%d", ep.name, len(conns), len(requests))
}

func (ep *Endpoint) Reject(ev transport.Event) error {
	return transport.ErrNotImplemented.WithOp("reject")
}

func (ep *Endpoint) ArmOSHandle(flags int) error {
	return transport.ErrNotImplemented.WithOp("arm os handle")
}

func (ep *Endpoint) SetOpt(name transport.OptName, value any) error {
	return transport.ErrNotImplemented.WithOp("set opt")
}

func (ep *Endpoint) GetOpt(name transport.OptName) (any, error) {
	return nil, transport.ErrNotImplemented.WithOp("get opt")
}

func (ep *Endpoint) RegisterRMA(buf []byte, flags int) (transport.RMAHandle, error) {
	return 0, transport.ErrNotImplemented.WithOp("register rma")
}

func (ep *Endpoint) DeregisterRMA(handle transport.RMAHandle) error {
	return transport.ErrNotImplemented.WithOp("deregister rma")
}

// pushEvent queues ev for GetEvent. Requires mu.
func (ep *Endpoint) pushEvent(ev endpointEvent) {
	ep.ready = append(ep.ready, ev)
}

// nextRef names a new connection or staged request. Requires mu.
func (ep *Endpoint) nextRef() uint64 {
	ep.seq++
	return uint64(ep.id)<<32 | uint64(ep.seq)
}

// dropConn forgets c. Requires mu.
func (ep *Endpoint) dropConn(c *Connection) {
	for i, cur := range ep.conns {
		if cur == c {
			ep.conns = append(ep.conns[:i], ep.conns[i+1:]...)
			return
		}
	}
}

// connsIn snapshots the connections currently in status.
func (ep *Endpoint) connsIn(status ConnStatus) []*Connection {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	var out []*Connection
	for _, c := range ep.conns {
		if c.status == status {
			out = append(out, c)
		}
	}
	return out
}

func (ep *Endpoint) deviceField() logField { return logKV(labelDevice, ep.dev.name) }

func (ep *Endpoint) endpointField() logField { return logKV("endpoint", ep.id) }
