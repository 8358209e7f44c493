package rdma

import (
	"errors"
	"fmt"
	"time"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
	"github.com/rocketbitz/fabric-transport/transport"
)

// progress is the engine goroutine. Each pass drives client handshakes,
// stages incoming requests and reaps receive and send completions on every
// device. Idle passes back off from ProgressInterval up to 10ms.
func (x *Context) progress() {
	defer x.wg.Done()

	span := x.startProgressSpan()
	fields := []logField{logKV("context", x.id.String()), logKV("devices", len(x.devices))}
	x.logProgressEvent("start", fields...)
	spanAddEvent(span, "start", fields...)
	x.metricProgressStarted()
	defer func() {
		x.logProgressEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		x.metricProgressStopped()
		finishSpan(span, nil)
	}()

	maxBackoff := max(maxProgressBackoff, x.cfg.ProgressInterval)
	backoff := x.cfg.ProgressInterval
	for {
		select {
		case <-x.stopCh:
			return
		default:
		}

		busy := false
		for _, d := range x.devices {
			if d.progress(span) {
				busy = true
			}
		}
		if busy {
			backoff = x.cfg.ProgressInterval
			continue
		}

		select {
		case <-x.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// progress runs one pass over d and reports whether anything happened.
func (d *Device) progress(span Span) bool {
	if d.ctx.shutdown.Load() {
		return false
	}
	busy := false
	eps := d.snapshotEndpoints()
	for _, ep := range eps {
		ep.progressMu.Lock()
		if ep.completeHandshakes(span) {
			busy = true
		}
		ep.progressMu.Unlock()
	}
	if d.acceptRequests(span) {
		busy = true
	}
	for _, ep := range eps {
		ep.progressMu.Lock()
		if ep.reap(span) {
			busy = true
		}
		ep.progressMu.Unlock()
	}
	return busy
}

// reap drains receive then send completions of every accepted connection.
// The caller holds progressMu.
func (ep *Endpoint) reap(span Span) bool {
	if ep.closed.Load() {
		return false
	}
	conns := ep.connsIn(ConnAccepted)
	n := 0
	for _, c := range conns {
		n += ep.reapRecv(c, span)
	}
	for _, c := range conns {
		n += ep.reapSend(c, span)
	}
	return n > 0
}

// reapRecv moves every ready message of c into a receive descriptor and posts
// a RecvEvent for it, one receive completion per message. It stops early,
// leaving messages in the mailbox, when the endpoint runs out of receive
// descriptors.
func (ep *Endpoint) reapRecv(c *Connection, span Span) int {
	x := ep.ctx
	delivered := 0
	for {
		ep.mu.Lock()
		if ep.pool == nil || c.status != ConnAccepted {
			ep.mu.Unlock()
			return delivered
		}
		if ep.pool.freeRx() == 0 {
			starved := ep.rxStarved
			ep.rxStarved = true
			ep.mu.Unlock()
			if !starved {
				x.logProgressEvent("recv_exhausted", ep.deviceField(), ep.endpointField())
			}
			return delivered
		}
		ep.rxStarved = false
		ep.mu.Unlock()

		if _, err := c.ch.recvCQ.Poll(); err != nil {
			if !errors.Is(err, fabric.ErrNotDone) {
				ep.deviceFailed(c, "recv_cq", err, span)
			}
			return delivered
		}
		msg, err := c.ch.ep.GetNext()
		if errors.Is(err, fabric.ErrNotDone) {
			continue
		}
		if err != nil {
			ep.deviceFailed(c, "recv_mailbox", err, span)
			return delivered
		}

		ref, payload, perr := parseHeader(msg)
		if perr == nil && ref != c.ref {
			perr = fmt.Errorf("message for connection %#x arrived on %#x", ref, c.ref)
		}

		ep.mu.Lock()
		if ep.pool == nil {
			ep.mu.Unlock()
			return delivered
		}
		if perr == nil {
			rx := ep.pool.acquireRx()
			rx.length = copy(rx.buf, payload)
			rx.conn = c
			rx.state = rxPosted
			x.stats.recvCompleted.Add(1)
			ep.pushEvent(&RecvEvent{Connection: c, Data: rx.buf[:rx.length], rx: rx})
		}
		ep.mu.Unlock()

		if err := c.ch.ep.Release(); err != nil {
			ep.deviceFailed(c, "recv_release", err, span)
			return delivered
		}
		if perr != nil {
			x.stats.recvErrored.Add(1)
			x.metricReceiveFailed(perr, ep.deviceField())
			x.recordFailure(span, "recv_dropped", perr, ep.deviceField(), ep.endpointField())
			continue
		}
		delivered++
		x.metricReceiveCompleted(ep.deviceField())
	}
}

// reapSend matches send completions of c to their descriptors, returns their
// credits and posts SendEvents.
func (ep *Endpoint) reapSend(c *Connection, span Span) int {
	x := ep.ctx
	completed := 0
	for {
		ep.mu.Lock()
		if ep.pool == nil || c.status != ConnAccepted || c.credits >= c.maxCredits {
			ep.mu.Unlock()
			return completed
		}
		ep.mu.Unlock()

		comp, err := c.ch.sendCQ.Poll()
		if errors.Is(err, fabric.ErrNotDone) {
			return completed
		}
		if err != nil {
			ep.deviceFailed(c, "send_cq", err, span)
			return completed
		}

		ep.mu.Lock()
		if ep.pool == nil {
			ep.mu.Unlock()
			return completed
		}
		tx, ok := ep.pool.txByID(comp.Data)
		if !ok || tx.state != txInFlight || tx.conn != c {
			ep.mu.Unlock()
			unmatched := fmt.Errorf("completion for tx %d does not match an in-flight send", comp.Data)
			x.recordFailure(span, "send_unmatched", unmatched, ep.deviceField(), ep.endpointField())
			x.metricCQError("send_unmatched", unmatched, ep.deviceField())
			continue
		}
		next := c.returnCredit()
		x.stats.sendCompleted.Add(1)
		ep.completeSend(tx, nil)
		ep.mu.Unlock()

		completed++
		x.metricSendCompleted(ep.deviceField())
		c.issueQueued(next, span)
	}
}

// completeSend posts the SendEvent for tx, or recycles tx straight away for a
// silent send that succeeded. Requires mu.
func (ep *Endpoint) completeSend(tx *txDesc, err error) {
	if tx.silent && err == nil {
		ep.pool.releaseTx(tx)
		return
	}
	tx.state = txPosted
	ep.pushEvent(&SendEvent{Connection: tx.conn, Context: tx.context, Err: err, tx: tx})
}

// deviceFailed marks c failed and posts a DeviceFailedEvent so the
// application learns of the fault instead of waiting on the channel. Every
// send still outstanding on c completes with the fault.
func (ep *Endpoint) deviceFailed(c *Connection, kind string, err error, span Span) {
	x := ep.ctx
	err = fmt.Errorf("%s: %w: %w", kind, transport.ErrGeneric, err)
	fields := []logField{ep.deviceField(), ep.endpointField(), logKV("connection", fmt.Sprintf("%#x", c.ref)), logKV("source", kind)}
	x.stats.deviceFailures.Add(1)
	x.recordFailure(span, "cq_error", err, fields...)
	x.metricCQError("cq_error", err, fields...)

	ep.mu.Lock()
	if ep.pool == nil || c.status == ConnFailed {
		ep.mu.Unlock()
		return
	}
	c.status = ConnFailed
	outstanding := ep.pool.detach(c)
	x.stats.sendErrored.Add(uint64(len(outstanding)))
	ep.pushEvent(&DeviceFailedEvent{Connection: c, Context: c.context, Err: err})
	for _, tx := range outstanding {
		ep.completeSend(tx, err)
	}
	ep.mu.Unlock()

	for range outstanding {
		x.metricSendFailed(err, ep.deviceField())
	}
}
