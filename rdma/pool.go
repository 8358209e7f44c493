package rdma

import (
	"fmt"

	"github.com/rocketbitz/fabric-transport/transport"
)

type txState uint8

const (
	txFree txState = iota
	txQueued
	txInFlight
	txPosted
)

type rxState uint8

const (
	rxFree rxState = iota
	rxPosted
)

// txDesc is a send descriptor. buf is its slice of the tx region; data is the
// message to transmit and aliases either buf or the caller's buffer.
type txDesc struct {
	id       uint32
	buf      []byte
	data     []byte
	zeroCopy bool
	silent   bool
	conn     *Connection
	context  any
	state    txState
}

type rxDesc struct {
	id     uint32
	buf    []byte
	length int
	conn   *Connection
	state  rxState
}

// allocRegion backs the rx and tx regions of a pool.
var allocRegion = func(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// bufferPool holds an endpoint's fixed rx and tx descriptors. Free lists are
// LIFO stacks of descriptor indices. All methods require the endpoint mutex.
type bufferPool struct {
	rxRegion []byte
	txRegion []byte
	rx       []rxDesc
	tx       []txDesc
	rxFree   []uint32
	txFree   []uint32
	queue    []uint32
}

func newBufferPool(rxCount, txCount, size int) (*bufferPool, error) {
	if rxCount <= 0 || txCount <= 0 || size <= 0 {
		return nil, transport.ErrInvalidArgument.WithOp("create buffer pool")
	}
	rxRegion, err := allocRegion(rxCount * size)
	if err != nil {
		return nil, fmt.Errorf("allocate rx region: %w: %w", transport.ErrNoMemory, err)
	}
	txRegion, err := allocRegion(txCount * size)
	if err != nil {
		return nil, fmt.Errorf("allocate tx region: %w: %w", transport.ErrNoMemory, err)
	}

	p := &bufferPool{
		rxRegion: rxRegion,
		txRegion: txRegion,
		rx:       make([]rxDesc, rxCount),
		tx:       make([]txDesc, txCount),
		rxFree:   make([]uint32, 0, rxCount),
		txFree:   make([]uint32, 0, txCount),
	}
	for i := range p.rx {
		off := i * size
		p.rx[i] = rxDesc{id: uint32(i), buf: rxRegion[off : off+size : off+size]}
	}
	for i := range p.tx {
		off := i * size
		p.tx[i] = txDesc{id: uint32(i), buf: txRegion[off : off+size : off+size], zeroCopy: true}
	}
	for i := rxCount - 1; i >= 0; i-- {
		p.rxFree = append(p.rxFree, uint32(i))
	}
	for i := txCount - 1; i >= 0; i-- {
		p.txFree = append(p.txFree, uint32(i))
	}
	return p, nil
}

func (p *bufferPool) acquireTx() *txDesc {
	n := len(p.txFree)
	if n == 0 {
		return nil
	}
	tx := &p.tx[p.txFree[n-1]]
	p.txFree = p.txFree[:n-1]
	return tx
}

// releaseTx restores tx and pushes it on top of the free stack.
func (p *bufferPool) releaseTx(tx *txDesc) {
	if tx.state == txFree {
		panic(fmt.Sprintf("rdma: tx descriptor %d released twice", tx.id))
	}
	p.resetTx(tx)
	tx.state = txFree
	p.txFree = append(p.txFree, tx.id)
}

// resetTx drops everything tx held for its last send.
func (p *bufferPool) resetTx(tx *txDesc) {
	if !tx.zeroCopy {
		clear(tx.buf[:len(tx.data)])
	}
	tx.data = nil
	tx.zeroCopy = true
	tx.silent = false
	tx.conn = nil
	tx.context = nil
}

func (p *bufferPool) acquireRx() *rxDesc {
	n := len(p.rxFree)
	if n == 0 {
		return nil
	}
	rx := &p.rx[p.rxFree[n-1]]
	p.rxFree = p.rxFree[:n-1]
	return rx
}

func (p *bufferPool) releaseRx(rx *rxDesc) {
	if rx.state == rxFree {
		panic(fmt.Sprintf("rdma: rx descriptor %d released twice", rx.id))
	}
	rx.length = 0
	rx.conn = nil
	rx.state = rxFree
	p.rxFree = append(p.rxFree, rx.id)
}

func (p *bufferPool) enqueue(tx *txDesc) {
	tx.state = txQueued
	p.queue = append(p.queue, tx.id)
}

// dequeueFor removes the oldest queued descriptor that belongs to conn.
func (p *bufferPool) dequeueFor(conn *Connection) *txDesc {
	for i, id := range p.queue {
		tx := &p.tx[id]
		if tx.conn != conn {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		return tx
	}
	return nil
}

// detach takes every outstanding send of conn out of the pool's hands: its
// in-flight descriptors first, then its queued ones in queue order.
func (p *bufferPool) detach(conn *Connection) []*txDesc {
	var out []*txDesc
	for i := range p.tx {
		if tx := &p.tx[i]; tx.conn == conn && tx.state == txInFlight {
			out = append(out, tx)
		}
	}
	kept := p.queue[:0]
	for _, id := range p.queue {
		tx := &p.tx[id]
		if tx.conn == conn {
			out = append(out, tx)
			continue
		}
		kept = append(kept, id)
	}
	p.queue = kept
	return out
}

func (p *bufferPool) txByID(id uint32) (*txDesc, bool) {
	if int(id) >= len(p.tx) {
		return nil, false
	}
	return &p.tx[id], true
}

func (p *bufferPool) freeRx() int { return len(p.rxFree) }
func (p *bufferPool) freeTx() int { return len(p.txFree) }
func (p *bufferPool) queued() int { return len(p.queue) }
