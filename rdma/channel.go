package rdma

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
)

var cacheLineSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// channel is the fabric side of a connection: the local mailbox, its
// completion queues and the endpoint bound to the peer.
type channel struct {
	nic    fabric.NIC
	sendCQ fabric.CompletionQueue
	recvCQ fabric.CompletionQueue
	local  fabric.MailboxAttr
	ep     fabric.Endpoint
	closed bool
}

func roundUp(n, align int) int {
	return (n + align - 1) / align * align
}

// alignedBuffer returns a zeroed size-byte slice starting on an align boundary.
func alignedBuffer(size, align int) []byte {
	raw := make([]byte, size+align)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(align)); rem != 0 {
		off = align - rem
	}
	return raw[off : off+size : off+size]
}

// openMailbox builds the local half of the channel: completion queues, the
// registered mailbox buffer and an unbound fabric endpoint.
func (c *Connection) openMailbox() error {
	dev := c.ep.dev
	nic := dev.nic

	sendCQ, err := nic.CreateCompletionQueue(MaxCredits)
	if err != nil {
		return fmt.Errorf("create send completion queue: %w", err)
	}
	recvCQ, err := nic.CreateCompletionQueue(2 * MaxCredits)
	if err != nil {
		_ = sendCQ.Close()
		return fmt.Errorf("create receive completion queue: %w", err)
	}

	attr := fabric.MailboxAttr{
		Type:       fabric.MailboxTypeAutoRetransmit,
		MaxCredits: MaxCredits,
		MaxMsgSize: dev.maxSendSize + HeaderSize,
	}
	need, err := dev.ctx.provider.MailboxSize(attr)
	if err != nil {
		_ = recvCQ.Close()
		_ = sendCQ.Close()
		return fmt.Errorf("size mailbox: %w", err)
	}
	size := roundUp(int(need), cacheLineSize)
	attr.Buffer = alignedBuffer(size, cacheLineSize)
	attr.BufferSize = uint32(size)

	attr.MemHandle, err = nic.RegisterMemory(attr.Buffer, recvCQ)
	if err != nil {
		_ = recvCQ.Close()
		_ = sendCQ.Close()
		return fmt.Errorf("register mailbox: %w", err)
	}

	ep, err := nic.CreateEndpoint(sendCQ)
	if err != nil {
		_ = nic.DeregisterMemory(attr.MemHandle)
		_ = recvCQ.Close()
		_ = sendCQ.Close()
		return fmt.Errorf("create fabric endpoint: %w", err)
	}

	c.ch = channel{nic: nic, sendCQ: sendCQ, recvCQ: recvCQ, local: attr, ep: ep}
	return nil
}

// initChannel binds the fabric endpoint to the peer described by remote and
// negotiates the send size and credit allowance.
func (c *Connection) initChannel(remote *mailboxDescriptor) error {
	if err := c.ch.ep.Bind(remote.NICAddress, remote.InstanceID); err != nil {
		return fmt.Errorf("bind peer: %w", err)
	}
	if err := c.ch.ep.SetEventData(0, c.ep.id); err != nil {
		return fmt.Errorf("set event data: %w", err)
	}
	if err := c.ch.ep.InitMailbox(c.ch.local, remote.attr()); err != nil {
		return fmt.Errorf("init mailbox: %w", err)
	}

	c.remoteRef = remote.ConnRef
	c.maxSendSize = c.ep.dev.maxSendSize
	if peer := remote.MaxMsgSize - HeaderSize; peer < c.maxSendSize {
		c.maxSendSize = peer
	}
	c.maxCredits = min(MaxCredits, remote.MaxCredits)
	c.credits = c.maxCredits
	return nil
}

// close releases every fabric resource the channel holds.
func (ch *channel) close() {
	if ch.closed {
		return
	}
	ch.closed = true
	if ch.ep != nil {
		_ = ch.ep.Close()
	}
	if !ch.local.MemHandle.IsZero() {
		_ = ch.nic.DeregisterMemory(ch.local.MemHandle)
	}
	if ch.recvCQ != nil {
		_ = ch.recvCQ.Close()
	}
	if ch.sendCQ != nil {
		_ = ch.sendCQ.Close()
	}
}

// localDescriptor describes the local mailbox to the peer.
func (c *Connection) localDescriptor() mailboxDescriptor {
	return mailboxDescriptor{
		NICAddress: c.ep.dev.nicAddr,
		InstanceID: c.ep.dev.ctx.instance,
		Type:       c.ch.local.Type,
		MaxCredits: c.ch.local.MaxCredits,
		MaxMsgSize: c.ch.local.MaxMsgSize,
		BufferSize: c.ch.local.BufferSize,
		Offset:     c.ch.local.Offset,
		Attribute:  c.attr,
		MemHandle:  c.ch.local.MemHandle,
		ConnRef:    c.ref,
	}
}

// Message header: the receiver's connection ref, the payload length and a
// reserved word.
func putHeader(hdr []byte, ref uint64, length uint32) {
	binary.LittleEndian.PutUint64(hdr[0:], ref)
	binary.LittleEndian.PutUint32(hdr[8:], length)
	binary.LittleEndian.PutUint32(hdr[12:], 0)
}

func parseHeader(msg []byte) (uint64, []byte, error) {
	if len(msg) < HeaderSize {
		return 0, nil, fmt.Errorf("message of %d bytes shorter than header", len(msg))
	}
	ref := binary.LittleEndian.Uint64(msg[0:])
	length := binary.LittleEndian.Uint32(msg[8:])
	if int(length) != len(msg)-HeaderSize {
		return 0, nil, fmt.Errorf("header announces %d bytes, message carries %d", length, len(msg)-HeaderSize)
	}
	return ref, msg[HeaderSize:], nil
}

// issue hands tx to the fabric. The caller has already consumed a credit.
func (c *Connection) issue(tx *txDesc) error {
	var hdr [HeaderSize]byte
	putHeader(hdr[:], c.remoteRef, uint32(len(tx.data)))
	if err := c.ch.ep.Send(hdr[:], tx.data, tx.id); err != nil {
		return fmt.Errorf("fabric send: %w", err)
	}
	return nil
}
