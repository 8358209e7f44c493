// Package fabric describes the short-message RDMA fabric consumed by the rdma
// transport: communication domain attach, completion queues, memory
// registration and credit-bounded mailbox endpoints.
package fabric

import "errors"

var (
	// ErrNotDone indicates that no completion or message is ready, or that the
	// remote mailbox has no free slot for another message.
	ErrNotDone = errors.New("fabric: not done")
	// ErrInvalidParam indicates an argument the fabric rejected.
	ErrInvalidParam = errors.New("fabric: invalid parameter")
	// ErrNoSuchMailbox indicates the peer mailbox or NIC could not be located.
	ErrNoSuchMailbox = errors.New("fabric: no such mailbox")
	// ErrOverrun indicates completion entries were dropped because a queue was full.
	ErrOverrun = errors.New("fabric: completion queue overrun")
	// ErrClosed indicates the resource was already released.
	ErrClosed = errors.New("fabric: resource closed")
)

// Credentials are the protection tag and cookie the launcher hands to every
// process of a job.
type Credentials struct {
	PTag   uint8
	Cookie uint32
}

// DomainAttr controls how a communication domain is created and attached.
type DomainAttr struct {
	InstanceID  uint32
	KernelID    int
	Credentials Credentials
}

// MailboxType selects the short-message channel flavour.
type MailboxType uint32

const (
	MailboxTypeNone MailboxType = iota
	MailboxTypeMbox
	MailboxTypeAutoRetransmit
)

func (t MailboxType) String() string {
	switch t {
	case MailboxTypeMbox:
		return "mbox"
	case MailboxTypeAutoRetransmit:
		return "mbox_auto_retransmit"
	default:
		return "none"
	}
}

// MemoryHandle is the opaque two-word key of a registered memory region.
type MemoryHandle struct {
	Qword1 uint64
	Qword2 uint64
}

// IsZero reports whether the handle was never assigned.
func (h MemoryHandle) IsZero() bool {
	return h.Qword1 == 0 && h.Qword2 == 0
}

// MailboxAttr describes one side of a mailbox channel. Buffer is only
// meaningful on the local side.
type MailboxAttr struct {
	Type       MailboxType
	Buffer     []byte
	BufferSize uint32
	MemHandle  MemoryHandle
	Offset     uint32
	MaxCredits uint32
	MaxMsgSize uint32
}

// Completion is a single completion queue entry. On a send queue Data carries
// the message id passed to Send; on a receive queue it carries the remote
// event data configured by the sender.
type Completion struct {
	Data uint32
}

// Provider is a fabric implementation able to attach communication domains.
type Provider interface {
	Name() string
	// LocalAddress returns the NIC address for the given kernel device id.
	LocalAddress(kernelID int) (uint32, error)
	Attach(attr DomainAttr, nicAddr uint32) (NIC, error)
	// MailboxSize reports the registered buffer size a mailbox with the given
	// credits and message size requires.
	MailboxSize(attr MailboxAttr) (uint32, error)
}

// NIC is an attached communication domain.
type NIC interface {
	Address() uint32
	InstanceID() uint32
	CreateCompletionQueue(depth int) (CompletionQueue, error)
	// RegisterMemory pins buf and routes incoming message events to cq.
	RegisterMemory(buf []byte, cq CompletionQueue) (MemoryHandle, error)
	DeregisterMemory(handle MemoryHandle) error
	// CreateEndpoint creates an unbound endpoint whose local send completions
	// are delivered to cq.
	CreateEndpoint(cq CompletionQueue) (Endpoint, error)
	Close() error
}

// CompletionQueue is polled without blocking.
type CompletionQueue interface {
	// Poll returns ErrNotDone when no entry is ready.
	Poll() (Completion, error)
	Close() error
}

// Endpoint is one side of a point-to-point mailbox channel.
type Endpoint interface {
	Bind(nicAddr, instanceID uint32) error
	SetEventData(local, remote uint32) error
	InitMailbox(local, remote MailboxAttr) error
	// Send writes header and payload into the remote mailbox. It returns
	// ErrNotDone when the remote mailbox has no free slot.
	Send(header, payload []byte, msgID uint32) error
	// GetNext returns the oldest unreleased inbound message without consuming
	// it. The slice aliases mailbox memory and is valid until Release.
	GetNext() ([]byte, error)
	// Release frees the slot returned by the last GetNext.
	Release() error
	Close() error
}
