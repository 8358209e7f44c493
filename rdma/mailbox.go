package rdma

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
	"github.com/rocketbitz/fabric-transport/transport"
)

// mailboxDescriptorSize is the fixed wire size of a mailbox descriptor.
const mailboxDescriptorSize = 64

// MaxConnectPayload bounds the opaque payload carried by a connect request.
const MaxConnectPayload = 1024

// mailboxDescriptor is exchanged over the TCP handshake. All fields are
// little-endian:
//
//	0  nic address        u32
//	4  instance id        u32
//	8  mailbox type       u32
//	12 max credits        u32
//	16 max message size   u32
//	20 buffer size        u32
//	24 mailbox offset     u32
//	28 attribute          u32
//	32 memory handle      2 x u64
//	48 connection ref     u64
//	56 payload length     u32
//	60 reply              u32
type mailboxDescriptor struct {
	NICAddress    uint32
	InstanceID    uint32
	Type          fabric.MailboxType
	MaxCredits    uint32
	MaxMsgSize    uint32
	BufferSize    uint32
	Offset        uint32
	Attribute     transport.Attribute
	MemHandle     fabric.MemoryHandle
	ConnRef       uint64
	PayloadLength uint32
	Reply         ConnStatus
}

func (m *mailboxDescriptor) MarshalBinary() ([]byte, error) {
	b := make([]byte, mailboxDescriptorSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], m.NICAddress)
	le.PutUint32(b[4:], m.InstanceID)
	le.PutUint32(b[8:], uint32(m.Type))
	le.PutUint32(b[12:], m.MaxCredits)
	le.PutUint32(b[16:], m.MaxMsgSize)
	le.PutUint32(b[20:], m.BufferSize)
	le.PutUint32(b[24:], m.Offset)
	le.PutUint32(b[28:], uint32(m.Attribute))
	le.PutUint64(b[32:], m.MemHandle.Qword1)
	le.PutUint64(b[40:], m.MemHandle.Qword2)
	le.PutUint64(b[48:], m.ConnRef)
	le.PutUint32(b[56:], m.PayloadLength)
	le.PutUint32(b[60:], uint32(m.Reply))
	return b, nil
}

func (m *mailboxDescriptor) UnmarshalBinary(b []byte) error {
	if len(b) != mailboxDescriptorSize {
		return fmt.Errorf("mailbox descriptor: %d bytes, want %d", len(b), mailboxDescriptorSize)
	}
	le := binary.LittleEndian
	m.NICAddress = le.Uint32(b[0:])
	m.InstanceID = le.Uint32(b[4:])
	m.Type = fabric.MailboxType(le.Uint32(b[8:]))
	m.MaxCredits = le.Uint32(b[12:])
	m.MaxMsgSize = le.Uint32(b[16:])
	m.BufferSize = le.Uint32(b[20:])
	m.Offset = le.Uint32(b[24:])
	m.Attribute = transport.Attribute(le.Uint32(b[28:]))
	m.MemHandle.Qword1 = le.Uint64(b[32:])
	m.MemHandle.Qword2 = le.Uint64(b[40:])
	m.ConnRef = le.Uint64(b[48:])
	m.PayloadLength = le.Uint32(b[56:])
	m.Reply = ConnStatus(le.Uint32(b[60:]))
	return m.validate()
}

func (m *mailboxDescriptor) validate() error {
	if m.PayloadLength > MaxConnectPayload {
		return fmt.Errorf("mailbox descriptor: payload length %d exceeds %d", m.PayloadLength, MaxConnectPayload)
	}
	// A rejection carries no mailbox.
	if m.Reply == ConnRejected {
		return nil
	}
	switch {
	case m.MaxCredits == 0:
		return fmt.Errorf("mailbox descriptor: zero credits")
	case m.MaxMsgSize <= HeaderSize:
		return fmt.Errorf("mailbox descriptor: message size %d too small", m.MaxMsgSize)
	case m.MemHandle.IsZero():
		return fmt.Errorf("mailbox descriptor: missing memory handle")
	case !m.Attribute.Valid():
		return fmt.Errorf("mailbox descriptor: unknown attribute %d", m.Attribute)
	}
	return nil
}

// attr returns the fabric view of the described mailbox.
func (m *mailboxDescriptor) attr() fabric.MailboxAttr {
	return fabric.MailboxAttr{
		Type:       m.Type,
		BufferSize: m.BufferSize,
		MemHandle:  m.MemHandle,
		Offset:     m.Offset,
		MaxCredits: m.MaxCredits,
		MaxMsgSize: m.MaxMsgSize,
	}
}

func writeMailbox(w io.Writer, m *mailboxDescriptor, payload []byte) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if len(payload) > 0 {
		b = append(b, payload...)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write mailbox descriptor: %w", err)
	}
	return nil
}

// readMailbox reads a descriptor and the payload it announces.
func readMailbox(r io.Reader) (mailboxDescriptor, []byte, error) {
	var m mailboxDescriptor
	b := make([]byte, mailboxDescriptorSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return m, nil, fmt.Errorf("read mailbox descriptor: %w", err)
	}
	if err := m.UnmarshalBinary(b); err != nil {
		return m, nil, err
	}
	if m.PayloadLength == 0 {
		return m, nil, nil
	}
	payload := make([]byte, m.PayloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return m, nil, fmt.Errorf("read connect payload: %w", err)
	}
	return m, payload, nil
}
