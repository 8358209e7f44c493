package fabric

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const (
	simulatedSlotHeader = 4
	simulatedSlotAlign  = 64
)

// SimulatedStats counts live resources held by a Simulated fabric.
type SimulatedStats struct {
	NICs             int
	CompletionQueues int
	Regions          int
	Endpoints        int
	MessagesSent     uint64
	MessagesReleased uint64
}

var _ Provider = (*Simulated)(nil)

// Simulated is an in-process fabric. Every NIC attached through the same
// Simulated value can exchange mailbox messages with every other, which makes
// it usable for multi-context tests and demos without RDMA hardware.
type Simulated struct {
	mu        sync.Mutex
	address   uint32
	nics      map[*simulatedNIC]struct{}
	regions   map[MemoryHandle]*simulatedRegion
	cqs       map[*simulatedCQ]struct{}
	endpoints map[*simulatedEndpoint]struct{}
	handleSeq uint64
	attachErr error
	cqErr     error
	sent      uint64
	released  uint64
}

var (
	defaultSimulatedOnce sync.Once
	defaultSimulated     *Simulated
)

// DefaultSimulated returns the process-wide simulated fabric.
func DefaultSimulated() *Simulated {
	defaultSimulatedOnce.Do(func() {
		defaultSimulated = NewSimulated(0x1)
	})
	return defaultSimulated
}

// NewSimulated creates an isolated simulated fabric whose kernel device 0 has
// the given NIC address.
func NewSimulated(address uint32) *Simulated {
	return &Simulated{
		address:   address,
		nics:      make(map[*simulatedNIC]struct{}),
		regions:   make(map[MemoryHandle]*simulatedRegion),
		cqs:       make(map[*simulatedCQ]struct{}),
		endpoints: make(map[*simulatedEndpoint]struct{}),
	}
}

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) LocalAddress(kernelID int) (uint32, error) {
	if kernelID < 0 {
		return 0, fmt.Errorf("kernel id %d: %w", kernelID, ErrInvalidParam)
	}
	return s.address + uint32(kernelID), nil
}

func (s *Simulated) Attach(attr DomainAttr, nicAddr uint32) (NIC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachErr != nil {
		return nil, s.attachErr
	}
	nic := &simulatedNIC{sim: s, addr: nicAddr, inst: attr.InstanceID, creds: attr.Credentials}
	s.nics[nic] = struct{}{}
	return nic, nil
}

func (s *Simulated) MailboxSize(attr MailboxAttr) (uint32, error) {
	if attr.MaxCredits == 0 || attr.MaxMsgSize == 0 {
		return 0, ErrInvalidParam
	}
	return attr.MaxCredits * simulatedSlotSize(attr.MaxMsgSize), nil
}

// FailAttach makes subsequent Attach calls fail with err. A nil err clears it.
func (s *Simulated) FailAttach(err error) {
	s.mu.Lock()
	s.attachErr = err
	s.mu.Unlock()
}

// FailCompletionQueues makes every Poll fail with err. A nil err clears it.
func (s *Simulated) FailCompletionQueues(err error) {
	s.mu.Lock()
	s.cqErr = err
	s.mu.Unlock()
}

// Stats returns a snapshot of live resources.
func (s *Simulated) Stats() SimulatedStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SimulatedStats{
		NICs:             len(s.nics),
		CompletionQueues: len(s.cqs),
		Regions:          len(s.regions),
		Endpoints:        len(s.endpoints),
		MessagesSent:     s.sent,
		MessagesReleased: s.released,
	}
}

func simulatedSlotSize(maxMsgSize uint32) uint32 {
	n := maxMsgSize + simulatedSlotHeader
	return (n + simulatedSlotAlign - 1) &^ (simulatedSlotAlign - 1)
}

type simulatedNIC struct {
	sim    *Simulated
	addr   uint32
	inst   uint32
	creds  Credentials
	closed bool
}

func (n *simulatedNIC) Address() uint32    { return n.addr }
func (n *simulatedNIC) InstanceID() uint32 { return n.inst }

func (n *simulatedNIC) CreateCompletionQueue(depth int) (CompletionQueue, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("completion queue depth %d: %w", depth, ErrInvalidParam)
	}
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	if n.closed {
		return nil, ErrClosed
	}
	cq := &simulatedCQ{nic: n, depth: depth}
	n.sim.cqs[cq] = struct{}{}
	return cq, nil
}

func (n *simulatedNIC) RegisterMemory(buf []byte, cq CompletionQueue) (MemoryHandle, error) {
	if len(buf) == 0 {
		return MemoryHandle{}, fmt.Errorf("register empty buffer: %w", ErrInvalidParam)
	}
	scq, ok := cq.(*simulatedCQ)
	if !ok || scq == nil {
		return MemoryHandle{}, fmt.Errorf("register memory: foreign completion queue: %w", ErrInvalidParam)
	}
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	if n.closed || scq.closed {
		return MemoryHandle{}, ErrClosed
	}
	n.sim.handleSeq++
	handle := MemoryHandle{
		Qword1: uint64(n.addr)<<32 | uint64(n.inst),
		Qword2: n.sim.handleSeq,
	}
	n.sim.regions[handle] = &simulatedRegion{nic: n, handle: handle, buf: buf, cq: scq}
	return handle, nil
}

func (n *simulatedNIC) DeregisterMemory(handle MemoryHandle) error {
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	region, ok := n.sim.regions[handle]
	if !ok || region.nic != n {
		return fmt.Errorf("deregister memory: %w", ErrNoSuchMailbox)
	}
	region.closed = true
	delete(n.sim.regions, handle)
	return nil
}

func (n *simulatedNIC) CreateEndpoint(cq CompletionQueue) (Endpoint, error) {
	scq, ok := cq.(*simulatedCQ)
	if !ok || scq == nil {
		return nil, fmt.Errorf("create endpoint: foreign completion queue: %w", ErrInvalidParam)
	}
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	if n.closed || scq.closed {
		return nil, ErrClosed
	}
	ep := &simulatedEndpoint{nic: n, cq: scq}
	n.sim.endpoints[ep] = struct{}{}
	return ep, nil
}

func (n *simulatedNIC) Close() error {
	n.sim.mu.Lock()
	defer n.sim.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	for ep := range n.sim.endpoints {
		if ep.nic == n {
			ep.closed = true
			delete(n.sim.endpoints, ep)
		}
	}
	for handle, region := range n.sim.regions {
		if region.nic == n {
			region.closed = true
			delete(n.sim.regions, handle)
		}
	}
	for cq := range n.sim.cqs {
		if cq.nic == n {
			cq.closed = true
			delete(n.sim.cqs, cq)
		}
	}
	delete(n.sim.nics, n)
	return nil
}

type simulatedCQ struct {
	nic     *simulatedNIC
	depth   int
	entries []Completion
	overrun bool
	closed  bool
}

func (q *simulatedCQ) Poll() (Completion, error) {
	sim := q.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if q.closed {
		return Completion{}, ErrClosed
	}
	if sim.cqErr != nil {
		return Completion{}, sim.cqErr
	}
	if q.overrun {
		q.overrun = false
		return Completion{}, ErrOverrun
	}
	if len(q.entries) == 0 {
		return Completion{}, ErrNotDone
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	return entry, nil
}

func (q *simulatedCQ) Close() error {
	sim := q.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	q.entries = nil
	delete(sim.cqs, q)
	return nil
}

// post must be called with the fabric mutex held.
func (q *simulatedCQ) post(c Completion) {
	if q == nil || q.closed {
		return
	}
	if len(q.entries) >= q.depth {
		q.overrun = true
		return
	}
	q.entries = append(q.entries, c)
}

type simulatedRegion struct {
	nic    *simulatedNIC
	handle MemoryHandle
	buf    []byte
	cq     *simulatedCQ
	inbox  *simulatedInbox
	closed bool
}

type simulatedInbox struct {
	offset   uint32
	slotSize uint32
	head     int
	count    int
	lengths  []uint32
	ids      []uint32
	senders  []*simulatedEndpoint
}

// mailbox lazily lays the inbox out over the registered buffer. Either peer
// may touch it first.
func (r *simulatedRegion) mailbox(attr MailboxAttr) (*simulatedInbox, error) {
	if r.inbox != nil {
		return r.inbox, nil
	}
	if attr.MaxCredits == 0 || attr.MaxMsgSize == 0 {
		return nil, ErrInvalidParam
	}
	slot := simulatedSlotSize(attr.MaxMsgSize)
	need := uint64(attr.Offset) + uint64(attr.MaxCredits)*uint64(slot)
	if need > uint64(len(r.buf)) {
		return nil, fmt.Errorf("mailbox needs %d bytes, region has %d: %w", need, len(r.buf), ErrInvalidParam)
	}
	r.inbox = &simulatedInbox{
		offset:   attr.Offset,
		slotSize: slot,
		lengths:  make([]uint32, attr.MaxCredits),
		ids:      make([]uint32, attr.MaxCredits),
		senders:  make([]*simulatedEndpoint, attr.MaxCredits),
	}
	return r.inbox, nil
}

func (b *simulatedInbox) slotOffset(idx int) int {
	return int(b.offset) + idx*int(b.slotSize)
}

type simulatedEndpoint struct {
	nic        *simulatedNIC
	cq         *simulatedCQ
	bound      bool
	remoteAddr uint32
	remoteInst uint32
	localData  uint32
	remoteData uint32
	local      *simulatedRegion
	remote     *simulatedRegion
	localAttr  MailboxAttr
	remoteAttr MailboxAttr
	closed     bool
}

func (e *simulatedEndpoint) Bind(nicAddr, instanceID uint32) error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for nic := range sim.nics {
		if nic.addr == nicAddr && nic.inst == instanceID && !nic.closed {
			e.bound = true
			e.remoteAddr = nicAddr
			e.remoteInst = instanceID
			return nil
		}
	}
	return fmt.Errorf("bind 0x%08x:0x%04x: %w", nicAddr, instanceID, ErrNoSuchMailbox)
}

func (e *simulatedEndpoint) SetEventData(local, remote uint32) error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.localData = local
	e.remoteData = remote
	return nil
}

func (e *simulatedEndpoint) InitMailbox(local, remote MailboxAttr) error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.bound {
		return fmt.Errorf("init mailbox on unbound endpoint: %w", ErrInvalidParam)
	}
	localRegion, ok := sim.regions[local.MemHandle]
	if !ok || localRegion.nic != e.nic {
		return fmt.Errorf("local mailbox: %w", ErrNoSuchMailbox)
	}
	remoteRegion, ok := sim.regions[remote.MemHandle]
	if !ok {
		return fmt.Errorf("remote mailbox: %w", ErrNoSuchMailbox)
	}
	if remoteRegion.nic.addr != e.remoteAddr || remoteRegion.nic.inst != e.remoteInst {
		return fmt.Errorf("remote mailbox not owned by bound peer: %w", ErrInvalidParam)
	}
	if _, err := localRegion.mailbox(local); err != nil {
		return err
	}
	e.local = localRegion
	e.remote = remoteRegion
	e.localAttr = local
	e.remoteAttr = remote
	return nil
}

func (e *simulatedEndpoint) Send(header, payload []byte, msgID uint32) error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.remote == nil {
		return fmt.Errorf("send before mailbox init: %w", ErrInvalidParam)
	}
	if e.remote.closed {
		return fmt.Errorf("send: %w", ErrNoSuchMailbox)
	}
	n := len(header) + len(payload)
	if uint32(n) > e.remoteAttr.MaxMsgSize {
		return fmt.Errorf("message of %d bytes exceeds %d: %w", n, e.remoteAttr.MaxMsgSize, ErrInvalidParam)
	}
	inbox, err := e.remote.mailbox(e.remoteAttr)
	if err != nil {
		return err
	}
	if inbox.count == len(inbox.lengths) {
		return ErrNotDone
	}
	idx := (inbox.head + inbox.count) % len(inbox.lengths)
	off := inbox.slotOffset(idx)
	binary.LittleEndian.PutUint32(e.remote.buf[off:], uint32(n))
	copy(e.remote.buf[off+simulatedSlotHeader:], header)
	copy(e.remote.buf[off+simulatedSlotHeader+len(header):], payload)
	inbox.lengths[idx] = uint32(n)
	inbox.ids[idx] = msgID
	inbox.senders[idx] = e
	inbox.count++
	e.remote.cq.post(Completion{Data: e.remoteData})
	sim.sent++
	return nil
}

func (e *simulatedEndpoint) GetNext() ([]byte, error) {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.local == nil || e.local.inbox == nil || e.local.inbox.count == 0 {
		return nil, ErrNotDone
	}
	inbox := e.local.inbox
	off := inbox.slotOffset(inbox.head) + simulatedSlotHeader
	end := off + int(inbox.lengths[inbox.head])
	return e.local.buf[off:end:end], nil
}

func (e *simulatedEndpoint) Release() error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.local == nil || e.local.inbox == nil || e.local.inbox.count == 0 {
		return fmt.Errorf("release without message: %w", ErrInvalidParam)
	}
	inbox := e.local.inbox
	sender := inbox.senders[inbox.head]
	id := inbox.ids[inbox.head]
	inbox.senders[inbox.head] = nil
	inbox.lengths[inbox.head] = 0
	inbox.head = (inbox.head + 1) % len(inbox.lengths)
	inbox.count--
	if sender != nil && !sender.closed {
		sender.cq.post(Completion{Data: id})
	}
	sim.released++
	return nil
}

func (e *simulatedEndpoint) Close() error {
	sim := e.nic.sim
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	delete(sim.endpoints, e)
	return nil
}
