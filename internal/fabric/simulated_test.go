package fabric

import (
	"errors"
	"testing"
)

type simulatedPeer struct {
	nic    NIC
	sendCQ CompletionQueue
	recvCQ CompletionQueue
	attr   MailboxAttr
	ep     Endpoint
}

func newSimulatedPeer(t *testing.T, sim *Simulated, inst uint32, credits uint32) *simulatedPeer {
	t.Helper()
	nic, err := sim.Attach(DomainAttr{InstanceID: inst}, 0x10)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	sendCQ, err := nic.CreateCompletionQueue(int(credits))
	if err != nil {
		t.Fatalf("send cq: %v", err)
	}
	recvCQ, err := nic.CreateCompletionQueue(int(credits) * 2)
	if err != nil {
		t.Fatalf("recv cq: %v", err)
	}
	attr := MailboxAttr{Type: MailboxTypeAutoRetransmit, MaxCredits: credits, MaxMsgSize: 64}
	size, err := sim.MailboxSize(attr)
	if err != nil {
		t.Fatalf("MailboxSize: %v", err)
	}
	attr.Buffer = make([]byte, size)
	attr.BufferSize = size
	attr.MemHandle, err = nic.RegisterMemory(attr.Buffer, recvCQ)
	if err != nil {
		t.Fatalf("RegisterMemory: %v", err)
	}
	ep, err := nic.CreateEndpoint(sendCQ)
	if err != nil {
		t.Fatalf("CreateEndpoint: %v", err)
	}
	return &simulatedPeer{nic: nic, sendCQ: sendCQ, recvCQ: recvCQ, attr: attr, ep: ep}
}

func connectSimulatedPeers(t *testing.T, a, b *simulatedPeer) {
	t.Helper()
	for _, pair := range [][2]*simulatedPeer{{a, b}, {b, a}} {
		local, remote := pair[0], pair[1]
		if err := local.ep.Bind(remote.nic.Address(), remote.nic.InstanceID()); err != nil {
			t.Fatalf("Bind: %v", err)
		}
		if err := local.ep.SetEventData(0, local.nic.InstanceID()); err != nil {
			t.Fatalf("SetEventData: %v", err)
		}
		if err := local.ep.InitMailbox(local.attr, remote.attr); err != nil {
			t.Fatalf("InitMailbox: %v", err)
		}
	}
}

func TestSimulatedSendReceiveRelease(t *testing.T) {
	sim := NewSimulated(0x10)
	a := newSimulatedPeer(t, sim, 1, 2)
	b := newSimulatedPeer(t, sim, 2, 2)
	connectSimulatedPeers(t, a, b)

	if err := a.ep.Send([]byte("hd"), []byte("payload"), 7); err != nil {
		t.Fatalf("Send: %v", err)
	}

	entry, err := b.recvCQ.Poll()
	if err != nil {
		t.Fatalf("recv Poll: %v", err)
	}
	if entry.Data != 1 {
		t.Fatalf("unexpected remote event data %d", entry.Data)
	}
	msg, err := b.ep.GetNext()
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if string(msg) != "hdpayload" {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := a.sendCQ.Poll(); !errors.Is(err, ErrNotDone) {
		t.Fatalf("send completion before release: %v", err)
	}
	if err := b.ep.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	done, err := a.sendCQ.Poll()
	if err != nil {
		t.Fatalf("send Poll: %v", err)
	}
	if done.Data != 7 {
		t.Fatalf("unexpected message id %d", done.Data)
	}
	if _, err := b.ep.GetNext(); !errors.Is(err, ErrNotDone) {
		t.Fatalf("expected empty mailbox, got %v", err)
	}
}

func TestSimulatedMailboxFull(t *testing.T) {
	sim := NewSimulated(0x10)
	a := newSimulatedPeer(t, sim, 1, 2)
	b := newSimulatedPeer(t, sim, 2, 2)
	connectSimulatedPeers(t, a, b)

	for i := 0; i < 2; i++ {
		if err := a.ep.Send(nil, []byte{byte(i)}, uint32(i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := a.ep.Send(nil, []byte{9}, 9); !errors.Is(err, ErrNotDone) {
		t.Fatalf("expected ErrNotDone on full mailbox, got %v", err)
	}
	if err := a.ep.Send(nil, make([]byte, 65), 10); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam for oversize message, got %v", err)
	}

	for i := 0; i < 2; i++ {
		msg, err := b.ep.GetNext()
		if err != nil {
			t.Fatalf("GetNext %d: %v", i, err)
		}
		if len(msg) != 1 || msg[0] != byte(i) {
			t.Fatalf("out of order message %v at %d", msg, i)
		}
		if err := b.ep.Release(); err != nil {
			t.Fatalf("Release: %v", err)
		}
	}
	if err := b.ep.Release(); !errors.Is(err, ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam on empty release, got %v", err)
	}
}

func TestSimulatedFaultInjection(t *testing.T) {
	sim := NewSimulated(0x10)
	a := newSimulatedPeer(t, sim, 1, 2)

	boom := errors.New("link down")
	sim.FailCompletionQueues(boom)
	if _, err := a.recvCQ.Poll(); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	sim.FailCompletionQueues(nil)
	if _, err := a.recvCQ.Poll(); !errors.Is(err, ErrNotDone) {
		t.Fatalf("expected ErrNotDone after clearing fault, got %v", err)
	}

	sim.FailAttach(boom)
	if _, err := sim.Attach(DomainAttr{InstanceID: 3}, 0x10); !errors.Is(err, boom) {
		t.Fatalf("expected attach failure, got %v", err)
	}
}

func TestSimulatedCloseReleasesResources(t *testing.T) {
	sim := NewSimulated(0x10)
	a := newSimulatedPeer(t, sim, 1, 4)
	if stats := sim.Stats(); stats.NICs != 1 || stats.Regions != 1 || stats.CompletionQueues != 2 || stats.Endpoints != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if err := a.nic.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stats := sim.Stats(); stats.NICs != 0 || stats.Regions != 0 || stats.CompletionQueues != 0 || stats.Endpoints != 0 {
		t.Fatalf("resources leaked after close: %+v", stats)
	}
	if _, err := a.recvCQ.Poll(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSimulatedBindUnknownPeer(t *testing.T) {
	sim := NewSimulated(0x10)
	a := newSimulatedPeer(t, sim, 1, 2)
	if err := a.ep.Bind(0x99, 42); !errors.Is(err, ErrNoSuchMailbox) {
		t.Fatalf("expected ErrNoSuchMailbox, got %v", err)
	}
}
