//go:build integration

package integration

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
	"github.com/rocketbitz/fabric-transport/rdma"
	"github.com/rocketbitz/fabric-transport/transport"
)

const eventTimeout = 5 * time.Second

var nextInstance atomic.Uint32

type TransportSuite struct {
	suite.Suite
	sim *fabric.Simulated
}

func (s *TransportSuite) SetupTest() {
	s.sim = fabric.NewSimulated(0x20)
}

func (s *TransportSuite) open(mutate func(*rdma.Config)) *rdma.Context {
	inst := nextInstance.Add(1)
	cfg := rdma.Config{
		Provider:         s.sim,
		ListenHost:       "127.0.0.1",
		InstanceID:       0x200 + inst,
		NodeName:         fmt.Sprintf("it%d", inst),
		HandshakeTimeout: 2 * time.Second,
		LookupEnv: func(key string) (string, bool) {
			switch key {
			case "SHARED_PD_PTAG":
				return "0x2a", true
			case "SHARED_PD_COOKIE":
				return "0x1d0000", true
			}
			return "", false
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	x, err := rdma.Open(cfg)
	require.NoError(s.T(), err, "open transport")
	s.T().Cleanup(func() { _ = x.Close() })
	return x
}

func (s *TransportSuite) endpoint(x *rdma.Context) *rdma.Endpoint {
	ep, err := x.OpenEndpoint(nil)
	require.NoError(s.T(), err, "open endpoint")
	return ep
}

func (s *TransportSuite) uri(x *rdma.Context) string {
	dev, err := x.Device("")
	require.NoError(s.T(), err)
	return dev.URI()
}

func (s *TransportSuite) nextEvent(ep *rdma.Endpoint) transport.Event {
	deadline := time.Now().Add(eventTimeout)
	for {
		ev, err := ep.GetEvent()
		if err == nil {
			return ev
		}
		require.Truef(s.T(), errors.Is(err, transport.ErrAgain) || errors.Is(err, transport.ErrNoBufferSpace), "GetEvent: %v", err)
		if time.Now().After(deadline) {
			s.FailNowf("event timeout", "no event on %s within %v", ep.Name(), eventTimeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *TransportSuite) returnEvent(ep *rdma.Endpoint, ev transport.Event) {
	require.NoError(s.T(), ep.ReturnEvent(ev), "return %s", ev.Type())
}

func (s *TransportSuite) connect(client, server *rdma.Context, data []byte) (*rdma.Endpoint, *rdma.Endpoint, *rdma.Connection, *rdma.Connection) {
	serverEP := s.endpoint(server)
	clientEP := s.endpoint(client)
	require.NoError(s.T(), clientEP.Connect(s.uri(server), data, transport.AttrReliableOrdered, "client", 0))

	ev := s.nextEvent(serverEP)
	req, ok := ev.(*rdma.ConnectRequestEvent)
	require.Truef(s.T(), ok, "server got %T, want connect request", ev)
	require.Len(s.T(), req.Data, len(data))
	accepted, err := serverEP.Accept(req, "server")
	require.NoError(s.T(), err)
	s.returnEvent(serverEP, req)

	ev = s.nextEvent(serverEP)
	srv, ok := ev.(*rdma.ConnectAcceptedEvent)
	require.Truef(s.T(), ok, "server got %T, want connect accepted", ev)
	require.Same(s.T(), accepted, transport.Connection(srv.Connection))
	s.returnEvent(serverEP, ev)

	ev = s.nextEvent(clientEP)
	cli, ok := ev.(*rdma.ConnectAcceptedEvent)
	require.Truef(s.T(), ok, "client got %T, want connect accepted", ev)
	require.NotNil(s.T(), cli.Connection)
	require.Equal(s.T(), "client", cli.Context)
	s.returnEvent(clientEP, ev)

	return clientEP, serverEP, cli.Connection, srv.Connection
}

func (s *TransportSuite) TestConnectWithoutPayload() {
	server := s.open(nil)
	client := s.open(nil)

	_, _, cliConn, srvConn := s.connect(client, server, nil)
	require.Equal(s.T(), rdma.ConnAccepted, cliConn.Status())
	require.Equal(s.T(), rdma.ConnAccepted, srvConn.Status())
	require.Equal(s.T(), cliConn.MaxSendSize(), srvConn.MaxSendSize())
}

func (s *TransportSuite) TestConnectToClosedPort() {
	client := s.open(nil)
	ep := s.endpoint(client)
	before := s.sim.Stats()

	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(s.T(), err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(s.T(), l.Close())

	require.NoError(s.T(), ep.Connect(fmt.Sprintf("rdma://127.0.0.1:%d", port), nil, transport.AttrReliableOrdered, "refused", 0))
	ev := s.nextEvent(ep)
	failed, ok := ev.(*rdma.DeviceFailedEvent)
	require.Truef(s.T(), ok, "got %T, want device failed", ev)
	require.Equal(s.T(), "refused", failed.Context)
	require.ErrorIs(s.T(), failed.Err, transport.ErrConnectionRefused)
	s.returnEvent(ep, ev)

	after := s.sim.Stats()
	require.Equal(s.T(), before.CompletionQueues, after.CompletionQueues, "completion queues leaked")
	require.Equal(s.T(), before.Regions, after.Regions, "mailbox regions leaked")
	require.Equal(s.T(), before.Endpoints, after.Endpoints, "fabric endpoints leaked")
	require.EqualValues(s.T(), 1, client.Stats().HandshakesFailed)
}

func (s *TransportSuite) TestSendsQueueWhenCreditsRunOut() {
	server := s.open(func(cfg *rdma.Config) { cfg.RxCount = 1 })
	client := s.open(nil)
	clientEP, serverEP, conn, _ := s.connect(client, server, []byte("credits"))

	const total = rdma.MaxCredits + 4
	for i := range total {
		require.NoError(s.T(), conn.Send([]byte{byte(i)}, i, 0), "send %d", i)
	}

	// One message fits the server's single receive descriptor; the mailbox
	// holds MaxCredits more and the rest wait on the client.
	first := s.nextEvent(serverEP)
	require.IsType(s.T(), &rdma.RecvEvent{}, first)
	require.Eventually(s.T(), func() bool {
		st := client.Stats()
		return st.SendPosted == rdma.MaxCredits+1 && st.SendCompleted == 1
	}, eventTimeout, time.Millisecond)
	require.GreaterOrEqual(s.T(), client.Stats().SendQueued, uint64(total-rdma.MaxCredits-1))

	got := []byte{first.(*rdma.RecvEvent).Data[0]}
	s.returnEvent(serverEP, first)
	for len(got) < total {
		ev := s.nextEvent(serverEP)
		recv, ok := ev.(*rdma.RecvEvent)
		require.Truef(s.T(), ok, "server got %T", ev)
		got = append(got, recv.Data[0])
		s.returnEvent(serverEP, ev)
	}
	for i, b := range got {
		require.EqualValues(s.T(), i, b, "message order")
	}

	for i := range total {
		ev := s.nextEvent(clientEP)
		sent, ok := ev.(*rdma.SendEvent)
		require.Truef(s.T(), ok, "client got %T", ev)
		require.NoError(s.T(), sent.Err)
		require.Equal(s.T(), i, sent.Context, "send completion order")
		s.returnEvent(clientEP, ev)
	}
	require.Eventually(s.T(), func() bool {
		return client.Stats().SendPosted == total
	}, eventTimeout, time.Millisecond)
}

func (s *TransportSuite) TestEndpointIDExhaustionRollsBack() {
	x := s.open(func(cfg *rdma.Config) {
		cfg.RxCount = 1
		cfg.TxCount = 1
	})
	before := s.sim.Stats()

	var eps []*rdma.Endpoint
	for {
		ep, err := x.OpenEndpoint(nil)
		if err != nil {
			require.ErrorIs(s.T(), err, transport.ErrNoMemory)
			break
		}
		eps = append(eps, ep)
		require.LessOrEqual(s.T(), len(eps), rdma.MaxEndpointID)
	}
	require.Len(s.T(), eps, rdma.MaxEndpointID-1)

	_, err := x.OpenEndpoint(nil)
	require.ErrorIs(s.T(), err, transport.ErrNoMemory, "failed allocation must not consume an id")

	freed := eps[len(eps)/2]
	require.NoError(s.T(), freed.Close())
	reopened, err := x.OpenEndpoint(nil)
	require.NoError(s.T(), err)
	require.Equal(s.T(), freed.ID(), reopened.ID())

	for _, ep := range eps {
		require.NoError(s.T(), ep.Close())
	}
	require.NoError(s.T(), reopened.Close())
	require.Equal(s.T(), before, s.sim.Stats())
}

func TestTransport(t *testing.T) {
	suite.Run(t, new(TransportSuite))
}
