// Package rdma implements the RDMA fabric transport: devices attached to a
// short-message fabric, endpoints with fixed buffer pools, TCP handshakes that
// exchange mailbox descriptors, credit flow-controlled connections, and a
// background progress engine that turns fabric completions into events.
package rdma

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
	"github.com/rocketbitz/fabric-transport/transport"
)

const (
	// DriverName is the driver devices must name to be served by this transport.
	DriverName = "rdma"
	// URIScheme prefixes endpoint names and connect URIs.
	URIScheme = "rdma://"
	// DefaultListenPort is the handshake port of server-mode devices.
	DefaultListenPort = 2039
	// ListenBacklog bounds handshake sockets waiting for the progress engine.
	ListenBacklog = 128

	// MaxCredits is the per-connection allowance of unacknowledged sends.
	MaxCredits = 8
	// HeaderSize is the per-message header prepended to every payload.
	HeaderSize = 16

	DefaultMaxSendSize = 1024
	MinMaxSendSize     = 128
	MaxMaxSendSize     = 32768

	DefaultRxCount          = 128
	DefaultTxCount          = 128
	DefaultProgressInterval = time.Millisecond
	DefaultHandshakeTimeout = 5 * time.Second

	maxProgressBackoff = 10 * time.Millisecond
	linkRate           = 160_000_000_000
)

// ErrCredentials reports that the launcher credentials are missing or
// malformed. Hosts must treat it as fatal.
var ErrCredentials = errors.New("rdma: launch credentials unavailable")

// CredentialMode selects where credentials and the NIC address come from.
type CredentialMode int

const (
	// CredentialsShared reads SHARED_PD_PTAG and SHARED_PD_COOKIE and asks the
	// fabric provider for the NIC address.
	CredentialsShared CredentialMode = iota
	// CredentialsPMI reads the colon-delimited PMI_GNI_PTAG, PMI_GNI_COOKIE and
	// PMI_GNI_LOC_ADDR lists, indexed by kernel device id.
	CredentialsPMI
)

// DeviceConfig is one host-configured device.
type DeviceConfig struct {
	Name   string
	Driver string
	// Args holds directives such as "mtu=4096" or "server=host:port".
	Args []string
}

// Config controls Open.
type Config struct {
	Devices          []DeviceConfig
	Server           bool
	Provider         fabric.Provider
	// ProgressInterval is the progress engine's first sleep after an idle
	// pass. Each further idle pass doubles it up to 10ms (or ProgressInterval
	// when larger), which bounds how long a handshake or completion arriving
	// after a quiet spell waits for the engine. GetEvent reaps completions
	// inline, so only handshakes see the full delay when the caller polls.
	ProgressInterval time.Duration
	HandshakeTimeout time.Duration
	RxCount          int
	TxCount          int
	ListenHost       string
	Interface        string
	InstanceID       uint32
	NodeName         string
	CredentialMode   CredentialMode
	LookupEnv        func(key string) (string, bool)
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

var _ transport.Transport = (*Context)(nil)

// Context is one initialized instance of the transport. It owns the devices
// and the progress goroutine; several Contexts may coexist in a process.
type Context struct {
	cfg      Config
	id       uuid.UUID
	provider fabric.Provider
	nodeName string
	instance uint32
	devices  []*Device

	shutdown atomic.Bool
	closed   atomic.Bool
	stopCh   chan struct{}
	wg       sync.WaitGroup

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            contextStats
}

// Open initializes the transport: it attaches every configured device to the
// fabric, opens the handshake listeners and starts the progress engine.
func Open(cfg Config) (*Context, error) {
	if cfg.Provider == nil {
		cfg.Provider = fabric.DefaultSimulated()
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = DefaultProgressInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.RxCount <= 0 {
		cfg.RxCount = DefaultRxCount
	}
	if cfg.TxCount <= 0 {
		cfg.TxCount = DefaultTxCount
	}
	if cfg.LookupEnv == nil {
		cfg.LookupEnv = os.LookupEnv
	}
	if cfg.InstanceID == 0 {
		cfg.InstanceID = uint32(os.Getpid())
	}
	if cfg.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node name: %w", err)
		}
		cfg.NodeName = host
	}
	if len(cfg.Devices) == 0 {
		cfg.Devices = []DeviceConfig{{Name: DriverName + "0", Driver: DriverName}}
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	x := &Context{
		cfg:              cfg,
		id:               uuid.New(),
		provider:         cfg.Provider,
		nodeName:         cfg.NodeName,
		instance:         cfg.InstanceID,
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	kernelID := 0
	for _, dc := range cfg.Devices {
		if dc.Driver != "" && dc.Driver != DriverName {
			continue
		}
		dev, err := x.openDevice(dc, kernelID)
		if err != nil {
			for _, opened := range x.devices {
				_ = opened.listener.Close()
			}
			x.wg.Wait()
			for _, opened := range x.devices {
				opened.release()
			}
			return nil, fmt.Errorf("open device %s: %w", dc.Name, err)
		}
		x.devices = append(x.devices, dev)
		kernelID++
	}
	if len(x.devices) == 0 {
		return nil, transport.ErrNoDevice.WithOp("open")
	}

	x.wg.Add(1)
	go x.progress()

	return x, nil
}

// ID identifies the Context in logs and spans.
func (x *Context) ID() string { return x.id.String() }

func (x *Context) Name() string { return DriverName }

// Devices lists the devices in configuration order.
func (x *Context) Devices() ([]transport.Device, error) {
	if x.shutdown.Load() {
		return nil, transport.ErrNoDevice.WithOp("devices")
	}
	devs := make([]transport.Device, len(x.devices))
	for i, d := range x.devices {
		devs[i] = d
	}
	return devs, nil
}

// Device returns the device named name, or the first device when name is empty.
func (x *Context) Device(name string) (*Device, error) {
	if x.shutdown.Load() {
		return nil, transport.ErrNoDevice.WithOp("device")
	}
	for _, d := range x.devices {
		if name == "" || d.name == name {
			return d, nil
		}
	}
	return nil, transport.ErrNoDevice.WithOp("device " + name)
}

func (x *Context) CreateEndpoint(dev transport.Device) (transport.Endpoint, error) {
	var d *Device
	if dev != nil {
		var ok bool
		if d, ok = dev.(*Device); !ok || d.ctx != x {
			return nil, transport.ErrInvalidArgument.WithOp("create endpoint: foreign device")
		}
	}
	ep, err := x.OpenEndpoint(d)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (x *Context) Strerror(err error) string { return transport.Strerror(err) }

// Stats returns a snapshot of the operation counters.
func (x *Context) Stats() Stats {
	return Stats{
		SendPosted:         x.stats.sendPosted.Load(),
		SendQueued:         x.stats.sendQueued.Load(),
		SendCompleted:      x.stats.sendCompleted.Load(),
		SendErrored:        x.stats.sendErrored.Load(),
		ReceiveCompleted:   x.stats.recvCompleted.Load(),
		ReceiveErrored:     x.stats.recvErrored.Load(),
		HandshakesAccepted: x.stats.handshakesAccepted.Load(),
		HandshakesRejected: x.stats.handshakesRejected.Load(),
		HandshakesFailed:   x.stats.handshakesFailed.Load(),
		DeviceFailures:     x.stats.deviceFailures.Load(),
	}
}

// Close stops the progress engine and releases every device, endpoint and
// connection. Endpoint.Close after Close is a no-op.
func (x *Context) Close() error {
	if x == nil {
		return nil
	}
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, d := range x.devices {
		d.mu.Lock()
		x.shutdown.Store(true)
		d.mu.Unlock()
	}
	close(x.stopCh)
	for _, d := range x.devices {
		_ = d.listener.Close()
	}
	x.wg.Wait()

	for _, d := range x.devices {
		d.release()
	}
	x.logf("rdma: context %s closed", x.id)
	return nil
}
