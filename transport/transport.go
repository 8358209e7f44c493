// Package transport defines the contract every pluggable message transport
// implements: device discovery, endpoints, connections and the event queue
// applications drain to observe completions.
package transport

import "time"

// SendFlag modifies a single send.
type SendFlag uint32

const (
	// SendSilent suppresses the send-completion event.
	SendSilent SendFlag = 1 << iota
	// SendBlocking asks the transport to wait for completion before returning.
	SendBlocking
	// SendNoCopy promises the caller keeps the buffer untouched until completion.
	SendNoCopy
)

// OptName identifies an endpoint or connection option.
type OptName int

const (
	OptEndpointSendTimeout OptName = iota + 1
	OptEndpointRecvBufCount
	OptEndpointSendBufCount
	OptEndpointKeepaliveTimeout
	OptConnSendTimeout
)

// RMAHandle names a memory region registered for remote memory access.
type RMAHandle uint64

// PCIAddress locates a device on the PCI bus. Unknown fields are -1.
type PCIAddress struct {
	Domain   int
	Bus      int
	Device   int
	Function int
}

// DeviceInfo is the host-visible description of a device.
type DeviceInfo struct {
	Name        string
	Driver      string
	Up          bool
	MaxSendSize uint32
	Rate        uint64
	PCI         PCIAddress
	Args        []string
}

// Transport is one pluggable transport variant.
type Transport interface {
	Name() string
	Devices() ([]Device, error)
	// CreateEndpoint opens an endpoint on dev, or on the first device when dev
	// is nil.
	CreateEndpoint(dev Device) (Endpoint, error)
	Strerror(err error) string
	Close() error
}

// Device is a transport device.
type Device interface {
	Info() DeviceInfo
}

// Endpoint owns buffers, connections and the event queue.
type Endpoint interface {
	Name() string
	Device() Device
	MaxRecvBufferCount() int
	// Connect starts an asynchronous connection to uri (scheme://host:port).
	// The outcome is reported as an event.
	Connect(uri string, data []byte, attr Attribute, context any, timeout time.Duration) error
	Accept(ev Event, context any) (Connection, error)
	Reject(ev Event) error
	GetEvent() (Event, error)
	ReturnEvent(ev Event) error
	ArmOSHandle(flags int) error
	SetOpt(name OptName, value any) error
	GetOpt(name OptName) (any, error)
	RegisterRMA(buf []byte, flags int) (RMAHandle, error)
	DeregisterRMA(handle RMAHandle) error
	Close() error
}

// Connection is an established channel between two endpoints.
type Connection interface {
	Endpoint() Endpoint
	MaxSendSize() uint32
	Attribute() Attribute
	Context() any
	Send(data []byte, context any, flags SendFlag) error
	SendV(data [][]byte, context any, flags SendFlag) error
	RMA(header []byte, local RMAHandle, localOffset uint64, remote RMAHandle, remoteOffset uint64, length uint64, context any, flags int) error
	Disconnect() error
}
