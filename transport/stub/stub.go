// Package stub provides the placeholder transport. It satisfies the transport
// contract and reports every operation as not implemented.
package stub

import "github.com/rocketbitz/fabric-transport/transport"

// Name is the driver name of the stub transport.
const Name = "stub"

var _ transport.Transport = Transport{}

// Transport is the placeholder transport.
type Transport struct{}

// New returns the stub transport.
func New() Transport { return Transport{} }

func (Transport) Name() string { return Name }

func (Transport) Devices() ([]transport.Device, error) {
	return nil, transport.ErrNoDevice.WithOp("stub devices")
}

func (Transport) CreateEndpoint(transport.Device) (transport.Endpoint, error) {
	return nil, transport.ErrNotImplemented.WithOp("stub create endpoint")
}

func (Transport) Strerror(err error) string { return transport.Strerror(err) }

func (Transport) Close() error { return nil }
