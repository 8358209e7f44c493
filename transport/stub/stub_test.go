package stub

import (
	"errors"
	"testing"

	"github.com/rocketbitz/fabric-transport/transport"
)

func TestStubReportsNotImplemented(t *testing.T) {
	var tr transport.Transport = New()
	if tr.Name() != Name {
		t.Fatalf("unexpected name %q", tr.Name())
	}
	if _, err := tr.Devices(); !errors.Is(err, transport.ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
	if _, err := tr.CreateEndpoint(nil); !errors.Is(err, transport.ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented, got %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
