package rdma

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rocketbitz/fabric-transport/internal/fabric"
	"github.com/rocketbitz/fabric-transport/transport"
)

const (
	envSharedPTag   = "SHARED_PD_PTAG"
	envSharedCookie = "SHARED_PD_COOKIE"
	envPMIPTag      = "PMI_GNI_PTAG"
	envPMICookie    = "PMI_GNI_COOKIE"
	envPMILocAddr   = "PMI_GNI_LOC_ADDR"
)

var _ transport.Device = (*Device)(nil)

// Device is a fabric NIC plus the TCP listener its handshakes arrive on.
type Device struct {
	ctx         *Context
	name        string
	args        []string
	kernelID    int
	creds       fabric.Credentials
	nicAddr     uint32
	nic         fabric.NIC
	listener    *net.TCPListener
	incoming    chan net.Conn
	maxSendSize uint32

	mu        sync.Mutex
	ids       *idAllocator
	endpoints []*Endpoint
}

type deviceDirectives struct {
	mtu     uint32
	port    int
	hasPort bool
}

// parseDirectives applies the mtu= and server= device arguments. Unknown
// directives are ignored.
func parseDirectives(args []string) (deviceDirectives, error) {
	d := deviceDirectives{mtu: DefaultMaxSendSize}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			continue
		}
		switch key {
		case "mtu":
			n, err := strconv.ParseUint(value, 0, 32)
			if err != nil {
				return d, fmt.Errorf("directive %q: %w", arg, transport.ErrInvalidArgument)
			}
			d.mtu = clampSendSize(uint32(n))
		case "server":
			_, portStr, err := net.SplitHostPort(value)
			if err != nil {
				return d, fmt.Errorf("directive %q: %w", arg, transport.ErrInvalidArgument)
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 0 || port > 65535 {
				return d, fmt.Errorf("directive %q: %w", arg, transport.ErrInvalidArgument)
			}
			d.port = port
			d.hasPort = true
		}
	}
	return d, nil
}

func clampSendSize(n uint32) uint32 {
	switch {
	case n < MinMaxSendSize:
		return MinMaxSendSize
	case n > MaxMaxSendSize:
		return MaxMaxSendSize
	default:
		return n
	}
}

// loadCredentials reads the launcher credentials for kernelID. In PMI mode it
// also returns the NIC address.
func loadCredentials(lookup func(string) (string, bool), mode CredentialMode, kernelID int) (fabric.Credentials, uint32, bool, error) {
	var creds fabric.Credentials
	switch mode {
	case CredentialsPMI:
		ptag, err := envListEntry(lookup, envPMIPTag, kernelID, 8)
		if err != nil {
			return creds, 0, false, err
		}
		cookie, err := envListEntry(lookup, envPMICookie, kernelID, 32)
		if err != nil {
			return creds, 0, false, err
		}
		addr, err := envListEntry(lookup, envPMILocAddr, kernelID, 32)
		if err != nil {
			return creds, 0, false, err
		}
		creds.PTag = uint8(ptag)
		creds.Cookie = uint32(cookie)
		return creds, uint32(addr), true, nil
	default:
		ptag, err := envValue(lookup, envSharedPTag, 8)
		if err != nil {
			return creds, 0, false, err
		}
		cookie, err := envValue(lookup, envSharedCookie, 32)
		if err != nil {
			return creds, 0, false, err
		}
		creds.PTag = uint8(ptag)
		creds.Cookie = uint32(cookie)
		return creds, 0, false, nil
	}
}

func envValue(lookup func(string) (string, bool), key string, bits int) (uint64, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%s not set: %w", key, ErrCredentials)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, ErrCredentials)
	}
	return v, nil
}

func envListEntry(lookup func(string) (string, bool), key string, index, bits int) (uint64, error) {
	raw, ok := lookup(key)
	if !ok || raw == "" {
		return 0, fmt.Errorf("%s not set: %w", key, ErrCredentials)
	}
	entries := strings.Split(raw, ":")
	if index >= len(entries) {
		return 0, fmt.Errorf("%s has no entry for device %d: %w", key, index, ErrCredentials)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(entries[index]), 0, bits)
	if err != nil {
		return 0, fmt.Errorf("%s[%d]=%q: %w", key, index, entries[index], ErrCredentials)
	}
	return v, nil
}

// listenHost picks the address handshake listeners bind to.
func listenHost(cfg Config) (string, error) {
	if cfg.Interface == "" {
		return cfg.ListenHost, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || !strings.HasPrefix(ifi.Name, cfg.Interface) {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no up IPv4 interface matching %q: %w", cfg.Interface, transport.ErrNoDevice)
}

func (x *Context) openDevice(dc DeviceConfig, kernelID int) (*Device, error) {
	directives, err := parseDirectives(dc.Args)
	if err != nil {
		return nil, err
	}
	creds, nicAddr, haveAddr, err := loadCredentials(x.cfg.LookupEnv, x.cfg.CredentialMode, kernelID)
	if err != nil {
		return nil, err
	}
	if !haveAddr {
		nicAddr, err = x.provider.LocalAddress(kernelID)
		if err != nil {
			return nil, fmt.Errorf("nic address: %w", err)
		}
	}

	nic, err := x.provider.Attach(fabric.DomainAttr{
		InstanceID:  x.instance,
		KernelID:    kernelID,
		Credentials: creds,
	}, nicAddr)
	if err != nil {
		return nil, fmt.Errorf("attach communication domain: %w", err)
	}

	host, err := listenHost(x.cfg)
	if err != nil {
		_ = nic.Close()
		return nil, err
	}
	port := 0
	switch {
	case directives.hasPort:
		port = directives.port
	case x.cfg.Server:
		port = DefaultListenPort
	}
	laddr, err := net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		_ = nic.Close()
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	listener, err := net.ListenTCP("tcp4", laddr)
	if err != nil {
		_ = nic.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	name := dc.Name
	if name == "" {
		name = fmt.Sprintf("%s%d", DriverName, kernelID)
	}
	d := &Device{
		ctx:         x,
		name:        name,
		args:        append([]string(nil), dc.Args...),
		kernelID:    kernelID,
		creds:       creds,
		nicAddr:     nicAddr,
		nic:         nic,
		listener:    listener,
		incoming:    make(chan net.Conn, ListenBacklog),
		maxSendSize: directives.mtu,
		ids:         newIDAllocator(uint64(x.instance)<<16 | uint64(kernelID)),
	}

	x.wg.Add(1)
	go d.acceptLoop()

	x.logf("rdma: device %s nic=0x%08x inst=0x%04x port=%d mss=%d", name, nicAddr, x.instance, d.Port(), d.maxSendSize)
	return d, nil
}

// acceptLoop hands accepted handshake sockets to the progress engine.
func (d *Device) acceptLoop() {
	defer d.ctx.wg.Done()
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.ctx.logf("rdma: device %s accept: %v", d.name, err)
			select {
			case <-d.ctx.stopCh:
				return
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}
		select {
		case d.incoming <- conn:
		default:
			d.ctx.logf("rdma: device %s handshake backlog full, dropping %s", d.name, conn.RemoteAddr())
			_ = conn.Close()
		}
	}
}

// Info describes the device to hosts.
func (d *Device) Info() transport.DeviceInfo {
	return transport.DeviceInfo{
		Name:        d.name,
		Driver:      DriverName,
		Up:          !d.ctx.shutdown.Load(),
		MaxSendSize: d.maxSendSize,
		Rate:        linkRate,
		PCI:         transport.PCIAddress{Domain: -1, Bus: -1, Device: -1, Function: -1},
		Args:        append([]string(nil), d.args...),
	}
}

// Name returns the configured device name.
func (d *Device) Name() string { return d.name }

// Port returns the handshake listener port.
func (d *Device) Port() int {
	return d.listener.Addr().(*net.TCPAddr).Port
}

// URI returns the address peers pass to Connect to reach this device.
func (d *Device) URI() string {
	addr := d.listener.Addr().(*net.TCPAddr)
	host := d.ctx.nodeName
	if addr.IP != nil && !addr.IP.IsUnspecified() {
		host = addr.IP.String()
	}
	return URIScheme + net.JoinHostPort(host, strconv.Itoa(addr.Port))
}

func (d *Device) snapshotEndpoints() []*Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Endpoint(nil), d.endpoints...)
}

// firstEndpoint receives handshake requests arriving on the device.
func (d *Device) firstEndpoint() *Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.endpoints) == 0 {
		return nil
	}
	return d.endpoints[0]
}

func (d *Device) removeEndpoint(ep *Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, cur := range d.endpoints {
		if cur == ep {
			d.endpoints = append(d.endpoints[:i], d.endpoints[i+1:]...)
			return true
		}
	}
	return false
}

// release tears down every endpoint, drops staged handshake sockets and
// detaches from the fabric. The listener must already be closed or closing.
func (d *Device) release() {
	_ = d.listener.Close()
	d.mu.Lock()
	eps := d.endpoints
	d.endpoints = nil
	d.mu.Unlock()
	for _, ep := range eps {
		ep.closed.Store(true)
		ep.teardown()
	}
drain:
	for {
		select {
		case conn := <-d.incoming:
			_ = conn.Close()
		default:
			break drain
		}
	}
	_ = d.nic.Close()
}
