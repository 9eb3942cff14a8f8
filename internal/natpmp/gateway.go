// Package natpmp implements the NAT-PMP (RFC 6886) gateway variant: a
// single UDP socket to the gateway's port 5351, EXTERNAL-IP and MAP
// opcodes, and a per-mapping refresh timer.
package natpmp

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/achingbrain/nat-port-mapper/internal/codec"
	"github.com/achingbrain/nat-port-mapper/internal/gatewaybase"
	"github.com/achingbrain/nat-port-mapper/internal/mapping"
	"github.com/achingbrain/nat-port-mapper/internal/queue"
	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.natpmp")

const gatewayPort = 5351

const (
	// DefaultLifetime is RFC 6886's recommended mapping lifetime.
	DefaultLifetime = 7200 * time.Second
)

// MapRequest carries everything Map needs beyond the gateway's own state.
// InternalHost is recorded in the mapping table but, because this gateway
// owns a single wildcard-bound socket, does not change which local address
// the kernel picks as the packet's source (see DESIGN.md).
type MapRequest struct {
	InternalHost     string
	InternalPort     int
	ExternalPort     int // 0 = same as internal
	Protocol         string
	Lifetime         time.Duration
	AutoRefresh      bool
	RefreshThreshold time.Duration
}

// Gateway is a NAT-PMP client bound to one gateway address.
type Gateway struct {
	conn       net.PacketConn
	queue      *queue.Queue
	gatewayIP  net.IP
	state      gatewaybase.State
	table      *mapping.Table
	closeOnce  sync.Once

	refreshMu sync.Mutex
	refresh   map[refreshKey]*time.Timer

	externalIPMu sync.Mutex
	externalIP   string // last address learned via ExternalIP, reused by Map
}

type refreshKey struct {
	host     string
	port     int
	protocol string
}

// New binds an ephemeral UDP socket and readies it to talk to gatewayIP.
func New(gatewayIP net.IP) (*Gateway, error) {
	g := &Gateway{
		gatewayIP: gatewayIP,
		table:     mapping.New(),
		refresh:   make(map[refreshKey]*time.Timer),
	}
	g.state.Set(gatewaybase.Connecting)

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("natpmp: bind socket: %w", err)
	}
	g.conn = conn
	remote := &net.UDPAddr{IP: gatewayIP, Port: gatewayPort}
	g.queue = queue.New(conn, remote, codec.PMPResponseOpcode)
	g.state.Set(gatewaybase.Listening)

	return g, nil
}

// ExternalIP requests the gateway's public IPv4 address.
func (g *Gateway) ExternalIP(ctx context.Context) (net.IP, error) {
	if g.state.Get() != gatewaybase.Listening {
		return nil, fmt.Errorf("natpmp: %w", errClosed(g.state.Get()))
	}
	reply, err := g.queue.Enqueue(ctx, codec.PMPOpExternalAddress, codec.EncodePMPExternalAddressRequest())
	if err != nil {
		return nil, err
	}
	resp, err := codec.DecodePMPResponse(reply)
	if err != nil {
		return nil, err
	}
	if resp.ResultCode != codec.PMPSuccess {
		return nil, &resultError{code: int(resp.ResultCode), message: codec.PMPResultMessage(resp.ResultCode)}
	}
	g.externalIPMu.Lock()
	g.externalIP = resp.ExternalAddress.String()
	g.externalIPMu.Unlock()
	return resp.ExternalAddress, nil
}

// Map requests a mapping and arms its refresh timer if req.AutoRefresh.
func (g *Gateway) Map(ctx context.Context, req MapRequest) (*mapping.Mapping, error) {
	if g.state.Get() != gatewaybase.Listening {
		return nil, fmt.Errorf("natpmp: %w", errClosed(g.state.Get()))
	}

	row, _, err := g.table.GetOrCreate(req.InternalHost, req.InternalPort, req.Protocol, req.AutoRefresh)
	if err != nil {
		return nil, err
	}

	externalPort := req.ExternalPort
	if externalPort == 0 {
		externalPort = req.InternalPort
	}
	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}

	payload, err := codec.EncodePMPMapRequest(req.Protocol, req.InternalPort, externalPort, int(lifetime/time.Second))
	if err != nil {
		return nil, err
	}
	opcode := codec.PMPOpMapTCP
	if isUDP(req.Protocol) {
		opcode = codec.PMPOpMapUDP
	}

	reply, err := g.queue.Enqueue(ctx, opcode, payload)
	if err != nil {
		g.table.Delete(req.InternalHost, req.InternalPort, req.Protocol)
		return nil, err
	}
	resp, err := codec.DecodePMPResponse(reply)
	if err != nil {
		return nil, err
	}
	if resp.ResultCode != codec.PMPSuccess {
		return nil, &resultError{code: int(resp.ResultCode), message: codec.PMPResultMessage(resp.ResultCode)}
	}

	g.externalIPMu.Lock()
	externalHost := g.externalIP
	g.externalIPMu.Unlock()

	expiresAt := time.Now().Add(resp.MapLifetime)
	g.table.Update(req.InternalPort, req.Protocol, row.Nonce, externalHost, resp.MapExternalPort, expiresAt, resp.MapLifetime)

	if req.AutoRefresh {
		g.armRefresh(req, resp.MapLifetime)
	}

	return g.table.Get(req.InternalHost, req.InternalPort, req.Protocol), nil
}

// MapAll maps internalPort from every eligible local IPv4 address.
func (g *Gateway) MapAll(ctx context.Context, internalPort int, opts MapRequest) ([]gatewaybase.MapAllResult[*mapping.Mapping], error) {
	return gatewaybase.MapAllLocal(gatewaybase.IPv4, func(host string) (*mapping.Mapping, error) {
		req := opts
		req.InternalHost = host
		req.InternalPort = internalPort
		return g.Map(ctx, req)
	})
}

// Unmap withdraws a mapping per RFC 6886 §3.3 (lifetime=0, externalPort=0).
func (g *Gateway) Unmap(ctx context.Context, internalHost string, internalPort int, protocol string) error {
	g.cancelRefresh(internalHost, internalPort, protocol)

	payload, err := codec.EncodePMPMapRequest(protocol, internalPort, 0, 0)
	if err != nil {
		return err
	}
	opcode := codec.PMPOpMapTCP
	if isUDP(protocol) {
		opcode = codec.PMPOpMapUDP
	}
	_, err = g.queue.Enqueue(ctx, opcode, payload)
	g.table.Delete(internalHost, internalPort, protocol)
	return err
}

// GetMappings returns a snapshot of every live mapping.
func (g *Gateway) GetMappings() []mapping.Mapping {
	return g.table.GetAll()
}

// Stop is idempotent: a second call returns an error, matching §5's
// "double-stop MAY fail" allowance.
func (g *Gateway) Stop(ctx context.Context) error {
	prev := g.state.Get()
	if prev == gatewaybase.Closed {
		return fmt.Errorf("natpmp: already closed")
	}
	g.state.Set(gatewaybase.Closing)

	g.refreshMu.Lock()
	for k, timer := range g.refresh {
		timer.Stop()
		delete(g.refresh, k)
	}
	g.refreshMu.Unlock()

	for _, m := range g.table.GetAll() {
		_ = g.Unmap(ctx, m.InternalHost, m.InternalPort, m.Protocol)
	}
	g.table.DeleteAll()

	g.closeOnce.Do(func() {
		g.queue.Close()
		_ = g.conn.Close()
	})
	g.state.Set(gatewaybase.Closed)
	return nil
}

func (g *Gateway) armRefresh(req MapRequest, granted time.Duration) {
	threshold := req.RefreshThreshold
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	delay := granted - threshold
	if delay <= 0 {
		delay = granted / 2
	}

	k := refreshKey{req.InternalHost, req.InternalPort, req.Protocol}
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	if existing, ok := g.refresh[k]; ok {
		existing.Stop()
	}
	g.refresh[k] = time.AfterFunc(delay, func() { g.onRefresh(req) })
}

func (g *Gateway) onRefresh(req MapRequest) {
	if g.state.Get() != gatewaybase.Listening {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := g.Map(ctx, req); err != nil {
		logger.Warn("refresh failed, not re-arming", "host", req.InternalHost, "port", req.InternalPort, "err", err)
	}
}

func (g *Gateway) cancelRefresh(host string, port int, protocol string) {
	k := refreshKey{host, port, protocol}
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	if timer, ok := g.refresh[k]; ok {
		timer.Stop()
		delete(g.refresh, k)
	}
}

func isUDP(protocol string) bool {
	return strings.EqualFold(protocol, "UDP")
}

func errClosed(state gatewaybase.Lifecycle) error {
	return fmt.Errorf("gateway is %s", state)
}

type resultError struct {
	code    int
	message string
}

func (e *resultError) Error() string {
	return fmt.Sprintf("natpmp: gateway reported error %d: %s", e.code, e.message)
}

// Code and Message expose the numeric result so callers can build a
// natportmap.ResultError without this package importing the root package.
func (e *resultError) Code() int       { return e.code }
func (e *resultError) Message() string { return e.message }
