// Package pcp implements the PCP (RFC 6887) gateway variant: ANNOUNCE on
// start, MAP for port mappings, epoch-change detection, and a single
// interval scheduler that renews mappings nearing half their lifetime.
package pcp

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/achingbrain/nat-port-mapper/internal/codec"
	"github.com/achingbrain/nat-port-mapper/internal/gatewaybase"
	"github.com/achingbrain/nat-port-mapper/internal/mapping"
	"github.com/achingbrain/nat-port-mapper/internal/queue"
	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.pcp")

const gatewayPort = 5351

// ErrNotSupported is returned by New when no local address's ANNOUNCE was
// answered within the per-try budget.
var ErrNotSupported = errors.New("pcp: no PCP server found")

const (
	announceTimeout    = 3 * time.Second
	refreshInterval    = 15 * time.Second
	minLifetime        = 120 * time.Second
	externalIPLifetime = 120 * time.Second
)

// MapRequest carries everything Map needs beyond the gateway's own state.
type MapRequest struct {
	InternalHost     string
	InternalPort     int
	ExternalPort     int
	ExternalIP       net.IP
	Protocol         string
	Lifetime         time.Duration
	AutoRefresh      bool
}

// Gateway is a PCP client bound to one gateway address.
type Gateway struct {
	conn      net.PacketConn
	queue     *queue.Queue
	gatewayIP net.IP
	table     *mapping.Table
	state     gatewaybase.State
	closeOnce sync.Once

	clientIPMu sync.RWMutex
	clientIP   net.IP

	epochMu     sync.Mutex
	knownEpoch  int64
	haveEpoch   bool

	stopRefresh chan struct{}
}

// New binds a socket, then tries ANNOUNCE from each local address in turn
// until one succeeds (or every try is exhausted, in which case it returns
// ErrNotSupported). The winning address becomes the client IP later MAP
// requests advertise in their PCP header.
func New(gatewayIP net.IP) (*Gateway, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("pcp: bind socket: %w", err)
	}
	remote := &net.UDPAddr{IP: gatewayIP, Port: gatewayPort}

	g := &Gateway{
		conn:        conn,
		gatewayIP:   gatewayIP,
		table:       mapping.New(),
		stopRefresh: make(chan struct{}),
	}
	g.queue = queue.New(conn, remote, codec.PCPResponseOpcode)
	g.state.Set(gatewaybase.Listening)

	if err := g.announce(); err != nil {
		_ = g.Stop(context.Background())
		return nil, err
	}

	go g.refreshLoop()
	return g, nil
}

func (g *Gateway) announce() error {
	addrs, err := gatewaybase.LocalAddresses(gatewaybase.IPv4)
	if err != nil || len(addrs) == 0 {
		addrs = []net.IP{net.IPv4zero}
	}

	var errs error
	for _, ip := range addrs {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		reply, err := g.queue.Enqueue(ctx, codec.PCPOpAnnounce, codec.EncodePCPAnnounceRequest(ip, 0))
		cancel()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		resp, err := codec.DecodePCPResponse(reply)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if resp.ResultCode != codec.PCPSuccess {
			errs = multierr.Append(errs, &resultError{code: int(resp.ResultCode), message: codec.PCPResultMessage(resp.ResultCode)})
			continue
		}
		g.clientIPMu.Lock()
		g.clientIP = ip
		g.clientIPMu.Unlock()
		g.recordEpoch(resp.Epoch)
		return nil
	}
	return ErrNotSupported
}

// IsSupported runs the same ANNOUNCE procedure on demand without leaving a
// Gateway behind, for callers that want to probe before committing to one.
func IsSupported(gatewayIP net.IP) bool {
	g, err := New(gatewayIP)
	if err != nil {
		return false
	}
	_ = g.Stop(context.Background())
	return true
}

func (g *Gateway) clientAddr() net.IP {
	g.clientIPMu.RLock()
	defer g.clientIPMu.RUnlock()
	return g.clientIP
}

// recordEpoch implements §4.E's epoch-change detection: the first reply
// seeds knownEpoch, and later replies trigger remap() on a large forward
// jump or any backward jump (both signs the server rebooted).
func (g *Gateway) recordEpoch(serverEpoch uint32) {
	projected := time.Now().Unix() - int64(serverEpoch)

	g.epochMu.Lock()
	if !g.haveEpoch {
		g.knownEpoch = projected
		g.haveEpoch = true
		g.epochMu.Unlock()
		return
	}
	prev := g.knownEpoch
	changed := projected < prev || abs64(projected-prev) > 10
	if changed {
		g.knownEpoch = projected
	}
	g.epochMu.Unlock()

	if changed {
		logger.Warn("pcp epoch changed, remapping", "previous", prev, "projected", projected)
		go g.remap()
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// remap re-sends MAP for every table row, best-effort (failures are logged,
// not propagated), as required when the server's epoch indicates a reboot.
func (g *Gateway) remap() {
	rows := g.table.GetAll()
	var errs error
	for _, m := range rows {
		req := MapRequest{
			InternalHost: m.InternalHost,
			InternalPort: m.InternalPort,
			ExternalPort: m.ExternalPort,
			Protocol:     m.Protocol,
			Lifetime:     m.Lifetime,
			AutoRefresh:  m.AutoRefresh,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := g.mapWithNonce(ctx, req, m.Nonce)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		logger.Warn("remap completed with errors", "err", errs)
	}
}

// Map requests a mapping, creating a fresh nonce row if one doesn't exist.
func (g *Gateway) Map(ctx context.Context, req MapRequest) (*mapping.Mapping, error) {
	row, _, err := g.table.GetOrCreate(req.InternalHost, req.InternalPort, req.Protocol, req.AutoRefresh)
	if err != nil {
		return nil, err
	}
	return g.mapWithNonce(ctx, req, row.Nonce)
}

func (g *Gateway) mapWithNonce(ctx context.Context, req MapRequest, nonce [12]byte) (*mapping.Mapping, error) {
	if g.state.Get() != gatewaybase.Listening {
		return nil, fmt.Errorf("pcp: gateway is %s", g.state.Get())
	}

	protoByte, err := codec.ProtocolByte(req.Protocol)
	if err != nil {
		return nil, err
	}

	lifetime := req.Lifetime
	if lifetime < minLifetime {
		lifetime = minLifetime
	}
	externalPort := req.ExternalPort
	if externalPort == 0 {
		externalPort = req.InternalPort
	}

	payload := codec.EncodePCPMapRequest(g.clientAddr(), nonce, protoByte, req.InternalPort, externalPort, req.ExternalIP, lifetime)
	reply, err := g.queue.Enqueue(ctx, codec.PCPOpMap, payload)
	if err != nil {
		g.table.Delete(req.InternalHost, req.InternalPort, req.Protocol)
		return nil, err
	}

	resp, err := codec.DecodePCPResponse(reply)
	if err != nil {
		return nil, err
	}
	if resp.ResultCode != codec.PCPSuccess {
		return nil, &resultError{code: int(resp.ResultCode), message: codec.PCPResultMessage(resp.ResultCode)}
	}
	if resp.Map == nil {
		return nil, errors.New("pcp: response carried no MAP data")
	}
	if resp.Map.InternalPort != req.InternalPort {
		return nil, fmt.Errorf("pcp: internal port mismatch: got %d want %d", resp.Map.InternalPort, req.InternalPort)
	}
	if resp.Map.Nonce != nonce {
		return nil, errors.New("pcp: response nonce does not match an existing row")
	}

	g.recordEpoch(resp.Epoch)

	expiresAt := time.Now().Add(resp.Lifetime)
	externalHost := ""
	if resp.Map.ExternalIP != nil {
		externalHost = resp.Map.ExternalIP.String()
	}
	g.table.Update(req.InternalPort, req.Protocol, nonce, externalHost, resp.Map.ExternalPort, expiresAt, resp.Lifetime)

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

// Unmap re-issues MAP with lifetime=0 per RFC 6887 §15 and removes the row
// on success (redesigned per DESIGN.md from the source's behavior of
// leaving the row in place).
func (g *Gateway) Unmap(ctx context.Context, internalHost string, internalPort int, protocol string) error {
	row := g.table.Get(internalHost, internalPort, protocol)
	if row == nil {
		return fmt.Errorf("pcp: no mapping for %s:%d/%s", internalHost, internalPort, protocol)
	}

	protoByte, err := codec.ProtocolByte(protocol)
	if err != nil {
		return err
	}
	payload := codec.EncodePCPMapRequest(g.clientAddr(), row.Nonce, protoByte, internalPort, 0, nil, 0)
	reply, err := g.queue.Enqueue(ctx, codec.PCPOpMap, payload)
	if err != nil {
		return err
	}
	resp, err := codec.DecodePCPResponse(reply)
	if err != nil {
		return err
	}
	if resp.ResultCode != codec.PCPSuccess {
		return &resultError{code: int(resp.ResultCode), message: codec.PCPResultMessage(resp.ResultCode)}
	}
	g.table.Delete(internalHost, internalPort, protocol)
	return nil
}

// ExternalIP learns the externally-visible address via a throwaway,
// short-lived, non-refreshing MAP on an ephemeral port (§4.D, S8).
func (g *Gateway) ExternalIP(ctx context.Context) (net.IP, error) {
	port := 49152 + rand.Intn(65536-49152)
	host := g.clientAddr().String()

	m, err := g.Map(ctx, MapRequest{
		InternalHost: host,
		InternalPort: port,
		Protocol:     "TCP",
		Lifetime:     externalIPLifetime,
		AutoRefresh:  false,
	})
	if err != nil {
		return nil, err
	}
	g.table.Delete(host, port, "TCP")
	return net.ParseIP(m.ExternalHost), nil
}

// GetMappings returns a snapshot of every live mapping.
func (g *Gateway) GetMappings() []mapping.Mapping {
	return g.table.GetAll()
}

func (g *Gateway) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.refreshExpiring()
		case <-g.stopRefresh:
			return
		}
	}
}

func (g *Gateway) refreshExpiring() {
	expiring := g.table.GetExpiring(time.Now())
	var errs error
	for _, m := range expiring {
		req := MapRequest{
			InternalHost: m.InternalHost,
			InternalPort: m.InternalPort,
			ExternalPort: m.ExternalPort,
			Protocol:     m.Protocol,
			Lifetime:     m.Lifetime,
			AutoRefresh:  true,
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := g.mapWithNonce(ctx, req, m.Nonce)
		cancel()
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		logger.Debug("refresh tick completed with errors", "err", errs)
	}
}

// Stop unmaps every mapping (best-effort), stops the refresh loop, and
// closes the socket. A second call returns an error.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.state.Get() == gatewaybase.Closed {
		return fmt.Errorf("pcp: already closed")
	}
	g.state.Set(gatewaybase.Closing)

	select {
	case <-g.stopRefresh:
	default:
		close(g.stopRefresh)
	}

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

type resultError struct {
	code    int
	message string
}

func (e *resultError) Error() string {
	return fmt.Sprintf("pcp: gateway reported error %d: %s", e.code, e.message)
}

func (e *resultError) Code() int       { return e.code }
func (e *resultError) Message() string { return e.message }
