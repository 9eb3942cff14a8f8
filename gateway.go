package natportmap

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/achingbrain/nat-port-mapper/internal/discovery"
	"github.com/achingbrain/nat-port-mapper/internal/mapping"
	"github.com/achingbrain/nat-port-mapper/internal/natpmp"
	"github.com/achingbrain/nat-port-mapper/internal/pcp"
	"github.com/achingbrain/nat-port-mapper/internal/upnp"
)

// PortMapping is the public, protocol-agnostic view of one row of a
// gateway's mapping table.
type PortMapping struct {
	ExternalHost string
	ExternalPort int
	InternalHost string
	InternalPort int
	Protocol     string
}

// Gateway is the uniform surface every variant (PCP, NAT-PMP, UPnP IGD)
// exposes once constructed.
type Gateway interface {
	// Map requests that internalPort on internalHost be externally
	// reachable, returning the resulting mapping.
	Map(ctx context.Context, internalPort int, internalHost string, opts ...Option) (PortMapping, error)

	// MapAll maps internalPort from every eligible local address.
	MapAll(ctx context.Context, internalPort int, opts ...Option) ([]PortMapping, error)

	// Unmap withdraws a previously-created mapping.
	Unmap(ctx context.Context, internalPort int, internalHost string, opts ...Option) error

	// ExternalIP reports the gateway's externally-visible address.
	ExternalIP(ctx context.Context) (string, error)

	// GetMappings returns a snapshot of every live mapping.
	GetMappings() []PortMapping

	// Stop unmaps every mapping (best-effort) and releases the gateway's
	// transport. A second call returns ErrAlreadyClosed.
	Stop(ctx context.Context) error
}

// PinholeGateway is the optional capability a UPnP gateway exposes when its
// device offers a WANIPv6FirewallControl:1 service. It is not part of
// Gateway itself since PCP and NAT-PMP have no IPv6 pinhole concept;
// callers type-assert a Gateway returned by UPnPNAT against this interface.
type PinholeGateway interface {
	// AddPinhole opens an IPv6 pinhole, returning an opaque identifier for
	// UpdatePinhole/DeletePinhole. WithRemoteHost/WithRemotePort restrict
	// it to a single remote peer; empty/0 means wildcard.
	AddPinhole(ctx context.Context, internalPort int, internalHost string, opts ...Option) (string, error)

	// UpdatePinhole renews a pinhole's lease by the identifier AddPinhole
	// returned.
	UpdatePinhole(ctx context.Context, uniqueID string, opts ...Option) error

	// DeletePinhole closes a pinhole by the identifier AddPinhole returned.
	DeletePinhole(ctx context.Context, uniqueID string) error
}

// resultCoder is implemented by each internal package's local result-code
// error type, letting this boundary layer rebuild a *ResultError without
// those packages importing this one (which would cycle).
type resultCoder interface {
	Code() int
	Message() string
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if rc, ok := err.(resultCoder); ok {
		return &ResultError{Code: rc.Code(), Message: rc.Message()}
	}
	return err
}

// stopErr maps the error an internal gateway's Stop returns (only ever for
// a second call) to ErrAlreadyClosed.
func stopErr(err error) error {
	if err != nil {
		return ErrAlreadyClosed
	}
	return nil
}

func toPortMapping(m *mapping.Mapping) PortMapping {
	if m == nil {
		return PortMapping{}
	}
	return PortMapping{
		ExternalHost: m.ExternalHost,
		ExternalPort: m.ExternalPort,
		InternalHost: m.InternalHost,
		InternalPort: m.InternalPort,
		Protocol:     m.Protocol,
	}
}

func toPortMappings(rows []mapping.Mapping) []PortMapping {
	out := make([]PortMapping, 0, len(rows))
	for i := range rows {
		out = append(out, toPortMapping(&rows[i]))
	}
	return out
}

// --- NAT-PMP ----------------------------------------------------------

type pmpGateway struct{ g *natpmp.Gateway }

// PMPNAT constructs a NAT-PMP gateway bound to gatewayIP (RFC 6886).
func PMPNAT(gatewayIP net.IP, opts ...Option) (Gateway, error) {
	if _, err := ApplyOptions(opts...); err != nil {
		return nil, err
	}
	g, err := natpmp.New(gatewayIP)
	if err != nil {
		return nil, &TransportError{Op: "natpmp: connect", Cause: err}
	}
	return &pmpGateway{g: g}, nil
}

func (p *pmpGateway) Map(ctx context.Context, internalPort int, internalHost string, opts ...Option) (PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return PortMapping{}, err
	}
	m, err := p.g.Map(ctx, natpmp.MapRequest{
		InternalHost:     internalHost,
		InternalPort:     internalPort,
		ExternalPort:     o.ExternalPort,
		Protocol:         o.Protocol,
		Lifetime:         o.TTL,
		AutoRefresh:      o.AutoRefresh,
		RefreshThreshold: o.RefreshThreshold,
	})
	if err != nil {
		return PortMapping{}, translateErr(err)
	}
	return toPortMapping(m), nil
}

func (p *pmpGateway) MapAll(ctx context.Context, internalPort int, opts ...Option) ([]PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	results, err := p.g.MapAll(ctx, internalPort, natpmp.MapRequest{
		ExternalPort:     o.ExternalPort,
		Protocol:         o.Protocol,
		Lifetime:         o.TTL,
		AutoRefresh:      o.AutoRefresh,
		RefreshThreshold: o.RefreshThreshold,
	})
	if err != nil {
		return nil, &MapAllError{Port: internalPort, Cause: err}
	}
	out := make([]PortMapping, 0, len(results))
	for _, r := range results {
		out = append(out, toPortMapping(r.Value))
	}
	return out, nil
}

func (p *pmpGateway) Unmap(ctx context.Context, internalPort int, internalHost string, opts ...Option) error {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return err
	}
	return translateErr(p.g.Unmap(ctx, internalHost, internalPort, o.Protocol))
}

func (p *pmpGateway) ExternalIP(ctx context.Context) (string, error) {
	ip, err := p.g.ExternalIP(ctx)
	if err != nil {
		return "", translateErr(err)
	}
	return ip.String(), nil
}

func (p *pmpGateway) GetMappings() []PortMapping { return toPortMappings(p.g.GetMappings()) }
func (p *pmpGateway) Stop(ctx context.Context) error { return stopErr(p.g.Stop(ctx)) }

// --- PCP ----------------------------------------------------------------

type pcpGateway struct{ g *pcp.Gateway }

// PCPNAT constructs a PCP gateway bound to gatewayIP (RFC 6887), succeeding
// only once ANNOUNCE has been answered by at least one local address.
func PCPNAT(gatewayIP net.IP, opts ...Option) (Gateway, error) {
	if _, err := ApplyOptions(opts...); err != nil {
		return nil, err
	}
	g, err := pcp.New(gatewayIP)
	if err != nil {
		return nil, ErrPCPNotSupported
	}
	return &pcpGateway{g: g}, nil
}

func (p *pcpGateway) Map(ctx context.Context, internalPort int, internalHost string, opts ...Option) (PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return PortMapping{}, err
	}
	ttl := o.TTL
	if ttl < 120*time.Second {
		ttl = 120 * time.Second
	}
	m, err := p.g.Map(ctx, pcp.MapRequest{
		InternalHost: internalHost,
		InternalPort: internalPort,
		ExternalPort: o.ExternalPort,
		Protocol:     o.Protocol,
		Lifetime:     ttl,
		AutoRefresh:  o.AutoRefresh,
	})
	if err != nil {
		return PortMapping{}, translateErr(err)
	}
	return toPortMapping(m), nil
}

func (p *pcpGateway) MapAll(ctx context.Context, internalPort int, opts ...Option) ([]PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	results, err := p.g.MapAll(ctx, internalPort, pcp.MapRequest{
		ExternalPort: o.ExternalPort,
		Protocol:     o.Protocol,
		Lifetime:     o.TTL,
		AutoRefresh:  o.AutoRefresh,
	})
	if err != nil {
		return nil, &MapAllError{Port: internalPort, Cause: err}
	}
	out := make([]PortMapping, 0, len(results))
	for _, r := range results {
		out = append(out, toPortMapping(r.Value))
	}
	return out, nil
}

func (p *pcpGateway) Unmap(ctx context.Context, internalPort int, internalHost string, opts ...Option) error {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return err
	}
	return translateErr(p.g.Unmap(ctx, internalHost, internalPort, o.Protocol))
}

func (p *pcpGateway) ExternalIP(ctx context.Context) (string, error) {
	ip, err := p.g.ExternalIP(ctx)
	if err != nil {
		return "", translateErr(err)
	}
	return ip.String(), nil
}

func (p *pcpGateway) GetMappings() []PortMapping { return toPortMappings(p.g.GetMappings()) }
func (p *pcpGateway) Stop(ctx context.Context) error { return stopErr(p.g.Stop(ctx)) }

// --- UPnP -----------------------------------------------------------------

type upnpGateway struct{ g *upnp.Gateway }

func (u *upnpGateway) Map(ctx context.Context, internalPort int, internalHost string, opts ...Option) (PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return PortMapping{}, err
	}
	m, err := u.g.Map(ctx, upnp.MapRequest{
		InternalHost:     internalHost,
		InternalPort:     internalPort,
		ExternalPort:     o.ExternalPort,
		RemoteHost:       o.RemoteHost,
		Protocol:         o.Protocol,
		Lifetime:         o.TTL,
		Description:      o.Description,
		AutoRefresh:      o.AutoRefresh,
		RefreshThreshold: o.RefreshThreshold,
	})
	if err != nil {
		return PortMapping{}, err
	}
	return toPortMapping(m), nil
}

func (u *upnpGateway) MapAll(ctx context.Context, internalPort int, opts ...Option) ([]PortMapping, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return nil, err
	}
	results, err := u.g.MapAll(ctx, internalPort, upnp.MapRequest{
		ExternalPort:     o.ExternalPort,
		RemoteHost:       o.RemoteHost,
		Protocol:         o.Protocol,
		Lifetime:         o.TTL,
		Description:      o.Description,
		AutoRefresh:      o.AutoRefresh,
		RefreshThreshold: o.RefreshThreshold,
	})
	if err != nil {
		return nil, &MapAllError{Port: internalPort, Cause: err}
	}
	out := make([]PortMapping, 0, len(results))
	for _, r := range results {
		out = append(out, toPortMapping(r.Value))
	}
	return out, nil
}

func (u *upnpGateway) Unmap(ctx context.Context, internalPort int, internalHost string, opts ...Option) error {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return err
	}
	return u.g.Unmap(ctx, internalHost, internalPort, o.Protocol)
}

func (u *upnpGateway) ExternalIP(ctx context.Context) (string, error) {
	return u.g.ExternalIP(ctx)
}

func (u *upnpGateway) GetMappings() []PortMapping { return toPortMappings(u.g.GetMappings()) }
func (u *upnpGateway) Stop(ctx context.Context) error { return stopErr(u.g.Stop(ctx)) }

// AddPinhole implements PinholeGateway.
func (u *upnpGateway) AddPinhole(ctx context.Context, internalPort int, internalHost string, opts ...Option) (string, error) {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return "", err
	}
	ttl := o.TTL
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return u.g.AddPinhole(ctx, o.RemoteHost, o.RemotePort, internalHost, internalPort, o.Protocol, ttl)
}

// UpdatePinhole implements PinholeGateway.
func (u *upnpGateway) UpdatePinhole(ctx context.Context, uniqueID string, opts ...Option) error {
	o, err := ApplyOptions(opts...)
	if err != nil {
		return err
	}
	ttl := o.TTL
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return u.g.UpdatePinhole(ctx, uniqueID, ttl)
}

// DeletePinhole implements PinholeGateway.
func (u *upnpGateway) DeletePinhole(ctx context.Context, uniqueID string) error {
	return u.g.DeletePinhole(ctx, uniqueID)
}

var _ PinholeGateway = (*upnpGateway)(nil)

// UPnPNATClient is the entry point §6 names `upnpNat(opts)`: a factory for
// discovering and binding to UPnP IGDs.
type UPnPNATClient struct {
	adapter *discovery.Adapter
}

// UPnPNAT returns a client for discovering UPnP IGD gateways.
func UPnPNAT(opts ...Option) (*UPnPNATClient, error) {
	if _, err := ApplyOptions(opts...); err != nil {
		return nil, err
	}
	return &UPnPNATClient{adapter: discovery.New()}, nil
}

// FindGateways runs one SSDP search round and returns a Gateway for every
// IGD response. Gateways are deduplicated by descriptor location across
// calls: a location seen before yields the same underlying gateway, and a
// device that answered the search more than once appears once per answer.
func (c *UPnPNATClient) FindGateways(ctx context.Context) ([]Gateway, error) {
	gws, err := c.adapter.FindGateways(ctx)
	if err != nil {
		return nil, &TransportError{Op: "upnp: discover", Cause: err}
	}
	out := make([]Gateway, 0, len(gws))
	for _, gw := range gws {
		out = append(out, &upnpGateway{g: gw})
	}
	return out, nil
}

// GetGateway fetches the descriptor at descriptorURL directly, bypassing
// SSDP, and binds a Gateway to it.
func (c *UPnPNATClient) GetGateway(ctx context.Context, descriptorURL *url.URL) (Gateway, error) {
	gw, err := c.adapter.GetGateway(ctx, descriptorURL)
	if err != nil {
		return nil, &TransportError{Op: "upnp: get gateway", Cause: err}
	}
	return &upnpGateway{g: gw}, nil
}
