// Package upnp implements the UPnP IGD gateway variant: SOAP/XML action
// dispatch over HTTP against a discovered WAN connection service, covering
// both IGDv1/v2 port mappings and IGDv2 IPv6 pinholes.
package upnp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/achingbrain/nat-port-mapper/internal/codec"
	"github.com/achingbrain/nat-port-mapper/internal/gatewaybase"
	"github.com/achingbrain/nat-port-mapper/internal/mapping"
	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.upnp")

const (
	// DefaultLeaseDuration is the lease most IGDs accept without complaint.
	// 0 (infinite) is rejected by a number of consumer routers.
	DefaultLeaseDuration = 1 * time.Hour

	// minPinholeLifetime is §4.F's floor for IGDv2 IPv6 pinholes.
	minPinholeLifetime = 1 * time.Hour

	soapTimeout = 5 * time.Second
)

// ErrPinholeNotSupported is returned by AddPinhole/UpdatePinhole/
// DeletePinhole when the bound device's descriptor offered no
// WANIPv6FirewallControl:1 service.
var ErrPinholeNotSupported = errors.New("upnp: device does not offer IPv6 pinhole service")

// MapRequest carries everything Map needs beyond the gateway's own state.
type MapRequest struct {
	InternalHost string
	InternalPort int
	ExternalPort int // 0 = let the gateway pick (AddAnyPortMapping) on IGDv2
	RemoteHost   string
	Protocol     string
	Lifetime     time.Duration
	Description  string
	AutoRefresh  bool

	// RefreshThreshold is how long before expiry the mapping is renewed.
	// 0 falls back to a 60s default, matching NAT-PMP's armRefresh.
	RefreshThreshold time.Duration
}

// Gateway is a UPnP IGD client bound to one discovered WAN connection
// service for IPv4 port mappings and, when the device offers one, a
// separate WANIPv6FirewallControl:1 service for IPv6 pinholes.
type Gateway struct {
	location   *url.URL
	svc        *boundService
	pinholeSvc *boundService // nil if the device doesn't offer IPv6 pinholes
	httpClient *http.Client
	table      *mapping.Table
	state      gatewaybase.State

	refreshMu sync.Mutex
	refresh   map[refreshKey]*time.Timer
}

type refreshKey struct {
	host     string
	port     int
	protocol string
}

// New fetches location's device descriptor, binds to the best available
// WAN connection service (and, if offered, the IPv6 pinhole service), and
// returns a ready Gateway.
func New(ctx context.Context, location *url.URL) (*Gateway, error) {
	desc, err := fetchDescriptor(ctx, location)
	if err != nil {
		return nil, err
	}
	g := &Gateway{
		location:   location,
		svc:        desc.wan,
		pinholeSvc: desc.pinhole,
		httpClient: &http.Client{Timeout: soapTimeout},
		table:      mapping.New(),
		refresh:    make(map[refreshKey]*time.Timer),
	}
	g.state.Set(gatewaybase.Listening)
	logger.Info("bound UPnP gateway", "device", desc.wan.FriendlyName, "service", desc.wan.ServiceType, "controlURL", desc.wan.ControlURL.String())
	if desc.pinhole != nil {
		logger.Info("bound IPv6 pinhole service", "controlURL", desc.pinhole.ControlURL.String())
	}
	return g, nil
}

// Location is the device descriptor URL this gateway was bound from.
func (g *Gateway) Location() *url.URL { return g.location }

func (g *Gateway) isIGDv2() bool {
	return strings.HasSuffix(g.svc.ServiceType, ":2")
}

// call dispatches action against the bound WAN connection service (IPv4
// port mappings). Pinhole actions use callOn against pinholeSvc instead.
func (g *Gateway) call(ctx context.Context, action string, args []codec.SOAPArg) (map[string]string, error) {
	return g.callOn(ctx, g.svc, action, args)
}

func (g *Gateway) callOn(ctx context.Context, svc *boundService, action string, args []codec.SOAPArg) (map[string]string, error) {
	body := codec.EncodeSOAPRequest(svc.ServiceType, action, args)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, svc.ControlURL.String(), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", codec.SOAPActionHeader(svc.ServiceType, action))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upnp: %s: %w", action, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upnp: %s: read response: %w", action, err)
	}

	fields, err := codec.DecodeSOAPResponse(respBody, action)
	if err != nil {
		return nil, fmt.Errorf("upnp: %s: %w", action, err)
	}
	return fields, nil
}

// ExternalIP invokes GetExternalIPAddress.
func (g *Gateway) ExternalIP(ctx context.Context) (string, error) {
	fields, err := g.call(ctx, "GetExternalIPAddress", nil)
	if err != nil {
		return "", err
	}
	return fields["NewExternalIPAddress"], nil
}

// Map requests a port mapping, using AddAnyPortMapping on IGDv2 when the
// caller didn't pin an external port, and AddPortMapping otherwise.
func (g *Gateway) Map(ctx context.Context, req MapRequest) (*mapping.Mapping, error) {
	if g.state.Get() != gatewaybase.Listening {
		return nil, fmt.Errorf("upnp: gateway is %s", g.state.Get())
	}

	row, _, err := g.table.GetOrCreate(req.InternalHost, req.InternalPort, req.Protocol, req.AutoRefresh)
	if err != nil {
		return nil, err
	}

	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultLeaseDuration
	}
	description := req.Description
	if description == "" {
		description = "nat-port-mapper"
	}
	externalPort := req.ExternalPort

	args := []codec.SOAPArg{
		{Name: "NewRemoteHost", Value: req.RemoteHost},
		{Name: "NewExternalPort", Value: strconv.Itoa(externalPort)},
		{Name: "NewProtocol", Value: strings.ToUpper(req.Protocol)},
		{Name: "NewInternalPort", Value: strconv.Itoa(req.InternalPort)},
		{Name: "NewInternalClient", Value: req.InternalHost},
		{Name: "NewEnabled", Value: "1"},
		{Name: "NewPortMappingDescription", Value: description},
		{Name: "NewLeaseDuration", Value: strconv.Itoa(int(lifetime / time.Second))},
	}

	action := "AddPortMapping"
	if externalPort == 0 && g.isIGDv2() {
		action = "AddAnyPortMapping"
		args[1] = codec.SOAPArg{Name: "NewExternalPort", Value: "0"}
	} else if externalPort == 0 {
		externalPort = req.InternalPort
		args[1] = codec.SOAPArg{Name: "NewExternalPort", Value: strconv.Itoa(externalPort)}
	}

	fields, err := g.call(ctx, action, args)
	if err != nil {
		g.table.Delete(req.InternalHost, req.InternalPort, req.Protocol)
		return nil, err
	}
	if action == "AddAnyPortMapping" {
		if reserved, convErr := strconv.Atoi(fields["NewReservedPort"]); convErr == nil && reserved != 0 {
			externalPort = reserved
		}
	}

	expiresAt := time.Now().Add(lifetime)
	g.table.Update(req.InternalPort, req.Protocol, row.Nonce, "", externalPort, expiresAt, lifetime)

	if req.AutoRefresh {
		g.armRefresh(req, lifetime)
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

// Unmap invokes DeletePortMapping.
func (g *Gateway) Unmap(ctx context.Context, internalHost string, internalPort int, protocol string) error {
	row := g.table.Get(internalHost, internalPort, protocol)
	if row == nil {
		return fmt.Errorf("upnp: no mapping for %s:%d/%s", internalHost, internalPort, protocol)
	}
	g.cancelRefresh(internalHost, internalPort, protocol)

	args := []codec.SOAPArg{
		{Name: "NewRemoteHost", Value: ""},
		{Name: "NewExternalPort", Value: strconv.Itoa(row.ExternalPort)},
		{Name: "NewProtocol", Value: strings.ToUpper(protocol)},
	}
	_, err := g.call(ctx, "DeletePortMapping", args)
	g.table.Delete(internalHost, internalPort, protocol)
	return err
}

// AddPinhole opens an IGDv2 IPv6 pinhole (§4.F) against the bound
// WANIPv6FirewallControl:1 service. protocol is "TCP" or "UDP"; lifetime is
// clamped up to minPinholeLifetime. Returns ErrPinholeNotSupported if the
// device's descriptor offered no pinhole service.
func (g *Gateway) AddPinhole(ctx context.Context, remoteHost string, remotePort int, internalHost string, internalPort int, protocol string, lifetime time.Duration) (string, error) {
	if g.pinholeSvc == nil {
		return "", ErrPinholeNotSupported
	}
	if lifetime < minPinholeLifetime {
		lifetime = minPinholeLifetime
	}
	protoNum := "6"
	if strings.EqualFold(protocol, "UDP") {
		protoNum = "17"
	}
	args := []codec.SOAPArg{
		{Name: "RemoteHost", Value: remoteHost},
		{Name: "RemotePort", Value: strconv.Itoa(remotePort)},
		{Name: "InternalClient", Value: internalHost},
		{Name: "InternalPort", Value: strconv.Itoa(internalPort)},
		{Name: "Protocol", Value: protoNum},
		{Name: "LeaseTime", Value: strconv.Itoa(int(lifetime / time.Second))},
	}
	fields, err := g.callOn(ctx, g.pinholeSvc, "AddPinhole", args)
	if err != nil {
		return "", err
	}
	return fields["UniqueID"], nil
}

// UpdatePinhole renews a pinhole's lease by UniqueID.
func (g *Gateway) UpdatePinhole(ctx context.Context, uniqueID string, lifetime time.Duration) error {
	if g.pinholeSvc == nil {
		return ErrPinholeNotSupported
	}
	if lifetime < minPinholeLifetime {
		lifetime = minPinholeLifetime
	}
	args := []codec.SOAPArg{
		{Name: "UniqueID", Value: uniqueID},
		{Name: "NewLeaseTime", Value: strconv.Itoa(int(lifetime / time.Second))},
	}
	_, err := g.callOn(ctx, g.pinholeSvc, "UpdatePinhole", args)
	return err
}

// DeletePinhole closes a pinhole by UniqueID.
func (g *Gateway) DeletePinhole(ctx context.Context, uniqueID string) error {
	if g.pinholeSvc == nil {
		return ErrPinholeNotSupported
	}
	_, err := g.callOn(ctx, g.pinholeSvc, "DeletePinhole", []codec.SOAPArg{{Name: "UniqueID", Value: uniqueID}})
	return err
}

// GetMappings returns a snapshot of every live mapping.
func (g *Gateway) GetMappings() []mapping.Mapping {
	return g.table.GetAll()
}

// CleanupStale enumerates the gateway's existing port mapping table via
// GetGenericPortMappingEntry and deletes any entry whose description
// matches ours, so restarts don't accumulate stale rows (a behavior this
// implementation adds beyond bare RFC/UPnP-DA compliance).
func (g *Gateway) CleanupStale(ctx context.Context, description string) {
	for i := uint16(0); i < 256; i++ {
		fields, err := g.call(ctx, "GetGenericPortMappingEntry", []codec.SOAPArg{{Name: "NewPortMappingIndex", Value: strconv.Itoa(int(i))}})
		if err != nil {
			return
		}
		if fields["NewPortMappingDescription"] != description {
			continue
		}
		extPort, _ := strconv.Atoi(fields["NewExternalPort"])
		_, _ = g.call(ctx, "DeletePortMapping", []codec.SOAPArg{
			{Name: "NewRemoteHost", Value: ""},
			{Name: "NewExternalPort", Value: strconv.Itoa(extPort)},
			{Name: "NewProtocol", Value: fields["NewProtocol"]},
		})
		logger.Debug("removed stale mapping", "externalPort", extPort, "protocol", fields["NewProtocol"])
	}
}

func (g *Gateway) armRefresh(req MapRequest, lifetime time.Duration) {
	threshold := req.RefreshThreshold
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	delay := lifetime - threshold
	if delay <= 0 {
		delay = lifetime / 2
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
	ctx, cancel := context.WithTimeout(context.Background(), soapTimeout)
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

// Stop cancels every per-mapping refresh timer and unmaps every mapping
// (best-effort). A second call returns an error.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.state.Get() == gatewaybase.Closed {
		return fmt.Errorf("upnp: already closed")
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
	g.state.Set(gatewaybase.Closed)
	return nil
}
