package upnp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// serviceTypes lists the WAN connection service types this package can
// drive, most-capable first: IGDv2's IP and PPP connection services, then
// their IGDv1 predecessors.
var serviceTypes = []string{
	"urn:schemas-upnp-org:service:WANIPConnection:2",
	"urn:schemas-upnp-org:service:WANPPPConnection:2",
	"urn:schemas-upnp-org:service:WANIPConnection:1",
	"urn:schemas-upnp-org:service:WANPPPConnection:1",
}

// pinholeServiceType is the IGDv2 service that drives IPv6 pinholes.
// It is a distinct service from the WAN IP/PPP connection services that
// carry IPv4 port mappings (UPnP DA §2.3; spec §4.G).
const pinholeServiceType = "urn:schemas-upnp-org:service:WANIPv6FirewallControl:1"

// descDevice mirrors the subset of a UPnP device description document
// (UPnP Device Architecture §2.3) this package needs: enough of the device
// tree to find a WAN connection service and its controlURL.
type descDevice struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  device   `xml:"device"`
}

type device struct {
	FriendlyName string    `xml:"friendlyName"`
	DeviceList   []device  `xml:"deviceList>device"`
	ServiceList  []service `xml:"serviceList>service"`
}

type service struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// boundService is a resolved (serviceType, absolute controlURL) pair ready
// for SOAP dispatch.
type boundService struct {
	ServiceType  string
	ControlURL   *url.URL
	FriendlyName string
}

// descriptorResult is everything New needs out of one descriptor fetch: the
// WAN connection service IPv4 port mappings are dispatched against, and,
// when the device offers one, the separate WANIPv6FirewallControl:1 service
// IPv6 pinholes are dispatched against instead (spec §4.G).
type descriptorResult struct {
	wan     *boundService
	pinhole *boundService // nil if the device doesn't offer IPv6 pinholes
}

// fetchDescriptor retrieves and parses the device description document at
// location, then walks its device tree once for the best available WAN
// connection service (serviceTypes, most-capable first) and, separately,
// for the IPv6 pinhole service, resolving each controlURL against URLBase
// (or location itself, per UPnP DA §2.3, when URLBase is absent).
func fetchDescriptor(ctx context.Context, location *url.URL) (*descriptorResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location.String(), nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upnp: fetch descriptor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upnp: descriptor fetch returned %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upnp: read descriptor: %w", err)
	}

	var doc descDevice
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("upnp: parse descriptor: %w", err)
	}

	base := location
	if doc.URLBase != "" {
		if b, err := url.Parse(doc.URLBase); err == nil {
			base = b
		}
	}

	bind := func(svc service, dev device) (*boundService, error) {
		ctrl, err := base.Parse(svc.ControlURL)
		if err != nil {
			return nil, fmt.Errorf("upnp: resolve controlURL: %w", err)
		}
		return &boundService{ServiceType: svc.ServiceType, ControlURL: ctrl, FriendlyName: dev.FriendlyName}, nil
	}

	result := &descriptorResult{}
	for _, wanted := range serviceTypes {
		if svc, dev, ok := findService(doc.Device, wanted); ok {
			bound, err := bind(svc, dev)
			if err != nil {
				return nil, err
			}
			result.wan = bound
			break
		}
	}
	if result.wan == nil {
		return nil, fmt.Errorf("upnp: no WAN connection service in descriptor at %s", location)
	}

	if svc, dev, ok := findService(doc.Device, pinholeServiceType); ok {
		bound, err := bind(svc, dev)
		if err != nil {
			return nil, err
		}
		result.pinhole = bound
	}

	return result, nil
}

func findService(d device, serviceType string) (service, device, bool) {
	for _, s := range d.ServiceList {
		if strings.EqualFold(s.ServiceType, serviceType) {
			return s, d, true
		}
	}
	for _, child := range d.DeviceList {
		if s, dev, ok := findService(child, serviceType); ok {
			return s, dev, true
		}
	}
	return service{}, device{}, false
}
