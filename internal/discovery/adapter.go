// Package discovery finds UPnP IGDs over SSDP and hands back bound
// gateways, deduplicated by descriptor location.
package discovery

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/achingbrain/nat-port-mapper/internal/upnp"
)

// Adapter consumes a Collaborator's SSDP results and constructs one upnp.Gateway
// per distinct descriptor location advertising igdSearchTarget.
type Adapter struct {
	collaborator Collaborator

	mu      sync.Mutex
	seen    map[string]*upnp.Gateway
}

// New returns an Adapter using the default SSDPCollaborator.
func New() *Adapter {
	return &Adapter{collaborator: SSDPCollaborator{}, seen: make(map[string]*upnp.Gateway)}
}

// NewWithCollaborator returns an Adapter driven by a caller-supplied
// Collaborator, for tests and for callers that want koron/go-ssdp or another
// discovery transport instead of the default huin/goupnp one.
func NewWithCollaborator(c Collaborator) *Adapter {
	return &Adapter{collaborator: c, seen: make(map[string]*upnp.Gateway)}
}

// FindGateways runs one SSDP search and returns a bound upnp.Gateway for
// every IGD response. A location seen before, in this call or an earlier
// one, yields the Gateway already bound for it rather than a new one, so the
// slice holds one entry per matching response.
func (a *Adapter) FindGateways(ctx context.Context) ([]*upnp.Gateway, error) {
	services, err := a.collaborator.Search(ctx)
	if err != nil {
		return nil, err
	}

	var gateways []*upnp.Gateway
	for _, svc := range services {
		if !strings.HasSuffix(svc.ServiceType, ":InternetGatewayDevice:2") {
			continue
		}

		key := svc.Location.String()
		a.mu.Lock()
		existing, known := a.seen[key]
		a.mu.Unlock()
		if known {
			gateways = append(gateways, existing)
			continue
		}

		gw, err := upnp.New(ctx, svc.Location)
		if err != nil {
			logger.Debug("failed to bind discovered gateway", "location", key, "err", err)
			continue
		}
		a.mu.Lock()
		a.seen[key] = gw
		a.mu.Unlock()
		gateways = append(gateways, gw)
	}
	return gateways, nil
}

// GetGateway fetches the descriptor at location directly, bypassing SSDP,
// and constructs the same kind of gateway FindGateways would have.
func (a *Adapter) GetGateway(ctx context.Context, location *url.URL) (*upnp.Gateway, error) {
	key := location.String()
	a.mu.Lock()
	if existing, ok := a.seen[key]; ok {
		a.mu.Unlock()
		return existing, nil
	}
	a.mu.Unlock()

	gw, err := upnp.New(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("discovery: get gateway %s: %w", key, err)
	}
	a.mu.Lock()
	a.seen[key] = gw
	a.mu.Unlock()
	return gw, nil
}
