package discovery

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/huin/goupnp/httpu"
	"github.com/huin/goupnp/ssdp"
	koronssdp "github.com/koron/go-ssdp"

	"github.com/achingbrain/nat-port-mapper/internal/gatewaybase"
	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.discovery")

// igdSearchTarget is the service type the discovery adapter searches for,
// per the programmatic surface's discovery collaborator contract.
const igdSearchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:2"

const searchTimeout = 3 * time.Second

// DiscoveredService is what a discovery collaborator yields for every
// SSDP response matching igdSearchTarget.
type DiscoveredService struct {
	Location         *url.URL
	ServiceType      string
	UniqueServiceName string
	Expires          time.Time
}

// Collaborator is the interface the adapter consumes. SSDPCollaborator is
// the default implementation; tests substitute a fake.
type Collaborator interface {
	Search(ctx context.Context) ([]DiscoveredService, error)
}

// SSDPCollaborator searches every eligible local IPv4 address with
// huin/goupnp's httpu/ssdp subpackages, the same primitives the teacher
// repo used directly (rather than a generated dcps client) to find IGDs.
type SSDPCollaborator struct{}

func (SSDPCollaborator) Search(ctx context.Context) ([]DiscoveredService, error) {
	addrs, err := gatewaybase.LocalAddresses(gatewaybase.IPv4)
	if err != nil {
		return nil, err
	}

	var found []DiscoveredService
	for _, ip := range addrs {
		client, err := httpu.NewHTTPUClientAddr(ip.String())
		if err != nil {
			logger.Debug("skipping address for SSDP", "addr", ip.String(), "err", err)
			continue
		}

		searchCtx, cancel := context.WithTimeout(ctx, searchTimeout)
		responses, err := ssdp.RawSearch(searchCtx, client, igdSearchTarget, 3)
		cancel()
		_ = client.Close()
		if err != nil {
			logger.Debug("ssdp search failed", "addr", ip.String(), "err", err)
			continue
		}

		now := time.Now()
		for _, resp := range responses {
			loc, err := resp.Location()
			if err != nil {
				continue
			}
			maxAge := resp.Header.Get("CACHE-CONTROL")
			expires := now.Add(parseMaxAge(maxAge))
			found = append(found, DiscoveredService{
				Location:          loc,
				ServiceType:       resp.Header.Get("ST"),
				UniqueServiceName: resp.Header.Get("USN"),
				Expires:           expires,
			})
		}
	}
	return found, nil
}

// KoronSSDPCollaborator is an alternate Collaborator built on
// koron/go-ssdp's broadcast-search API instead of huin/goupnp's
// address-bound unicast search. It trades per-address control for a
// simpler call shape, useful on hosts where binding httpu to each local
// address individually is undesirable.
type KoronSSDPCollaborator struct{}

func (KoronSSDPCollaborator) Search(ctx context.Context) ([]DiscoveredService, error) {
	waitSec := int(searchTimeout / time.Second)
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < searchTimeout {
			waitSec = int(remaining / time.Second)
		}
	}
	if waitSec < 1 {
		waitSec = 1
	}

	services, err := koronssdp.Search(igdSearchTarget, waitSec, "")
	if err != nil {
		return nil, err
	}

	now := time.Now()
	found := make([]DiscoveredService, 0, len(services))
	for _, svc := range services {
		loc, err := url.Parse(svc.Location)
		if err != nil {
			logger.Debug("skipping service with unparsable location", "location", svc.Location, "err", err)
			continue
		}
		found = append(found, DiscoveredService{
			Location:          loc,
			ServiceType:       svc.Type,
			UniqueServiceName: svc.USN,
			Expires:           now.Add(time.Duration(svc.MaxAge()) * time.Second),
		})
	}
	return found, nil
}

// parseMaxAge reads "max-age=N" out of a Cache-Control header, defaulting
// to 30 minutes (a typical IGD SSDP advertisement interval) when absent or
// malformed.
func parseMaxAge(cacheControl string) time.Duration {
	const prefix = "max-age="
	idx := strings.Index(strings.ToLower(cacheControl), prefix)
	if idx < 0 {
		return 30 * time.Minute
	}
	rest := strings.TrimSpace(cacheControl[idx+len(prefix):])
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n == 0 {
		return 30 * time.Minute
	}
	return time.Duration(n) * time.Second
}
