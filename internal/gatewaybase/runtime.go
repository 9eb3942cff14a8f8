// Package gatewaybase holds the behavior shared by all three gateway
// variants (PCP, NAT-PMP, UPnP): lifecycle state, local-interface
// enumeration, and the mapAll fan-out helper. Each variant embeds a State
// and calls MapAll/LocalAddresses; the protocol-specific Map/Unmap logic
// lives in its own package.
package gatewaybase

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/achingbrain/nat-port-mapper/pkg/lib/log"
)

var logger = log.Logger("nat-port-mapper.gateway")

// Lifecycle is the gateway state machine named in the spec: a gateway
// starts in Init, moves to Connecting while its socket binds, reaches
// Listening once requests can be pumped, and moves through Closing to
// Closed on Stop (or immediately to Closed on a fatal socket error).
type Lifecycle int32

const (
	Init Lifecycle = iota
	Connecting
	Listening
	Closing
	Closed
)

func (l Lifecycle) String() string {
	switch l {
	case Init:
		return "init"
	case Connecting:
		return "connecting"
	case Listening:
		return "listening"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// State is an atomically-readable/writable Lifecycle value, embeddable in
// any of the three gateway structs.
type State struct {
	v atomic.Int32
}

func (s *State) Get() Lifecycle {
	return Lifecycle(s.v.Load())
}

func (s *State) Set(l Lifecycle) {
	s.v.Store(int32(l))
}

// CompareAndSwap transitions the state from from to to only if it is
// currently from, returning whether the transition happened.
func (s *State) CompareAndSwap(from, to Lifecycle) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

// virtualIfacePrefixes excludes common VPN/container/loopback interfaces
// that never carry a useful path to a gateway.
var virtualIfacePrefixes = []string{
	"utun", "bridge", "awdl", "llw", "lo", "loopback", "gif", "stf",
	"tun", "tap", "wintun", "vethernet", "hyper-v", "docker", "veth",
	"virbr", "vmnet",
}

func isVirtualInterface(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range virtualIfacePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Family selects which address family LocalAddresses enumerates.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

// LocalAddresses enumerates non-loopback, non-virtual, non-link-local
// addresses of the requested family across every up interface. This feeds
// both mapAll (§4.D) and the default SSDP search-source selection.
func LocalAddresses(family Family) ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("gatewaybase: list interfaces: %w", err)
	}

	var addrs []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if isVirtualInterface(iface.Name) {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			logger.Debug("skipping interface", "name", iface.Name, "err", err)
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsLinkLocalUnicast() || ip.IsLoopback() {
				continue
			}
			isV4 := ip.To4() != nil
			if family == IPv4 && !isV4 {
				continue
			}
			if family == IPv6 && isV4 {
				continue
			}
			addrs = append(addrs, ip)
		}
	}
	return addrs, nil
}

// MapAllResult pairs a successful per-interface outcome with the address
// it came from.
type MapAllResult[T any] struct {
	Host  string
	Value T
}

// MapAll runs mapOne(host) for every address in addrs. It aggregates
// per-interface failures with multierr (so one bad interface doesn't hide
// another's error) and returns them only if nothing succeeded.
func MapAll[T any](addrs []net.IP, mapOne func(host string) (T, error)) ([]MapAllResult[T], error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("gatewaybase: no eligible local address")
	}

	var results []MapAllResult[T]
	var errs error
	for _, ip := range addrs {
		host := ip.String()
		v, err := mapOne(host)
		if err != nil {
			logger.Debug("mapAll: interface failed", "host", host, "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}
		results = append(results, MapAllResult[T]{Host: host, Value: v})
	}

	if len(results) == 0 {
		return nil, errs
	}
	return results, nil
}

// MapAllLocal enumerates local addresses of family and delegates to MapAll.
func MapAllLocal[T any](family Family, mapOne func(host string) (T, error)) ([]MapAllResult[T], error) {
	addrs, err := LocalAddresses(family)
	if err != nil {
		return nil, err
	}
	return MapAll(addrs, mapOne)
}
