// Package hostgw locates the host's default gateway and offers a cheap
// NAT-PMP-based reachability probe, supplementing the core mapping flow
// with a preflight callers can use before committing to a gateway variant.
package hostgw

import (
	"context"
	"net"
	"time"

	"github.com/jackpal/gateway"

	"github.com/achingbrain/nat-port-mapper/internal/codec"
)

const probeTimeout = 1 * time.Second

// Discover returns the host's default gateway IP, per jackpal/gateway's
// platform-specific routing table inspection.
func Discover() (net.IP, error) {
	return gateway.DiscoverGateway()
}

// Probe sends a single NAT-PMP EXTERNAL-IP request to ip:5351 and reports
// whether a decodable NAT-PMP reply arrived before ctx's deadline, or
// within probeTimeout when ctx has no deadline. It is a best-effort
// signal only: a negative result does not rule out PCP or UPnP support,
// since not every gateway speaks NAT-PMP.
func Probe(ctx context.Context, ip net.IP) bool {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return false
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(probeTimeout)
	}
	_ = conn.SetDeadline(deadline)

	remote := &net.UDPAddr{IP: ip, Port: 5351}
	if _, err := conn.WriteTo(codec.EncodePMPExternalAddressRequest(), remote); err != nil {
		return false
	}

	buf := make([]byte, 16)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		return false
	}
	_, err = codec.DecodePMPResponse(buf[:n])
	return err == nil
}
