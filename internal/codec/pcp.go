// Package codec encodes and decodes the wire formats spoken by the three
// gateway protocols: PCP (RFC 6887), NAT-PMP (RFC 6886), and UPnP SOAP.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// PCP opcodes (RFC 6887 §7.1).
const (
	PCPOpAnnounce uint8 = 0
	PCPOpMap      uint8 = 1
)

// PCP result codes (RFC 6887 §7.4).
const (
	PCPSuccess                 uint8 = 0
	PCPUnsuppVersion           uint8 = 1
	PCPNotAuthorized           uint8 = 2
	PCPMalformedRequest        uint8 = 3
	PCPUnsuppOpcode            uint8 = 4
	PCPUnsuppOption            uint8 = 5
	PCPMalformedOption         uint8 = 6
	PCPNetworkFailure          uint8 = 7
	PCPNoResources             uint8 = 8
	PCPUnsuppProtocol          uint8 = 9
	PCPUserExQuota             uint8 = 10
	PCPCannotProvideExternal   uint8 = 11
	PCPAddressMismatch         uint8 = 12
	PCPExcessiveRemotePeers    uint8 = 13
)

// PCPResultMessage returns the canonical RFC 6887 §7.4 message for a
// result code, or a generic message for anything unrecognized.
func PCPResultMessage(code uint8) string {
	switch code {
	case PCPSuccess:
		return "success"
	case PCPUnsuppVersion:
		return "unsupported version"
	case PCPNotAuthorized:
		return "not authorized or refused"
	case PCPMalformedRequest:
		return "malformed request"
	case PCPUnsuppOpcode:
		return "unsupported opcode"
	case PCPUnsuppOption:
		return "unsupported option"
	case PCPMalformedOption:
		return "malformed option"
	case PCPNetworkFailure:
		return "network failure"
	case PCPNoResources:
		return "no resources"
	case PCPUnsuppProtocol:
		return "unsupported protocol"
	case PCPUserExQuota:
		return "user exceeded quota"
	case PCPCannotProvideExternal:
		return "cannot provide external"
	case PCPAddressMismatch:
		return "address mismatch"
	case PCPExcessiveRemotePeers:
		return "excessive remote peers"
	default:
		return fmt.Sprintf("unknown result code %d", code)
	}
}

const (
	pcpVersion       = 2
	pcpHeaderLen     = 24
	pcpMapDataLen    = 36
	pcpMapRequestLen = pcpHeaderLen + pcpMapDataLen // 60
	pcpMinPacketLen  = 24
	pcpMaxPacketLen  = 1100

	// MaxGrantedLifetime is the ceiling RFC 6887 §15 places on any granted
	// lifetime; DecodePCPResponse clamps responses that exceed it.
	MaxGrantedLifetime = 86400 * time.Second

	protoTCP = 6
	protoUDP = 17
)

var errPCPPacketLength = errors.New("pcp: packet length out of bounds")

// ipv4Mapped renders ip as a 16-byte IPv4-mapped IPv6 address if it is an
// IPv4 address, or returns its 16-byte form unchanged if already IPv6.
// A nil or unspecified ip renders as 16 zero bytes.
func ipv4Mapped(ip net.IP) [16]byte {
	var out [16]byte
	if ip == nil || ip.IsUnspecified() {
		return out
	}
	if v4 := ip.To4(); v4 != nil {
		out[10] = 0xff
		out[11] = 0xff
		copy(out[12:], v4)
		return out
	}
	copy(out[:], ip.To16())
	return out
}

// EncodePCPMapRequest builds the 60-byte MAP request described in RFC 6887
// §11.1/§9.1: a 24-byte common header followed by 36 bytes of MAP-specific
// data.
func EncodePCPMapRequest(clientIP net.IP, nonce [12]byte, protocol uint8, internalPort, suggestedExternalPort int, suggestedExternalIP net.IP, lifetime time.Duration) []byte {
	buf := make([]byte, pcpMapRequestLen)

	buf[0] = pcpVersion
	buf[1] = PCPOpMap // request: high bit clear
	// buf[2:4] reserved, left zero
	binary.BigEndian.PutUint32(buf[4:8], uint32(lifetime/time.Second))
	clientAddr := ipv4Mapped(clientIP)
	copy(buf[8:24], clientAddr[:])

	copy(buf[24:36], nonce[:])
	buf[36] = protocol
	// buf[37:40] reserved, left zero
	binary.BigEndian.PutUint16(buf[40:42], uint16(internalPort))
	binary.BigEndian.PutUint16(buf[42:44], uint16(suggestedExternalPort))
	extAddr := ipv4Mapped(suggestedExternalIP)
	copy(buf[44:60], extAddr[:])

	return buf
}

// EncodePCPAnnounceRequest builds the 24-byte ANNOUNCE request.
func EncodePCPAnnounceRequest(clientIP net.IP, lifetime time.Duration) []byte {
	buf := make([]byte, pcpHeaderLen)
	buf[0] = pcpVersion
	buf[1] = PCPOpAnnounce
	binary.BigEndian.PutUint32(buf[4:8], uint32(lifetime/time.Second))
	addr := ipv4Mapped(clientIP)
	copy(buf[8:24], addr[:])
	return buf
}

// ProtocolByte maps "TCP"/"UDP" (any case) to the IANA protocol number PCP
// places on the wire. NAT-PMP does not use it: it encodes the protocol in
// the MAP opcode (see EncodePMPMapRequest).
func ProtocolByte(protocol string) (uint8, error) {
	switch {
	case equalFoldASCII(protocol, "TCP"):
		return protoTCP, nil
	case equalFoldASCII(protocol, "UDP"):
		return protoUDP, nil
	default:
		return 0, fmt.Errorf("pcp: unknown protocol %q", protocol)
	}
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// PCPResponse is a decoded PCP response header plus, for MAP responses,
// the opcode-specific tail.
type PCPResponse struct {
	Opcode     uint8
	ResultCode uint8
	Lifetime   time.Duration
	Epoch      uint32

	// Map is populated when Opcode == PCPOpMap.
	Map *PCPMapResponse
}

// PCPMapResponse is the opcode-specific tail of a MAP response.
type PCPMapResponse struct {
	Nonce        [12]byte
	Protocol     uint8
	InternalPort int
	ExternalPort int
	ExternalIP   net.IP
}

// DecodePCPResponse validates and parses a datagram against RFC 6887 §7.2's
// framing rules. It does not check source address/port; the caller (the
// UDP request queue) is responsible for that per the spec's queue contract.
func DecodePCPResponse(data []byte) (*PCPResponse, error) {
	if len(data) < pcpMinPacketLen || len(data) > pcpMaxPacketLen || len(data)%4 != 0 {
		return nil, errPCPPacketLength
	}
	if data[0] != pcpVersion {
		return nil, fmt.Errorf("pcp: unsupported version %d", data[0])
	}
	if data[1]&0x80 == 0 {
		return nil, errors.New("pcp: not a response (R bit unset)")
	}
	opcode := data[1] & 0x7f

	resp := &PCPResponse{
		Opcode:     opcode,
		ResultCode: data[3],
		Lifetime:   time.Duration(binary.BigEndian.Uint32(data[4:8])) * time.Second,
		Epoch:      binary.BigEndian.Uint32(data[8:12]),
	}
	if resp.Lifetime > MaxGrantedLifetime {
		resp.Lifetime = MaxGrantedLifetime
	}

	if opcode == PCPOpMap {
		if len(data) < pcpHeaderLen+pcpMapDataLen {
			return nil, errors.New("pcp: MAP response too short")
		}
		tail := data[pcpHeaderLen:]
		m := &PCPMapResponse{Protocol: tail[12]}
		copy(m.Nonce[:], tail[0:12])
		m.InternalPort = int(binary.BigEndian.Uint16(tail[16:18]))
		m.ExternalPort = int(binary.BigEndian.Uint16(tail[18:20]))
		m.ExternalIP = extractIP(tail[20:36])
		resp.Map = m
	}

	return resp, nil
}

// PCPResponseOpcode extracts the request opcode a datagram answers,
// without fully decoding it, for use as a queue.OpcodeFunc.
func PCPResponseOpcode(data []byte) (uint8, bool) {
	if len(data) < 2 || data[1]&0x80 == 0 {
		return 0, false
	}
	return data[1] & 0x7f, true
}

func extractIP(b []byte) net.IP {
	ip := net.IP(append([]byte(nil), b...))
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}
