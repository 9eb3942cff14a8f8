package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// NAT-PMP opcodes (RFC 6886 §3.3).
const (
	PMPOpExternalAddress uint8 = 0
	PMPOpMapUDP          uint8 = 1
	PMPOpMapTCP          uint8 = 2
)

// NAT-PMP result codes (RFC 6886 §3.5).
const (
	PMPSuccess         uint16 = 0
	PMPUnsuppVersion   uint16 = 1
	PMPNotAuthorized   uint16 = 2
	PMPNetworkFailure  uint16 = 3
	PMPOutOfResources  uint16 = 4
	PMPUnsuppOpcode    uint16 = 5
)

// PMPResultMessage returns the canonical RFC 6886 §3.5 message for a
// result code.
func PMPResultMessage(code uint16) string {
	switch code {
	case PMPSuccess:
		return "success"
	case PMPUnsuppVersion:
		return "unsupported version"
	case PMPNotAuthorized:
		return "not authorized or refused"
	case PMPNetworkFailure:
		return "network failure"
	case PMPOutOfResources:
		return "out of resources"
	case PMPUnsuppOpcode:
		return "unsupported opcode"
	default:
		return fmt.Sprintf("unknown result code %d", code)
	}
}

const pmpVersion = 0

// PMPResponseOpcode extracts the request opcode a datagram answers,
// without fully decoding it, for use as a queue.OpcodeFunc.
func PMPResponseOpcode(data []byte) (uint8, bool) {
	if len(data) < 2 || data[1] < 128 {
		return 0, false
	}
	return data[1] - 128, true
}

// EncodePMPExternalAddressRequest builds the 2-byte EXTERNAL-IP request.
func EncodePMPExternalAddressRequest() []byte {
	return []byte{pmpVersion, PMPOpExternalAddress}
}

// EncodePMPMapRequest builds the 12-byte MAP request.
func EncodePMPMapRequest(protocol string, internalPort, externalPort, lifetimeSeconds int) ([]byte, error) {
	var opcode uint8
	switch {
	case equalFoldASCII(protocol, "UDP"):
		opcode = PMPOpMapUDP
	case equalFoldASCII(protocol, "TCP"):
		opcode = PMPOpMapTCP
	default:
		return nil, fmt.Errorf("natpmp: unknown protocol %q", protocol)
	}

	buf := make([]byte, 12)
	buf[0] = pmpVersion
	buf[1] = opcode
	// buf[2:4] reserved, left zero
	binary.BigEndian.PutUint16(buf[4:6], uint16(internalPort))
	binary.BigEndian.PutUint16(buf[6:8], uint16(externalPort))
	binary.BigEndian.PutUint32(buf[8:12], uint32(lifetimeSeconds))
	return buf, nil
}

// PMPResponse is a decoded NAT-PMP response.
type PMPResponse struct {
	Opcode     uint8 // request opcode this responds to (server opcode - 128)
	ResultCode uint16
	Epoch      uint32

	// ExternalAddress is populated when Opcode == PMPOpExternalAddress.
	ExternalAddress net.IP

	// Map* fields are populated when Opcode is PMPOpMapUDP/PMPOpMapTCP.
	MapInternalPort int
	MapExternalPort int
	MapLifetime     time.Duration
}

// DecodePMPResponse parses a NAT-PMP response datagram.
func DecodePMPResponse(data []byte) (*PMPResponse, error) {
	if len(data) < 4 {
		return nil, errors.New("natpmp: response too short")
	}
	if data[0] != pmpVersion {
		return nil, fmt.Errorf("natpmp: unsupported version %d", data[0])
	}
	serverOp := data[1]
	if serverOp < 128 {
		return nil, errors.New("natpmp: not a response opcode")
	}
	resp := &PMPResponse{
		Opcode:     serverOp - 128,
		ResultCode: binary.BigEndian.Uint16(data[2:4]),
	}

	switch resp.Opcode {
	case PMPOpExternalAddress:
		if len(data) < 12 {
			return nil, errors.New("natpmp: EXTERNAL-IP response too short")
		}
		resp.Epoch = binary.BigEndian.Uint32(data[4:8])
		resp.ExternalAddress = net.IP(append([]byte(nil), data[8:12]...))
	case PMPOpMapUDP, PMPOpMapTCP:
		if len(data) < 16 {
			return nil, errors.New("natpmp: MAP response too short")
		}
		resp.Epoch = binary.BigEndian.Uint32(data[4:8])
		resp.MapInternalPort = int(binary.BigEndian.Uint16(data[8:10]))
		resp.MapExternalPort = int(binary.BigEndian.Uint16(data[10:12]))
		resp.MapLifetime = time.Duration(binary.BigEndian.Uint32(data[12:16])) * time.Second
	default:
		return nil, fmt.Errorf("natpmp: unknown response opcode %d", resp.Opcode)
	}

	return resp, nil
}
