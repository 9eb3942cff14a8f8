package codec

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePCPMapRequest_S4(t *testing.T) {
	// S4 — PCP MAP request bytes.
	clientIP := net.ParseIP("192.168.1.10")
	var nonce [12]byte
	copy(nonce[:], "abcdefghijkl")

	buf := EncodePCPMapRequest(clientIP, nonce, protoTCP, 5000, 5000, net.ParseIP("0.0.0.0"), 3600*time.Second)
	require.Len(t, buf, 60)

	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00, 0x00, 0x00, 0x0E, 0x10}, buf[0:8])

	wantClientAddr := append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff}, []byte{192, 168, 1, 10}...)
	assert.Equal(t, wantClientAddr, buf[8:24])

	assert.Equal(t, nonce[:], buf[24:36])
	assert.Equal(t, uint8(protoTCP), buf[36])
	assert.Equal(t, []byte{0, 0, 0}, buf[37:40])
	assert.Equal(t, []byte{0x13, 0x88}, buf[40:42])
	assert.Equal(t, []byte{0x13, 0x88}, buf[42:44])
	assert.Equal(t, make([]byte, 16), buf[44:60])
}

func TestDecodePCPResponse_LifetimeClamp_S5(t *testing.T) {
	// S5 — PCP response clamp.
	resp := encodeFakePCPMapResponse(t, PCPSuccess, 100000, 1, [12]byte{}, protoTCP, 5000, 5000, net.IPv4(0, 0, 0, 0))
	decoded, err := DecodePCPResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, 86400*time.Second, decoded.Lifetime)
}

func TestDecodePCPResponse_RejectsBadLength(t *testing.T) {
	_, err := DecodePCPResponse(make([]byte, 23))
	assert.Error(t, err)

	_, err = DecodePCPResponse(make([]byte, 25)) // not a multiple of 4
	assert.Error(t, err)

	_, err = DecodePCPResponse(make([]byte, 1104))
	assert.Error(t, err)
}

func TestDecodePCPResponse_MapFields(t *testing.T) {
	var nonce [12]byte
	copy(nonce[:], "123456789012")
	resp := encodeFakePCPMapResponse(t, PCPSuccess, 3600, 42, nonce, protoUDP, 4000, 4001, net.ParseIP("203.0.113.9"))

	decoded, err := DecodePCPResponse(resp)
	require.NoError(t, err)
	require.NotNil(t, decoded.Map)
	assert.Equal(t, nonce, decoded.Map.Nonce)
	assert.Equal(t, uint8(protoUDP), decoded.Map.Protocol)
	assert.Equal(t, 4000, decoded.Map.InternalPort)
	assert.Equal(t, 4001, decoded.Map.ExternalPort)
	assert.True(t, decoded.Map.ExternalIP.Equal(net.ParseIP("203.0.113.9")))
	assert.Equal(t, uint32(42), decoded.Epoch)
}

func TestProtocolByte(t *testing.T) {
	p, err := ProtocolByte("tcp")
	require.NoError(t, err)
	assert.Equal(t, uint8(protoTCP), p)

	p, err = ProtocolByte("UDP")
	require.NoError(t, err)
	assert.Equal(t, uint8(protoUDP), p)

	_, err = ProtocolByte("sctp")
	assert.Error(t, err)
}

// encodeFakePCPMapResponse builds a syntactically valid 60-byte MAP
// response for use as test input to DecodePCPResponse.
func encodeFakePCPMapResponse(t *testing.T, resultCode uint8, lifetimeSeconds uint32, epoch uint32, nonce [12]byte, protocol uint8, internalPort, externalPort int, externalIP net.IP) []byte {
	t.Helper()
	buf := make([]byte, 60)
	buf[0] = pcpVersion
	buf[1] = PCPOpMap | 0x80
	buf[3] = resultCode
	putU32(buf[4:8], lifetimeSeconds)
	putU32(buf[8:12], epoch)
	copy(buf[24:36], nonce[:])
	buf[36] = protocol
	putU16(buf[40:42], uint16(internalPort))
	putU16(buf[42:44], uint16(externalPort))
	addr := ipv4Mapped(externalIP)
	copy(buf[44:60], addr[:])
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
