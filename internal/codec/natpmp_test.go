package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePMPExternalAddressRequest(t *testing.T) {
	assert.Equal(t, []byte{0, 0}, EncodePMPExternalAddressRequest())
}

func TestEncodePMPMapRequest(t *testing.T) {
	buf, err := EncodePMPMapRequest("TCP", 5000, 5000, 3600)
	require.NoError(t, err)
	require.Len(t, buf, 12)
	assert.Equal(t, uint8(0), buf[0])
	assert.Equal(t, uint8(PMPOpMapTCP), buf[1])
	assert.Equal(t, []byte{0x13, 0x88}, buf[4:6])
	assert.Equal(t, []byte{0x13, 0x88}, buf[6:8])
	assert.Equal(t, []byte{0, 0, 0x0E, 0x10}, buf[8:12])

	_, err = EncodePMPMapRequest("sctp", 1, 1, 1)
	assert.Error(t, err)
}

func TestDecodePMPResponse_ExternalAddress(t *testing.T) {
	resp := make([]byte, 12)
	resp[1] = 128 // response to opcode 0
	putU32(resp[4:8], 99)
	copy(resp[8:12], []byte{203, 0, 113, 5})

	decoded, err := DecodePMPResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, PMPOpExternalAddress, decoded.Opcode)
	assert.Equal(t, uint32(99), decoded.Epoch)
	assert.Equal(t, "203.0.113.5", decoded.ExternalAddress.String())
}

func TestDecodePMPResponse_Map(t *testing.T) {
	resp := make([]byte, 16)
	resp[1] = 128 + PMPOpMapTCP
	putU32(resp[4:8], 5)
	putU16(resp[8:10], 4000)
	putU16(resp[10:12], 4001)
	putU32(resp[12:16], 7200)

	decoded, err := DecodePMPResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, PMPOpMapTCP, decoded.Opcode)
	assert.Equal(t, 4000, decoded.MapInternalPort)
	assert.Equal(t, 4001, decoded.MapExternalPort)
	assert.Equal(t, 7200*time.Second, decoded.MapLifetime)
}

func TestDecodePMPResponse_RejectsRequestOpcode(t *testing.T) {
	_, err := DecodePMPResponse([]byte{0, 1, 0, 0})
	assert.Error(t, err)
}
