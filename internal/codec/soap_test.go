package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSOAPRequest(t *testing.T) {
	buf := EncodeSOAPRequest(
		"urn:schemas-upnp-org:service:WANIPConnection:2",
		"AddAnyPortMapping",
		[]SOAPArg{
			{Name: "NewRemoteHost", Value: ""},
			{Name: "NewExternalPort", Value: "5000"},
			{Name: "NewProtocol", Value: "TCP"},
			{Name: "NewInternalPort", Value: "5000"},
			{Name: "NewInternalClient", Value: "10.0.0.5"},
			{Name: "NewEnabled", Value: "1"},
			{Name: "NewPortMappingDescription", Value: "test"},
			{Name: "NewLeaseDuration", Value: "3600"},
		},
	)
	body := string(buf)
	assert.Contains(t, body, `<u:AddAnyPortMapping xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:2">`)
	assert.Contains(t, body, "<NewExternalPort>5000</NewExternalPort>")
	assert.Contains(t, body, "</u:AddAnyPortMapping>")
}

func TestDecodeSOAPResponse_SuffixTolerantNamespace(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <u:AddAnyPortMappingResponse xmlns:u="urn:schemas-upnp-org:service:WANIPConnection:2">
      <NewReservedPort>40123</NewReservedPort>
    </u:AddAnyPortMappingResponse>
  </s:Body>
</s:Envelope>`)

	fields, err := DecodeSOAPResponse(body, "AddAnyPortMapping")
	require.NoError(t, err)
	assert.Equal(t, "40123", fields["NewReservedPort"])
}

func TestDecodeSOAPResponse_Fault(t *testing.T) {
	body := []byte(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">
  <s:Body>
    <s:Fault>
      <faultcode>s:Client</faultcode>
      <faultstring>UPnPError</faultstring>
      <detail>
        <UPnPError xmlns="urn:schemas-upnp-org:control-1-0">
          <errorCode>718</errorCode>
          <errorDescription>ConflictInMappingEntry</errorDescription>
        </UPnPError>
      </detail>
    </s:Fault>
  </s:Body>
</s:Envelope>`)

	_, err := DecodeSOAPResponse(body, "AddPortMapping")
	require.Error(t, err)

	fault, ok := err.(*SOAPFault)
	require.True(t, ok)
	assert.Equal(t, 718, fault.ErrorCode)
	assert.Equal(t, "ConflictInMappingEntry", fault.Description)
}

func TestSOAPActionHeader(t *testing.T) {
	assert.Equal(t, `"urn:x#DoThing"`, SOAPActionHeader("urn:x", "DoThing"))
}
