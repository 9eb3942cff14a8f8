package upnp

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const igdv2Descriptor = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Test Router</friendlyName>
    <deviceList>
      <device>
        <friendlyName>WANDevice</friendlyName>
        <deviceList>
          <device>
            <friendlyName>WANConnectionDevice</friendlyName>
            <serviceList>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANIPConnection:2</serviceType>
                <controlURL>/upnp/control/WANIPConn</controlURL>
              </service>
              <service>
                <serviceType>urn:schemas-upnp-org:service:WANIPv6FirewallControl:1</serviceType>
                <controlURL>/upnp/control/WANIPv6Firewall</controlURL>
              </service>
            </serviceList>
          </device>
        </deviceList>
      </device>
    </deviceList>
  </device>
</root>`

// newTestIGD starts an httptest.Server that serves igdv2Descriptor at /desc
// and dispatches SOAP actions against the WAN connection control URL to
// handler, returning its descriptor URL. Requests against the IPv6 pinhole
// control URL are routed separately (see newTestIGDWithPinholeHandler) or,
// if no pinholeHandler is given, fail the test if ever hit.
func newTestIGD(t *testing.T, handler func(action string, w http.ResponseWriter)) *url.URL {
	return newTestIGDWithPinholeHandler(t, handler, nil)
}

func newTestIGDWithPinholeHandler(t *testing.T, handler, pinholeHandler func(action string, w http.ResponseWriter)) *url.URL {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/desc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(igdv2Descriptor))
	})
	mux.HandleFunc("/upnp/control/WANIPConn", func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("SOAPAction")
		handler(action, w)
	})
	mux.HandleFunc("/upnp/control/WANIPv6Firewall", func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("SOAPAction")
		if pinholeHandler == nil {
			t.Fatalf("unexpected pinhole-service request: %s", action)
			return
		}
		pinholeHandler(action, w)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	loc, err := url.Parse(srv.URL + "/desc")
	require.NoError(t, err)
	return loc
}

func soapOK(body string) string {
	return `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>` + body + `</s:Body></s:Envelope>`
}

func TestNew_BindsWANIPConnection2(t *testing.T) {
	loc := newTestIGD(t, func(action string, w http.ResponseWriter) {
		fmt.Fprint(w, soapOK(`<u:GetExternalIPAddressResponse><NewExternalIPAddress>203.0.113.1</NewExternalIPAddress></u:GetExternalIPAddressResponse>`))
	})

	g, err := New(context.Background(), loc)
	require.NoError(t, err)
	assert.Contains(t, g.svc.ServiceType, "WANIPConnection:2")

	ip, err := g.ExternalIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.1", ip)
}

func TestGateway_Map_UsesAddAnyPortMapping_OnIGDv2(t *testing.T) {
	var sawAction string
	loc := newTestIGD(t, func(action string, w http.ResponseWriter) {
		sawAction = action
		fmt.Fprint(w, soapOK(`<u:AddAnyPortMappingResponse><NewReservedPort>6001</NewReservedPort></u:AddAnyPortMappingResponse>`))
	})
	g, err := New(context.Background(), loc)
	require.NoError(t, err)

	m, err := g.Map(context.Background(), MapRequest{InternalHost: "10.0.0.5", InternalPort: 6000, Protocol: "TCP"})
	require.NoError(t, err)
	assert.Contains(t, sawAction, "AddAnyPortMapping")
	assert.Equal(t, 6001, m.ExternalPort)
}

func TestGateway_Map_FixedPort_UsesAddPortMapping(t *testing.T) {
	var sawAction string
	loc := newTestIGD(t, func(action string, w http.ResponseWriter) {
		sawAction = action
		fmt.Fprint(w, soapOK(`<u:AddPortMappingResponse></u:AddPortMappingResponse>`))
	})
	g, err := New(context.Background(), loc)
	require.NoError(t, err)

	m, err := g.Map(context.Background(), MapRequest{InternalHost: "10.0.0.5", InternalPort: 6000, ExternalPort: 6000, Protocol: "TCP"})
	require.NoError(t, err)
	assert.Contains(t, sawAction, "AddPortMapping")
	assert.NotContains(t, sawAction, "AddAnyPortMapping")
	assert.Equal(t, 6000, m.ExternalPort)
}

func TestGateway_Map_Fault(t *testing.T) {
	loc := newTestIGD(t, func(action string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body><s:Fault><faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail><UPnPError><errorCode>718</errorCode><errorDescription>ConflictInMappingEntry</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`)
	})
	g, err := New(context.Background(), loc)
	require.NoError(t, err)

	_, err = g.Map(context.Background(), MapRequest{InternalHost: "10.0.0.5", InternalPort: 6000, ExternalPort: 6000, Protocol: "TCP"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "718")
}

func TestGateway_Unmap(t *testing.T) {
	loc := newTestIGD(t, func(action string, w http.ResponseWriter) {
		switch {
		case strings.Contains(action, "AddPortMapping"):
			fmt.Fprint(w, soapOK(`<u:AddPortMappingResponse></u:AddPortMappingResponse>`))
		case strings.Contains(action, "DeletePortMapping"):
			fmt.Fprint(w, soapOK(`<u:DeletePortMappingResponse></u:DeletePortMappingResponse>`))
		}
	})
	g, err := New(context.Background(), loc)
	require.NoError(t, err)

	_, err = g.Map(context.Background(), MapRequest{InternalHost: "10.0.0.5", InternalPort: 6000, ExternalPort: 6000, Protocol: "TCP"})
	require.NoError(t, err)

	err = g.Unmap(context.Background(), "10.0.0.5", 6000, "TCP")
	require.NoError(t, err)
	assert.Nil(t, g.table.Get("10.0.0.5", 6000, "TCP"))
}

func TestGateway_AddPinhole(t *testing.T) {
	var sawAction string
	loc := newTestIGDWithPinholeHandler(t,
		func(action string, w http.ResponseWriter) {
			t.Fatalf("AddPinhole must not be dispatched against the WAN connection service, got action %q", action)
		},
		func(action string, w http.ResponseWriter) {
			sawAction = action
			fmt.Fprint(w, soapOK(`<u:AddPinholeResponse><UniqueID>7</UniqueID></u:AddPinholeResponse>`))
		},
	)
	g, err := New(context.Background(), loc)
	require.NoError(t, err)
	require.NotNil(t, g.pinholeSvc)

	id, err := g.AddPinhole(context.Background(), "", 6000, "fe80::1", 6000, "TCP", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "7", id)
	assert.Contains(t, sawAction, "WANIPv6FirewallControl")
	assert.Contains(t, sawAction, "AddPinhole")
}

func TestGateway_AddPinhole_NotSupported(t *testing.T) {
	const descWithoutPinhole = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Test Router</friendlyName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:WANIPConnection:2</serviceType>
        <controlURL>/upnp/control/WANIPConn</controlURL>
      </service>
    </serviceList>
  </device>
</root>`
	mux := http.NewServeMux()
	mux.HandleFunc("/desc", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(descWithoutPinhole))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	loc, err := url.Parse(srv.URL + "/desc")
	require.NoError(t, err)

	g, err := New(context.Background(), loc)
	require.NoError(t, err)
	assert.Nil(t, g.pinholeSvc)

	_, err = g.AddPinhole(context.Background(), "", 6000, "fe80::1", 6000, "TCP", time.Minute)
	assert.ErrorIs(t, err, ErrPinholeNotSupported)
}
