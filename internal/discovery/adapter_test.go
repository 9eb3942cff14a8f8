package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDescriptor = `<?xml version="1.0"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <device>
    <friendlyName>Test Router</friendlyName>
    <serviceList>
      <service>
        <serviceType>urn:schemas-upnp-org:service:WANIPConnection:2</serviceType>
        <controlURL>/control</controlURL>
      </service>
    </serviceList>
  </device>
</root>`

type fakeCollaborator struct {
	services []DiscoveredService
	calls    int
}

func (f *fakeCollaborator) Search(ctx context.Context) ([]DiscoveredService, error) {
	f.calls++
	return f.services, nil
}

func TestAdapter_FindGateways_DedupesByLocation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testDescriptor))
	}))
	t.Cleanup(srv.Close)

	loc, err := url.Parse(srv.URL + "/desc")
	require.NoError(t, err)

	fc := &fakeCollaborator{services: []DiscoveredService{
		{Location: loc, ServiceType: "urn:schemas-upnp-org:device:InternetGatewayDevice:2"},
		{Location: loc, ServiceType: "urn:schemas-upnp-org:device:InternetGatewayDevice:2"},
	}}
	a := NewWithCollaborator(fc)

	gws, err := a.FindGateways(context.Background())
	require.NoError(t, err)
	require.Len(t, gws, 2)
	assert.Same(t, gws[0], gws[1])
}

func TestAdapter_FindGateways_IgnoresOtherServiceTypes(t *testing.T) {
	loc, _ := url.Parse("http://192.0.2.1/desc")
	fc := &fakeCollaborator{services: []DiscoveredService{
		{Location: loc, ServiceType: "urn:schemas-upnp-org:device:Basic:1"},
	}}
	a := NewWithCollaborator(fc)

	gws, err := a.FindGateways(context.Background())
	require.NoError(t, err)
	assert.Empty(t, gws)
}

func TestAdapter_GetGateway_BypassesSSDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(testDescriptor))
	}))
	t.Cleanup(srv.Close)
	loc, err := url.Parse(srv.URL + "/desc")
	require.NoError(t, err)

	fc := &fakeCollaborator{}
	a := NewWithCollaborator(fc)

	gw, err := a.GetGateway(context.Background(), loc)
	require.NoError(t, err)
	assert.NotNil(t, gw)
	assert.Equal(t, 0, fc.calls)
}

func TestParseMaxAge(t *testing.T) {
	assert.Equal(t, "1h40m0s", parseMaxAge("max-age=6000").String())
	assert.Equal(t, "30m0s", parseMaxAge("").String())
	assert.Equal(t, "30m0s", parseMaxAge("no-cache").String())
}
