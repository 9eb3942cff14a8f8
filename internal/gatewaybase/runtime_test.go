package gatewaybase

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_Transitions(t *testing.T) {
	var s State
	assert.Equal(t, Init, s.Get())

	assert.True(t, s.CompareAndSwap(Init, Connecting))
	assert.Equal(t, Connecting, s.Get())

	assert.False(t, s.CompareAndSwap(Init, Listening))
	assert.Equal(t, Connecting, s.Get())

	s.Set(Closed)
	assert.Equal(t, Closed, s.Get())
}

func TestIsVirtualInterface(t *testing.T) {
	assert.True(t, isVirtualInterface("docker0"))
	assert.True(t, isVirtualInterface("utun3"))
	assert.True(t, isVirtualInterface("lo"))
	assert.False(t, isVirtualInterface("eth0"))
	assert.False(t, isVirtualInterface("en0"))
}

func TestMapAll_PartialSuccess(t *testing.T) {
	// S7 — mapAll aggregates errors, yields the one success.
	addrs := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")}

	results, err := MapAll(addrs, func(host string) (string, error) {
		if host == "10.0.0.2" {
			return "", errors.New("boom")
		}
		return "mapped:" + host, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "10.0.0.1", results[0].Host)
	assert.Equal(t, "mapped:10.0.0.1", results[0].Value)
}

func TestMapAll_AllFail(t *testing.T) {
	// S7 — with zero successes, mapAll surfaces an aggregated error.
	addrs := []net.IP{net.ParseIP("10.0.0.1"), net.ParseIP("10.0.0.2")}

	results, err := MapAll(addrs, func(host string) (string, error) {
		return "", errors.New("boom: " + host)
	})
	assert.Nil(t, results)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "10.0.0.1")
	assert.Contains(t, err.Error(), "10.0.0.2")
}

func TestMapAll_NoAddresses(t *testing.T) {
	_, err := MapAll[string](nil, func(host string) (string, error) {
		return "", nil
	})
	assert.Error(t, err)
}
