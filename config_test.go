package natportmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOptions_Defaults(t *testing.T) {
	o, err := ApplyOptions()
	require.NoError(t, err)
	assert.Equal(t, defaultTTL, o.TTL)
	assert.Equal(t, defaultDescription, o.Description)
	assert.True(t, o.AutoRefresh)
	assert.Equal(t, "TCP", o.Protocol)
}

func TestApplyOptions_Overrides(t *testing.T) {
	o, err := ApplyOptions(
		WithTTL(30*time.Minute),
		WithProtocol("udp"),
		WithExternalPort(6000),
		WithAutoRefresh(false),
	)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, o.TTL)
	assert.Equal(t, "udp", o.Protocol)
	assert.Equal(t, 6000, o.ExternalPort)
	assert.False(t, o.AutoRefresh)
}

func TestApplyOptions_RejectsInvalidProtocol(t *testing.T) {
	_, err := ApplyOptions(WithProtocol("SCTP"))
	assert.ErrorIs(t, err, ErrInvalidProtocol)
}

func TestApplyOptions_RejectsInvalidTTL(t *testing.T) {
	_, err := ApplyOptions(WithTTL(-1))
	assert.Error(t, err)
}

func TestApplyOptions_RejectsOutOfRangePort(t *testing.T) {
	_, err := ApplyOptions(WithExternalPort(100000))
	assert.Error(t, err)
}

func TestApplyOptions_RemotePort(t *testing.T) {
	o, err := ApplyOptions(WithRemotePort(6000))
	require.NoError(t, err)
	assert.Equal(t, 6000, o.RemotePort)
}

func TestApplyOptions_RejectsOutOfRangeRemotePort(t *testing.T) {
	_, err := ApplyOptions(WithRemotePort(-1))
	assert.Error(t, err)
}
