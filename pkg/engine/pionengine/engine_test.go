package pionengine

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sluice-rtc/sluice/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTransportIsIdempotent(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := e.CreateTransport(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.NotEmpty(t, first.ICEParameters.UsernameFragment)
	assert.NotEmpty(t, first.DTLSParameters.FingerprintValue)
	assert.Equal(t, "passive", first.DTLSParameters.Setup)

	second, err := e.CreateTransport(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCloseUserReleasesTransport(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := e.CreateTransport(ctx, "u1")
	require.NoError(t, err)

	e.CloseUser("u1")

	replacement, err := e.CreateTransport(ctx, "u1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, replacement.ID)
}

func TestConnectTransportWithoutCreateFails(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	defer e.Close()

	err = e.ConnectTransport(context.Background(), "ghost", engine.ClientTransport{})
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
}

func TestRemoteDTLSRole(t *testing.T) {
	assert.Equal(t, webrtc.DTLSRoleClient, remoteDTLSRole("actpass"))
	assert.Equal(t, webrtc.DTLSRoleClient, remoteDTLSRole("active"))
	assert.Equal(t, webrtc.DTLSRoleServer, remoteDTLSRole("passive"))
}

func TestSupportsOpus(t *testing.T) {
	assert.True(t, supportsOpus(engine.RTPCapabilities{
		Codecs: []engine.RTPCodecParameters{{MimeType: "audio/opus"}},
	}))
	assert.False(t, supportsOpus(engine.RTPCapabilities{
		Codecs: []engine.RTPCodecParameters{{MimeType: "audio/PCMU"}},
	}))
	assert.False(t, supportsOpus(engine.RTPCapabilities{}))
}

func TestConsumerLayerClamp(t *testing.T) {
	c := &consumer{}
	require.NoError(t, c.SetPreferredLayer(0))
	require.NoError(t, c.SetPreferredLayer(2))
	assert.Error(t, c.SetPreferredLayer(3))
	assert.Error(t, c.SetPreferredLayer(-1))
	assert.Equal(t, int32(2), c.layer.Load())
}
