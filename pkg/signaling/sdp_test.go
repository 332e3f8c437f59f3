package signaling

import (
	"strings"
	"testing"

	"github.com/sluice-rtc/sluice/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func offerFixture(lines ...string) string {
	base := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"a=fingerprint:sha-256 AA:BB:CC:DD",
	}
	return strings.Join(append(base, lines...), "\r\n") + "\r\n"
}

func opusOffer() string {
	return offerFixture(
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=mid:0",
		"a=ice-ufrag:clientUfrag",
		"a=ice-pwd:clientPwd",
		"a=setup:actpass",
		"a=rtpmap:111 opus/48000/2",
		"a=fmtp:111 minptime=10;useinbandfec=1",
		"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level",
		"a=rid:q send",
		"a=rid:h send",
		"a=rid:f send",
		"a=simulcast:send q;h;f",
	)
}

func TestExtractOffer(t *testing.T) {
	offer := ExtractOffer(opusOffer())
	require.NotNil(t, offer)

	codec := offer.RTPParameters.Codec
	assert.Equal(t, uint8(111), codec.PayloadType)
	assert.Equal(t, "audio/opus", codec.MimeType)
	assert.Equal(t, uint32(48000), codec.ClockRate)
	assert.Equal(t, uint16(2), codec.Channels)
	assert.True(t, codec.UseInbandFec)

	require.Len(t, offer.RTPParameters.Encodings, 3)
	assert.Equal(t, "q", offer.RTPParameters.Encodings[0].Rid)
	assert.Equal(t, "f", offer.RTPParameters.Encodings[2].Rid)

	require.Len(t, offer.RTPCapabilities.HeaderExtensions, 1)
	assert.Equal(t, 1, offer.RTPCapabilities.HeaderExtensions[0].ID)
}

func TestExtractOfferWithoutSimulcast(t *testing.T) {
	offer := ExtractOffer(offerFixture(
		"m=audio 9 UDP/TLS/RTP/SAVPF 96",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:96 opus/48000/2",
	))
	require.NotNil(t, offer)
	assert.Equal(t, uint8(96), offer.RTPParameters.Codec.PayloadType)
	assert.Empty(t, offer.RTPParameters.Encodings)
	assert.False(t, offer.RTPParameters.Codec.UseInbandFec)
}

func TestExtractOfferRejectsNonOpus(t *testing.T) {
	assert.Nil(t, ExtractOffer(offerFixture(
		"m=audio 9 UDP/TLS/RTP/SAVPF 0",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:0 PCMU/8000",
	)))
}

func TestExtractOfferRejectsVideoOnly(t *testing.T) {
	assert.Nil(t, ExtractOffer(offerFixture(
		"m=video 9 UDP/TLS/RTP/SAVPF 100",
		"c=IN IP4 0.0.0.0",
		"a=rtpmap:100 VP8/90000",
	)))
}

func TestExtractOfferRejectsGarbage(t *testing.T) {
	assert.Nil(t, ExtractOffer("not an sdp"))
}

func TestExtractClientTransport(t *testing.T) {
	remote := ExtractClientTransport(opusOffer())
	require.NotNil(t, remote)
	assert.Equal(t, "sha-256", remote.DTLS.FingerprintAlgorithm)
	assert.Equal(t, "AA:BB:CC:DD", remote.DTLS.FingerprintValue)
	assert.Equal(t, "actpass", remote.DTLS.Setup)
	assert.Equal(t, "clientUfrag", remote.ICE.UsernameFragment)
	assert.Equal(t, "clientPwd", remote.ICE.Password)
}

func TestExtractClientTransportMissingFingerprint(t *testing.T) {
	raw := strings.Join([]string{
		"v=0",
		"o=- 1 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
		"m=audio 9 UDP/TLS/RTP/SAVPF 111",
		"c=IN IP4 0.0.0.0",
		"a=ice-ufrag:u",
		"a=ice-pwd:p",
		"a=rtpmap:111 opus/48000/2",
	}, "\r\n") + "\r\n"
	assert.Nil(t, ExtractClientTransport(raw))
}

func TestSynthesizeAnswer(t *testing.T) {
	offer := ExtractOffer(opusOffer())
	require.NotNil(t, offer)

	info := engine.TransportInfo{
		ID: "transport-1",
		ICEParameters: engine.ICEParameters{
			UsernameFragment: "ufrag123",
			Password:         "pwd456",
		},
		ICECandidates: []engine.ICECandidate{
			{Candidate: "candidate:1 1 udp 2130706431 198.51.100.7 40000 typ host", SdpMid: "0"},
		},
		DTLSParameters: engine.DTLSParameters{
			FingerprintAlgorithm: "sha-256",
			FingerprintValue:     "11:22:33",
			Setup:                "actpass",
		},
	}

	answer, err := SynthesizeAnswer(info, offer)
	require.NoError(t, err)

	assert.Contains(t, answer, "m=audio")
	assert.Contains(t, answer, "a=ice-ufrag:ufrag123")
	assert.Contains(t, answer, "a=ice-pwd:pwd456")
	assert.Contains(t, answer, "a=fingerprint:sha-256 11:22:33")
	assert.Contains(t, answer, "a=setup:passive")
	assert.Contains(t, answer, "a=rtpmap:111 opus/48000/2")
	assert.Contains(t, answer, "useinbandfec=1")
	assert.Contains(t, answer, "a=candidate:1 1 udp 2130706431 198.51.100.7 40000 typ host")
}
