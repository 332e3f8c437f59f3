package signaling

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/sluice-rtc/sluice/pkg/engine"
)

// ExtractedOffer is everything the core reads out of a client-supplied
// session description: what the client will send (RTP parameters) and what
// it can receive (RTP capabilities).
type ExtractedOffer struct {
	RTPParameters   engine.RTPParameters
	RTPCapabilities engine.RTPCapabilities
}

// ExtractOffer pulls the opus audio parameters out of the first audio
// m-section. Returns nil when there is no audio section or the section
// carries no opus codec; the hub surfaces that as a 400.
func ExtractOffer(raw string) *ExtractedOffer {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil
	}

	audio := firstAudioSection(parsed)
	if audio == nil {
		return nil
	}

	codec, ok := opusCodec(audio)
	if !ok {
		return nil
	}

	extracted := &ExtractedOffer{
		RTPParameters: engine.RTPParameters{
			Codec:     codec,
			Encodings: simulcastEncodings(audio),
		},
		RTPCapabilities: engine.RTPCapabilities{
			Codecs:           []engine.RTPCodecParameters{codec},
			HeaderExtensions: headerExtensions(audio),
		},
	}
	return extracted
}

// ExtractClientTransport reads the client's ICE credentials, DTLS
// fingerprint and setup role out of the description, preferring media-level
// attributes over session-level ones. Returns nil when the fingerprint or
// the ICE credentials are missing.
func ExtractClientTransport(raw string) *engine.ClientTransport {
	parsed := &sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(raw)); err != nil {
		return nil
	}

	remote := &engine.ClientTransport{}

	lookup := func(attributes []sdp.Attribute) {
		for _, attr := range attributes {
			switch attr.Key {
			case "fingerprint":
				algorithm, value, found := strings.Cut(attr.Value, " ")
				if found && remote.DTLS.FingerprintValue == "" {
					remote.DTLS.FingerprintAlgorithm = algorithm
					remote.DTLS.FingerprintValue = value
				}
			case "setup":
				if remote.DTLS.Setup == "" {
					remote.DTLS.Setup = attr.Value
				}
			case "ice-ufrag":
				if remote.ICE.UsernameFragment == "" {
					remote.ICE.UsernameFragment = attr.Value
				}
			case "ice-pwd":
				if remote.ICE.Password == "" {
					remote.ICE.Password = attr.Value
				}
			}
		}
	}

	if audio := firstAudioSection(parsed); audio != nil {
		lookup(audio.Attributes)
	}
	lookup(parsed.Attributes)

	if remote.DTLS.FingerprintValue == "" || remote.ICE.UsernameFragment == "" {
		return nil
	}
	return remote
}

// SynthesizeAnswer authors the server-side answer describing the engine's
// transport: its ICE credentials and candidates, its DTLS fingerprint, and
// the codec the client offered.
func SynthesizeAnswer(info engine.TransportInfo, offer *ExtractedOffer) (string, error) {
	codec := offer.RTPParameters.Codec
	payloadType := strconv.Itoa(int(codec.PayloadType))

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: 9},
			Protos:  []string{"UDP", "TLS", "RTP", "SAVPF"},
			Formats: []string{payloadType},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	media.WithValueAttribute("mid", "0")
	media.WithValueAttribute("ice-ufrag", info.ICEParameters.UsernameFragment)
	media.WithValueAttribute("ice-pwd", info.ICEParameters.Password)
	media.WithValueAttribute("fingerprint", fmt.Sprintf("%s %s",
		info.DTLSParameters.FingerprintAlgorithm, info.DTLSParameters.FingerprintValue))
	// The server always takes the passive role: the client initiated.
	media.WithValueAttribute("setup", "passive")
	media.WithValueAttribute("rtpmap", fmt.Sprintf("%s opus/%d/%d",
		payloadType, codec.ClockRate, codec.Channels))

	fmtp := fmt.Sprintf("%s minptime=10", payloadType)
	if codec.UseInbandFec {
		fmtp += ";useinbandfec=1"
	}
	media.WithValueAttribute("fmtp", fmtp)

	for _, extension := range offer.RTPCapabilities.HeaderExtensions {
		media.WithValueAttribute("extmap", fmt.Sprintf("%d %s", extension.ID, extension.URI))
	}
	for _, candidate := range info.ICECandidates {
		media.WithValueAttribute("candidate", strings.TrimPrefix(candidate.Candidate, "candidate:"))
	}
	media.WithPropertyAttribute("recvonly")
	media.WithPropertyAttribute("rtcp-mux")

	answer := sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      0,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{media},
	}

	marshalled, err := answer.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal answer: %w", err)
	}
	return string(marshalled), nil
}

func firstAudioSection(parsed *sdp.SessionDescription) *sdp.MediaDescription {
	for _, media := range parsed.MediaDescriptions {
		if media.MediaName.Media == "audio" {
			return media
		}
	}
	return nil
}

// opusCodec finds the opus rtpmap entry of the section. The payload type is
// whatever the client selected; clock rate and channels come from the
// rtpmap, fmtp contributes useinbandfec.
func opusCodec(audio *sdp.MediaDescription) (engine.RTPCodecParameters, bool) {
	codec := engine.RTPCodecParameters{MimeType: "audio/opus"}

	found := false
	for _, attr := range audio.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		payload, spec, ok := strings.Cut(attr.Value, " ")
		if !ok || !strings.HasPrefix(strings.ToLower(spec), "opus/") {
			continue
		}

		payloadType, err := strconv.Atoi(payload)
		if err != nil {
			continue
		}

		codec.PayloadType = uint8(payloadType)
		parts := strings.Split(spec, "/")
		if len(parts) >= 2 {
			clockRate, _ := strconv.Atoi(parts[1])
			codec.ClockRate = uint32(clockRate)
		}
		if len(parts) >= 3 {
			channels, _ := strconv.Atoi(parts[2])
			codec.Channels = uint16(channels)
		}
		found = true
		break
	}
	if !found {
		return codec, false
	}

	prefix := strconv.Itoa(int(codec.PayloadType)) + " "
	for _, attr := range audio.Attributes {
		if attr.Key == "fmtp" && strings.HasPrefix(attr.Value, prefix) {
			codec.UseInbandFec = strings.Contains(attr.Value, "useinbandfec=1")
		}
	}

	return codec, true
}

// simulcastEncodings records three send encodings when the client announced
// simulcast. The rids come from the section's rid attributes; without them
// the conventional q/h/f names are assumed.
func simulcastEncodings(audio *sdp.MediaDescription) []engine.RTPEncoding {
	simulcast := false
	for _, attr := range audio.Attributes {
		if attr.Key == "simulcast" && strings.HasPrefix(attr.Value, "send") {
			simulcast = true
			break
		}
	}
	if !simulcast {
		return nil
	}

	var rids []string
	for _, attr := range audio.Attributes {
		if attr.Key != "rid" {
			continue
		}
		if rid, _, ok := strings.Cut(attr.Value, " "); ok {
			rids = append(rids, rid)
		}
	}
	if len(rids) == 0 {
		rids = []string{"q", "h", "f"}
	}

	// Bitrate ceilings per layer, lowest first.
	bitrates := []uint64{16_000, 32_000, 64_000}
	encodings := make([]engine.RTPEncoding, 0, 3)
	for i, rid := range rids {
		if i >= 3 {
			break
		}
		encodings = append(encodings, engine.RTPEncoding{Rid: rid, MaxBitrate: bitrates[i]})
	}
	return encodings
}

func headerExtensions(audio *sdp.MediaDescription) []engine.HeaderExtension {
	var extensions []engine.HeaderExtension
	for _, attr := range audio.Attributes {
		if attr.Key != "extmap" {
			continue
		}
		idPart, uri, ok := strings.Cut(attr.Value, " ")
		if !ok {
			continue
		}
		// The id may carry a direction suffix, e.g. "2/recvonly".
		idPart, _, _ = strings.Cut(idPart, "/")
		id, err := strconv.Atoi(idPart)
		if err != nil {
			continue
		}
		extensions = append(extensions, engine.HeaderExtension{ID: id, URI: uri})
	}
	return extensions
}
