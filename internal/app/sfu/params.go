package sfu

import (
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voicerooms/internal/core"
)

// Conversions between pion's ORTC parameter types and the wire types.

func toICEParameters(p webrtc.ICEParameters) core.ICEParameters {
	return core.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func fromICEParameters(p core.ICEParameters) webrtc.ICEParameters {
	return webrtc.ICEParameters{UsernameFragment: p.UsernameFragment, Password: p.Password, ICELite: p.ICELite}
}

func toCandidates(in []webrtc.ICECandidate) []core.ICECandidate {
	out := make([]core.ICECandidate, 0, len(in))
	for _, c := range in {
		out = append(out, core.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
			TCPType:    c.TCPType,
		})
	}
	return out
}

func fromCandidates(in []core.ICECandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(in))
	for _, c := range in {
		proto, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, core.NewError(core.CodeBadRequest, "ice candidate protocol", err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, core.NewError(core.CodeBadRequest, "ice candidate type", err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   proto,
			Port:       c.Port,
			Typ:        typ,
			TCPType:    c.TCPType,
			Component:  1,
		})
	}
	return out, nil
}

func toDTLSParameters(p webrtc.DTLSParameters) core.DTLSParameters {
	out := core.DTLSParameters{Role: p.Role.String(), Fingerprints: make([]core.DTLSFingerprint, 0, len(p.Fingerprints))}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, core.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func fromDTLSParameters(p core.DTLSParameters) webrtc.DTLSParameters {
	out := webrtc.DTLSParameters{Role: parseDTLSRole(p.Role)}
	for _, f := range p.Fingerprints {
		out.Fingerprints = append(out.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return out
}

func parseDTLSRole(s string) webrtc.DTLSRole {
	switch strings.ToLower(s) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func toCodecCapability(kind core.MediaKind, c webrtc.RTPCodecParameters) core.CodecCapability {
	out := core.CodecCapability{
		Kind:                 kind,
		MimeType:             c.MimeType,
		ClockRate:            c.ClockRate,
		Channels:             c.Channels,
		SDPFmtpLine:          c.SDPFmtpLine,
		PreferredPayloadType: uint8(c.PayloadType),
	}
	for _, fb := range c.RTCPFeedback {
		out.RTCPFeedback = append(out.RTCPFeedback, core.RTCPFeedback{Type: fb.Type, Parameter: fb.Parameter})
	}
	return out
}

// findCodec returns the registered codec matching c by mime type, clock
// rate and (when both declare it) channel count.
func findCodec(registered []webrtc.RTPCodecParameters, c core.CodecParameters) (webrtc.RTPCodecParameters, bool) {
	for _, r := range registered {
		if !strings.EqualFold(r.MimeType, c.MimeType) || r.ClockRate != c.ClockRate {
			continue
		}
		if r.Channels != 0 && c.Channels != 0 && r.Channels != c.Channels {
			continue
		}
		return r, true
	}
	return webrtc.RTPCodecParameters{}, false
}

// consumerMedia builds the parameters a subscriber needs from what the
// sender actually negotiated.
func consumerMedia(codec webrtc.RTPCodecCapability, params webrtc.RTPSendParameters) core.MediaParams {
	cp := core.CodecParameters{
		MimeType:    codec.MimeType,
		ClockRate:   codec.ClockRate,
		Channels:    codec.Channels,
		SDPFmtpLine: codec.SDPFmtpLine,
	}
	for _, c := range params.Codecs {
		if strings.EqualFold(c.MimeType, codec.MimeType) {
			cp.PayloadType = uint8(c.PayloadType)
			break
		}
	}
	out := core.MediaParams{Codecs: []core.CodecParameters{cp}}
	for _, e := range params.Encodings {
		out.Encodings = append(out.Encodings, core.Encoding{SSRC: uint32(e.SSRC)})
	}
	return out
}
