package core

import (
	"strings"

	"github.com/dkeye/voicerooms/internal/domain"
)

type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// RTCPFeedback is a single rtcp-fb entry of a codec.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// CodecCapability describes one codec the engine (or a client) can handle.
type CodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	ClockRate            uint32         `json:"clockRate"`
	Channels             uint16         `json:"channels,omitempty"`
	SDPFmtpLine          string         `json:"sdpFmtpLine,omitempty"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// HeaderExtension is an RTP header extension supported for a media kind.
type HeaderExtension struct {
	Kind MediaKind `json:"kind"`
	URI  string    `json:"uri"`
}

// Capabilities is the media capability descriptor exchanged with clients.
type Capabilities struct {
	Codecs           []CodecCapability `json:"codecs"`
	HeaderExtensions []HeaderExtension `json:"headerExtensions,omitempty"`
}

// Supports reports whether the capability set can receive codec c.
// Mime types compare case-insensitively; channels are compared only when
// both sides declare them.
func (c Capabilities) Supports(codec CodecParameters) bool {
	for _, cc := range c.Codecs {
		if !strings.EqualFold(cc.MimeType, codec.MimeType) {
			continue
		}
		if cc.ClockRate != codec.ClockRate {
			continue
		}
		if cc.Channels != 0 && codec.Channels != 0 && cc.Channels != codec.Channels {
			continue
		}
		return true
	}
	return false
}

type ICEParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	ICELite          bool   `json:"iceLite,omitempty"`
}

type ICECandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DTLSParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to complete the handshake
// against a freshly created server transport.
type TransportParams struct {
	ID             string         `json:"id"`
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

// SecurityParams is the client half of the handshake.
type SecurityParams struct {
	ICEParameters  ICEParameters  `json:"iceParameters"`
	ICECandidates  []ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters `json:"dtlsParameters"`
}

func (s SecurityParams) Validate() error {
	if s.ICEParameters.UsernameFragment == "" || s.ICEParameters.Password == "" {
		return Invalid("missing ice parameters")
	}
	if len(s.DTLSParameters.Fingerprints) == 0 {
		return Invalid("missing dtls fingerprints")
	}
	return nil
}

// CodecParameters is the negotiated codec of a single RTP stream.
type CodecParameters struct {
	MimeType    string `json:"mimeType"`
	PayloadType uint8  `json:"payloadType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

type Encoding struct {
	SSRC uint32 `json:"ssrc"`
}

// MediaParams describes an RTP stream (rtpParameters in the wire protocol).
type MediaParams struct {
	Codecs    []CodecParameters `json:"codecs"`
	Encodings []Encoding        `json:"encodings"`
}

func (m MediaParams) Validate() error {
	if len(m.Codecs) == 0 {
		return Invalid("media parameters without codecs")
	}
	if len(m.Encodings) == 0 || m.Encodings[0].SSRC == 0 {
		return Invalid("media parameters without ssrc")
	}
	return nil
}

// ConsumerDescriptor is returned to a subscriber to materialize playback.
type ConsumerDescriptor struct {
	ID             string        `json:"consumerId"`
	ProducerID     string        `json:"producerId"`
	ProducerUserID domain.UserID `json:"producerUserId"`
	Kind           MediaKind     `json:"kind"`
	Media          MediaParams   `json:"rtpParameters"`
}

// PublisherInfo is one entry of a channel's publisher list.
type PublisherInfo struct {
	UserID     domain.UserID `json:"producerUserId"`
	ProducerID string        `json:"producerId"`
}
