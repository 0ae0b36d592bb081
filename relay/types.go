package relay

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

// Kind is the media kind of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ParseKind accepts "audio" or "video".
func ParseKind(s string) (Kind, error) {
	switch webrtc.NewRTPCodecType(strings.ToLower(s)) {
	case webrtc.RTPCodecTypeAudio:
		return KindAudio, nil
	case webrtc.RTPCodecTypeVideo:
		return KindVideo, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

// CodecType converts to the pion codec type.
func (k Kind) CodecType() webrtc.RTPCodecType {
	return webrtc.NewRTPCodecType(string(k))
}

// Codec describes one codec a router or client supports.
type Codec struct {
	Kind                 Kind              `json:"kind"`
	MimeType             string            `json:"mimeType"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	PreferredPayloadType uint8             `json:"preferredPayloadType,omitempty"`
	Parameters           map[string]string `json:"parameters,omitempty"`
}

// Capability converts to the pion codec capability.
func (c Codec) Capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:  c.MimeType,
		ClockRate: c.ClockRate,
		Channels:  c.Channels,
	}
}

// Matches reports whether two codecs can carry the same stream.
func (c Codec) Matches(other Codec) bool {
	if !strings.EqualFold(c.MimeType, other.MimeType) || c.ClockRate != other.ClockRate {
		return false
	}
	if c.Channels != 0 && other.Channels != 0 && c.Channels != other.Channels {
		return false
	}
	return true
}

// DefaultCodecs is the router codec list: VP8 video and stereo opus.
func DefaultCodecs() []Codec {
	return []Codec{
		{Kind: KindVideo, MimeType: webrtc.MimeTypeVP8, ClockRate: 90000, PreferredPayloadType: 96},
		{Kind: KindAudio, MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, PreferredPayloadType: 111},
	}
}

type RTPCapabilities struct {
	Codecs []Codec `json:"codecs"`
}

// Supports reports whether caps has a codec matching c.
func (caps RTPCapabilities) Supports(c Codec) bool {
	for _, have := range caps.Codecs {
		if have.Kind == c.Kind && have.Matches(c) {
			return true
		}
	}
	return false
}

type Encoding struct {
	SSRC uint32 `json:"ssrc,omitempty"`
	RID  string `json:"rid,omitempty"`
}

type RTPParameters struct {
	MID       string     `json:"mid,omitempty"`
	Codecs    []Codec    `json:"codecs"`
	Encodings []Encoding `json:"encodings,omitempty"`
}

// DTLSParameters is the DTLS half of a transport handshake.
type DTLSParameters struct {
	Role         string                   `json:"role,omitempty"`
	Fingerprints []webrtc.DTLSFingerprint `json:"fingerprints"`
}

// TransportParams is what a client needs to build its side of a transport.
type TransportParams struct {
	ID             string                `json:"id"`
	ICEParameters  webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate `json:"iceCandidates"`
	DTLSParameters DTLSParameters        `json:"dtlsParameters"`
}
