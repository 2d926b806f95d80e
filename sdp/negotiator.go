// Package sdp implements the pure offer/answer transforms of RFC 3264:
// building a local offer from capabilities and an allocated RTP endpoint,
// answering a remote offer by intersecting codec lists, and reconciling a
// local/remote pair into the connection details a media session needs.
//
// Every exported function here does no I/O, and the only package-level state
// is the atomic o= version counter (see nextVersion), so the session and
// media layers can call them from inside their own single-consumer mailboxes
// without synchronization.
package sdp

import (
	"fmt"
	"strconv"
	"sync/atomic"

	pionsdp "github.com/pion/sdp/v3"
)

// LocalRTP is the bound UDP endpoint a MediaSessionCoordinator allocated for
// a session - the address and port Propose/Answer advertise in the offer or
// answer they build.
type LocalRTP struct {
	IP   string
	Port int
}

// NegotiationResult is what Reconcile extracts from a local/remote
// SessionDescription pair: where to send RTP, which codec was selected, and
// the logical direction this side should operate under.
type NegotiationResult struct {
	RemoteIP   string
	RemotePort int
	Codec      Codec
	Direction  Direction
}

var epochVersion atomic.Uint64

// nextVersion increments a package-level o= session-version counter. SDP
// o=-line versioning only needs to be monotonic within a process, so a
// shared counter (rather than one per negotiator instance) is sufficient
// and avoids threading a *Negotiator value through call sites that only
// ever want the pure functions.
func nextVersion() uint64 {
	return epochVersion.Add(1)
}

// Propose builds an offer listing codec formats from localCaps, with
// connection address and media port taken from localRTP.
func Propose(localCaps Capabilities, localRTP LocalRTP, direction Direction) (*pionsdp.SessionDescription, error) {
	if len(localCaps) == 0 {
		return nil, NewError(ErrorCodeInvalidConfig, "no local codec capabilities")
	}
	if localRTP.IP == "" || localRTP.Port <= 0 {
		return nil, NewError(ErrorCodeInvalidConfig, "local RTP endpoint not allocated")
	}

	desc, err := baseSessionDescription(localRTP.IP)
	if err != nil {
		return nil, err
	}

	// Formats stays empty here: WithCodec (via addCodecs) appends each
	// payload type to the m= line as it adds the rtpmap.
	media := pionsdp.NewJSEPMediaDescription("audio", []string{})
	media.MediaName = pionsdp.MediaName{
		Media:  "audio",
		Port:   pionsdp.RangedPort{Value: localRTP.Port},
		Protos: []string{"RTP", "AVP"},
	}
	media.ConnectionInformation = connectionInfo(localRTP.IP)
	media = addCodecs(media, localCaps)
	media = media.WithPropertyAttribute(direction.String())

	desc = desc.WithMedia(media)
	return desc, nil
}

// Answer intersects the offer's codec list with localCaps (priority by
// localCaps order), choosing the first mutually supported codec, and emits
// an answer reusing the offer's media ordering. Returns ErrNoCompatibleCodec
// if the intersection is empty.
func Answer(remoteOffer *pionsdp.SessionDescription, localCaps Capabilities, localRTP LocalRTP, localDirection Direction) (*pionsdp.SessionDescription, error) {
	if remoteOffer == nil {
		return nil, NewError(ErrorCodeInvalidConfig, "remote offer is nil")
	}
	offerMedia := findAudioMedia(remoteOffer)
	if offerMedia == nil {
		return nil, NewError(ErrorCodeSDPParsing, "no audio media in offer")
	}

	selected, ok := selectCodec(offerMedia.MediaName.Formats, localCaps)
	if !ok {
		return nil, ErrNoCompatibleCodec
	}

	desc, err := baseSessionDescription(localRTP.IP)
	if err != nil {
		return nil, err
	}

	offerDirection := extractDirection(offerMedia)
	answerDirection := conjoin(offerDirection, localDirection)

	media := pionsdp.NewJSEPMediaDescription("audio", []string{})
	media.MediaName = pionsdp.MediaName{
		Media:  "audio",
		Port:   pionsdp.RangedPort{Value: localRTP.Port},
		Protos: offerMedia.MediaName.Protos,
	}
	media.ConnectionInformation = connectionInfo(localRTP.IP)
	media = media.WithCodec(selected.PayloadType, selected.Name, selected.ClockRate, selected.Channels, selected.FmtpParams)
	media = media.WithPropertyAttribute(answerDirection.reverse().String())

	desc = desc.WithMedia(media)
	return desc, nil
}

// Reconcile extracts the remote connection/port and directionality from a
// local/remote SessionDescription pair. Direction on the answer side is the
// logical conjunction of the offer's direction and the local preference
// encoded in local's own media attributes.
func Reconcile(local, remote *pionsdp.SessionDescription) (NegotiationResult, error) {
	if local == nil || remote == nil {
		return NegotiationResult{}, NewError(ErrorCodeInvalidConfig, "local and remote descriptions are required")
	}

	remoteMedia := findAudioMedia(remote)
	if remoteMedia == nil {
		return NegotiationResult{}, NewError(ErrorCodeSDPParsing, "no audio media in remote description")
	}
	localMedia := findAudioMedia(local)
	if localMedia == nil {
		return NegotiationResult{}, NewError(ErrorCodeSDPParsing, "no audio media in local description")
	}

	remoteIP := connectionAddress(remote, remoteMedia)
	if remoteIP == "" {
		return NegotiationResult{}, NewError(ErrorCodeMissingConnection, "remote description carries no connection address")
	}

	if len(remoteMedia.MediaName.Formats) == 0 {
		return NegotiationResult{}, NewError(ErrorCodeSDPParsing, "remote media carries no formats")
	}
	// The negotiated codec is read off the remote media's first format. When
	// remote is a full answer this is exact (an answer carries one format);
	// when remote is the offer it coincides with the local answer's pick only
	// if the answerer took the offerer's top preference.
	pt, err := strconv.ParseUint(remoteMedia.MediaName.Formats[0], 10, 8)
	if err != nil {
		return NegotiationResult{}, WrapError(ErrorCodeSDPParsing, "", "invalid payload type in remote media", err)
	}
	codec := codecFromRtpmap(remoteMedia, uint8(pt))

	offerDirection := extractDirection(remoteMedia)
	localDirection := extractDirection(localMedia)
	direction := conjoin(offerDirection, localDirection)

	return NegotiationResult{
		RemoteIP:   remoteIP,
		RemotePort: remoteMedia.MediaName.Port.Value,
		Codec:      codec,
		Direction:  direction,
	}, nil
}

func baseSessionDescription(localIP string) (*pionsdp.SessionDescription, error) {
	desc, err := pionsdp.NewJSEPSessionDescription(false)
	if err != nil {
		return nil, WrapError(ErrorCodeSDPGeneration, "", "failed to build base session description", err)
	}

	version := nextVersion()
	desc.Origin = pionsdp.Origin{
		Username:       "-",
		SessionID:      version,
		SessionVersion: version,
		NetworkType:    "IN",
		AddressType:    "IP4",
		UnicastAddress: localIP,
	}
	desc.SessionName = pionsdp.SessionName("voxcore")
	desc.ConnectionInformation = connectionInfo(localIP)
	desc.TimeDescriptions = []pionsdp.TimeDescription{
		{Timing: pionsdp.Timing{StartTime: 0, StopTime: 0}},
	}
	return desc, nil
}

func connectionInfo(ip string) *pionsdp.ConnectionInformation {
	return &pionsdp.ConnectionInformation{
		NetworkType: "IN",
		AddressType: "IP4",
		Address:     &pionsdp.Address{Address: ip},
	}
}

func addCodecs(media *pionsdp.MediaDescription, caps Capabilities) *pionsdp.MediaDescription {
	for _, c := range caps {
		media = media.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.FmtpParams)
	}
	return media
}

func findAudioMedia(desc *pionsdp.SessionDescription) *pionsdp.MediaDescription {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return m
		}
	}
	return nil
}

// selectCodec picks the first of localCaps (in preference order) whose
// payload type also appears in the offer's format list.
func selectCodec(offerFormats []string, localCaps Capabilities) (Codec, bool) {
	offered := make(map[string]bool, len(offerFormats))
	for _, f := range offerFormats {
		offered[f] = true
	}
	for _, c := range localCaps {
		if offered[strconv.Itoa(int(c.PayloadType))] {
			return c, true
		}
	}
	return Codec{}, false
}

func extractDirection(media *pionsdp.MediaDescription) Direction {
	for _, attr := range media.Attributes {
		switch attr.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return ParseDirection(attr.Key)
		}
	}
	return SendRecv
}

func connectionAddress(desc *pionsdp.SessionDescription, media *pionsdp.MediaDescription) string {
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		return media.ConnectionInformation.Address.Address
	}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		return desc.ConnectionInformation.Address.Address
	}
	return ""
}

// codecFromRtpmap resolves a payload type to a Codec by reading the
// rtpmap attribute pion/sdp/v3 parsed, falling back to the static RFC 3551
// assignment (so a bare "0"/"8" with no rtpmap still resolves to PCMU/PCMA).
func codecFromRtpmap(media *pionsdp.MediaDescription, pt uint8) Codec {
	prefix := fmt.Sprintf("%d ", pt)
	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" || len(attr.Value) <= len(prefix) {
			continue
		}
		if attr.Value[:len(prefix)] != prefix {
			continue
		}
		rest := attr.Value[len(prefix):]
		name, clock, channels := parseRtpmapValue(rest)
		return Codec{PayloadType: pt, Name: name, ClockRate: clock, Channels: channels}
	}
	return staticPayloadCodec(pt)
}

func parseRtpmapValue(s string) (name string, clockRate uint32, channels uint16) {
	clockRate = 8000
	channels = 1
	slash := -1
	for i, r := range s {
		if r == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return s, clockRate, channels
	}
	name = s[:slash]
	rest := s[slash+1:]
	clockEnd := len(rest)
	for i, r := range rest {
		if r == '/' {
			clockEnd = i
			break
		}
	}
	if v, err := strconv.ParseUint(rest[:clockEnd], 10, 32); err == nil {
		clockRate = uint32(v)
	}
	if clockEnd < len(rest) {
		if v, err := strconv.ParseUint(rest[clockEnd+1:], 10, 16); err == nil {
			channels = uint16(v)
		}
	}
	return name, clockRate, channels
}

func staticPayloadCodec(pt uint8) Codec {
	for _, c := range DefaultCapabilities() {
		if c.PayloadType == pt {
			return c
		}
	}
	return Codec{PayloadType: pt, Name: "unknown", ClockRate: 8000, Channels: 1}
}
