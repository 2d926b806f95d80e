package sdp

// Codec describes one negotiable audio payload, priority given by its
// position in a Capabilities list (first entry wins ties during answer
// negotiation).
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	FmtpParams  string
}

// Capabilities is an ordered list of locally supported codecs, most
// preferred first.
type Capabilities []Codec

// ByPayloadType looks up a codec by its RTP payload type.
func (c Capabilities) ByPayloadType(pt uint8) (Codec, bool) {
	for _, codec := range c {
		if codec.PayloadType == pt {
			return codec, true
		}
	}
	return Codec{}, false
}

// DefaultCapabilities is the narrowband PSTN codec set: PCMU, PCMA, G722,
// in that preference order.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
		{PayloadType: 8, Name: "PCMA", ClockRate: 8000, Channels: 1},
		{PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1},
	}
}
