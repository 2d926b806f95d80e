package sdp

// Direction is the logical a=sendrecv/sendonly/recvonly/inactive attribute,
// kept as our own small enum rather than threading pion/sdp/v3's own
// Direction type through the rest of the stack.
type Direction int

const (
	SendRecv Direction = iota
	SendOnly
	RecvOnly
	Inactive
)

func (d Direction) String() string {
	switch d {
	case SendOnly:
		return "sendonly"
	case RecvOnly:
		return "recvonly"
	case Inactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

func ParseDirection(attr string) Direction {
	switch attr {
	case "sendonly":
		return SendOnly
	case "recvonly":
		return RecvOnly
	case "inactive":
		return Inactive
	default:
		return SendRecv
	}
}

// reverse is the direction the far end is told to use in an answer: our
// sendonly means the peer receives-only, and vice versa.
func (d Direction) reverse() Direction {
	switch d {
	case SendOnly:
		return RecvOnly
	case RecvOnly:
		return SendOnly
	default:
		return d
	}
}

// conjoin computes the logical AND of an offered direction and a local
// preference, per RFC 3264 - the narrower of the two wins in each axis
// (send/receive).
func conjoin(offer, local Direction) Direction {
	offerSend, offerRecv := offer.capabilities()
	localSend, localRecv := local.capabilities()

	send := offerSend && localSend
	recv := offerRecv && localRecv

	switch {
	case send && recv:
		return SendRecv
	case send:
		return SendOnly
	case recv:
		return RecvOnly
	default:
		return Inactive
	}
}

func (d Direction) capabilities() (canSend, canRecv bool) {
	switch d {
	case SendRecv:
		return true, true
	case SendOnly:
		return true, false
	case RecvOnly:
		return false, true
	default:
		return false, false
	}
}
