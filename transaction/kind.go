package transaction

// Kind names which of the four RFC 3261 §17 transaction state machines a
// transaction is running. ClientTx and ServerTx already pick their FSM entry
// point based on origin.IsInvite() (see initFSM in client_tx.go/server_tx.go);
// Kind exposes that same split as a value instead of a separate struct per
// machine, since the state tables themselves never diverge from it.
type Kind int

const (
	KindICT  Kind = iota // INVITE client transaction
	KindNICT             // non-INVITE client transaction
	KindIST              // INVITE server transaction
	KindNIST             // non-INVITE server transaction
)

func (k Kind) String() string {
	switch k {
	case KindICT:
		return "ICT"
	case KindNICT:
		return "NICT"
	case KindIST:
		return "IST"
	case KindNIST:
		return "NIST"
	default:
		return "unknown"
	}
}

// Kind reports whether this is an ICT or NICT transaction.
func (tx *ClientTx) Kind() Kind {
	if tx.origin.IsInvite() {
		return KindICT
	}
	return KindNICT
}

// Kind reports whether this is an IST or NIST transaction.
func (tx *ServerTx) Kind() Kind {
	if tx.Origin().IsInvite() {
		return KindIST
	}
	return KindNIST
}
