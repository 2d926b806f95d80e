// Package dialog implements the RFC 3261 §12 dialog usage rules: dialog
// identification, creation from early/confirmed responses, in-dialog
// request construction with CSeq/target-refresh discipline, and dialog
// termination.
//
// One Dialog type serves both roles (Role is a field, not a type split),
// with one Manager owning the dialog table for an endpoint.
package dialog

import (
	"fmt"
	"sync"

	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/registry"
	"github.com/voxcore/voxcore/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is one of the three RFC 3261 §12 dialog states.
type State int

const (
	Early State = iota
	Confirmed
	Terminated
)

func (s State) String() string {
	switch s {
	case Early:
		return "Early"
	case Confirmed:
		return "Confirmed"
	case Terminated:
		return "Terminated"
	default:
		return "unknown"
	}
}

// Role is which side of the dialog this endpoint plays.
type Role int

const (
	UAC Role = iota
	UAS
)

func (r Role) String() string {
	if r == UAS {
		return "UAS"
	}
	return "UAC"
}

// ID identifies a Dialog by (Call-ID, local-tag, remote-tag) per RFC 3261
// §12. Dialogs are only created from responses carrying a To-tag; an Early
// UAC dialog is indexed by (Call-ID, local-tag) alone in the Manager's half
// table until it is confirmed.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s;local=%s;remote=%s", id.CallID, id.LocalTag, id.RemoteTag)
}

// halfID is the key for a UAC dialog pending a To-tag: the Manager looks
// these up by (Call-ID, local-tag) alone until a remote tag arrives.
type halfID struct {
	CallID   string
	LocalTag string
}

// Dialog is the long-lived peer-to-peer relationship of RFC 3261 §12.
// All mutation happens under mu, matching the single-mutex FSM discipline
// the transaction package uses.
type Dialog struct {
	mu sync.Mutex

	id    ID
	state State
	role  Role

	localURI  sip.Uri
	remoteURI sip.Uri

	// remoteTarget is the URI in-dialog requests are addressed to, taken
	// from the peer's Contact and refreshed by re-INVITE/UPDATE only.
	remoteTarget sip.Uri

	// routeSet is ordered for UAC use (already reversed from the
	// dialog-creating response's Record-Route by the Manager).
	routeSet []sip.Uri

	localCSeq  uint32
	remoteCSeq uint32
	haveRemote bool // remoteCSeq has been observed at least once

	secure bool

	mediaSession string // registry.NewSessionID() value, set once bound

	log zerolog.Logger
}

// ID returns the dialog's identity.
func (d *Dialog) ID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// State returns the current dialog state.
func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dialog) Role() Role {
	return d.role
}

func (d *Dialog) Secure() bool {
	return d.secure
}

func (d *Dialog) RemoteTarget() sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remoteTarget
}

func (d *Dialog) RouteSet() []sip.Uri {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]sip.Uri, len(d.routeSet))
	copy(out, d.routeSet)
	return out
}

func (d *Dialog) MediaSession() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mediaSession, d.mediaSession != ""
}

func (d *Dialog) BindMediaSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mediaSession = sessionID
}

// promote moves an Early dialog to Confirmed, setting the remote tag to the
// one carried by the confirming response. Callers must already hold the
// Manager's lock while re-keying the dialog table; promote itself only
// flips the in-struct fields.
func (d *Dialog) promote(remoteTag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.id.RemoteTag = remoteTag
	d.state = Confirmed
}

// ApplyTargetRefresh updates remoteTarget from a re-INVITE/UPDATE's Contact.
// Other in-dialog requests (BYE, INFO, ...) must not call this; only target
// refresh requests update the remote target (RFC 3261 §12.2).
func (d *Dialog) ApplyTargetRefresh(contact sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTarget = contact
}

func (d *Dialog) setRouteSet(routeSet []sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = routeSet
}

func (d *Dialog) terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = Terminated
}

// NextLocalCSeq increments and returns the local CSeq. Every new in-dialog
// request except ACK (which mirrors the INVITE's CSeq number) increments
// this; the emitted sequence is strictly increasing.
func (d *Dialog) NextLocalCSeq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localCSeq++
	return d.localCSeq
}

// ValidateRemoteCSeq enforces RFC 3261 §12.2.2: a received in-dialog
// request's CSeq must be strictly greater than the prior one. On
// acceptance it records seq as the new remote_cseq. ACK is exempt by
// convention of callers (ACK never goes through this check; it mirrors the
// INVITE's CSeq which was already validated).
func (d *Dialog) ValidateRemoteCSeq(seq uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.haveRemote && seq <= d.remoteCSeq {
		return ErrDialogInvalidCseq
	}
	d.remoteCSeq = seq
	d.haveRemote = true
	return nil
}

// BuildRequest constructs an in-dialog request addressed to remoteTarget,
// carrying the dialog's route set, local/remote tags and a freshly
// incremented CSeq (or, for ACK, the current local CSeq without incrementing
// it, which is the INVITE's CSeq when the INVITE was the last request built).
// A single remoteTarget/routeSet pair serves both roles.
func (d *Dialog) BuildRequest(method sip.RequestMethod) *sip.Request {
	d.mu.Lock()
	target := *d.remoteTarget.Clone()
	local := *d.localURI.Clone()
	remote := *d.remoteURI.Clone()
	routeSet := make([]sip.Uri, len(d.routeSet))
	copy(routeSet, d.routeSet)
	localTag := d.id.LocalTag
	remoteTag := d.id.RemoteTag
	callID := d.id.CallID
	lastCSeq := d.localCSeq
	d.mu.Unlock()

	var cseq uint32
	if method == sip.ACK {
		cseq = lastCSeq
	} else {
		cseq = d.NextLocalCSeq()
	}

	req := sip.NewRequest(method, target)
	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	// The dialog's own local/remote URIs and tags always map to From/To on
	// its own outbound requests, regardless of whether this endpoint is the
	// dialog's UAC or UAS - "local" always means "us".
	fromAddr, toAddr := local, remote
	fromTag, toTag := localTag, remoteTag

	from := &sip.FromHeader{Address: fromAddr, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)

	to := &sip.ToHeader{Address: toAddr, Params: sip.NewParams()}
	if toTag != "" {
		to.Params.Add("tag", toTag)
	}
	req.AppendHeader(to)

	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: cseq, MethodName: method})

	branch := registry.NewBranch()
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)

	for i := len(routeSet) - 1; i >= 0; i-- {
		req.AppendHeader(&sip.RouteHeader{Address: routeSet[i]})
	}

	return req
}

// Manager matches in-dialog requests/responses to Dialogs, creates dialogs
// from dialog-creating transactions, and owns dialog termination.
// One table keyed by ID plus a secondary index for
// not-yet-confirmed UAC dialogs (keyed by Call-ID+local-tag alone, since
// the remote tag isn't known until the first reliable response arrives).
type Manager struct {
	mu      sync.RWMutex
	dialogs map[ID]*Dialog
	half    map[halfID]*Dialog

	bus *eventbus.Bus
	log zerolog.Logger
}

// NewManager creates an empty dialog table. bus may be nil, which disables
// DialogTerminated publication (used by tests that don't care about events).
func NewManager(bus *eventbus.Bus) *Manager {
	return &Manager{
		dialogs: make(map[ID]*Dialog),
		half:    make(map[halfID]*Dialog),
		bus:     bus,
		log:     log.Logger.With().Str("caller", "dialog.Manager").Logger(),
	}
}

// CreateUACEarly builds an Early dialog from the first 1xx-with-to-tag
// response to a dialog-creating (INVITE) request.
// Route set is the response's Record-Route, reversed (RFC 3261 §12.1.2).
// Remote target is the response's Contact.
func (m *Manager) CreateUACEarly(req *sip.Request, res *sip.Response) (*Dialog, error) {
	return m.createUAC(req, res, Early)
}

// CreateUACConfirmed builds a Confirmed dialog directly from a 2xx when no
// prior 1xx-with-to-tag established an Early dialog for this Call-ID/tag.
func (m *Manager) CreateUACConfirmed(req *sip.Request, res *sip.Response) (*Dialog, error) {
	return m.createUAC(req, res, Confirmed)
}

func (m *Manager) createUAC(req *sip.Request, res *sip.Response, state State) (*Dialog, error) {
	to := res.To()
	if to == nil {
		return nil, ErrMissingToTag
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		return nil, ErrMissingToTag
	}
	from := req.From()
	if from == nil {
		return nil, fmt.Errorf("dialog: request carries no From header")
	}
	fromTag, _ := from.Params.Get("tag")
	callID := req.CallID()
	if callID == nil {
		return nil, fmt.Errorf("dialog: request carries no Call-ID header")
	}

	hid := halfID{CallID: string(*callID), LocalTag: fromTag}

	m.mu.Lock()
	if existing, ok := m.half[hid]; ok {
		m.mu.Unlock()
		if state == Confirmed {
			m.PromoteToConfirmed(existing.ID(), res)
		}
		return existing, nil
	}
	m.mu.Unlock()

	contact := res.GetHeader("Contact")
	if contact == nil {
		return nil, ErrMissingContact
	}
	contactHdr, ok := contact.(*sip.ContactHeader)
	if !ok {
		return nil, ErrMissingContact
	}

	d := &Dialog{
		id:           ID{CallID: string(*callID), LocalTag: fromTag, RemoteTag: toTag},
		state:        state,
		role:         UAC,
		localURI:     from.Address,
		remoteURI:    to.Address,
		remoteTarget: contactHdr.Address,
		routeSet:     reverseRouteRecordRoute(res),
		secure:       req.Recipient.Encrypted || req.Transport() == "TLS",
		localCSeq:    uint32(req.CSeq().SeqNo),
	}
	d.log = m.log.With().Str("dialog", d.id.String()).Logger()

	m.mu.Lock()
	defer m.mu.Unlock()
	if state == Early {
		m.half[hid] = d
	} else {
		m.dialogs[d.id] = d
	}
	return d, nil
}

// PromoteToConfirmed moves an Early UAC dialog to Confirmed on receipt of
// the 2xx, re-keying it from the half-dialog table into the full table with
// its now-known remote tag.
func (m *Manager) PromoteToConfirmed(id ID, res *sip.Response) (*Dialog, error) {
	to := res.To()
	if to == nil {
		return nil, ErrMissingToTag
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		return nil, ErrMissingToTag
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	hid := halfID{CallID: id.CallID, LocalTag: id.LocalTag}
	d, ok := m.half[hid]
	if !ok {
		if d, ok = m.dialogs[ID{CallID: id.CallID, LocalTag: id.LocalTag, RemoteTag: toTag}]; ok {
			return d, nil
		}
		return nil, ErrDialogDoesNotExists
	}
	delete(m.half, hid)
	d.promote(toTag)
	m.dialogs[d.id] = d
	return d, nil
}

// CreateUASEarly builds an Early dialog on sending the first response
// carrying a To-tag to an inbound dialog-creating request (RFC 3261
// §12.1.1). Route set is the request's Record-Route, NOT reversed.
// Remote target is the request's Contact.
func (m *Manager) CreateUASEarly(req *sip.Request, res *sip.Response) (*Dialog, error) {
	return m.createUAS(req, res, Early)
}

// CreateUASConfirmed builds a Confirmed dialog directly from a 2xx.
func (m *Manager) CreateUASConfirmed(req *sip.Request, res *sip.Response) (*Dialog, error) {
	return m.createUAS(req, res, Confirmed)
}

func (m *Manager) createUAS(req *sip.Request, res *sip.Response, state State) (*Dialog, error) {
	to := res.To()
	if to == nil {
		return nil, ErrMissingToTag
	}
	toTag, ok := to.Params.Get("tag")
	if !ok || toTag == "" {
		return nil, ErrMissingToTag
	}
	from := req.From()
	if from == nil {
		return nil, fmt.Errorf("dialog: request carries no From header")
	}
	fromTag, _ := from.Params.Get("tag")
	callID := req.CallID()
	if callID == nil {
		return nil, fmt.Errorf("dialog: request carries no Call-ID header")
	}

	contact := req.GetHeader("Contact")
	if contact == nil {
		return nil, ErrMissingContact
	}
	contactHdr, ok := contact.(*sip.ContactHeader)
	if !ok {
		return nil, ErrMissingContact
	}

	id := ID{CallID: string(*callID), LocalTag: toTag, RemoteTag: fromTag}

	m.mu.RLock()
	if existing, ok := m.dialogs[id]; ok {
		m.mu.RUnlock()
		return existing, nil
	}
	m.mu.RUnlock()

	d := &Dialog{
		id:           id,
		state:        state,
		role:         UAS,
		localURI:     to.Address,
		remoteURI:    from.Address,
		remoteTarget: contactHdr.Address,
		routeSet:     recordRouteInOrder(req),
		secure:       req.Recipient.Encrypted || req.Transport() == "TLS",
		remoteCSeq:   uint32(req.CSeq().SeqNo),
		haveRemote:   true,
	}
	d.log = m.log.With().Str("dialog", d.id.String()).Logger()

	m.mu.Lock()
	m.dialogs[id] = d
	m.mu.Unlock()
	return d, nil
}

// Lookup finds the dialog matching an in-dialog request's (Call-ID,
// From-tag, To-tag). The local tag is the To-tag for dialogs this endpoint
// initiated and the From-tag otherwise, so both orderings are tried.
func (m *Manager) Lookup(callID, fromTag, toTag string) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.dialogs[ID{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}]; ok {
		return d, true
	}
	if d, ok := m.dialogs[ID{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}]; ok {
		return d, true
	}
	return nil, false
}

// Get looks a dialog up by its full ID.
func (m *Manager) Get(id ID) (*Dialog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.dialogs[id]
	return d, ok
}

// Terminate removes a dialog from the table and marks it Terminated, then
// publishes DialogTerminated with reason so call-detail-record consumers
// learn why (a Critical event, never dropped). Safe
// to call more than once; the second call is a no-op (no event republished).
func (m *Manager) Terminate(id ID, reason string) {
	m.mu.Lock()
	d, ok := m.dialogs[id]
	delete(m.dialogs, id)
	delete(m.half, halfID{CallID: id.CallID, LocalTag: id.LocalTag})
	m.mu.Unlock()
	if !ok {
		return
	}
	d.terminate()
	if m.bus != nil {
		eventbus.Publish(m.bus, eventbus.DialogTerminated{
			CallID:    id.CallID,
			LocalTag:  id.LocalTag,
			RemoteTag: id.RemoteTag,
			Reason:    reason,
		})
	}
}

// Count returns the number of confirmed-or-early dialogs in the table,
// excluding half-confirmed (pending-tag) UAC dialogs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.dialogs)
}

func reverseRouteRecordRoute(res *sip.Response) []sip.Uri {
	var uris []sip.Uri
	rr := res.RecordRoute()
	for h := rr; h != nil; h = h.Next {
		uris = append(uris, h.Address)
	}
	// reverse for UAC use per RFC 3261 §12.1.2
	for i, j := 0, len(uris)-1; i < j; i, j = i+1, j-1 {
		uris[i], uris[j] = uris[j], uris[i]
	}
	return uris
}

func recordRouteInOrder(req *sip.Request) []sip.Uri {
	var uris []sip.Uri
	rr := req.RecordRoute()
	for h := rr; h != nil; h = h.Next {
		uris = append(uris, h.Address)
	}
	return uris
}
