package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxcore/voxcore/dialog"
	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/media"
	"github.com/voxcore/voxcore/registry"
	"github.com/voxcore/voxcore/sdp"
	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/transaction"

	pionsdp "github.com/pion/sdp/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Coordinator is the top-level call façade: it owns the
// Session table, dispatches inbound requests the TransactionManager hands
// it, and drives both legs of a call (Dial for outbound, the CallHandler
// callback for inbound) through dialog.Manager and media.Coordinator.
type Coordinator struct {
	txm     *transaction.Manager
	dialogs *dialog.Manager
	media   *media.Coordinator
	bus     *eventbus.Bus
	caps    sdp.Capabilities
	contact sip.Uri
	handler CallHandler

	mu        sync.Mutex
	sessions  map[string]*Session
	inboundTx map[string]sip.ServerTransaction

	log zerolog.Logger
}

// NewCoordinator wires a SessionCoordinator over an already-running
// TransactionManager/dialog.Manager/media.Coordinator, advertising contact
// as the local Contact URI for outbound INVITEs and 200 OK responses. A nil
// handler defaults to NopCallHandler (reject everything inbound).
func NewCoordinator(txm *transaction.Manager, dialogs *dialog.Manager, mediaCoord *media.Coordinator, bus *eventbus.Bus, contact sip.Uri, handler CallHandler) *Coordinator {
	if handler == nil {
		handler = NopCallHandler{}
	}
	c := &Coordinator{
		txm:       txm,
		dialogs:   dialogs,
		media:     mediaCoord,
		bus:       bus,
		caps:      sdp.DefaultCapabilities(),
		contact:   contact,
		handler:   handler,
		sessions:  make(map[string]*Session),
		inboundTx: make(map[string]sip.ServerTransaction),
		log:       log.Logger.With().Str("caller", "session.Coordinator").Logger(),
	}
	txm.OnRequest(c.onRequest)
	return c
}

// Get returns the Session for id, if one is tracked.
func (c *Coordinator) Get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Count returns the number of sessions currently tracked (any state but
// Terminated, which is removed from the table on transition).
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Coordinator) add(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *Coordinator) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	delete(c.inboundTx, id)
}

// onRequest is registered as the TransactionManager's RequestHandler,
// dispatching by method. CANCEL is not listed: RFC 3261's server
// transaction key folds CANCEL onto the original INVITE's key, so a CANCEL
// for a call already in flight reaches the IST's own FSM (see
// transaction/layer.go handleRequest) and never surfaces here.
func (c *Coordinator) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	switch req.Method {
	case sip.INVITE:
		c.handleInvite(req, tx)
	case sip.BYE:
		c.handleBye(req, tx)
	case sip.OPTIONS:
		c.handleOptions(req, tx)
	case sip.REGISTER:
		c.handleRegister(req, tx)
	case sip.ACK:
		// ACK to a non-2xx final response is entirely the server
		// transaction's own concern; ACK to a 2xx bypasses the
		// transaction layer (see transaction.Manager.SendAckFor2xx) and
		// needs no response, so it is accepted here without further
		// processing.
	default:
		res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, sip.StatusReason(sip.StatusMethodNotAllowed), nil)
		if err := tx.Respond(res); err != nil {
			c.log.Error().Err(err).Msg("failed to respond 405 to unsupported method")
		}
	}
}

// --- Inbound call setup --------------------------------------------------

func (c *Coordinator) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	to := req.To()
	if to != nil {
		if _, hasTag := to.Params.Get("tag"); hasTag {
			c.handleReInvite(req, tx)
			return
		}
	}

	if req.From() == nil || req.Contact() == nil {
		res := sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil)
		_ = tx.Respond(res)
		return
	}

	s := newSession(registry.NewSessionID(), c, nil, true)
	s.inviteReq = req
	if body := req.Body(); len(body) > 0 {
		var offer pionsdp.SessionDescription
		if err := offer.Unmarshal(body); err == nil {
			s.remoteOffer = &offer
		}
	}

	c.add(s)
	c.mu.Lock()
	c.inboundTx[s.id] = tx
	c.mu.Unlock()

	tx.OnTerminate(func(key string, err error) {
		if s.State() != StateActive && s.State() != StateOnHold && s.State() != StateTerminating {
			_ = s.fire(context.Background(), evFail)
		}
	})
	tx.OnCancel(func(cancel *sip.Request) {
		// The caller gave up before we answered: 487 the INVITE and drop
		// the early dialog, if one was created by a prior Ring.
		res := c.buildResponse(s, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := tx.Respond(res); err != nil {
			c.log.Error().Err(err).Msg("failed to respond 487 after CANCEL")
		}
		if s.dlg != nil {
			c.dialogs.Terminate(s.dlg.ID(), "cancelled")
		}
		c.mu.Lock()
		delete(c.inboundTx, s.id)
		c.mu.Unlock()
		_ = s.fire(context.Background(), evFail)
	})

	if c.bus != nil {
		from := req.From()
		eventbus.Publish(c.bus, eventbus.IncomingCall{SessionID: s.id, From: from.Address.String(), To: req.Recipient.String()})
	}

	c.handler.OnIncomingCall(s, req)
}

// buildResponse constructs a response to s.inviteReq carrying a stable
// To-tag across every response issued for this INVITE (NewResponseFromRequest
// mints a fresh random tag per call otherwise, which would make a 180 and the
// following 200 look like two different dialogs).
func (c *Coordinator) buildResponse(s *Session, statusCode int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(s.inviteReq, statusCode, reason, body)
	to := res.To()
	if to == nil {
		return res
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	if s.toTag == "" {
		tag, ok := to.Params.Get("tag")
		if !ok || tag == "" {
			tag = registry.NewTag()
		}
		s.toTag = tag
	}
	to.Params.Add("tag", s.toTag)
	return res
}

// Ring sends 180 Ringing and creates the session's Early dialog.
func (c *Coordinator) Ring(s *Session) error {
	tx, ok := c.getInboundTx(s.id)
	if !ok {
		return ErrSessionNotFound
	}
	res := c.buildResponse(s, sip.StatusRinging, "Ringing", nil)
	d, err := c.dialogs.CreateUASEarly(s.inviteReq, res)
	if err != nil {
		return err
	}
	s.setDialog(d)
	if err := tx.Respond(res); err != nil {
		return err
	}
	return s.fire(context.Background(), evRing)
}

// Answer negotiates the remote offer against the Coordinator's codec
// capabilities, allocates a MediaSession, sends the 200 OK and confirms the
// dialog.
func (c *Coordinator) Answer(ctx context.Context, s *Session) error {
	tx, ok := c.getInboundTx(s.id)
	if !ok {
		return ErrSessionNotFound
	}
	if s.remoteOffer == nil {
		return fmt.Errorf("session: inbound invite carried no sdp offer: %w", ErrNoCompatibleMedia)
	}

	local, err := c.media.Allocate(s.id)
	if err != nil {
		res := c.buildResponse(s, sip.StatusInternalServerError, "Media allocation failed", nil)
		_ = tx.Respond(res)
		_ = s.fire(ctx, evFail)
		return err
	}
	answer, err := sdp.Answer(s.remoteOffer, c.caps, sdp.LocalRTP{IP: local.IP, Port: local.Port}, sdp.SendRecv)
	if err != nil {
		_ = c.media.Stop(s.id)
		res := c.buildResponse(s, sip.StatusNotAcceptableHere, "Not Acceptable Here", nil)
		_ = tx.Respond(res)
		_ = s.fire(ctx, evFail)
		return err
	}
	body, err := answer.Marshal()
	if err != nil {
		return err
	}

	res := c.buildResponse(s, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	res.AppendHeader(&sip.ContactHeader{Address: c.contact})

	d, err := c.dialogs.CreateUASConfirmed(s.inviteReq, res)
	if err != nil {
		return err
	}
	s.setDialog(d)
	d.BindMediaSession(s.id)

	if result, rerr := sdp.Reconcile(answer, s.remoteOffer); rerr == nil {
		c.media.ApplyRemoteSdp(s.id, result)
	}

	if err := tx.Respond(res); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.inboundTx, s.id)
	c.mu.Unlock()
	return s.fire(ctx, evAnswer)
}

// Reject declines the inbound call with statusCode/reason.
func (c *Coordinator) Reject(s *Session, statusCode int, reason string) error {
	tx, ok := c.getInboundTx(s.id)
	if !ok {
		return ErrSessionNotFound
	}
	res := c.buildResponse(s, statusCode, reason, nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.inboundTx, s.id)
	c.mu.Unlock()
	return s.fire(context.Background(), evFail)
}

func (c *Coordinator) getInboundTx(id string) (sip.ServerTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.inboundTx[id]
	return tx, ok
}

// --- Outbound call setup --------------------------------------------------

// Dial places an outbound call to target, returning the new session in
// Initializing as soon as the INVITE client transaction has been created
// (or an error if media allocation, offer building or transaction creation
// fails). All progress after that (Ringing, the eventual 2xx/failure) is
// delivered asynchronously via eventbus.SessionStateChanged - Dial itself
// does not block for the callee to ring or answer.
func (c *Coordinator) Dial(ctx context.Context, target sip.Uri) (*Session, error) {
	sessionID := registry.NewSessionID()
	localEp, err := c.media.Allocate(sessionID)
	if err != nil {
		return nil, err
	}

	offer, err := sdp.Propose(c.caps, sdp.LocalRTP{IP: localEp.IP, Port: localEp.Port}, sdp.SendRecv)
	if err != nil {
		return nil, err
	}
	body, err := offer.Marshal()
	if err != nil {
		return nil, err
	}

	callID := registry.NewCallID()
	fromTag := registry.NewTag()

	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	maxFwd := sip.MaxForwards(70)
	req.AppendHeader(&maxFwd)

	from := &sip.FromHeader{Address: c.contact, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: target, Params: sip.NewParams()})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: c.contact})

	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: c.contact.Host, Port: c.contact.Port, Params: sip.NewParams()}
	via.Params.Add("branch", registry.NewBranch())
	req.AppendHeader(via)
	req.SetBody(body)

	s := newSession(sessionID, c, nil, false)
	s.inviteReq = req
	s.localOffer = offer
	c.add(s)

	tx, err := c.txm.CreateClientTransaction(ctx, req)
	if err != nil {
		c.remove(s.id)
		return nil, err
	}
	s.inviteTx = tx
	go c.processInviteResponses(s, req, tx)

	return s, nil
}

// processInviteResponses consumes an outbound INVITE's client transaction,
// advancing the session's dialog/state for each provisional/final response
// via a select-loop over the transaction's Responses() and Done() channels.
func (c *Coordinator) processInviteResponses(s *Session, req *sip.Request, tx *transaction.ClientTx) {
	for {
		select {
		case res, more := <-tx.Responses():
			if !more {
				return
			}
			c.onInviteResponse(s, req, res)
		case <-tx.Done():
			return
		}
	}
}

func (c *Coordinator) onInviteResponse(s *Session, req *sip.Request, res *sip.Response) {
	switch {
	case res.IsProvisional():
		to := res.To()
		if to == nil {
			return
		}
		if _, ok := to.Params.Get("tag"); !ok {
			return
		}
		if d, err := c.dialogs.CreateUACEarly(req, res); err == nil {
			s.setDialog(d)
			_ = s.fire(context.Background(), evRing)
		}

	case res.IsSuccess():
		d, err := c.dialogs.CreateUACConfirmed(req, res)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to confirm outbound dialog on 2xx")
			return
		}
		s.setDialog(d)
		d.BindMediaSession(s.id)

		ack := d.BuildRequest(sip.ACK)
		if err := c.txm.SendAckFor2xx(ack); err != nil {
			c.log.Error().Err(err).Msg("failed to send ACK for 2xx")
		}

		if len(res.Body()) > 0 && s.localOffer != nil {
			var remote pionsdp.SessionDescription
			if err := remote.Unmarshal(res.Body()); err == nil {
				if result, err := sdp.Reconcile(s.localOffer, &remote); err == nil {
					c.media.ApplyRemoteSdp(s.id, result)
				}
			}
		}
		_ = s.fire(context.Background(), evAnswer)

	default:
		_ = s.fire(context.Background(), evFail)
	}
}

// --- In-dialog operations -------------------------------------------------

func (c *Coordinator) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := c.lookupDialogByRequest(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExist, sip.StatusReason(sip.StatusCallTransactionDoesNotExist), nil)
		_ = tx.Respond(res)
		return
	}
	if err := d.ValidateRemoteCSeq(req.CSeq().SeqNo); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "CSeq out of order", nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(res)

	s := c.sessionForDialog(d)
	if s != nil {
		_ = s.fire(context.Background(), evByeRecv)
		_ = s.fire(context.Background(), evTerminated)
	}
	c.dialogs.Terminate(d.ID(), "bye")
}

// cancelSetup tears down a call that has not been answered yet: CANCEL the
// outbound INVITE (the peer's 487 then reaches a session that is already
// Terminated and is absorbed), or 487 the pending inbound INVITE directly.
func (c *Coordinator) cancelSetup(s *Session) error {
	if s.inbound {
		tx, ok := c.getInboundTx(s.id)
		if !ok {
			return ErrSessionNotFound
		}
		res := c.buildResponse(s, sip.StatusRequestTerminated, "Request Terminated", nil)
		err := tx.Respond(res)
		c.mu.Lock()
		delete(c.inboundTx, s.id)
		c.mu.Unlock()
		return err
	}
	if s.inviteTx == nil {
		return ErrInvalidTransition
	}
	return s.inviteTx.Cancel()
}

func (c *Coordinator) sendBye(ctx context.Context, s *Session) error {
	if s.dlg == nil {
		return ErrInvalidTransition
	}
	req := s.dlg.BuildRequest(sip.BYE)
	tx, err := c.txm.CreateClientTransaction(ctx, req)
	if err != nil {
		return err
	}
	select {
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reinvite renegotiates media direction (hold/resume) with a fresh in-dialog
// INVITE carrying the same local endpoint but a new a=direction attribute.
func (c *Coordinator) reinvite(ctx context.Context, s *Session, direction sdp.Direction) error {
	if s.dlg == nil {
		return ErrInvalidTransition
	}
	mediaID, ok := s.dlg.MediaSession()
	if !ok {
		return ErrInvalidTransition
	}
	msess, ok := c.media.Get(mediaID)
	if !ok {
		return ErrInvalidTransition
	}

	offer, err := sdp.Propose(c.caps, sdp.LocalRTP{IP: msess.LocalRTP().IP, Port: msess.LocalRTP().Port}, direction)
	if err != nil {
		return err
	}
	body, err := offer.Marshal()
	if err != nil {
		return err
	}

	req := s.dlg.BuildRequest(sip.INVITE)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody(body)

	tx, err := c.txm.CreateClientTransaction(ctx, req)
	if err != nil {
		return err
	}

	for {
		select {
		case res, more := <-tx.Responses():
			if !more {
				return fmt.Errorf("session: re-INVITE transaction closed without final response")
			}
			if res.IsProvisional() {
				continue
			}
			ack := s.dlg.BuildRequest(sip.ACK)
			_ = c.txm.SendAckFor2xx(ack)
			if !res.IsSuccess() {
				return ErrCallRejected
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleReInvite accepts a peer-initiated re-INVITE (e.g. the peer placing
// this side on hold). Minimal: answers with the current
// local endpoint/codec unchanged, applying target refresh.
func (c *Coordinator) handleReInvite(req *sip.Request, tx sip.ServerTransaction) {
	d, ok := c.lookupDialogByRequest(req)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExist, sip.StatusReason(sip.StatusCallTransactionDoesNotExist), nil)
		_ = tx.Respond(res)
		return
	}
	if err := d.ValidateRemoteCSeq(req.CSeq().SeqNo); err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "CSeq out of order", nil)
		_ = tx.Respond(res)
		return
	}
	if contact := req.Contact(); contact != nil {
		d.ApplyTargetRefresh(contact.Address)
	}

	mediaID, ok := d.MediaSession()
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "No media session", nil)
		_ = tx.Respond(res)
		return
	}
	msess, ok := c.media.Get(mediaID)
	if !ok {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "No media session", nil)
		_ = tx.Respond(res)
		return
	}

	var remoteOffer pionsdp.SessionDescription
	if body := req.Body(); len(body) > 0 {
		_ = remoteOffer.Unmarshal(body)
	}
	answer, err := sdp.Answer(&remoteOffer, c.caps, sdp.LocalRTP{IP: msess.LocalRTP().IP, Port: msess.LocalRTP().Port}, sdp.SendRecv)
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusNotAcceptableHere, "No compatible codec", nil)
		_ = tx.Respond(res)
		return
	}
	body, err := answer.Marshal()
	if err != nil {
		res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "SDP generation failed", nil)
		_ = tx.Respond(res)
		return
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	_ = tx.Respond(res)

	result, rerr := sdp.Reconcile(answer, &remoteOffer)
	if rerr != nil {
		return
	}
	c.media.ApplyRemoteSdp(mediaID, result)

	if s := c.sessionForDialog(d); s != nil {
		if result.Direction == sdp.SendOnly || result.Direction == sdp.Inactive {
			_ = s.fire(context.Background(), evHold)
		} else {
			_ = s.fire(context.Background(), evResume)
		}
	}
}

func (c *Coordinator) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	if res := c.handler.OnOptions(req); res != nil {
		_ = tx.Respond(res)
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, OPTIONS, BYE"))
	_ = tx.Respond(res)
}

func (c *Coordinator) handleRegister(req *sip.Request, tx sip.ServerTransaction) {
	accept, reason := c.handler.OnRegisterAttempt(req)
	if !accept {
		if reason == "" {
			reason = "Forbidden"
		}
		res := sip.NewResponseFromRequest(req, sip.StatusForbidden, reason, nil)
		_ = tx.Respond(res)
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	_ = tx.Respond(res)
}

func (c *Coordinator) lookupDialogByRequest(req *sip.Request) (*dialog.Dialog, bool) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return nil, false
	}
	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	return c.dialogs.Lookup(string(*callID), fromTag, toTag)
}

func (c *Coordinator) sessionForDialog(d *dialog.Dialog) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if s.dlg != nil && s.dlg.ID() == d.ID() {
			return s
		}
	}
	return nil
}
