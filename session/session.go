// Package session implements the call lifecycle layered on top of a Dialog
// and a media session, driven by a looplab/fsm state machine
// (Initializing -> Ringing -> Active -> OnHold -> Terminating -> Terminated).
package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxcore/voxcore/dialog"
	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/sdp"
	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/transaction"

	"github.com/looplab/fsm"
	"github.com/rs/zerolog"
	pionsdp "github.com/pion/sdp/v3"
)

// Session states.
const (
	StateInitializing = "Initializing"
	StateRinging      = "Ringing"
	StateActive       = "Active"
	StateOnHold       = "OnHold"
	StateTerminating  = "Terminating"
	StateTerminated   = "Terminated"
)

// FSM events driving the above states.
const (
	evRing       = "ring"
	evAnswer     = "answer"
	evHold       = "hold"
	evResume     = "resume"
	evByeSent    = "bye_sent"
	evByeRecv    = "bye_received"
	evFail       = "fail"
	evTerminated = "terminated"
)

// Session is the call-level coordination unit: one Dialog plus, once
// negotiated, one bound media session. Its lifecycle is tracked by its own
// state machine, separate from the dialog's; the dialog is bound through
// setDialog, and there is no attended-transfer (REFER/Replaces) handling.
type Session struct {
	mu sync.Mutex

	id      string
	coord   *Coordinator
	dlg     *dialog.Dialog
	inbound bool

	// inviteReq is the originating INVITE: the inbound request this session
	// answers, or the outbound request Dial built. toTag pins the To-tag an
	// inbound session's responses all share (see Coordinator.buildResponse).
	inviteReq *sip.Request
	toTag     string

	// inviteTx is the outbound INVITE's client transaction, kept so an
	// unanswered call can be torn down with CANCEL. Nil for inbound sessions.
	inviteTx *transaction.ClientTx

	localOffer  *pionsdp.SessionDescription
	remoteOffer *pionsdp.SessionDescription

	machine *fsm.FSM
	log     zerolog.Logger
}

// ID returns the session's registry.NewSessionID() identity.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Dialog returns the dialog this session is layered over, or nil if no
// dialog-creating response/request has been processed yet.
func (s *Session) Dialog() *dialog.Dialog { return s.dlg }

// setDialog binds d as the dialog backing this session, called once a
// session progresses past Initializing (Ring/Answer inbound, or a
// provisional/final response outbound).
func (s *Session) setDialog(d *dialog.Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dlg = d
}

// Inbound reports whether this session originated from a received INVITE.
func (s *Session) Inbound() bool { return s.inbound }

// Ring sends a 180 Ringing for an inbound call still in Initializing,
// forwarding to Coordinator.Ring. Exposed on Session (rather than only
// reachable through the unexported coord field) because a CallHandler is
// the application's own hook, implemented in a package that cannot see
// this package's internals.
func (s *Session) Ring() error {
	return s.coord.Ring(s)
}

// Answer accepts an inbound call: negotiates the inbound offer, allocates
// media and sends 200 OK.
func (s *Session) Answer(ctx context.Context) error {
	return s.coord.Answer(ctx, s)
}

// Reject declines an inbound call with the given status.
func (s *Session) Reject(statusCode int, reason string) error {
	return s.coord.Reject(s, statusCode, reason)
}

func newSession(id string, coord *Coordinator, dlg *dialog.Dialog, inbound bool) *Session {
	s := &Session{
		id:      id,
		coord:   coord,
		dlg:     dlg,
		inbound: inbound,
	}
	s.log = coord.log.With().Str("session", id).Logger()
	s.machine = fsm.NewFSM(
		StateInitializing,
		fsm.Events{
			{Name: evRing, Src: []string{StateInitializing}, Dst: StateRinging},
			{Name: evAnswer, Src: []string{StateInitializing, StateRinging}, Dst: StateActive},
			{Name: evHold, Src: []string{StateActive}, Dst: StateOnHold},
			{Name: evResume, Src: []string{StateOnHold}, Dst: StateActive},
			{Name: evByeSent, Src: []string{StateActive, StateOnHold, StateRinging}, Dst: StateTerminating},
			{Name: evByeRecv, Src: []string{StateActive, StateOnHold}, Dst: StateTerminating},
			{Name: evFail, Src: []string{StateInitializing, StateRinging}, Dst: StateTerminated},
			{Name: evTerminated, Src: []string{"*"}, Dst: StateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { s.onEnterState(e) },
		},
	)
	return s
}

// onEnterState publishes SessionStateChanged - every lifecycle transition
// is observable, and is a critical event (never dropped) since it is how
// call-detail-record consumers learn a call ended.
func (s *Session) onEnterState(e *fsm.Event) {
	if s.coord.bus != nil {
		eventbus.Publish(s.coord.bus, eventbus.SessionStateChanged{
			SessionID: s.id,
			From:      e.Src,
			To:        e.Dst,
			Reason:    e.Event,
		})
	}
	if e.Dst == StateTerminated {
		var mediaID string
		var hasMedia bool
		if s.dlg != nil {
			mediaID, hasMedia = s.dlg.MediaSession()
		}
		if hasMedia {
			if err := s.coord.media.Stop(mediaID); err != nil {
				s.log.Warn().Err(err).Msg("failed to release media session on termination")
			}
		} else if s.coord.bus != nil {
			eventbus.Publish(s.coord.bus, eventbus.MediaFlowNeverStarted{SessionID: s.id, Reason: e.Event})
		}
		s.coord.remove(s.id)
	}
}

// fire drives the session FSM, wrapping fsm.InvalidEventError in
// ErrInvalidTransition so callers don't need to import looplab/fsm
// themselves to check the failure reason.
func (s *Session) fire(ctx context.Context, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.machine.Event(ctx, event); err != nil {
		if _, ok := err.(fsm.InvalidEventError); ok {
			return fmt.Errorf("%s: %w", err.Error(), ErrInvalidTransition)
		}
		if _, ok := err.(fsm.NoTransitionError); ok {
			return nil
		}
		return err
	}
	return nil
}

// Hold places an Active session OnHold, re-INVITEing the peer with a
// sendonly/inactive direction. The actual re-offer construction is left to
// Coordinator.reinvite, which both Hold and Resume share.
func (s *Session) Hold(ctx context.Context) error {
	if err := s.coord.reinvite(ctx, s, sdp.SendOnly); err != nil {
		return err
	}
	return s.fire(ctx, evHold)
}

// Resume takes an OnHold session back to Active with a sendrecv re-INVITE.
func (s *Session) Resume(ctx context.Context) error {
	if err := s.coord.reinvite(ctx, s, sdp.SendRecv); err != nil {
		return err
	}
	return s.fire(ctx, evResume)
}

// Bye ends a session. An established (Active/OnHold) session sends BYE
// through its dialog; a still-Ringing one has no confirmed dialog to BYE,
// so it is torn down with CANCEL (outbound) or 487 (inbound) instead. A BYE
// transaction timeout (Timer F at 64*T1) still forces the session to
// Terminated rather than leaving it stuck Active - the caller sees
// Terminated either way, with the timeout only logged.
func (s *Session) Bye(ctx context.Context) error {
	ringing := s.State() == StateRinging
	if err := s.fire(ctx, evByeSent); err != nil {
		return err
	}
	if ringing {
		sendErr := s.coord.cancelSetup(s)
		if sendErr != nil {
			s.log.Warn().Err(sendErr).Msg("failed to cancel unanswered call cleanly")
		}
		if s.dlg != nil {
			s.coord.dialogs.Terminate(s.dlg.ID(), "cancelled")
		}
		_ = s.fire(context.Background(), evTerminated)
		return sendErr
	}
	sendErr := s.coord.sendBye(ctx, s)
	reason := "bye_sent"
	if sendErr != nil {
		reason = "bye_timeout"
		s.log.Warn().Err(sendErr).Msg("BYE transaction did not complete cleanly; force-terminating dialog locally")
	}
	if s.dlg != nil {
		s.coord.dialogs.Terminate(s.dlg.ID(), reason)
	}
	_ = s.fire(context.Background(), evTerminated)
	return sendErr
}

// Codec returns the codec this session's MediaSession negotiated, if media
// is bound yet.
func (s *Session) Codec() (sdp.Codec, bool) {
	if s.dlg == nil {
		return sdp.Codec{}, false
	}
	mediaID, ok := s.dlg.MediaSession()
	if !ok {
		return sdp.Codec{}, false
	}
	msess, ok := s.coord.media.Get(mediaID)
	if !ok {
		return sdp.Codec{}, false
	}
	return msess.Codec(), true
}
