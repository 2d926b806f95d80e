package media

import (
	"net"
	"sync"
	"time"

	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/sdp"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionState is a media session's lifecycle: Allocated (a local endpoint
// exists, no remote yet) then Ready (the remote endpoint is set and RTP may
// flow).
type SessionState int

const (
	Allocated SessionState = iota
	Ready
	Stopped
)

func (s SessionState) String() string {
	switch s {
	case Allocated:
		return "Allocated"
	case Ready:
		return "Ready"
	case Stopped:
		return "Stopped"
	default:
		return "unknown"
	}
}

// Statistics holds per-session packet counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
}

// Session is one media session: a local RTP endpoint bound to a call-level
// session, with an optional remote endpoint set once SDP negotiation
// completes.
type Session struct {
	mu sync.Mutex

	sessionID    string
	localRTP     LocalEndpoint
	remoteRTP    net.Addr
	selectedCodec sdp.Codec
	direction    sdp.Direction
	state        SessionState
	stats        Statistics
}

func (s *Session) SessionID() string { return s.sessionID }

func (s *Session) LocalRTP() LocalEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localRTP
}

// RemoteRTP returns the remote endpoint and whether one has been set yet.
// Once set this never reverts to unset except by Stop.
func (s *Session) RemoteRTP() (net.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteRTP, s.remoteRTP != nil
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Codec() sdp.Codec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedCodec
}

func (s *Session) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// pendingEntry is one stashed remote SDP awaiting its MediaSession.
type pendingEntry struct {
	result  sdp.NegotiationResult
	storedAt time.Time
}

// defaultPendingTTL is the eviction window for stashed remote SDPs whose
// media session never materialized.
const defaultPendingTTL = 30 * time.Second

// Coordinator binds call-level sessions to allocated RTP endpoints:
// allocate/apply-remote-sdp/start/stop, plus resolution of the answer race.
// A remote SDP may arrive before the caller's media session exists, because
// the caller only creates it after the 200 OK; such SDPs are stashed in a
// pending table and drained exactly once when the session appears.
type Coordinator struct {
	engine Engine
	bus    *eventbus.Bus
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	pending  map[string]pendingEntry

	log zerolog.Logger
}

// NewCoordinator creates a Coordinator driving engine and publishing
// lifecycle events on bus.
func NewCoordinator(engine Engine, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{
		engine:   engine,
		bus:      bus,
		ttl:      defaultPendingTTL,
		sessions: make(map[string]*Session),
		pending:  make(map[string]pendingEntry),
		log:      log.Logger.With().Str("caller", "media.Coordinator").Logger(),
	}
}

// SetPendingTTL overrides the default 30s pending-SDP eviction window,
// for test acceleration.
func (c *Coordinator) SetPendingTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// Allocate asks the Engine for a bound UDP endpoint and registers a
// Session in state Allocated. If a remote SDP was already stashed for this
// sessionID, it is drained and applied immediately, advancing the new
// session straight to Ready.
func (c *Coordinator) Allocate(sessionID string) (LocalEndpoint, error) {
	local, err := c.engine.Allocate(sessionID)
	if err != nil {
		return LocalEndpoint{}, err
	}

	sess := &Session{sessionID: sessionID, localRTP: local, state: Allocated}

	c.mu.Lock()
	c.sessions[sessionID] = sess
	pending, hadPending := c.pending[sessionID]
	if hadPending {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if hadPending {
		c.applyResult(sess, pending.result)
	}

	return local, nil
}

// ApplyRemoteSdp applies a negotiated remote endpoint: if a Session already
// exists for sessionID, set its remote immediately. If it does not exist
// yet, stash the result keyed by sessionID - consumed exactly once when the
// session is later created (see Allocate) or by OnMediaSessionCreated.
func (c *Coordinator) ApplyRemoteSdp(sessionID string, result sdp.NegotiationResult) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	if !ok {
		c.pending[sessionID] = pendingEntry{result: result, storedAt: time.Now()}
		c.mu.Unlock()
		c.log.Debug().Str("session", sessionID).Msg("remote sdp arrived before media session, stashed as pending")
		return
	}
	c.mu.Unlock()

	c.applyResult(sess, result)
}

// OnMediaSessionCreated drains any pending remote SDP for sessionID and
// applies it. Allocate already does this inline; this entry point exists
// for callers (e.g. a re-INVITE renegotiation path) that create the
// Session object through a different route than Allocate.
func (c *Coordinator) OnMediaSessionCreated(sessionID string) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	pending, hadPending := c.pending[sessionID]
	if hadPending {
		delete(c.pending, sessionID)
	}
	c.mu.Unlock()

	if ok && hadPending {
		c.applyResult(sess, pending.result)
	}
}

func (c *Coordinator) applyResult(sess *Session, result sdp.NegotiationResult) {
	remote := &net.UDPAddr{IP: net.ParseIP(result.RemoteIP), Port: result.RemotePort}
	if err := c.engine.SetRemote(sess.sessionID, remote); err != nil {
		c.log.Error().Err(err).Str("session", sess.sessionID).Msg("engine failed to set remote endpoint")
		return
	}

	sess.mu.Lock()
	sess.remoteRTP = remote
	sess.selectedCodec = result.Codec
	sess.direction = result.Direction
	sess.state = Ready
	sess.mu.Unlock()

	if c.bus != nil {
		eventbus.Publish(c.bus, eventbus.MediaFlowStarted{SessionID: sess.sessionID})
	}
}

// EvictStalePending removes pending remote SDPs older than the configured
// TTL. Intended to be called periodically by the owning Endpoint.
func (c *Coordinator) EvictStalePending(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.pending {
		if now.Sub(entry.storedAt) > c.ttl {
			delete(c.pending, id)
		}
	}
}

// Start marks a session's flow as active. The Engine itself begins
// delivering frames as soon as SetRemote succeeds; Start exists so callers
// have an explicit point to hang "flow began" bookkeeping on (e.g. after
// resuming from hold).
func (c *Coordinator) Start(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return ErrNoMediaSession
	}
	if _, ready := sess.RemoteRTP(); !ready {
		return ErrSessionNotReady
	}
	return nil
}

// Stop releases sessionID's engine resources and removes it from the
// table, publishing MediaFlowStopped.
func (c *Coordinator) Stop(sessionID string) error {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	delete(c.pending, sessionID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	sess.state = Stopped
	sess.mu.Unlock()

	err := c.engine.Release(sessionID)
	if c.bus != nil {
		eventbus.Publish(c.bus, eventbus.MediaFlowStopped{SessionID: sessionID})
	}
	return err
}

// Get returns the Session for sessionID, if allocated.
func (c *Coordinator) Get(sessionID string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionID]
	return s, ok
}

// PendingCount reports how many remote SDPs are currently stashed awaiting
// their media session - exposed for tests asserting the pending table
// drains exactly once.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
