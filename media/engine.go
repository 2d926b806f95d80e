// Package media binds a dialog to an allocated RTP endpoint, applies
// negotiated remote SDP (possibly arrived before the local media session
// existed), and starts/stops flow. RTP packet encode/decode itself is
// delegated to github.com/pion/rtp; this package owns only session
// lifecycle and the pending-remote-SDP race rule.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/zaf/g711"
)

// Sentinel errors, following transaction.ErrTimeout/ErrTransport's bare
// errors.New + fmt.Errorf("%w", ...) convention.
var (
	ErrAllocationFailed  = errors.New("media: rtp endpoint allocation failed")
	ErrNoMediaSession    = errors.New("media: no media session for id")
	ErrSessionNotReady   = errors.New("media: session has no remote endpoint yet")
	ErrAlreadyAllocated  = errors.New("media: session already allocated")
)

// Frame is one decoded audio frame ready to hand to / received from the
// codec layer - payload type plus raw RTP payload bytes. No codec DSP is
// implemented here.
type Frame struct {
	PayloadType uint8
	Payload     []byte
	Marker      bool
	Timestamp   uint32
}

// Engine allocates RTP endpoints, accepts a remote address, and streams
// frames. The default
// implementation binds a real net.ListenUDP endpoint and represents wire
// frames with pion/rtp.Packet; a test double can substitute an in-memory
// one without touching the Coordinator.
type Engine interface {
	// Allocate binds a local UDP endpoint for sessionID and returns its
	// address. Calling Allocate twice for the same sessionID without an
	// intervening Release is an error.
	Allocate(sessionID string) (LocalEndpoint, error)
	// SetRemote points sessionID's RTP flow at remote. Must be called
	// after Allocate.
	SetRemote(sessionID string, remote net.Addr) error
	// Send transmits one frame to sessionID's current remote endpoint.
	Send(sessionID string, frame Frame) error
	// Frames returns the channel of frames received for sessionID.
	Frames(sessionID string) (<-chan Frame, error)
	// Release tears down sessionID's endpoint and stops delivery.
	Release(sessionID string) error
}

// LocalEndpoint is the bound address/port an Engine allocated.
type LocalEndpoint struct {
	IP   string
	Port int
}

func (e LocalEndpoint) String() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// udpEngine is the default Engine: one real net.UDPConn per session. The
// session table is accessed from whichever goroutine the Coordinator calls
// in from, so it carries its own lock rather than relying on Coordinator's;
// an Engine must be safe to drive directly too.
type udpEngine struct {
	bindIP string

	mu    sync.Mutex
	conns map[string]*udpSession
}

type udpSession struct {
	conn   *net.UDPConn
	frames chan Frame
	cancel context.CancelFunc

	remoteMu sync.Mutex
	remote   *net.UDPAddr
}

func (s *udpSession) setRemote(addr *net.UDPAddr) {
	s.remoteMu.Lock()
	s.remote = addr
	s.remoteMu.Unlock()
}

func (s *udpSession) getRemote() *net.UDPAddr {
	s.remoteMu.Lock()
	defer s.remoteMu.Unlock()
	return s.remote
}

// NewUDPEngine creates an Engine binding real ephemeral UDP sockets on
// bindIP (use "0.0.0.0" to bind all interfaces).
func NewUDPEngine(bindIP string) Engine {
	return &udpEngine{bindIP: bindIP, conns: make(map[string]*udpSession)}
}

func (e *udpEngine) Allocate(sessionID string) (LocalEndpoint, error) {
	e.mu.Lock()
	if _, exists := e.conns[sessionID]; exists {
		e.mu.Unlock()
		return LocalEndpoint{}, ErrAlreadyAllocated
	}
	e.mu.Unlock()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(e.bindIP), Port: 0})
	if err != nil {
		return LocalEndpoint{}, fmt.Errorf("%s: %w", err.Error(), ErrAllocationFailed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &udpSession{conn: conn, frames: make(chan Frame, 32), cancel: cancel}

	e.mu.Lock()
	if _, exists := e.conns[sessionID]; exists {
		e.mu.Unlock()
		cancel()
		_ = conn.Close()
		return LocalEndpoint{}, ErrAlreadyAllocated
	}
	e.conns[sessionID] = sess
	e.mu.Unlock()
	go sess.readLoop(ctx)

	laddr := conn.LocalAddr().(*net.UDPAddr)
	return LocalEndpoint{IP: laddr.IP.String(), Port: laddr.Port}, nil
}

func (s *udpSession) readLoop(ctx context.Context) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		frame := Frame{
			PayloadType: pkt.PayloadType,
			Payload:     append([]byte(nil), pkt.Payload...),
			Marker:      pkt.Marker,
			Timestamp:   pkt.Timestamp,
		}
		select {
		case s.frames <- frame:
		case <-ctx.Done():
			return
		default:
			// Drop under backpressure rather than block the reader;
			// there is no jitter buffer here.
		}
	}
}

func (e *udpEngine) SetRemote(sessionID string, remote net.Addr) error {
	e.mu.Lock()
	sess, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return ErrNoMediaSession
	}
	udpAddr, ok := remote.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", remote.String())
		if err != nil {
			return fmt.Errorf("%s: %w", err.Error(), ErrAllocationFailed)
		}
		udpAddr = resolved
	}
	sess.setRemote(udpAddr)
	return nil
}

func (e *udpEngine) Send(sessionID string, frame Frame) error {
	e.mu.Lock()
	sess, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return ErrNoMediaSession
	}
	remote := sess.getRemote()
	if remote == nil {
		return ErrSessionNotReady
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:     2,
			PayloadType: frame.PayloadType,
			Marker:      frame.Marker,
			Timestamp:   frame.Timestamp,
		},
		Payload: frame.Payload,
	}
	wire, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = sess.conn.WriteToUDP(wire, remote)
	return err
}

func (e *udpEngine) Frames(sessionID string) (<-chan Frame, error) {
	e.mu.Lock()
	sess, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoMediaSession
	}
	return sess.frames, nil
}

func (e *udpEngine) Release(sessionID string) error {
	e.mu.Lock()
	sess, ok := e.conns[sessionID]
	delete(e.conns, sessionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancel()
	return sess.conn.Close()
}

// SilenceFrame returns one 20ms (160-sample) silence frame for the given
// G.711 payload type (0 = PCMU, 8 = PCMA), encoded through zaf/g711.
// Useful for comfort-noise padding in tests.
func SilenceFrame(payloadType uint8) []byte {
	pcm := make([]byte, 320) // 160 16-bit samples of zero PCM
	if payloadType == 8 {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}
