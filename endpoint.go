// Package voxcore wires the full signalling+media stack into a single
// per-identity façade, Endpoint: one transport.Layer, transaction.Manager,
// dialog.Manager, media.Coordinator, eventbus.Bus and session.Coordinator.
// A process hosting several independent signalling identities (e.g. a
// B2BUA/SBC) constructs one Endpoint per identity rather than reaching for
// package-level state.
package voxcore

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/voxcore/voxcore/dialog"
	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/media"
	"github.com/voxcore/voxcore/session"
	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/transaction"
	"github.com/voxcore/voxcore/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Endpoint owns the transport.Layer, transaction.Manager, dialog.Manager,
// media.Coordinator, eventbus.Bus and session.Coordinator a single
// signalling identity needs. None of these are package-level singletons:
// a process may construct many Endpoints, each fully independent.
type Endpoint struct {
	transport  *transport.Layer
	tx         *transaction.Manager
	dialogs    *dialog.Manager
	media      *media.Coordinator
	bus        *eventbus.Bus
	sessions   *session.Coordinator
	contact    sip.Uri

	evictStop chan struct{}
	closeOnce sync.Once

	log zerolog.Logger
}

// Option configures an Endpoint.
type Option func(*endpointConfig)

type endpointConfig struct {
	dnsResolver *net.Resolver
	tlsConfig   *tls.Config
	parser      *sip.Parser
	bindIP      string
	handler     session.CallHandler
}

// WithDNSResolver overrides the resolver used for outbound connection
// resolution.
func WithDNSResolver(r *net.Resolver) Option {
	return func(c *endpointConfig) { c.dnsResolver = r }
}

// WithTLSConfig supplies the TLS client/server config for the TLS/WSS
// transports.
func WithTLSConfig(conf *tls.Config) Option {
	return func(c *endpointConfig) { c.tlsConfig = conf }
}

// WithParser overrides the SIP message parser (e.g. to install custom
// extension header parsing), mirroring transport.Layer's exported Parser
// field.
func WithParser(p *sip.Parser) Option {
	return func(c *endpointConfig) { c.parser = p }
}

// WithMediaBindIP sets the address the default UDP MediaEngine binds RTP
// sockets on ("0.0.0.0" for all interfaces, the default).
func WithMediaBindIP(ip string) Option {
	return func(c *endpointConfig) { c.bindIP = ip }
}

// WithCallHandler installs the CallHandler the session.Coordinator invokes
// for inbound INVITE/OPTIONS/REGISTER traffic. Defaults to
// session.NopCallHandler (reject every inbound call).
func WithCallHandler(h session.CallHandler) Option {
	return func(c *endpointConfig) { c.handler = h }
}

// NewEndpoint constructs a fully wired Endpoint: transport.Layer ->
// transaction.Manager -> dialog.Manager + media.Coordinator ->
// session.Coordinator, publishing lifecycle events on a fresh eventbus.Bus.
// contact is the URI advertised in outbound Contact headers and in 200 OK
// responses to inbound INVITEs - it must resolve to an address this
// Endpoint's transports actually listen on once Listen is called.
func NewEndpoint(contact sip.Uri, opts ...Option) (*Endpoint, error) {
	cfg := endpointConfig{bindIP: "0.0.0.0"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.parser == nil {
		cfg.parser = sip.NewParser()
	}
	if cfg.handler == nil {
		cfg.handler = session.NopCallHandler{}
	}

	tpl := transport.NewLayer(cfg.dnsResolver, cfg.parser, cfg.tlsConfig)
	bus := eventbus.New()
	txm := transaction.NewManager(tpl, bus)
	dialogs := dialog.NewManager(bus)
	mediaEngine := media.NewUDPEngine(cfg.bindIP)
	mediaCoord := media.NewCoordinator(mediaEngine, bus)
	sessions := session.NewCoordinator(txm, dialogs, mediaCoord, bus, contact, cfg.handler)

	ep := &Endpoint{
		transport: tpl,
		tx:        txm,
		dialogs:   dialogs,
		media:     mediaCoord,
		bus:       bus,
		sessions:  sessions,
		contact:   contact,
		evictStop: make(chan struct{}),
		log:       log.Logger.With().Str("caller", "voxcore.Endpoint").Logger(),
	}
	go ep.evictLoop()
	return ep, nil
}

// evictLoop periodically sweeps the media coordinator's pending-remote-SDP
// table so entries whose session never allocated don't accumulate. Runs for
// the Endpoint's whole lifetime; stopped by Close.
func (e *Endpoint) evictLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.media.EvictStalePending(now)
		case <-e.evictStop:
			return
		}
	}
}

// Listen starts one transport listener (network one of "udp", "tcp", "ws";
// "tls", "wss" and any other network fail with
// transport.ErrNetworkNotSuported) on addr, blocking until ctx is cancelled
// or the listener fails - mirrors transport.Layer.ListenAndServe, which this wraps directly
// since Endpoint adds no additional listen-time behavior over the
// transport layer it owns.
func (e *Endpoint) Listen(ctx context.Context, network, addr string) error {
	if err := e.transport.ListenAndServe(ctx, network, addr); err != nil {
		return fmt.Errorf("voxcore: listen %s/%s: %w", network, addr, err)
	}
	return nil
}

// Dial places an outbound call through this Endpoint's session.Coordinator.
func (e *Endpoint) Dial(ctx context.Context, target sip.Uri) (*session.Session, error) {
	return e.sessions.Dial(ctx, target)
}

// Sessions returns the session.Coordinator driving this Endpoint's calls,
// for callers that need direct access (Get/Count) beyond Dial.
func (e *Endpoint) Sessions() *session.Coordinator { return e.sessions }

// Events returns the eventbus.Bus this Endpoint publishes lifecycle events
// on (SessionStateChanged, MediaFlowStarted, DialogTerminated, ...).
func (e *Endpoint) Events() *eventbus.Bus { return e.bus }

// Close shuts down the Endpoint's transport listeners and stops the
// pending-SDP eviction sweep. Safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.evictStop) })
	return e.transport.Close()
}
