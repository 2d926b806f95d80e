package transaction

import (
	"context"
	"errors"

	"github.com/voxcore/voxcore/eventbus"
	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/transport"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeTransactions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sipcore_transactions_active",
			Help: "Transactions currently open, by role and RFC 3261 kind.",
		},
		[]string{"role", "kind"},
	)
	transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipcore_transactions_total",
			Help: "Transactions terminated, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	retransmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sipcore_retransmissions_total",
			Help: "Messages retransmitted by a transaction timer, by role.",
		},
		[]string{"role"},
	)
)

func init() {
	prometheus.MustRegister(activeTransactions, transactionsTotal, retransmissionsTotal)
}

// Manager is the application-facing façade over Layer. It adds StrayMessage
// publication plus active/terminated transaction metrics; the create/index/
// demux/reap work itself lives in Layer.
type Manager struct {
	*Layer
	bus *eventbus.Bus
}

// NewManager builds a Manager over a fresh transaction Layer for tpl,
// publishing lifecycle events on bus (nil disables publication, useful in
// tests that only need the transaction mechanics).
func NewManager(tpl *transport.Layer, bus *eventbus.Bus) *Manager {
	m := &Manager{Layer: NewLayer(tpl), bus: bus}
	m.Layer.UnhandledResponseHandler(m.onStrayResponse)
	return m
}

// CreateClientTransaction creates a client transaction for req and sends the
// request. Layer.Request already does both steps; this wraps it to register
// the metrics and event hooks.
func (m *Manager) CreateClientTransaction(ctx context.Context, req *sip.Request) (*ClientTx, error) {
	tx, err := m.Layer.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	m.trackClient(tx)
	return tx, nil
}

// SendRequest is an alias for CreateClientTransaction: transaction creation
// and the initial send are one step here.
func (m *Manager) SendRequest(ctx context.Context, req *sip.Request) (*ClientTx, error) {
	return m.CreateClientTransaction(ctx, req)
}

// SendResponse sends res through the server transaction matching it.
func (m *Manager) SendResponse(res *sip.Response) (*ServerTx, error) {
	tx, err := m.Layer.Respond(res)
	if err != nil {
		return nil, err
	}
	m.trackServer(tx)
	return tx, nil
}

// SendAckFor2xx sends the ACK for a 2xx response to INVITE directly through
// the transport, bypassing the transaction layer entirely. Per RFC 3261
// §13.2.2.4 ACK-to-2xx is the TU's responsibility (it carries its own branch
// and can traverse a different path than the original INVITE), not part of
// the INVITE client transaction's state machine.
func (m *Manager) SendAckFor2xx(ack *sip.Request) error {
	return m.Layer.Transport().WriteMsg(ack)
}

func (m *Manager) trackClient(tx *ClientTx) {
	kind := tx.Kind().String()
	activeTransactions.WithLabelValues("client", kind).Inc()
	tx.OnTerminate(func(key string, txErr error) {
		activeTransactions.WithLabelValues("client", kind).Dec()
		transactionsTotal.WithLabelValues(kind, outcomeOf(txErr)).Inc()
		if m.bus != nil {
			eventbus.Publish(m.bus, eventbus.TransactionTerminated{Key: key, Err: txErr})
			switch {
			case errors.Is(txErr, ErrTimeout):
				eventbus.Publish(m.bus, eventbus.TransactionTimedOut{Key: key})
			case errors.Is(txErr, ErrTransport):
				eventbus.Publish(m.bus, eventbus.TransportFailed{Key: key, Err: txErr})
			}
		}
	})
}

func (m *Manager) trackServer(tx *ServerTx) {
	kind := tx.Kind().String()
	activeTransactions.WithLabelValues("server", kind).Inc()
	tx.OnTerminate(func(key string, txErr error) {
		activeTransactions.WithLabelValues("server", kind).Dec()
		transactionsTotal.WithLabelValues(kind, outcomeOf(txErr)).Inc()
		if m.bus != nil {
			eventbus.Publish(m.bus, eventbus.TransactionTerminated{Key: key, Err: txErr})
		}
	})
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

// onStrayResponse republishes a response Layer found no client transaction
// for as a StrayMessage event. The dialog layer, not the transaction layer,
// decides whether a stray response is meaningful (e.g. a late retransmission
// after local cleanup).
func (m *Manager) onStrayResponse(res *sip.Response) {
	if m.bus != nil {
		eventbus.Publish(m.bus, eventbus.StrayMessage{Response: res})
	}
}

// OnRequest registers the handler invoked for every server transaction
// Layer creates for an inbound request. Layer only calls this handler for
// requests that matched no existing transaction (retransmissions are
// absorbed by the existing one - see handleRequest in layer.go), so each
// delivery is also published as a StrayMessage. Layer has already created
// and stored the server transaction by the time the handler runs.
func (m *Manager) OnRequest(h RequestHandler) {
	m.Layer.OnRequest(func(req *sip.Request, tx sip.ServerTransaction) {
		if m.bus != nil {
			eventbus.Publish(m.bus, eventbus.StrayMessage{Request: req})
		}
		h(req, tx)
	})
}
