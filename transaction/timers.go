package transaction

import (
	"fmt"
	"sync"

	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/timer"
)

// timerKind* map every RFC 3261 transaction timer onto the shared
// timer.Wheel's opaque Kind space. NICT reuses ICT's A/B/D fields
// (Timer E/F/K in RFC vocabulary) since ClientTx carries one set of timer
// fields regardless of INVITE vs non-INVITE origin - see timer_a/timer_b/
// timer_d in client_tx.go.
const (
	timerKindA timer.Kind = iota // ICT retransmit / NICT retransmit (Timer A / Timer E)
	timerKindB                   // ICT timeout / NICT timeout (Timer B / Timer F)
	timerKindD                   // ICT completed absorb / NICT completed absorb (Timer D / Timer K)
	timerKindM                   // ICT accepted-state 2xx absorption (RFC 6026 Timer M)
	timerKindG                   // IST final-response retransmit
	timerKindH                   // IST ACK-wait timeout
	timerKindI                   // IST confirmed absorb window
	timerKindJ                   // NIST completed absorb window
	timerKindL                   // IST accepted absorb window (RFC 6026 Timer L)
	timerKind1xx                 // IST delayed "100 Trying"
)

var (
	wheelOnce   sync.Once
	wheel       *timer.Wheel
	wheelEvents chan timer.Event

	clientRegMu sync.Mutex
	clientReg   = make(map[string]*ClientTx)

	serverRegMu sync.Mutex
	serverReg   = make(map[string]*ServerTx)
)

// sharedWheel returns the process-wide TimerWheel every ClientTx/ServerTx
// schedules its timers on, starting its dispatch loop on first use. A
// single Wheel backs every transaction: one background goroutine driving a
// min-heap instead of one time.Timer per pending deadline, with each fired
// Event routed back into
// the owning transaction's own serialized mailbox (spinFsm) rather than
// executed inline on the Wheel's goroutine.
func sharedWheel() *timer.Wheel {
	wheelOnce.Do(func() {
		wheelEvents = make(chan timer.Event, 64)
		wheel = timer.New(wheelEvents, nil)
		go dispatchWheelEvents()
	})
	return wheel
}

func dispatchWheelEvents() {
	for ev := range wheelEvents {
		switch ev.Kind {
		case timerKindA:
			dispatchClient(ev.Target, client_input_timer_a)
		case timerKindB:
			dispatchClientTimeout(ev.Target)
		case timerKindD:
			dispatchClient(ev.Target, client_input_timer_d)
		case timerKindM:
			dispatchClient(ev.Target, client_input_timer_m)
		case timerKindG:
			dispatchServer(ev.Target, server_input_timer_g)
		case timerKindH:
			dispatchServer(ev.Target, server_input_timer_h)
		case timerKindI:
			dispatchServer(ev.Target, server_input_timer_i)
		case timerKindJ:
			dispatchServer(ev.Target, server_input_timer_j)
		case timerKindL:
			dispatchServer(ev.Target, server_input_timer_l)
		case timerKind1xx:
			dispatchServerTrying(ev.Target)
		}
	}
}

func registerClientTx(tx *ClientTx) {
	clientRegMu.Lock()
	clientReg[tx.key] = tx
	clientRegMu.Unlock()
}

func unregisterClientTx(key string) {
	clientRegMu.Lock()
	delete(clientReg, key)
	clientRegMu.Unlock()
}

func lookupClientTx(key string) *ClientTx {
	clientRegMu.Lock()
	tx := clientReg[key]
	clientRegMu.Unlock()
	return tx
}

func dispatchClient(key string, in FsmInput) {
	if tx := lookupClientTx(key); tx != nil {
		tx.spinFsm(in)
	}
}

// dispatchClientTimeout fires Timer B/F: record the timeout error before
// driving the FSM.
func dispatchClientTimeout(key string) {
	tx := lookupClientTx(key)
	if tx == nil {
		return
	}
	tx.mu.Lock()
	tx.lastErr = fmt.Errorf("Timer_B timed out. %w", ErrTimeout)
	tx.mu.Unlock()
	tx.spinFsm(client_input_timer_b)
}

func registerServerTx(tx *ServerTx) {
	serverRegMu.Lock()
	serverReg[tx.key] = tx
	serverRegMu.Unlock()
}

func unregisterServerTx(key string) {
	serverRegMu.Lock()
	delete(serverReg, key)
	serverRegMu.Unlock()
}

func lookupServerTx(key string) *ServerTx {
	serverRegMu.Lock()
	tx := serverReg[key]
	serverRegMu.Unlock()
	return tx
}

func dispatchServer(key string, in FsmInput) {
	if tx := lookupServerTx(key); tx != nil {
		tx.spinFsm(in)
	}
}

// dispatchServerTrying fires the RFC 3261 §17.2.1 delayed "100 Trying":
// build and send the provisional response if the TU has stayed silent.
func dispatchServerTrying(key string) {
	tx := lookupServerTx(key)
	if tx == nil {
		return
	}
	trying := sip.NewResponseFromRequest(tx.Origin(), 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
	}
}
