package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/timer"
	"github.com/voxcore/voxcore/transport"

	"github.com/rs/zerolog"
)

type FSMfunc func() FSMfunc

type ServerTx struct {
	commonTx
	lastAck      *sip.Request
	lastCancel   *sip.Request
	acks         chan *sip.Request
	cancels      chan *sip.Request
	timer_g      timer.Handle
	timer_g_time time.Duration
	timer_h      timer.Handle
	timer_i      timer.Handle
	timer_i_time time.Duration
	timer_j      timer.Handle
	timer_1xx    timer.Handle
	timer_l      timer.Handle
	reliable     bool

	mu sync.RWMutex

	onCancelMu sync.Mutex
	onCancels  []sip.FnTxCancel

	closeOnce sync.Once
}

func NewServerTx(key string, origin *sip.Request, conn transport.Connection, logger zerolog.Logger) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn

	// unbuffered: each ACK/CANCEL is handed directly to a reader
	tx.acks = make(chan *sip.Request)
	tx.cancels = make(chan *sip.Request)
	tx.errs = make(chan error)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = transport.IsReliable(origin.Transport())
	registerServerTx(tx)
	return tx
}

func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()

	if tx.reliable {
		tx.timer_i_time = 0
	} else {
		tx.timer_g_time = timerG()
		tx.timer_i_time = timerI()
	}

	tx.mu.Unlock()

	// RFC 3261 - 17.2.1
	if tx.Origin().IsInvite() {
		// tx.Log().Tracef("set timer_1xx to %v", Timer_1xx)
		tx.mu.Lock()
		tx.timer_1xx = sharedWheel().Schedule(timerKind1xx, timer1xx(), tx.key)
		tx.mu.Unlock()
	}

	return nil
}

// Receive is endpoint for handling received server requests.
func (tx *ServerTx) Receive(req *sip.Request) error {
	input, err := tx.receiveRequest(req)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) receiveRequest(req *sip.Request) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.timer_1xx != (timer.Handle{}) {
		sharedWheel().Cancel(tx.timer_1xx)
		tx.timer_1xx = timer.Handle{}
	}

	switch {
	case req.Method == tx.origin.Method:
		return server_input_request, nil
	case req.IsAck(): // ACK for non-2xx response
		tx.lastAck = req
		return server_input_ack, nil
	case req.IsCancel():
		tx.lastCancel = req
		return server_input_cancel, nil
	}
	return FsmInputNone, fmt.Errorf("unexpected message error")
}

func (tx *ServerTx) Respond(res *sip.Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	input, err := tx.receiveRespond(res)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) receiveRespond(res *sip.Response) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.lastResp = res
	if tx.timer_1xx != (timer.Handle{}) {
		sharedWheel().Cancel(tx.timer_1xx)
		tx.timer_1xx = timer.Handle{}
	}

	switch {
	case res.IsProvisional():
		return server_input_user_1xx, nil
	case res.IsSuccess():
		return server_input_user_2xx, nil
	}
	return server_input_user_300_plus, nil
}

// Acks returns the channel ACKs are passed on. It is created in NewServerTx.
func (tx *ServerTx) Acks() <-chan *sip.Request {
	return tx.acks
}

func (tx *ServerTx) passAck() {
	tx.mu.RLock()
	r := tx.lastAck
	tx.mu.RUnlock()

	if r == nil {
		return
	}
	// Go routines should be cheap and it will prevent blocking
	go tx.ackSend(r)
}

func (tx *ServerTx) ackSend(r *sip.Request) {
	select {
	case <-tx.done:
	case tx.acks <- r:
	}
}

func (tx *ServerTx) Cancels() <-chan *sip.Request {
	if tx.cancels != nil {
		return tx.cancels
	}
	tx.cancels = make(chan *sip.Request)
	return tx.cancels
}

func (tx *ServerTx) passCancel() {
	tx.mu.RLock()
	r := tx.lastCancel
	tx.mu.RUnlock()

	if r == nil {
		return
	}
	// Go routines should be cheap
	go tx.cancelSend(r)
	go tx.fireCancel(r)
}

// OnCancel registers f to be called when a CANCEL request is received for
// this transaction. It returns false if the transaction already terminated.
func (tx *ServerTx) OnCancel(f sip.FnTxCancel) bool {
	select {
	case <-tx.done:
		return false
	default:
	}

	tx.onCancelMu.Lock()
	defer tx.onCancelMu.Unlock()
	tx.onCancels = append(tx.onCancels, f)
	return true
}

func (tx *ServerTx) fireCancel(r *sip.Request) {
	tx.onCancelMu.Lock()
	hooks := tx.onCancels
	tx.onCancelMu.Unlock()

	for _, f := range hooks {
		f(r)
	}
}

// Err returns the error that terminated the transaction, if any.
func (tx *ServerTx) Err() error {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()
	return err
}

func (tx *ServerTx) cancelSend(r *sip.Request) {
	select {
	case <-tx.done:
	case tx.cancels <- r:
	}
}

func (tx *ServerTx) passResp() error {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	if lastResp == nil {
		return fmt.Errorf("none response")
	}

	// tx.Log().Debug("actFinal")
	err := tx.conn.WriteMsg(lastResp)
	if err != nil {
		tx.log.Debug().Err(err).Str("res", lastResp.StartLine()).Msg("fail to pass response")
		tx.mu.Lock()
		tx.lastErr = err
		tx.mu.Unlock()
		return err
	}
	return nil
}

func (tx *ServerTx) sendErr(err error) {
	select {
	case <-tx.done:
	case tx.errs <- err:
	}
}

func (tx *ServerTx) Terminate() {
	tx.delete()
}

// func (tx *ServerTx) OnTerminate(f func()) {
// 	// NOT YET EXPOSED
// }

// Choose the right FSM init function depending on request method.
func (tx *ServerTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.Origin().IsInvite() {
		tx.fsmState = tx.inviteStateProcceeding
	} else {
		tx.fsmState = tx.stateTrying
	}
	tx.fsmMu.Unlock()
}

func (tx *ServerTx) delete() {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		tx.mu.Unlock()
		tx.fireTerminate(tx.key, tx.lastErr)
	})

	// time.Sleep(time.Microsecond)

	w := sharedWheel()
	tx.mu.Lock()
	if tx.timer_i != (timer.Handle{}) {
		w.Cancel(tx.timer_i)
		tx.timer_i = timer.Handle{}
	}
	if tx.timer_g != (timer.Handle{}) {
		w.Cancel(tx.timer_g)
		tx.timer_g = timer.Handle{}
	}
	// tx.Log().Debug("transaction done")
	if tx.timer_h != (timer.Handle{}) {
		w.Cancel(tx.timer_h)
		tx.timer_h = timer.Handle{}
	}
	if tx.timer_j != (timer.Handle{}) {
		w.Cancel(tx.timer_j)
		tx.timer_j = timer.Handle{}
	}
	if tx.timer_1xx != (timer.Handle{}) {
		w.Cancel(tx.timer_1xx)
		tx.timer_1xx = timer.Handle{}
	}
	if tx.timer_l != (timer.Handle{}) {
		w.Cancel(tx.timer_l)
		tx.timer_l = timer.Handle{}
	}
	tx.mu.Unlock()
	unregisterServerTx(tx.key)
	tx.log.Debug().Str("tx", tx.Key()).Msg("Destroyed")
}
