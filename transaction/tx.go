package transaction

import (
	"sync"

	"github.com/voxcore/voxcore/sip"
	"github.com/voxcore/voxcore/transport"

	"github.com/rs/zerolog"
)

type commonTx struct {
	key string

	origin *sip.Request
	// tpl    *transport.Layer

	conn     transport.Connection
	lastResp *sip.Response

	errs    chan error
	lastErr error
	done    chan struct{}

	//State machine control
	fsmMu    sync.RWMutex
	fsmState FsmContextState

	log zerolog.Logger

	onTerminateMu sync.Mutex
	onTerminates  []sip.FnTxTerminate
}

func (tx *commonTx) String() string {
	if tx == nil {
		return "<nil>"
	}

	// fields := tx.Log().Fields().WithFields(log.Fields{
	// 	"key": tx.key,
	// })
	return tx.key

	// return fmt.Sprintf("%s<%s>", tx.Log().Prefix(), fields)
}

func (tx *commonTx) Origin() *sip.Request {
	return tx.origin
}

func (tx *commonTx) Key() string {
	return tx.key
}

// func (tx *commonTx) Transport() sip.Transport {
// 	return tx.tpl
// }

// Errors can be passed via channel. Channel is created on first call of this function
func (tx *commonTx) Errors() <-chan error {
	if tx.errs != nil {
		return tx.errs
	}
	tx.errs = make(chan error)
	return tx.errs
}

func (tx *commonTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate registers f to be called when the transaction terminates.
// It returns false if the transaction has already terminated.
func (tx *commonTx) OnTerminate(f sip.FnTxTerminate) bool {
	select {
	case <-tx.done:
		return false
	default:
	}

	tx.onTerminateMu.Lock()
	defer tx.onTerminateMu.Unlock()
	tx.onTerminates = append(tx.onTerminates, f)
	return true
}

// fireTerminate invokes every registered OnTerminate hook with the final
// transaction error, if any.
func (tx *commonTx) fireTerminate(key string, err error) {
	tx.onTerminateMu.Lock()
	hooks := tx.onTerminates
	tx.onTerminateMu.Unlock()

	for _, f := range hooks {
		f(key, err)
	}
}

// spinFsm feeds in to the current state and keeps feeding each returned
// input until a state returns FsmInputNone.
func (tx *commonTx) spinFsm(in FsmInput) {
	tx.fsmMu.Lock()
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
	tx.fsmMu.Unlock()
}
