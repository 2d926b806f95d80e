package transaction

import (
	"sync"
	"time"

	"github.com/voxcore/voxcore/sip"
)

// fakeConn is a minimal transport.Connection recording every message
// written to it, used to assert retransmission counts/branch continuity
// without a real socket - same shape as siptest's connRecorder, but kept
// local to this package to avoid the import cycle siptest->transaction.
type fakeConn struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (c *fakeConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Ref(int)                {}
func (c *fakeConn) TryClose() (int, error) { return 0, nil }
func (c *fakeConn) Close() error           { return nil }

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *fakeConn) last() sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.msgs) == 0 {
		return nil
	}
	return c.msgs[len(c.msgs)-1]
}

func testInvite(branch string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.example.com"})
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "127.0.0.1", Port: 5060, Params: sip.NewParams()}
	via.Params.Add("branch", branch)
	req.AppendHeader(via)
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", "fromtag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.example.com"}, Params: sip.NewParams()})
	cid := sip.CallID("call-" + branch)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}})
	return req
}

func testOptions(branch string) *sip.Request {
	req := testInvite(branch)
	req.Method = sip.OPTIONS
	req.CSeq().MethodName = sip.OPTIONS
	return req
}

func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
