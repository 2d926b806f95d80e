package dialog

import (
	"testing"

	"github.com/voxcore/voxcore/sip"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inviteRequest(callID, fromTag string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "biloxi.example.com"})
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "atlanta.example.com"}, Params: sip.NewParams()}
	from.Params.Add("tag", fromTag)
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "biloxi.example.com"}, Params: sip.NewParams()})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "127.0.0.1", Port: 5060}})
	return req
}

func okResponse(req *sip.Request, toTag string, recordRoute ...sip.Uri) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	to := res.To()
	to.Params.Add("tag", toTag)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "bob", Host: "192.0.2.1", Port: 5060}})
	for _, rr := range recordRoute {
		res.AppendHeader(&sip.RecordRouteHeader{Address: rr})
	}
	return res
}

func TestManager_CreateUACConfirmed(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-1", "from-tag")
	res := okResponse(req, "to-tag", sip.Uri{Host: "proxy1.example.com"}, sip.Uri{Host: "proxy2.example.com"})

	d, err := m.CreateUACConfirmed(req, res)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, d.State())
	assert.Equal(t, UAC, d.Role())
	assert.Equal(t, ID{CallID: "call-1", LocalTag: "from-tag", RemoteTag: "to-tag"}, d.ID())

	// Record-Route reversed for UAC use.
	routeSet := d.RouteSet()
	require.Len(t, routeSet, 2)
	assert.Equal(t, "proxy2.example.com", routeSet[0].Host)
	assert.Equal(t, "proxy1.example.com", routeSet[1].Host)

	assert.Equal(t, "192.0.2.1", d.RemoteTarget().Host)
}

func TestManager_EarlyThenConfirmed(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-2", "from-tag")
	ringing := okResponse(req, "to-tag")
	ringing.StatusCode = sip.StatusRinging

	early, err := m.CreateUACEarly(req, ringing)
	require.NoError(t, err)
	assert.Equal(t, Early, early.State())
	assert.Equal(t, 0, m.Count(), "half-dialogs are not counted until confirmed")

	ok := okResponse(req, "to-tag")
	confirmed, err := m.PromoteToConfirmed(early.ID(), ok)
	require.NoError(t, err)
	assert.Same(t, early, confirmed)
	assert.Equal(t, Confirmed, confirmed.State())
	assert.Equal(t, 1, m.Count())
}

func TestManager_CreateUASConfirmed_AndLookup(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-3", "from-tag")
	res := okResponse(req, "to-tag")

	d, err := m.CreateUASConfirmed(req, res)
	require.NoError(t, err)
	assert.Equal(t, UAS, d.Role())
	assert.Equal(t, ID{CallID: "call-3", LocalTag: "to-tag", RemoteTag: "from-tag"}, d.ID())

	found, ok := m.Lookup("call-3", "from-tag", "to-tag")
	require.True(t, ok)
	assert.Same(t, d, found)
}

func TestManager_MissingToTagRejected(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-4", "from-tag")
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.To().Params = sip.NewParams() // strip the auto-generated tag

	_, err := m.CreateUACConfirmed(req, res)
	assert.ErrorIs(t, err, ErrMissingToTag)
}

func TestDialog_CSeqDiscipline(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-5", "from-tag")
	res := okResponse(req, "to-tag")
	d, err := m.CreateUACConfirmed(req, res)
	require.NoError(t, err)

	first := d.NextLocalCSeq()
	second := d.NextLocalCSeq()
	assert.Less(t, first, second)

	require.NoError(t, d.ValidateRemoteCSeq(1))
	require.NoError(t, d.ValidateRemoteCSeq(2))
	assert.ErrorIs(t, d.ValidateRemoteCSeq(2), ErrDialogInvalidCseq)
	assert.ErrorIs(t, d.ValidateRemoteCSeq(1), ErrDialogInvalidCseq)
}

func TestDialog_BuildRequest_TargetsRemoteContact(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-6", "from-tag")
	res := okResponse(req, "to-tag", sip.Uri{Host: "proxy1.example.com"})
	d, err := m.CreateUACConfirmed(req, res)
	require.NoError(t, err)

	bye := d.BuildRequest(sip.BYE)
	assert.Equal(t, sip.BYE, bye.Method)
	assert.Equal(t, "192.0.2.1", bye.Recipient.Host)
	assert.Equal(t, sip.RequestMethod("BYE"), bye.CSeq().MethodName)

	route := bye.Route()
	require.NotNil(t, route)
	assert.Equal(t, "proxy1.example.com", route.Address.Host)
}

func TestManager_Terminate(t *testing.T) {
	m := NewManager(nil)
	req := inviteRequest("call-7", "from-tag")
	res := okResponse(req, "to-tag")
	d, err := m.CreateUACConfirmed(req, res)
	require.NoError(t, err)

	m.Terminate(d.ID(), "test")
	assert.Equal(t, Terminated, d.State())
	_, ok := m.Get(d.ID())
	assert.False(t, ok)
}
