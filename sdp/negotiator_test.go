package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProposeBuildsOfferWithAllCapabilities(t *testing.T) {
	caps := DefaultCapabilities()
	offer, err := Propose(caps, LocalRTP{IP: "10.0.0.5", Port: 20000}, SendRecv)
	require.NoError(t, err)
	require.Len(t, offer.MediaDescriptions, 1)

	media := offer.MediaDescriptions[0]
	assert.Equal(t, "audio", media.MediaName.Media)
	assert.Equal(t, 20000, media.MediaName.Port.Value)
	assert.Equal(t, []string{"0", "8", "9"}, media.MediaName.Formats)
	assert.Equal(t, "10.0.0.5", media.ConnectionInformation.Address.Address)
}

func TestProposeRejectsEmptyCapabilities(t *testing.T) {
	_, err := Propose(nil, LocalRTP{IP: "10.0.0.5", Port: 20000}, SendRecv)
	require.Error(t, err)
	var sdpErr *Error
	require.ErrorAs(t, err, &sdpErr)
	assert.Equal(t, ErrorCodeInvalidConfig, sdpErr.Code)
}

func TestProposeRejectsUnallocatedRTP(t *testing.T) {
	_, err := Propose(DefaultCapabilities(), LocalRTP{}, SendRecv)
	require.Error(t, err)
}

func TestAnswerSelectsFirstMutualCodecInLocalOrder(t *testing.T) {
	offer, err := Propose(Capabilities{
		{PayloadType: 9, Name: "G722", ClockRate: 8000, Channels: 1},
		{PayloadType: 0, Name: "PCMU", ClockRate: 8000, Channels: 1},
	}, LocalRTP{IP: "10.0.0.1", Port: 20000}, SendRecv)
	require.NoError(t, err)

	answer, err := Answer(offer, DefaultCapabilities(), LocalRTP{IP: "10.0.0.2", Port: 30000}, SendRecv)
	require.NoError(t, err)
	require.Len(t, answer.MediaDescriptions, 1)

	media := answer.MediaDescriptions[0]
	assert.Equal(t, []string{"0"}, media.MediaName.Formats)
	assert.Equal(t, 30000, media.MediaName.Port.Value)
}

func TestAnswerFailsWithNoCompatibleCodec(t *testing.T) {
	offer, err := Propose(Capabilities{
		{PayloadType: 97, Name: "OPUS", ClockRate: 48000, Channels: 2},
	}, LocalRTP{IP: "10.0.0.1", Port: 20000}, SendRecv)
	require.NoError(t, err)

	_, err = Answer(offer, DefaultCapabilities(), LocalRTP{IP: "10.0.0.2", Port: 30000}, SendRecv)
	require.ErrorIs(t, err, ErrNoCompatibleCodec)
}

func TestAnswerConjoinsDirectionAgainstOffer(t *testing.T) {
	offer, err := Propose(DefaultCapabilities(), LocalRTP{IP: "10.0.0.1", Port: 20000}, SendOnly)
	require.NoError(t, err)

	answer, err := Answer(offer, DefaultCapabilities(), LocalRTP{IP: "10.0.0.2", Port: 30000}, SendRecv)
	require.NoError(t, err)

	found := false
	for _, attr := range answer.MediaDescriptions[0].Attributes {
		switch attr.Key {
		case "sendonly", "recvonly", "inactive", "sendrecv":
			assert.Equal(t, "recvonly", attr.Key)
			found = true
		}
	}
	assert.True(t, found, "expected a direction attribute on the answer media")
}

func TestReconcileExtractsRemoteEndpointCodecAndDirection(t *testing.T) {
	offer, err := Propose(DefaultCapabilities(), LocalRTP{IP: "203.0.113.10", Port: 20000}, SendRecv)
	require.NoError(t, err)

	answer, err := Answer(offer, DefaultCapabilities(), LocalRTP{IP: "203.0.113.20", Port: 30000}, SendRecv)
	require.NoError(t, err)

	result, err := Reconcile(offer, answer)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.20", result.RemoteIP)
	assert.Equal(t, 30000, result.RemotePort)
	assert.Equal(t, uint8(0), result.Codec.PayloadType)
	assert.Equal(t, "PCMU", result.Codec.Name)
	assert.Equal(t, SendRecv, result.Direction)
}

func TestReconcileRejectsMissingConnection(t *testing.T) {
	_, err := Reconcile(nil, nil)
	require.Error(t, err)
}

func TestConjoinMatrix(t *testing.T) {
	cases := []struct {
		offer, local, want Direction
	}{
		{SendRecv, SendRecv, SendRecv},
		{SendOnly, SendRecv, SendOnly},
		{RecvOnly, SendRecv, RecvOnly},
		{SendOnly, RecvOnly, Inactive},
		{Inactive, SendRecv, Inactive},
		{SendRecv, Inactive, Inactive},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, conjoin(c.offer, c.local))
	}
}

func TestDirectionReverse(t *testing.T) {
	assert.Equal(t, RecvOnly, SendOnly.reverse())
	assert.Equal(t, SendOnly, RecvOnly.reverse())
	assert.Equal(t, SendRecv, SendRecv.reverse())
	assert.Equal(t, Inactive, Inactive.reverse())
}

func TestByPayloadType(t *testing.T) {
	caps := DefaultCapabilities()
	codec, ok := caps.ByPayloadType(8)
	require.True(t, ok)
	assert.Equal(t, "PCMA", codec.Name)

	_, ok = caps.ByPayloadType(111)
	assert.False(t, ok)
}
