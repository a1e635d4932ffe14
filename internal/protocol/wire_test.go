package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_PreservesEnvelopeAndBody(t *testing.T) {
	t.Parallel()

	for _, c := range []Codec{JSON(), CBOR()} {
		c := c
		t.Run(c.Name(), func(t *testing.T) {
			t.Parallel()

			in := MustNew(TypePong, "phone-1", 1_700_000_000_123, "sess-9", Pong{Origin: 1000, Receive: 1020, Transmit: 1025})
			payload, err := Encode(in, c)
			require.NoError(t, err)
			assert.Equal(t, WireVersion, payload[0])
			assert.Equal(t, byte(c.ID()), payload[1])

			out, err := Decode(payload)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestEncodeDecode_ResponseKeepsOrderedData(t *testing.T) {
	t.Parallel()

	status := DeviceStatus{Battery: "87", StorageRemaining: "12GB", ActiveStreams: map[string]bool{"thermal": false, "rgb": true}}
	query := MustNew(TypeStatus, "controller", 42, "", StatusQuery{})
	ack, err := Reply(query, TypeAck, "phone-1", 50, StatusOK, "status", status.Data()...)
	require.NoError(t, err)

	payload, err := Encode(ack, CBOR())
	require.NoError(t, err)
	out, err := Decode(payload)
	require.NoError(t, err)

	resp, ok := out.Response()
	require.True(t, ok)
	assert.Equal(t, TypeStatus, resp.RefType)
	assert.Equal(t, int64(42), resp.RefTimestamp)
	assert.Equal(t, []string{"87", "12GB", "rgb:true,thermal:false"}, resp.Data)

	parsed, err := ParseDeviceStatus(resp.Data)
	require.NoError(t, err)
	assert.Equal(t, status, parsed)
}

func TestDecode_UnknownTypeCode(t *testing.T) {
	t.Parallel()

	body, err := JSON().Marshal(envelope{Type: 999, Sender: "x", Timestamp: 1})
	require.NoError(t, err)
	payload := append([]byte{WireVersion, byte(CodecJSON)}, body...)

	_, err = Decode(payload)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint16(999), de.Code)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecode_RejectsBadHeaders(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte{1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{9, byte(CodecJSON), '{', '}'})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = Decode([]byte{WireVersion, 77, '{', '}'})
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestDecode_RejectsBadParams(t *testing.T) {
	t.Parallel()

	cases := map[string]envelope{
		"ping arity":     {Type: uint16(TypePing), Sender: "a", Params: []string{"1"}},
		"ping not int":   {Type: uint16(TypePing), Sender: "a", Params: []string{"x", "0", "0"}},
		"marker kind":    {Type: uint16(TypeMarker), Sender: "a", Params: []string{"m1", "BOGUS", "1"}},
		"empty sender":   {Type: uint16(TypeHeartbeat), Params: []string{"1"}},
		"short response": {Type: uint16(TypeAck), Sender: "a", Params: []string{"0"}},
	}
	for name, env := range cases {
		body, err := JSON().Marshal(env)
		require.NoError(t, err, name)
		_, err = Decode(append([]byte{WireVersion, byte(CodecJSON)}, body...))
		var de *DecodeError
		assert.ErrorAs(t, err, &de, name)
	}
}

func TestNew_RejectsMismatchedBody(t *testing.T) {
	t.Parallel()

	_, err := New(TypePing, "a", 1, "", Heartbeat{})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = New(TypeHeartbeat, "", 1, "", Heartbeat{})
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = New(Type(7), "a", 1, "", Command{})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestNew_CopiesArgs(t *testing.T) {
	t.Parallel()

	args := []string{"rgb", "thermal"}
	m, err := NewCommand(TypeStart, "controller", 1, "s", args...)
	require.NoError(t, err)
	args[0] = "mutated"
	assert.Equal(t, []string{"rgb", "thermal"}, m.Params())
}

func TestTypeFamilies(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FamilyControl, TypeStatus.Family())
	assert.Equal(t, FamilySync, TypeMarker.Family())
	assert.Equal(t, FamilyConnection, TypeHeartbeat.Family())
	assert.Equal(t, FamilyAcknowledgment, TypeNack.Family())
	assert.Equal(t, FamilyUnknown, Type(150).Family())

	got, err := ParseType("MARKER")
	require.NoError(t, err)
	assert.Equal(t, TypeMarker, got)
}
