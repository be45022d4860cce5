package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playhouse/playhouse-go/internal/constants"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
	}{
		{
			name: "stage to stage request",
			env: Envelope{
				SourceNodeId:    "play-1",
				TargetNodeId:    "play-2",
				TargetServiceId: 2,
				TargetStageId:   9001,
				SourceStageId:   1001,
				AccountId:       777,
				Packet:          Packet{MsgId: "match.invite", MsgSeq: 5, StageId: 9001, Payload: []byte("come")},
			},
		},
		{
			name: "reply flag",
			env: Envelope{
				SourceNodeId:  "api-1",
				TargetNodeId:  "play-1",
				SourceStageId: 0,
				Flags:         constants.FlagReply,
				Packet:        Packet{MsgId: "match.invite", MsgSeq: 5, ErrorCode: constants.Timeout},
			},
		},
		{
			name: "client packet forwarded to api",
			env: Envelope{
				SourceNodeId:    "play-1",
				TargetNodeId:    "api-3",
				TargetServiceId: 1,
				AccountId:       42,
				Packet:          Packet{MsgId: "shop.buy", MsgSeq: 12, Payload: []byte{0xDE, 0xAD}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeEnvelope(&tt.env, 0, testMaxPacket)
			require.NoError(t, err)

			d := NewEnvelopeDecoder(testMaxPacket)
			d.Feed(frame)
			got, err := d.Next()
			require.NoError(t, err)
			require.NotNil(t, got)

			assert.Equal(t, tt.env.SourceNodeId, got.SourceNodeId)
			assert.Equal(t, tt.env.TargetNodeId, got.TargetNodeId)
			assert.Equal(t, tt.env.TargetServiceId, got.TargetServiceId)
			assert.Equal(t, tt.env.TargetStageId, got.TargetStageId)
			assert.Equal(t, tt.env.SourceStageId, got.SourceStageId)
			assert.Equal(t, tt.env.AccountId, got.AccountId)
			assert.Equal(t, tt.env.Flags, got.Flags)
			assert.Equal(t, tt.env.IsReply(), got.IsReply())
			assert.Equal(t, tt.env.Packet.MsgId, got.Packet.MsgId)
			assert.Equal(t, tt.env.Packet.MsgSeq, got.Packet.MsgSeq)
			assert.Equal(t, tt.env.Packet.ErrorCode, got.Packet.ErrorCode)
			if len(tt.env.Packet.Payload) > 0 {
				assert.Equal(t, tt.env.Packet.Payload, got.Packet.Payload)
			} else {
				assert.Empty(t, got.Packet.Payload)
			}
		})
	}
}

func TestEnvelopeCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("state"), 2048)
	env := Envelope{
		SourceNodeId: "play-1",
		TargetNodeId: "play-2",
		Packet:       Packet{MsgId: "state.full", Payload: payload},
	}

	plain, err := EncodeEnvelope(&env, 0, testMaxPacket)
	require.NoError(t, err)
	compressed, err := EncodeEnvelope(&env, 512, testMaxPacket)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(plain))

	d := NewEnvelopeDecoder(testMaxPacket)
	d.Feed(compressed)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, payload, got.Packet.Payload)
}

func TestEnvelopePartialFeed(t *testing.T) {
	env := Envelope{
		SourceNodeId: "play-1",
		TargetNodeId: "api-1",
		AccountId:    3,
		Packet:       Packet{MsgId: "auth.ok", MsgSeq: 1},
	}
	frame, err := EncodeEnvelope(&env, 0, testMaxPacket)
	require.NoError(t, err)

	d := NewEnvelopeDecoder(testMaxPacket)
	half := len(frame) / 2
	d.Feed(frame[:half])
	got, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, got)

	d.Feed(frame[half:])
	got, err = d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "auth.ok", got.Packet.MsgId)
	assert.Equal(t, int64(3), got.AccountId)
}

func TestEnvelopeBackToBack(t *testing.T) {
	var stream []byte
	for seq := uint16(1); seq <= 3; seq++ {
		frame, err := EncodeEnvelope(&Envelope{
			SourceNodeId: "a",
			TargetNodeId: "b",
			Packet:       Packet{MsgId: "n", MsgSeq: seq},
		}, 0, testMaxPacket)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	d := NewEnvelopeDecoder(testMaxPacket)
	d.Feed(stream)
	for seq := uint16(1); seq <= 3; seq++ {
		got, err := d.Next()
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, seq, got.Packet.MsgSeq)
	}
	got, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnvelopeRejectsLongNodeId(t *testing.T) {
	env := Envelope{
		SourceNodeId: strings.Repeat("n", constants.MaxNodeIdLen+1),
		TargetNodeId: "b",
		Packet:       Packet{MsgId: "x"},
	}
	_, err := EncodeEnvelope(&env, 0, testMaxPacket)
	assert.ErrorIs(t, err, ErrMalformedPacket)
}

func TestEnvelopeEmptyNodeIdsAllowed(t *testing.T) {
	// A pre-handshake hello has no source id yet.
	env := Envelope{
		TargetNodeId: "play-1",
		Packet:       Packet{MsgId: constants.MsgHello},
	}
	frame, err := EncodeEnvelope(&env, 0, testMaxPacket)
	require.NoError(t, err)

	d := NewEnvelopeDecoder(testMaxPacket)
	d.Feed(frame)
	got, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.SourceNodeId)
	assert.Equal(t, "play-1", got.TargetNodeId)
}
