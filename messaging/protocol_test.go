package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/limits"
)

func TestProtocolSendDelivered(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())

	var statuses []Status
	a.proto.Log().OnChange(func(c Change) {
		if c.Message.ID != "" {
			statuses = append(statuses, c.Message.Status)
		}
	})

	msg, err := a.proto.Send(context.Background(), b.id, PayloadText, "hi")
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, msg.Status)
	assert.True(t, msg.Local)
	assert.Equal(t, []Status{StatusSending, StatusDelivered}, statuses)

	recv := b.proto.Log().Snapshot()
	require.Len(t, recv, 1)
	assert.Equal(t, msg.ID, recv[0].ID)
	assert.Equal(t, "hi", recv[0].Content)
	assert.Equal(t, a.id, recv[0].Sender)
	assert.Equal(t, "alice", recv[0].SenderName)
	assert.Equal(t, b.id, recv[0].Recipient)
	assert.Equal(t, StatusDelivered, recv[0].Status)
	assert.False(t, recv[0].Local)
}

func TestProtocolSendFailure(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	a.tx.fail = errPeerDown

	msg, err := a.proto.Send(context.Background(), b.id, PayloadText, "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeliveryFailed))
	assert.True(t, errors.Is(err, errPeerDown))
	assert.Equal(t, StatusFailed, msg.Status)

	stored, ok := a.proto.Log().Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, 0, b.proto.Log().Len())
}

func TestProtocolSendValidation(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())

	tests := []struct {
		name    string
		target  string
		kind    PayloadType
		content string
		want    error
	}{
		{"empty text", b.id, PayloadText, "", limits.ErrMessageEmpty},
		{"oversized text", b.id, PayloadText, strings.Repeat("x", limits.MaxTextContent+1), limits.ErrMessageTooLarge},
		{"oversized image", b.id, PayloadImage, strings.Repeat("x", limits.MaxMediaContent+1), limits.ErrMessageTooLarge},
		{"unknown payload", b.id, PayloadType(9), "x", ErrUnknownPayload},
		{"empty target", "", PayloadText, "x", ErrInvalidTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.proto.Send(context.Background(), tt.target, tt.kind, tt.content)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
	assert.Equal(t, 0, a.proto.Log().Len(), "rejected sends must not touch the log")
	assert.Equal(t, 0, a.tx.frameCount())
}

func TestProtocolBroadcast(t *testing.T) {
	t.Run("delivered to connected peer", func(t *testing.T) {
		a, b := newPair(t, newMockTimeProvider())
		msg, err := a.proto.Send(context.Background(), BroadcastTarget, PayloadText, "all")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, msg.Status)

		recv := b.proto.Log().Snapshot()
		require.Len(t, recv, 1)
		assert.True(t, recv[0].IsBroadcast())
	})

	t.Run("no peers", func(t *testing.T) {
		a, _ := newPair(t, newMockTimeProvider())
		a.tx.peers = map[string]*Protocol{}
		msg, err := a.proto.Send(context.Background(), BroadcastTarget, PayloadText, "all")
		assert.True(t, errors.Is(err, ErrNoPeers))
		assert.Equal(t, StatusFailed, msg.Status)
	})
}

func TestProtocolDuplicateFrame(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	key := a.tx.keys[b.id]

	frame, err := Seal(ChatEnvelope{
		ID: "dup-1", Sender: a.id, Type: PayloadText, Content: "once", Timestamp: time.Now(),
	}, key)
	require.NoError(t, err)

	first := b.proto.HandleFrame(a.id, b.tx.keys[a.id], frame)
	second := b.proto.HandleFrame(a.id, b.tx.keys[a.id], frame)
	assert.NotNil(t, first)
	assert.Equal(t, first, second, "duplicates are acknowledged again")
	assert.Equal(t, 1, b.proto.Log().Len())
}

func TestProtocolDropsTamperedFrame(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	frame, err := Seal(ChatEnvelope{ID: "t-1", Type: PayloadText, Content: "x"}, a.tx.keys[b.id])
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xff

	reply := b.proto.HandleFrame(a.id, b.tx.keys[a.id], frame)
	assert.Nil(t, reply)
	assert.Equal(t, 0, b.proto.Log().Len())
}

func TestProtocolSenderFromConnection(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	frame, err := Seal(ChatEnvelope{
		ID: "s-1", Sender: "someone-else", Type: PayloadText, Content: "x", Timestamp: time.Now(),
	}, a.tx.keys[b.id])
	require.NoError(t, err)

	b.proto.HandleFrame(a.id, b.tx.keys[a.id], frame)
	got, ok := b.proto.Log().Get("s-1")
	require.True(t, ok)
	assert.Equal(t, a.id, got.Sender)
}

func TestProtocolAckFromNonRecipientIgnored(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	a.tx.fail = errPeerDown
	msg, _ := a.proto.Send(context.Background(), b.id, PayloadText, "x")
	require.Equal(t, StatusFailed, msg.Status)

	a.tx.fail = nil
	a.tx.peers = map[string]*Protocol{}
	m := Message{ID: "pending", Recipient: b.id, Type: PayloadText, Content: "y", Timestamp: time.Now(), Status: StatusSent, Local: true}
	a.proto.Log().Append(m)

	ack, err := Seal(DeliveredEnvelope{MessageID: "pending"}, nil)
	require.NoError(t, err)

	a.proto.HandleFrame("peer-c", nil, ack)
	got, _ := a.proto.Log().Get("pending")
	assert.Equal(t, StatusSent, got.Status)

	a.proto.HandleFrame(b.id, nil, ack)
	got, _ = a.proto.Log().Get("pending")
	assert.Equal(t, StatusDelivered, got.Status)

	ackFailed, err := Seal(DeliveredEnvelope{MessageID: msg.ID}, nil)
	require.NoError(t, err)
	a.proto.HandleFrame(b.id, nil, ackFailed)
	got, _ = a.proto.Log().Get(msg.ID)
	assert.Equal(t, StatusFailed, got.Status, "failed is terminal")
}

func TestProtocolTyping(t *testing.T) {
	clock := newMockTimeProvider()
	a, b := newPair(t, clock)

	var typed []string
	b.proto.OnTyping(func(id string) { typed = append(typed, id) })

	assert.True(t, a.proto.SendTyping(b.id))
	assert.False(t, a.proto.SendTyping(b.id), "throttled")
	assert.Equal(t, []string{a.id}, typed)
	assert.True(t, b.proto.Typing().IsTyping(a.id))

	clock.Advance(2 * time.Second)
	assert.True(t, a.proto.SendTyping(b.id))

	_, err := a.proto.Send(context.Background(), b.id, PayloadText, "done typing")
	require.NoError(t, err)
	assert.False(t, b.proto.Typing().IsTyping(a.id), "a message clears the indicator")

	b.proto.Typing().Mark(a.id)
	clock.Advance(3 * time.Second)
	assert.False(t, b.proto.Typing().IsTyping(a.id))
}

func TestProtocolFailedTypingDoesNotThrottle(t *testing.T) {
	clock := newMockTimeProvider()
	a, b := newPair(t, clock)

	var typed []string
	b.proto.OnTyping(func(id string) { typed = append(typed, id) })

	a.tx.fail = errPeerDown
	assert.False(t, a.proto.SendTyping(b.id))
	assert.False(t, a.proto.SendTyping(BroadcastTarget))

	a.tx.fail = nil
	assert.True(t, a.proto.SendTyping(b.id), "a signal that never left must not hold the window")
	assert.Equal(t, []string{a.id}, typed)
	assert.False(t, a.proto.SendTyping(b.id))
}

func TestProtocolWrongKeyDropped(t *testing.T) {
	a, b := newPair(t, newMockTimeProvider())
	other, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	stray, err := crypto.DeriveSharedKey(other.Private, other.Public)
	require.NoError(t, err)

	frame, err := Seal(ChatEnvelope{ID: "w-1", Type: PayloadText, Content: "x"}, stray)
	require.NoError(t, err)
	assert.Nil(t, b.proto.HandleFrame(a.id, b.tx.keys[a.id], frame))
	assert.Equal(t, 0, b.proto.Log().Len())
}
