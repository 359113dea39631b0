package sim

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/interfaces"
)

func TestNetworkDialAndOrder(t *testing.T) {
	n := NewNetwork()
	a := n.Transport("a")
	b := n.Transport("b")

	ca, err := a.Dial(context.Background(), "b")
	require.NoError(t, err)
	cb := <-b.Accept()
	assert.Equal(t, "a", cb.RemotePeerID())
	assert.Equal(t, "b", ca.RemotePeerID())

	for i := 0; i < 10; i++ {
		require.NoError(t, ca.Send([]byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		f, err := cb.Recv()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, f)
	}
	assert.Len(t, n.Deliveries(), 10)

	require.NoError(t, cb.Close())
	_, err = ca.Recv()
	assert.Equal(t, io.EOF, err)
	assert.True(t, errors.Is(ca.Send([]byte("x")), ErrClosed))
}

func TestNetworkInjectedFailures(t *testing.T) {
	n := NewNetwork()
	a := n.Transport("a")
	n.Transport("b")
	n.FailDials("b", 2)

	_, err := a.Dial(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrUnreachable))
	_, err = a.Dial(context.Background(), "b")
	assert.True(t, errors.Is(err, ErrUnreachable))
	_, err = a.Dial(context.Background(), "b")
	assert.NoError(t, err)

	_, err = a.Dial(context.Background(), "nobody")
	assert.True(t, errors.Is(err, ErrUnreachable))
}

func TestNetworkDialDelayHonoursContext(t *testing.T) {
	n := NewNetwork()
	a := n.Transport("a")
	n.Transport("b")
	n.SetDialDelay(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := a.Dial(ctx, "b")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCallAnswer(t *testing.T) {
	n := NewNetwork()
	a := n.Transport("a")
	b := n.Transport("b")

	sa := NewStream("cam-a")
	out, err := a.PlaceCall(context.Background(), "b", sa)
	require.NoError(t, err)

	in := <-b.IncomingCalls()
	assert.Equal(t, "a", in.RemotePeerID())

	sb := NewStream("cam-b")
	require.NoError(t, in.Answer(sb))
	assert.Equal(t, "cam-a", (<-in.RemoteMedia()).ID())
	assert.Equal(t, "cam-b", (<-out.RemoteMedia()).ID())
	assert.Error(t, in.Answer(sb))

	require.NoError(t, out.Close())
	select {
	case <-in.Done():
	case <-time.After(time.Second):
		t.Fatal("callee did not observe hangup")
	}
}

func TestDirectoryPushes(t *testing.T) {
	d := NewDirectory(nil)
	ctx, cancel := context.WithCancel(context.Background())
	updates, err := d.Subscribe(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, <-updates)

	require.NoError(t, d.Register(ctx, "room", interfaces.PeerRecord{PeerID: "a", DisplayName: "alice"}))
	snap := <-updates
	require.Len(t, snap, 1)
	assert.False(t, snap[0].LastSeen.IsZero())

	assert.True(t, errors.Is(d.Heartbeat(ctx, "room", "ghost"), ErrUnknownPeer))

	require.NoError(t, d.Unregister(ctx, "room", "a"))
	assert.Empty(t, <-updates)

	cancel()
	for range updates {
	}
}

func TestDirectoryFailure(t *testing.T) {
	d := NewDirectory(nil)
	boom := errors.New("boom")
	d.FailWith(boom)
	assert.Equal(t, boom, d.Register(context.Background(), "room", interfaces.PeerRecord{PeerID: "a"}))
	_, err := d.Subscribe(context.Background(), "room")
	assert.Equal(t, boom, err)
}

func TestSwitchboardRelays(t *testing.T) {
	sb := NewSwitchboard()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in, err := sb.Signals(ctx, "b")
	require.NoError(t, err)

	sig := interfaces.Signal{From: "a", To: "b", Kind: interfaces.SignalOffer, Session: "s1", SDP: "v=0"}
	require.NoError(t, sb.SendSignal(ctx, sig))
	select {
	case got := <-in:
		assert.Equal(t, sig, got)
	case <-time.After(time.Second):
		t.Fatal("signal not delivered")
	}

	require.NoError(t, sb.SendSignal(ctx, interfaces.Signal{From: "b", To: "a", Kind: interfaces.SignalAnswer}))
	assert.Equal(t, 1, sb.Dropped())
	assert.Len(t, sb.Sent(), 2)

	cancel()
	select {
	case _, ok := <-in:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}
