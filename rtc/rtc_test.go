package rtc

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
	"github.com/opd-ai/parallel/sim"
)

func TestSplitFrame(t *testing.T) {
	small := splitFrame([]byte("hi"))
	require.Len(t, small, 1)
	assert.Equal(t, []byte{flagFinal, 'h', 'i'}, small[0])

	big := bytes.Repeat([]byte{7}, 2*maxChunk+10)
	parts := splitFrame(big)
	require.Len(t, parts, 3)
	assert.Equal(t, flagMore, parts[0][0])
	assert.Equal(t, flagMore, parts[1][0])
	assert.Equal(t, flagFinal, parts[2][0])
	assert.Len(t, parts[2], 11)
}

func TestReassembly(t *testing.T) {
	c := newDataConn("peer", nil, nil)
	frame := bytes.Repeat([]byte("abc"), limits.MaxFrameSize/3)
	for _, msg := range splitFrame(frame) {
		c.handleMessage(msg)
	}
	c.handleMessage(splitFrame([]byte("next"))[0])

	got, err := c.Recv()
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	require.NoError(t, c.Close())
	got, err = c.Recv()
	require.NoError(t, err, "queued frames survive close")
	assert.Equal(t, []byte("next"), got)

	_, err = c.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, io.EOF, c.Send([]byte("x")))
}

func TestOversizedFrameClosesChannel(t *testing.T) {
	c := newDataConn("peer", nil, nil)
	chunk := append([]byte{flagMore}, make([]byte, maxChunk)...)
	for i := 0; i <= limits.MaxFrameSize/maxChunk; i++ {
		c.handleMessage(chunk)
	}
	_, err := c.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEmptyMessageClosesChannel(t *testing.T) {
	c := newDataConn("peer", nil, nil)
	c.handleMessage(nil)
	_, err := c.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLocalAudio(t *testing.T) {
	a, err := NewLocalAudio("mic")
	require.NoError(t, err)
	assert.Equal(t, "mic", a.ID())
	assert.Len(t, a.localTracks(), 1)

	a.Stop()
	assert.True(t, a.Stopped())
	assert.ErrorIs(t, a.WriteSample([]byte{1}, 20*time.Millisecond), ErrStreamStopped)
}

func TestNewValidation(t *testing.T) {
	_, err := New("", sim.NewSwitchboard(), Options{})
	assert.Error(t, err)
	_, err = New("a", nil, Options{})
	assert.Error(t, err)
}

func TestUnsupportedStream(t *testing.T) {
	tr, err := New("a", sim.NewSwitchboard(), Options{})
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.PlaceCall(context.Background(), "b", sim.NewStream("s"))
	assert.ErrorIs(t, err, ErrUnsupportedStream)
}

func TestClosedTransport(t *testing.T) {
	tr, err := New("a", sim.NewSwitchboard(), Options{})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err = tr.Dial(context.Background(), "b")
	assert.ErrorIs(t, err, ErrClosed)
	local, err := NewLocalAudio("mic")
	require.NoError(t, err)
	_, err = tr.PlaceCall(context.Background(), "b", local)
	assert.ErrorIs(t, err, ErrClosed)
}

func loopbackPair(t *testing.T) (*Transport, *Transport, *sim.Switchboard) {
	t.Helper()
	if testing.Short() {
		t.Skip("opens real ICE sockets")
	}
	sb := sim.NewSwitchboard()
	opts := Options{IncludeLoopback: true}
	a, err := New("peer-a", sb, opts)
	require.NoError(t, err)
	b, err := New("peer-b", sb, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, sb
}

func TestLoopbackDataChannel(t *testing.T) {
	a, b, sb := loopbackPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ca, err := a.Dial(ctx, "peer-b")
	require.NoError(t, err)
	assert.Equal(t, "peer-b", ca.RemotePeerID())

	var cb interfaces.Conn
	select {
	case cb = <-b.Accept():
	case <-ctx.Done():
		t.Fatal("no inbound channel")
	}
	assert.Equal(t, "peer-a", cb.RemotePeerID())

	big := bytes.Repeat([]byte{0x5a}, limits.MaxFrameSize)
	require.NoError(t, ca.Send([]byte("hello")))
	require.NoError(t, ca.Send(big))
	got, err := cb.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
	got, err = cb.Recv()
	require.NoError(t, err)
	assert.Equal(t, big, got)

	require.NoError(t, cb.Send([]byte("back")))
	got, err = ca.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)

	kinds := map[interfaces.SignalKind]int{}
	for _, sig := range sb.Sent() {
		kinds[sig.Kind]++
	}
	assert.Equal(t, 1, kinds[interfaces.SignalOffer])
	assert.Equal(t, 1, kinds[interfaces.SignalAnswer])

	require.NoError(t, ca.Close())
	_, err = ca.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialWithoutAnswerTimesOut(t *testing.T) {
	a, _, _ := loopbackPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := a.Dial(ctx, "nobody")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallHangup(t *testing.T) {
	a, b, _ := loopbackPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	mic, err := NewLocalAudio("a-mic")
	require.NoError(t, err)
	out, err := a.PlaceCall(ctx, "peer-b", mic)
	require.NoError(t, err)
	assert.Equal(t, "peer-b", out.RemotePeerID())
	assert.ErrorIs(t, out.Answer(mic), ErrAlreadyAnswered)

	var in interfaces.Call
	select {
	case in = <-b.IncomingCalls():
	case <-ctx.Done():
		t.Fatal("no incoming call")
	}
	assert.Equal(t, "peer-a", in.RemotePeerID())

	bmic, err := NewLocalAudio("b-mic")
	require.NoError(t, err)
	require.NoError(t, in.Answer(bmic))
	assert.ErrorIs(t, in.Answer(bmic), ErrAlreadyAnswered)

	require.NoError(t, in.Close())
	select {
	case <-out.Done():
	case <-ctx.Done():
		t.Fatal("caller not told about hangup")
	}
}
