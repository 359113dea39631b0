package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/interfaces"
	"github.com/opd-ai/parallel/limits"
)

type loopbackNode struct {
	*TCPTransport
	keys *crypto.KeyPair
}

func newLoopback(t *testing.T, peerID string) *loopbackNode {
	t.Helper()
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	tr, err := NewTCPTransport("127.0.0.1:0", peerID, keys, TCPOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return &loopbackNode{TCPTransport: tr, keys: keys}
}

// point makes from dial to by its listed address and key.
func point(from, to *loopbackNode) {
	from.Resolver().Set(to.LocalPeerID(), to.AdvertisedAddress(), to.keys.Public)
}

func remoteKey(t *testing.T, c interfaces.Conn) crypto.PublicKey {
	t.Helper()
	kc, ok := c.(interfaces.KeyedConn)
	require.True(t, ok, "tcp conns prove a key")
	key, proven := kc.RemotePublicKey()
	require.True(t, proven)
	return key
}

func acceptOne(t *testing.T, tr *loopbackNode) interfaces.Conn {
	t.Helper()
	select {
	case c := <-tr.Accept():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no inbound conn")
		return nil
	}
}

func TestTCPDialExchangesFrames(t *testing.T) {
	a := newLoopback(t, "peer-a")
	b := newLoopback(t, "peer-b")
	a.ObserveRoster([]interfaces.PeerRecord{{PeerID: "peer-b", Address: b.AdvertisedAddress(), PublicKey: b.keys.Public.String()}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out, err := a.Dial(ctx, "peer-b")
	require.NoError(t, err)
	in := acceptOne(t, b)

	assert.Equal(t, "peer-b", out.RemotePeerID())
	assert.Equal(t, "peer-a", in.RemotePeerID())
	assert.Equal(t, b.keys.Public, remoteKey(t, out))
	assert.Equal(t, a.keys.Public, remoteKey(t, in))

	require.NoError(t, out.Send([]byte{0x01, 'h', 'i'}))
	got, err := in.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 'h', 'i'}, got)

	require.NoError(t, in.Send([]byte{0x03, 'o', 'k'}))
	got, err = out.Recv()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 'o', 'k'}, got)
}

func TestTCPLargeFrameIsChunked(t *testing.T) {
	a := newLoopback(t, "peer-a")
	b := newLoopback(t, "peer-b")
	point(a, b)

	out, err := a.Dial(context.Background(), "peer-b")
	require.NoError(t, err)
	in := acceptOne(t, b)

	frame := bytes.Repeat([]byte{0x5a}, limits.MaxFrameSize)
	errc := make(chan error, 1)
	go func() { errc <- out.Send(frame) }()

	got, err := in.Recv()
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.True(t, bytes.Equal(frame, got))

	assert.ErrorIs(t, out.Send(make([]byte, limits.MaxFrameSize+1)), limits.ErrMessageTooLarge)
	assert.ErrorIs(t, out.Send(nil), limits.ErrMessageEmpty)
}

func TestTCPDialErrors(t *testing.T) {
	a := newLoopback(t, "peer-a")
	b := newLoopback(t, "peer-b")

	_, err := a.Dial(context.Background(), "peer-b")
	assert.ErrorIs(t, err, ErrNoAddress)

	a.Resolver().Set("peer-c", b.AdvertisedAddress(), b.keys.Public)
	_, err = a.Dial(context.Background(), "peer-c")
	assert.ErrorIs(t, err, ErrPeerMismatch)

	_, err = a.PlaceCall(context.Background(), "peer-b", nil)
	assert.ErrorIs(t, err, ErrCallsUnsupported)
}

func TestTCPCloseEndsConns(t *testing.T) {
	a := newLoopback(t, "peer-a")
	b := newLoopback(t, "peer-b")
	point(a, b)

	out, err := a.Dial(context.Background(), "peer-b")
	require.NoError(t, err)
	in := acceptOne(t, b)

	require.NoError(t, b.Close())
	_, err = in.Recv()
	assert.ErrorIs(t, err, io.EOF)
	_, err = out.Recv()
	assert.Error(t, err)

	_, err = b.Dial(context.Background(), "peer-a")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, b.Close(), "close is idempotent")
}

func TestTCPDialRejectsHostWithoutListedKey(t *testing.T) {
	a := newLoopback(t, "peer-a")
	b := newLoopback(t, "peer-b")
	impostor := newLoopback(t, "peer-b")

	// The roster lists b's key, but impostor answers at the address.
	a.Resolver().Set("peer-b", impostor.AdvertisedAddress(), b.keys.Public)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, "peer-b")
	require.Error(t, err)

	select {
	case c := <-impostor.Accept():
		t.Fatalf("impostor accepted a conn from %s", c.RemotePeerID())
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTCPAcceptReportsClaimantKey(t *testing.T) {
	b := newLoopback(t, "peer-b")
	impostor := newLoopback(t, "peer-a")
	point(impostor, b)

	_, err := impostor.Dial(context.Background(), "peer-b")
	require.NoError(t, err)
	in := acceptOne(t, b)

	// The claimed peer-id is whatever the dialer says; the key is what it
	// proved, and that is what the roster check uses.
	assert.Equal(t, "peer-a", in.RemotePeerID())
	assert.Equal(t, impostor.keys.Public, remoteKey(t, in))
}
