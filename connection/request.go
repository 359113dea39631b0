package connection

import (
	"sync/atomic"

	"github.com/opd-ai/parallel/crypto"
)

// Sealer produces the frame for one peer from that peer's session key. It is
// called on the manager goroutine and must not block.
type Sealer = func(key *crypto.SharedKey) ([]byte, error)

// FrameHandler consumes inbound frames from secure peers. The returned frame,
// if any, is written back on the channel the frame arrived on. Handlers run
// on a single dispatch goroutine in arrival order and must not block on the
// Manager.
type FrameHandler interface {
	HandleFrame(peerID string, key *crypto.SharedKey, frame []byte) []byte
}

// FrameHandlerFunc adapts a function to FrameHandler.
type FrameHandlerFunc func(peerID string, key *crypto.SharedKey, frame []byte) []byte

// HandleFrame implements FrameHandler.
func (f FrameHandlerFunc) HandleFrame(peerID string, key *crypto.SharedKey, frame []byte) []byte {
	return f(peerID, key, frame)
}

const (
	requestPending int32 = iota
	requestTaken
	requestAbandoned
)

// sendRequest is a Send waiting for a secure channel. Exactly one of take
// and abandon succeeds, so an expired request is never transmitted.
type sendRequest struct {
	peerID string
	seal   Sealer
	state  atomic.Int32
	result chan error
}

func newSendRequest(peerID string, seal Sealer) *sendRequest {
	return &sendRequest{peerID: peerID, seal: seal, result: make(chan error, 1)}
}

func (r *sendRequest) take() bool {
	return r.state.CompareAndSwap(requestPending, requestTaken)
}

func (r *sendRequest) abandon() bool {
	return r.state.CompareAndSwap(requestPending, requestAbandoned)
}

func (r *sendRequest) live() bool {
	return r.state.Load() == requestPending
}

// fail completes the request with err if it is still pending.
func (r *sendRequest) fail(err error) {
	if r.take() {
		r.result <- err
	}
}
