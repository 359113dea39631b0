package rtc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/parallel/limits"
)

const (
	flagFinal byte = 0
	flagMore  byte = 1
	// maxChunk keeps every data channel message within 16 KiB.
	maxChunk  = 16*1024 - 1
	inboxSize = 64
)

// splitFrame cuts frame into [flag][chunk] messages.
func splitFrame(frame []byte) [][]byte {
	var out [][]byte
	rest := frame
	for {
		n := len(rest)
		flag := flagFinal
		if n > maxChunk {
			n = maxChunk
			flag = flagMore
		}
		msg := make([]byte, 1+n)
		msg[0] = flag
		copy(msg[1:], rest[:n])
		out = append(out, msg)
		rest = rest[n:]
		if flag == flagFinal {
			return out
		}
	}
}

// dataConn is an interfaces.Conn over one reliable, ordered data channel.
type dataConn struct {
	remote string
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel

	inbox   chan []byte
	partial []byte

	sendMu sync.Mutex

	opened    chan struct{}
	openOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once

	hookMu  sync.Mutex
	onClose func(*dataConn)
}

func newDataConn(remote string, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) *dataConn {
	c := &dataConn{
		remote: remote,
		pc:     pc,
		dc:     dc,
		inbox:  make(chan []byte, inboxSize),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
	if dc != nil {
		dc.OnOpen(c.markOpen)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { c.handleMessage(msg.Data) })
		dc.OnClose(func() { c.Close() })
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			c.markOpen()
		}
	}
	if pc != nil {
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			switch state {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				c.Close()
			}
		})
	}
	return c
}

// setOnClose installs fn and reports false if the channel already closed.
func (c *dataConn) setOnClose(fn func(*dataConn)) bool {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	c.onClose = fn
	return true
}

func (c *dataConn) markOpen() {
	c.openOnce.Do(func() { close(c.opened) })
}

// waitOpen blocks until the data channel is open.
func (c *dataConn) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMessage reassembles chunks. Callbacks for one channel arrive in
// order on a single goroutine.
func (c *dataConn) handleMessage(data []byte) {
	if len(data) == 0 {
		c.Close()
		return
	}
	c.partial = append(c.partial, data[1:]...)
	if len(c.partial) > limits.MaxFrameSize {
		logrus.WithFields(logrus.Fields{
			"function": "dataConn.handleMessage",
			"peer_id":  short(c.remote),
			"size":     len(c.partial),
		}).Warn("Closing channel after oversized frame")
		c.Close()
		return
	}
	if data[0] != flagFinal {
		return
	}
	frame := c.partial
	c.partial = nil
	if frame == nil {
		frame = []byte{}
	}
	select {
	case c.inbox <- frame:
	case <-c.done:
	}
}

// RemotePeerID implements interfaces.Conn.
func (c *dataConn) RemotePeerID() string { return c.remote }

// Send implements interfaces.Conn.
func (c *dataConn) Send(frame []byte) error {
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, msg := range splitFrame(frame) {
		if err := c.dc.Send(msg); err != nil {
			select {
			case <-c.done:
				return io.EOF
			default:
			}
			return fmt.Errorf("data channel send: %w", err)
		}
	}
	return nil
}

// Recv implements interfaces.Conn. Frames received before Close are still
// returned.
func (c *dataConn) Recv() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	case <-c.done:
		select {
		case frame := <-c.inbox:
			return frame, nil
		default:
			return nil, io.EOF
		}
	}
}

// Close implements interfaces.Conn. Closing the peer connection re-enters
// Close through its callbacks, which then return immediately.
func (c *dataConn) Close() error {
	first := false
	c.closeOnce.Do(func() {
		close(c.done)
		first = true
	})
	if !first {
		return nil
	}
	c.hookMu.Lock()
	onClose := c.onClose
	c.hookMu.Unlock()
	if onClose != nil {
		onClose(c)
	}
	if c.dc != nil {
		c.dc.Close()
	}
	if c.pc != nil {
		return c.pc.Close()
	}
	return nil
}
