package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/parallel/crypto"
	"github.com/opd-ai/parallel/limits"
	"github.com/opd-ai/parallel/noise"
)

const (
	flagFinal byte = 0
	flagMore  byte = 1
	// maxChunk leaves room for the continuation flag.
	maxChunk = noise.MaxPlaintext - 1
)

// writeRecord writes one length-prefixed record.
func writeRecord(w io.Writer, data []byte) error {
	if len(data) > noise.MaxMessageLen {
		return fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := w.Write(buf)
	return err
}

// readRecord reads one length-prefixed record. Short reads are retried
// until the record is complete.
func readRecord(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > noise.MaxMessageLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return data, nil
}

// tcpConn is a Noise-secured data channel. A frame is carried by one or
// more records, each [flag][chunk] under the link cipher.
type tcpConn struct {
	raw          net.Conn
	cipher       *noise.Cipher
	remote       string
	remoteKey    crypto.PublicKey
	writeTimeout time.Duration

	writeMu sync.Mutex

	closeOnce sync.Once
	onClose   func(*tcpConn)
}

// RemotePeerID implements interfaces.Conn.
func (c *tcpConn) RemotePeerID() string { return c.remote }

// RemotePublicKey implements interfaces.KeyedConn. The IK handshake proved
// the remote holds this key.
func (c *tcpConn) RemotePublicKey() ([32]byte, bool) { return c.remoteKey, true }

// Send implements interfaces.Conn.
func (c *tcpConn) Send(frame []byte) error {
	if err := limits.ValidateFrame(frame); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return c.mapErr(err)
		}
	}
	rest := frame
	for {
		n := len(rest)
		flag := flagFinal
		if n > maxChunk {
			n = maxChunk
			flag = flagMore
		}
		plain := make([]byte, 1+n)
		plain[0] = flag
		copy(plain[1:], rest[:n])
		sealed, err := c.cipher.Seal(plain)
		if err != nil {
			return err
		}
		if err := writeRecord(c.raw, sealed); err != nil {
			c.Close()
			return c.mapErr(err)
		}
		rest = rest[n:]
		if flag == flagFinal {
			return nil
		}
	}
}

// Recv implements interfaces.Conn.
func (c *tcpConn) Recv() ([]byte, error) {
	var frame []byte
	for {
		sealed, err := readRecord(c.raw)
		if err != nil {
			return nil, c.mapErr(err)
		}
		plain, err := c.cipher.Open(sealed)
		if err != nil {
			c.Close()
			return nil, err
		}
		if len(plain) == 0 {
			c.Close()
			return nil, fmt.Errorf("%w: empty record", ErrRecordTooLarge)
		}
		frame = append(frame, plain[1:]...)
		if len(frame) > limits.MaxFrameSize {
			c.Close()
			return nil, limits.ValidateFrame(frame)
		}
		if plain[0] == flagFinal {
			if frame == nil {
				frame = []byte{}
			}
			return frame, nil
		}
	}
}

// mapErr reports a closed socket as io.EOF.
func (c *tcpConn) mapErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return io.EOF
	}
	return err
}

// Close implements interfaces.Conn.
func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.raw.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}
