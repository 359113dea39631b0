package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/opd-ai/parallel/noise"
)

// chunkedReader returns at most chunkSize bytes per Read.
type chunkedReader struct {
	data      []byte
	chunkSize int
	readCalls int
}

func (c *chunkedReader) Read(b []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	c.readCalls++
	n := c.chunkSize
	if n > len(b) {
		n = len(b)
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	copy(b, c.data[:n])
	c.data = c.data[n:]
	return n, nil
}

func TestReadRecordPartialReads(t *testing.T) {
	tests := []struct {
		name      string
		dataSize  int
		chunkSize int
	}{
		{"Single byte chunks for header", 100, 1},
		{"Three byte chunks (header not aligned)", 1024, 3},
		{"Large record with small chunks", 4096, 7},
		{"Largest record", noise.MaxMessageLen, 4096},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte{0xAB}, tt.dataSize)
			var buf bytes.Buffer
			if err := writeRecord(&buf, payload); err != nil {
				t.Fatalf("writeRecord() failed: %v", err)
			}

			r := &chunkedReader{data: buf.Bytes(), chunkSize: tt.chunkSize}
			data, err := readRecord(r)
			if err != nil {
				t.Fatalf("readRecord() unexpected error: %v", err)
			}
			if !bytes.Equal(data, payload) {
				t.Error("readRecord() data corruption detected")
			}
			if want := (4 + tt.dataSize) / tt.chunkSize; r.readCalls < want {
				t.Errorf("Expected at least %d Read() calls, got %d", want, r.readCalls)
			}
		})
	}
}

func TestReadRecordTruncated(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"Empty stream", nil, io.EOF},
		{"Incomplete header", []byte{0, 0}, io.ErrUnexpectedEOF},
		{"Header only", []byte{0, 0, 0, 10}, io.ErrUnexpectedEOF},
		{"Partial payload", []byte{0, 0, 0, 10, 1, 2, 3}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readRecord(&chunkedReader{data: tt.data, chunkSize: 1})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRecordSizeLimits(t *testing.T) {
	var buf bytes.Buffer
	if err := writeRecord(&buf, make([]byte, noise.MaxMessageLen+1)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("writeRecord oversize: got %v", err)
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, noise.MaxMessageLen+1)
	if _, err := readRecord(bytes.NewReader(header)); !errors.Is(err, ErrRecordTooLarge) {
		t.Errorf("readRecord oversize: got %v", err)
	}
}
