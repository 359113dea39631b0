package rtc

import "errors"

var (
	// ErrClosed is returned after the transport, channel or call is closed.
	ErrClosed = errors.New("rtc: closed")
	// ErrGatherTimeout indicates ICE candidate gathering did not finish.
	ErrGatherTimeout = errors.New("rtc: candidate gathering timed out")
	// ErrUnsupportedStream is returned for media streams that carry no
	// WebRTC tracks.
	ErrUnsupportedStream = errors.New("rtc: media stream has no tracks")
	// ErrAlreadyAnswered is returned by Answer on an outgoing or answered
	// call.
	ErrAlreadyAnswered = errors.New("rtc: call already answered")
	// ErrStreamStopped is returned when reading or writing a stopped stream.
	ErrStreamStopped = errors.New("rtc: stream stopped")
)
