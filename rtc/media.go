package rtc

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/opus"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// trackSource is implemented by local streams that can be sent on a call.
type trackSource interface {
	localTracks() []webrtc.TrackLocal
}

// LocalAudio is an outgoing audio stream. The caller captures and encodes
// audio and feeds each Opus packet to WriteSample.
type LocalAudio struct {
	id      string
	track   *webrtc.TrackLocalStaticSample
	stopped atomic.Bool
}

// NewLocalAudio creates an Opus track labelled id.
func NewLocalAudio(id string) (*LocalAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", id,
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return &LocalAudio{id: id, track: track}, nil
}

// ID implements interfaces.MediaStream.
func (a *LocalAudio) ID() string { return a.id }

// Stop implements interfaces.MediaStream. Later writes fail.
func (a *LocalAudio) Stop() { a.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (a *LocalAudio) Stopped() bool { return a.stopped.Load() }

// WriteSample sends one encoded Opus packet covering d of audio. Writes
// before the call connects are discarded by the track.
func (a *LocalAudio) WriteSample(packet []byte, d time.Duration) error {
	if a.stopped.Load() {
		return ErrStreamStopped
	}
	return a.track.WriteSample(media.Sample{Data: packet, Duration: d})
}

func (a *LocalAudio) localTracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{a.track}
}

// RemoteAudio is the far side's audio on a call. It is not safe for
// concurrent reads.
type RemoteAudio struct {
	track   *webrtc.TrackRemote
	decoder opus.Decoder
	stopped atomic.Bool
}

func newRemoteAudio(track *webrtc.TrackRemote) *RemoteAudio {
	return &RemoteAudio{track: track, decoder: opus.NewDecoder()}
}

// ID implements interfaces.MediaStream.
func (r *RemoteAudio) ID() string { return r.track.StreamID() }

// Stop implements interfaces.MediaStream.
func (r *RemoteAudio) Stop() { r.stopped.Store(true) }

// ReadPacket returns the next encoded Opus payload.
func (r *RemoteAudio) ReadPacket() ([]byte, error) {
	if r.stopped.Load() {
		return nil, ErrStreamStopped
	}
	pkt, _, err := r.track.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

// ReadPCM decodes the next packet into out as 16-bit little-endian
// samples. out should hold at least one 20 ms frame (3840 bytes at 48 kHz
// stereo).
func (r *RemoteAudio) ReadPCM(out []byte) (stereo bool, err error) {
	payload, err := r.ReadPacket()
	if err != nil {
		return false, err
	}
	_, stereo, err = r.decoder.Decode(payload, out)
	if err != nil {
		return false, fmt.Errorf("opus decode: %w", err)
	}
	return stereo, nil
}
