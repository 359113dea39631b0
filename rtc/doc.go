// Package rtc implements interfaces.Transport over WebRTC.
//
// Every data channel and every call uses its own peer connection. The
// dialing side creates the offer, gathers its ICE candidates and sends the
// complete description through an [interfaces.Signaler], usually the Redis
// presence directory. The other side answers the same way. Nothing but
// session descriptions passes through the signaler.
//
// Frames larger than one data channel message are split into chunks, each
// prefixed with a continuation flag, and reassembled before Recv returns
// them.
//
// Calls carry Opus audio. [LocalAudio] is fed encoded packets by the
// application; [RemoteAudio] yields the far side's packets or decodes them
// to PCM.
//
//	t, err := rtc.New(peerID, directory, rtc.Options{
//		ICEServers: []string{"stun:stun.l.google.com:19302"},
//	})
package rtc
