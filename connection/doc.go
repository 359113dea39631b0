// Package connection maintains the encrypted channel to every other peer in
// a room.
//
// A [Manager] reacts to roster pushes from the presence directory by
// dialing new peers, deriving the pairwise session key in the background,
// and moving each peer through these states:
//
//	Unconnected -> Connecting -> TransportOpen -> Secure
//	                   |               |            |
//	                   +---------------+------------+--> Closed
//
// Both peers usually dial each other at the same moment. The manager keeps
// the channel opened by the lexicographically smaller peer-id and retires
// the other, so both sides converge on the same channel without tearing
// down a working one.
//
// A failed dial is retried once after a short delay. A peer absent from two
// consecutive roster pushes, or closed and unrefreshed for the liveness
// window, is evicted.
//
// # Sending
//
// [Manager.Send] queues a frame until the peer is secure, waiting at most
// the grace period. An expired send is never transmitted. [Manager.Post]
// only sends to secure peers and is used for best-effort signals such as
// typing indicators. Frames are produced by a [Sealer] so every peer seals
// with its own session key.
package connection
