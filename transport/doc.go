// Package transport carries session data channels over TCP.
//
// [TCPTransport] listens on a TCP address and dials peers by session
// peer-id, resolving addresses and public keys from the roster through a
// [Resolver]. Every socket starts with a Noise IK handshake (see package
// noise) keyed with the session keypair. Its payloads carry both peer-ids,
// so a dial that reaches the wrong peer fails, either in the handshake or
// with [ErrPeerMismatch]. Accepted conns report the key the dialer proved
// through RemotePublicKey, and the connection manager compares it with the
// roster.
//
// # Wire format
//
// After the handshake each direction is a stream of records:
//
//	[uint32 big-endian length][Noise ciphertext]
//
// A record decrypts to [flag][chunk]. A frame larger than one Noise message
// is split across records flagged 1 and ends with a record flagged 0.
// Frames are bounded by limits.MaxFrameSize.
//
// # Example
//
//	t, err := transport.NewTCPTransport(":7420", peerID, keys, transport.TCPOptions{})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//	t.Resolver().Set(otherID, "10.0.0.7:7420", otherKey)
//	conn, err := t.Dial(ctx, otherID)
//
// Calls are not carried: PlaceCall returns [ErrCallsUnsupported].
package transport
