// Package noise provides the link-layer handshake used by the TCP transport.
//
// The handshake follows the Noise IK pattern over Curve25519 with
// ChaCha20-Poly1305 and SHA-256, using the flynn/noise library:
//
//	Initiator                              Responder
//	    | -> e, es, s, ss    (payload) ->      |
//	    | <- e, ee, se       (payload) <-      |
//
// The static keys are the session keypairs whose public halves are listed
// in the room. A dialer uses the key from the responder's roster record, so
// only the holder of that private key can complete the handshake. The
// responder learns the dialer's key from the first message and the caller
// checks it against the roster. Each side carries its session peer-id as
// the encrypted handshake payload.
//
// # Usage
//
//	hs, _ := noise.NewIKHandshake(noise.Initiator, localKeys, remotePublic)
//	msg1, _ := hs.WriteMessage([]byte(localPeerID))
//	// send msg1, receive msg2
//	remoteID, _ := hs.ReadMessage(msg2)
//	cipher, _ := hs.Cipher()
//	ct, _ := cipher.Seal(frame)
//
// [Cipher] is safe for one concurrent writer and one concurrent reader.
// Transport messages must be opened in order; a dropped or reordered
// message fails authentication.
package noise
