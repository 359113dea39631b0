// Package crypto implements the per-peer cryptography of a parallel session.
//
// Every session generates an ephemeral X25519 keypair that is never written
// to disk. Two peers that know each other's public keys derive the same
// 256-bit symmetric key without transmitting it:
//
//	local, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err) // RNG unavailable, the session cannot continue
//	}
//	defer local.Wipe()
//
//	key, err := crypto.DeriveSharedKey(local.Private, remotePublic)
//	if err != nil {
//	    // malformed remote key: drop the peer
//	}
//
// Payloads are sealed with ChaCha20-Poly1305 under a fresh 96-bit random
// nonce per call. The nonce travels with the ciphertext in an Envelope:
//
//	env, err := crypto.Encrypt(plaintext, key)
//	wire := env.Marshal()
//
//	env, err = crypto.UnmarshalEnvelope(wire)
//	plaintext, err = crypto.Decrypt(env, key)
//	if errors.Is(err, crypto.ErrDecryptionFailed) {
//	    // tampered, corrupted, or wrong key: drop the frame
//	}
//
// Decryption failures are always *DecryptError values and are never fatal.
package crypto
