package crypto

import (
	"runtime"
)

// ZeroBytes erases the contents of a byte slice containing sensitive data.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
	// Keep the slice reachable until the writes above are done.
	runtime.KeepAlive(data)
}

// Wipe erases the private half of the keypair. Call it when the session ends.
func (kp *KeyPair) Wipe() {
	if kp == nil {
		return
	}
	ZeroBytes(kp.Private[:])
}
