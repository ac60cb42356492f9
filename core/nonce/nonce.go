// Package nonce computes the running epoch nonce from header VRF outputs.
package nonce

import (
	"golang.org/x/crypto/blake2b"
)

// Size is the length of an epoch nonce in bytes.
const Size = 32

// Next folds one header's nonce VRF output into the running nonce:
//
//	blake2b256(blake2b256(etaVRF0) || prev)
//
// Headers must be applied strictly in chain order. A header applied out of
// order corrupts every nonce after it.
func Next(prev [Size]byte, etaVRF0 []byte) [Size]byte {
	seed := blake2b.Sum256(etaVRF0)

	var buf [2 * Size]byte
	copy(buf[:Size], seed[:])
	copy(buf[Size:], prev[:])
	return blake2b.Sum256(buf[:])
}

// Chain applies Next for each VRF output in order, starting from start.
func Chain(start [Size]byte, etaVRF0s ...[]byte) [Size]byte {
	eta := start
	for _, v := range etaVRF0s {
		eta = Next(eta, v)
	}
	return eta
}
