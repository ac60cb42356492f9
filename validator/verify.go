// Package validator replays the epoch nonce chain over stored headers.
package validator

import (
	"fmt"

	"epochsync/core"
	"epochsync/core/nonce"
)

// ChainWalker visits the active chain oldest first. The chain index
// satisfies it.
type ChainWalker interface {
	WalkActive(fn func(*core.Row) error) error
}

// MismatchError reports the first row whose stored nonce does not follow
// from its predecessor.
type MismatchError struct {
	ID     uint64
	Slot   uint64
	Stored [nonce.Size]byte
	Want   [nonce.Size]byte
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("eta_v mismatch at slot %d (row %d): stored %x, recomputed %x", e.Slot, e.ID, e.Stored, e.Want)
}

// VerifyNonceChain recomputes every eta_v on the active chain from genesis
// and returns how many rows matched before the first mismatch.
func VerifyNonceChain(chain ChainWalker, genesis [nonce.Size]byte) (int, error) {
	prev := genesis
	checked := 0
	err := chain.WalkActive(func(r *core.Row) error {
		want := nonce.Next(prev, r.EtaVRF0)
		if want != r.EtaV {
			return &MismatchError{ID: r.ID, Slot: r.SlotNumber, Stored: r.EtaV, Want: want}
		}
		prev = r.EtaV
		checked++
		return nil
	})
	return checked, err
}
