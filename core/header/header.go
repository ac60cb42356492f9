// Package header defines the block header and chain point types replicated by
// chain-sync.
package header

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Header is one accepted block header as announced by the peer.
//
// Unknown0, Unknown1 and Unknown2 are the operational certificate sequence
// number, KES period and cold-key signature in the Shelley header layout.
type Header struct {
	BlockNumber          uint64
	SlotNumber           uint64
	Hash                 []byte
	PrevHash             []byte
	NodeVKey             []byte
	NodeVRFVKey          []byte
	EtaVRF0              []byte
	EtaVRF1              []byte
	LeaderVRF0           []byte
	LeaderVRF1           []byte
	BlockSize            uint64
	BlockBodyHash        []byte
	PoolOpcert           []byte
	Unknown0             uint64
	Unknown1             uint64
	Unknown2             []byte
	ProtocolMajorVersion uint64
	ProtocolMinorVersion uint64

	// EtaV is the running epoch nonce after this header, set on flush.
	EtaV [32]byte
}

// Point identifies a block on the chain. An empty Hash with slot 0 is origin.
type Point struct {
	Slot uint64
	Hash []byte
}

// IsOrigin reports whether p is the chain origin.
func (p Point) IsOrigin() bool {
	return p.Slot == 0 && len(p.Hash) == 0
}

func (p Point) String() string {
	if p.IsOrigin() {
		return "origin"
	}
	return fmt.Sprintf("%d.%s", p.Slot, hex.EncodeToString(p.Hash))
}

// Point returns the chain point of h.
func (h *Header) Point() Point {
	return Point{Slot: h.SlotNumber, Hash: h.Hash}
}

// HashBytes returns the BLAKE2b-256 digest of raw header bytes, which is the
// block hash used on the wire.
func HashBytes(raw []byte) []byte {
	sum := blake2b.Sum256(raw)
	return sum[:]
}
