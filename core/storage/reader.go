package storage

import "epochsync/core/header"

// Reader is the read-only chain view a leader-election consumer needs.
// The chain index satisfies it.
type Reader interface {
	// TipHeader returns the newest non-orphaned header with its EtaV set.
	TipHeader() (*header.Header, error)

	// EtaVBefore returns the running nonce as of the last non-orphaned
	// header strictly before slot, or the network genesis nonce.
	EtaVBefore(slot uint64) ([32]byte, error)

	// RecentPoints returns up to limit active chain points, newest first.
	RecentPoints(limit int) ([]header.Point, error)
}
