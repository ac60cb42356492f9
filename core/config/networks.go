package config

import (
	"fmt"

	"epochsync/core/header"
)

// Network magics of the supported networks.
const (
	MainnetMagic uint32 = 764824073
	TestnetMagic uint32 = 1097911063
)

// Network holds the constants that differ between supported networks.
type Network struct {
	Name  string
	Magic uint32
	// Fallback is the last block of the Byron era, offered as an intersection
	// point when the local index cannot supply one.
	Fallback header.Point
	// GenesisNonce seeds the epoch nonce chain when the index is empty.
	GenesisNonce [32]byte
}

// Networks is the lookup table of supported networks, in the order their
// fallback points are offered to the peer.
var Networks = []Network{
	{
		Name:         "mainnet",
		Magic:        MainnetMagic,
		Fallback:     header.Point{Slot: 4492799, Hash: mustHex("f8084c61b6a238acec985b59310b6ecec49c0ab8352249afd7268da5cff2a457")},
		GenesisNonce: mustHex32("1a3be38bcbb7911969283716ad7aa550250226b76a61fc51cc9a9a35d9276d81"),
	},
	{
		Name:         "testnet",
		Magic:        TestnetMagic,
		Fallback:     header.Point{Slot: 1598399, Hash: mustHex("7e16781b40ebf8b6da18f7b5e8ade855d6738095ef2f1c58c77e88b6e45997a4")},
		GenesisNonce: mustHex32("849a1764f152e1b09c89c0dfdbcbdd38d711d1fec2db5dfa0f87cf2737a0eaf4"),
	},
}

// NetworkByMagic looks up a network by its magic.
func NetworkByMagic(magic uint32) (Network, error) {
	for _, n := range Networks {
		if n.Magic == magic {
			return n, nil
		}
	}
	return Network{}, fmt.Errorf("unsupported network magic %d", magic)
}

// FallbackPoints returns the fallback point of every supported network in
// table order.
func FallbackPoints() []header.Point {
	points := make([]header.Point, 0, len(Networks))
	for _, n := range Networks {
		points = append(points, n.Fallback)
	}
	return points
}
