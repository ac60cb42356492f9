package net

import (
	"github.com/fxamacker/cbor/v2"

	"epochsync/net/chainsync"
)

// Mini-protocol ids carried in the mux segment header.
const (
	ProtocolHandshake uint16 = 0
	ProtocolChainSync        = chainsync.ProtocolID
)

// Node-to-node handshake versions proposed to the peer.
var proposedVersions = []uint64{13, 14}

var encMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func protocolName(id uint16) string {
	switch id {
	case ProtocolHandshake:
		return "handshake"
	case ProtocolChainSync:
		return "chain-sync"
	default:
		return "unknown"
	}
}
