package net

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrRefused       = errors.New("handshake: refused by peer")
	ErrMagicMismatch = errors.New("handshake: network magic mismatch")
	ErrBadHandshake  = errors.New("handshake: malformed reply")
)

const (
	msgProposeVersions = 0
	msgAcceptVersion   = 1
	msgRefuse          = 2
	msgQueryReply      = 3
)

// versionData is the node-to-node version parameter block. The client only
// initiates, never shares peers and does not query.
type versionData struct {
	_             struct{} `cbor:",toarray"`
	NetworkMagic  uint64
	InitiatorOnly bool
	PeerSharing   uint64
	Query         bool
}

// encodeProposeVersions returns [0, {version: params, ...}].
func encodeProposeVersions(magic uint32) ([]byte, error) {
	table := make(map[uint64]versionData, len(proposedVersions))
	for _, v := range proposedVersions {
		table[v] = versionData{NetworkMagic: uint64(magic), InitiatorOnly: true}
	}
	return encMode.Marshal([]any{uint64(msgProposeVersions), table})
}

// decodeHandshakeReply returns the accepted version, or an error for a
// refusal, a magic mismatch or an unexpected reply.
func decodeHandshakeReply(data []byte, magic uint32) (uint64, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil || len(items) == 0 {
		return 0, fmt.Errorf("%w: not an array", ErrBadHandshake)
	}
	var id uint64
	if err := cbor.Unmarshal(items[0], &id); err != nil {
		return 0, fmt.Errorf("%w: message id: %v", ErrBadHandshake, err)
	}

	switch id {
	case msgAcceptVersion:
		if len(items) != 3 {
			return 0, fmt.Errorf("%w: accept has %d elements", ErrBadHandshake, len(items))
		}
		var version uint64
		if err := cbor.Unmarshal(items[1], &version); err != nil {
			return 0, fmt.Errorf("%w: version: %v", ErrBadHandshake, err)
		}
		var params []cbor.RawMessage
		if err := cbor.Unmarshal(items[2], &params); err != nil || len(params) == 0 {
			return 0, fmt.Errorf("%w: version data", ErrBadHandshake)
		}
		var peerMagic uint64
		if err := cbor.Unmarshal(params[0], &peerMagic); err != nil {
			return 0, fmt.Errorf("%w: network magic: %v", ErrBadHandshake, err)
		}
		if peerMagic != uint64(magic) {
			return 0, fmt.Errorf("%w: peer %d, local %d", ErrMagicMismatch, peerMagic, magic)
		}
		return version, nil
	case msgRefuse:
		var reason any
		if len(items) > 1 {
			_ = cbor.Unmarshal(items[1], &reason)
		}
		return 0, fmt.Errorf("%w: %v", ErrRefused, reason)
	case msgQueryReply:
		return 0, fmt.Errorf("%w: query reply to a non-query proposal", ErrBadHandshake)
	default:
		return 0, fmt.Errorf("%w: message id %d", ErrBadHandshake, id)
	}
}
