package chainsync

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"epochsync/core/header"
)

// tagEncodedCBOR marks a byte string holding an embedded CBOR item.
const tagEncodedCBOR = 24

type vrfCert struct {
	_      struct{} `cbor:",toarray"`
	Output []byte
	Proof  []byte
}

// headerBody is the 15-field Shelley through Alonzo header body.
type headerBody struct {
	_             struct{} `cbor:",toarray"`
	BlockNumber   uint64
	Slot          uint64
	PrevHash      []byte
	IssuerVKey    []byte
	VRFVKey       []byte
	NonceVRF      vrfCert
	LeaderVRF     vrfCert
	BlockSize     uint64
	BlockBodyHash []byte
	HotVKey       []byte
	SequenceNo    uint64
	KESPeriod     uint64
	Sigma         []byte
	ProtocolMajor uint64
	ProtocolMinor uint64
}

type wireHeader struct {
	_         struct{} `cbor:",toarray"`
	Body      headerBody
	Signature []byte
}

type wrappedHeader struct {
	_      struct{} `cbor:",toarray"`
	Era    uint64
	Header cbor.RawMessage
}

// decodeWrappedHeader unwraps [era, #6.24(bytes)] and decodes the header
// inside. The tag is also accepted absent.
func decodeWrappedHeader(data []byte) (*header.Header, error) {
	var wrapped wrappedHeader
	if err := cbor.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: wrapped header: %v", ErrPayloadShape, err)
	}

	var inner any
	if err := cbor.Unmarshal(wrapped.Header, &inner); err != nil {
		return nil, fmt.Errorf("wrapped header bytes: %w", err)
	}
	var raw []byte
	switch v := inner.(type) {
	case cbor.Tag:
		b, ok := v.Content.([]byte)
		if v.Number != tagEncodedCBOR || !ok {
			return nil, fmt.Errorf("%w: header tag %d", ErrPayloadShape, v.Number)
		}
		raw = b
	case []byte:
		raw = v
	default:
		return nil, fmt.Errorf("%w: header is %T", ErrPayloadShape, inner)
	}
	return decodeHeader(raw)
}

// decodeHeader decodes [header_body, body_signature]. The block hash is the
// digest of these bytes.
func decodeHeader(raw []byte) (*header.Header, error) {
	var w wireHeader
	if err := cbor.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrPayloadShape, err)
	}
	b := w.Body
	return &header.Header{
		BlockNumber:          b.BlockNumber,
		SlotNumber:           b.Slot,
		Hash:                 header.HashBytes(raw),
		PrevHash:             b.PrevHash,
		NodeVKey:             b.IssuerVKey,
		NodeVRFVKey:          b.VRFVKey,
		EtaVRF0:              b.NonceVRF.Output,
		EtaVRF1:              b.NonceVRF.Proof,
		LeaderVRF0:           b.LeaderVRF.Output,
		LeaderVRF1:           b.LeaderVRF.Proof,
		BlockSize:            b.BlockSize,
		BlockBodyHash:        b.BlockBodyHash,
		PoolOpcert:           b.HotVKey,
		Unknown0:             b.SequenceNo,
		Unknown1:             b.KESPeriod,
		Unknown2:             b.Sigma,
		ProtocolMajorVersion: b.ProtocolMajor,
		ProtocolMinorVersion: b.ProtocolMinor,
	}, nil
}
