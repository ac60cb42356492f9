package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"epochsync/core/header"
	"epochsync/core/nonce"
)

// Row is one persisted header of the chain index. Rows are never deleted; a
// rollback sets Orphaned instead.
type Row struct {
	ID uint64
	header.Header
	Orphaned bool
}

// rowRecord is the stored form of a Row. Byte fields are lowercase hex.
type rowRecord struct {
	ID                   uint64 `json:"id"`
	BlockNumber          uint64 `json:"block_number"`
	SlotNumber           uint64 `json:"slot_number"`
	Hash                 string `json:"hash"`
	PrevHash             string `json:"prev_hash"`
	EtaV                 string `json:"eta_v"`
	NodeVKey             string `json:"node_vkey"`
	NodeVRFVKey          string `json:"node_vrf_vkey"`
	EtaVRF0              string `json:"eta_vrf_0"`
	EtaVRF1              string `json:"eta_vrf_1"`
	LeaderVRF0           string `json:"leader_vrf_0"`
	LeaderVRF1           string `json:"leader_vrf_1"`
	BlockSize            uint64 `json:"block_size"`
	BlockBodyHash        string `json:"block_body_hash"`
	PoolOpcert           string `json:"pool_opcert"`
	Unknown0             uint64 `json:"unknown_0"`
	Unknown1             uint64 `json:"unknown_1"`
	Unknown2             string `json:"unknown_2"`
	ProtocolMajorVersion uint64 `json:"protocol_major_version"`
	ProtocolMinorVersion uint64 `json:"protocol_minor_version"`
	Orphaned             int    `json:"orphaned"`
}

// Encode serializes the row for storage.
func (r *Row) Encode() ([]byte, error) {
	rec := rowRecord{
		ID:                   r.ID,
		BlockNumber:          r.BlockNumber,
		SlotNumber:           r.SlotNumber,
		Hash:                 hex.EncodeToString(r.Hash),
		PrevHash:             hex.EncodeToString(r.PrevHash),
		EtaV:                 hex.EncodeToString(r.EtaV[:]),
		NodeVKey:             hex.EncodeToString(r.NodeVKey),
		NodeVRFVKey:          hex.EncodeToString(r.NodeVRFVKey),
		EtaVRF0:              hex.EncodeToString(r.EtaVRF0),
		EtaVRF1:              hex.EncodeToString(r.EtaVRF1),
		LeaderVRF0:           hex.EncodeToString(r.LeaderVRF0),
		LeaderVRF1:           hex.EncodeToString(r.LeaderVRF1),
		BlockSize:            r.BlockSize,
		BlockBodyHash:        hex.EncodeToString(r.BlockBodyHash),
		PoolOpcert:           hex.EncodeToString(r.PoolOpcert),
		Unknown0:             r.Unknown0,
		Unknown1:             r.Unknown1,
		Unknown2:             hex.EncodeToString(r.Unknown2),
		ProtocolMajorVersion: r.ProtocolMajorVersion,
		ProtocolMinorVersion: r.ProtocolMinorVersion,
	}
	if r.Orphaned {
		rec.Orphaned = 1
	}
	return json.Marshal(&rec)
}

// DecodeRow deserializes a stored row. Malformed hex is an error, not a panic.
func DecodeRow(data []byte) (*Row, error) {
	var rec rowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}

	r := &Row{
		ID:       rec.ID,
		Orphaned: rec.Orphaned != 0,
	}
	r.BlockNumber = rec.BlockNumber
	r.SlotNumber = rec.SlotNumber
	r.BlockSize = rec.BlockSize
	r.Unknown0 = rec.Unknown0
	r.Unknown1 = rec.Unknown1
	r.ProtocolMajorVersion = rec.ProtocolMajorVersion
	r.ProtocolMinorVersion = rec.ProtocolMinorVersion

	fields := []struct {
		name string
		src  string
		dst  *[]byte
	}{
		{"hash", rec.Hash, &r.Hash},
		{"prev_hash", rec.PrevHash, &r.PrevHash},
		{"node_vkey", rec.NodeVKey, &r.NodeVKey},
		{"node_vrf_vkey", rec.NodeVRFVKey, &r.NodeVRFVKey},
		{"eta_vrf_0", rec.EtaVRF0, &r.EtaVRF0},
		{"eta_vrf_1", rec.EtaVRF1, &r.EtaVRF1},
		{"leader_vrf_0", rec.LeaderVRF0, &r.LeaderVRF0},
		{"leader_vrf_1", rec.LeaderVRF1, &r.LeaderVRF1},
		{"block_body_hash", rec.BlockBodyHash, &r.BlockBodyHash},
		{"pool_opcert", rec.PoolOpcert, &r.PoolOpcert},
		{"unknown_2", rec.Unknown2, &r.Unknown2},
	}
	for _, f := range fields {
		b, err := hex.DecodeString(f.src)
		if err != nil {
			return nil, fmt.Errorf("decode row %d: %s: %w", rec.ID, f.name, err)
		}
		*f.dst = b
	}

	etaV, err := hex.DecodeString(rec.EtaV)
	if err != nil {
		return nil, fmt.Errorf("decode row %d: eta_v: %w", rec.ID, err)
	}
	if len(etaV) != nonce.Size {
		return nil, fmt.Errorf("decode row %d: eta_v is %d bytes", rec.ID, len(etaV))
	}
	copy(r.EtaV[:], etaV)
	return r, nil
}
