package chainsync

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"epochsync/core/header"
)

// MessageID is the first element of every chain-sync message.
type MessageID uint64

const (
	IDRequestNext       MessageID = 0
	IDAwaitReply        MessageID = 1
	IDRollForward       MessageID = 2
	IDRollBackward      MessageID = 3
	IDFindIntersect     MessageID = 4
	IDIntersectFound    MessageID = 5
	IDIntersectNotFound MessageID = 6
	IDDone              MessageID = 7
)

func (id MessageID) String() string {
	switch id {
	case IDRequestNext:
		return "RequestNext"
	case IDAwaitReply:
		return "AwaitReply"
	case IDRollForward:
		return "RollForward"
	case IDRollBackward:
		return "RollBackward"
	case IDFindIntersect:
		return "FindIntersect"
	case IDIntersectFound:
		return "IntersectFound"
	case IDIntersectNotFound:
		return "IntersectNotFound"
	case IDDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// Message is one decoded chain-sync message. The set of implementations is
// closed: the Msg* types of this package.
type Message interface {
	ID() MessageID
}

// Tip is the peer's chain tip as reported alongside most server messages.
type Tip struct {
	Point       header.Point
	BlockNumber uint64
}

type MsgRequestNext struct{}

type MsgAwaitReply struct{}

type MsgRollForward struct {
	Header *header.Header
	Tip    Tip
}

type MsgRollBackward struct {
	Point header.Point
	Tip   Tip
}

type MsgFindIntersect struct {
	Points []header.Point
}

type MsgIntersectFound struct {
	Point header.Point
	Tip   Tip
}

type MsgIntersectNotFound struct {
	Tip Tip
}

type MsgDone struct{}

// MsgUnknown carries an id outside the protocol.
type MsgUnknown struct {
	Code uint64
}

func (MsgRequestNext) ID() MessageID       { return IDRequestNext }
func (MsgAwaitReply) ID() MessageID        { return IDAwaitReply }
func (MsgRollForward) ID() MessageID       { return IDRollForward }
func (MsgRollBackward) ID() MessageID      { return IDRollBackward }
func (MsgFindIntersect) ID() MessageID     { return IDFindIntersect }
func (MsgIntersectFound) ID() MessageID    { return IDIntersectFound }
func (MsgIntersectNotFound) ID() MessageID { return IDIntersectNotFound }
func (MsgDone) ID() MessageID              { return IDDone }
func (m MsgUnknown) ID() MessageID         { return MessageID(m.Code) }

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type pointWire struct {
	_    struct{} `cbor:",toarray"`
	Slot uint64
	Hash []byte
}

// wirePoint renders origin as [] and any other point as [slot, hash].
func wirePoint(p header.Point) any {
	if p.IsOrigin() {
		return []any{}
	}
	return pointWire{Slot: p.Slot, Hash: p.Hash}
}

func wirePoints(points []header.Point) []any {
	out := make([]any, 0, len(points))
	for _, p := range points {
		out = append(out, wirePoint(p))
	}
	return out
}

func wireTip(t Tip) []any {
	return []any{wirePoint(t.Point), t.BlockNumber}
}

// EncodeRequestNext returns [0].
func EncodeRequestNext() ([]byte, error) {
	return Encode(MsgRequestNext{})
}

// EncodeFindIntersect returns [4, [[slot, hash], ...]].
func EncodeFindIntersect(points []header.Point) ([]byte, error) {
	return Encode(MsgFindIntersect{Points: points})
}

// Encode serializes msg. RollForward carries raw header bytes the client never
// produces, so it is not encodable here.
func Encode(msg Message) ([]byte, error) {
	var v []any
	switch m := msg.(type) {
	case MsgRequestNext, MsgAwaitReply, MsgDone:
		v = []any{uint64(m.ID())}
	case MsgRollBackward:
		v = []any{uint64(IDRollBackward), wirePoint(m.Point), wireTip(m.Tip)}
	case MsgFindIntersect:
		v = []any{uint64(IDFindIntersect), wirePoints(m.Points)}
	case MsgIntersectFound:
		v = []any{uint64(IDIntersectFound), wirePoint(m.Point), wireTip(m.Tip)}
	case MsgIntersectNotFound:
		v = []any{uint64(IDIntersectNotFound), wireTip(m.Tip)}
	default:
		return nil, fmt.Errorf("%w: id %d", ErrNotEncodable, msg.ID())
	}
	return encMode.Marshal(v)
}

// envelopeLen is the exact element count of each fixed-shape message,
// id included. Done is absent: it tolerates trailing elements.
var envelopeLen = map[MessageID]int{
	IDRequestNext:       1,
	IDAwaitReply:        1,
	IDRollForward:       3,
	IDRollBackward:      3,
	IDFindIntersect:     2,
	IDIntersectFound:    3,
	IDIntersectNotFound: 2,
}

// Decode parses one chain-sync message. Malformed input yields a *DecodeError.
func Decode(data []byte) (Message, error) {
	items, err := decodeArray(data)
	if err != nil {
		return nil, decodeErr("envelope", err)
	}
	if len(items) == 0 {
		return nil, decodeErr("envelope", ErrEmptyEnvelope)
	}
	var code uint64
	if err := cbor.Unmarshal(items[0], &code); err != nil {
		return nil, decodeErr("envelope", fmt.Errorf("%w: %v", ErrBadMessageID, err))
	}

	id := MessageID(code)
	op := id.String()
	if n, ok := envelopeLen[id]; ok && len(items) != n {
		return nil, decodeErr(op, fmt.Errorf("%w: %d elements, want %d", ErrPayloadShape, len(items), n))
	}

	switch id {
	case IDRequestNext:
		return MsgRequestNext{}, nil
	case IDAwaitReply:
		return MsgAwaitReply{}, nil
	case IDRollForward:
		h, err := decodeWrappedHeader(items[1])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		tip, err := decodeTip(items[2])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		return MsgRollForward{Header: h, Tip: tip}, nil
	case IDRollBackward:
		p, tip, err := decodePointTip(items[1], items[2])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		return MsgRollBackward{Point: p, Tip: tip}, nil
	case IDFindIntersect:
		raw, err := decodeArray(items[1])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		points := make([]header.Point, 0, len(raw))
		for _, r := range raw {
			p, err := decodePoint(r)
			if err != nil {
				return nil, decodeErr(op, err)
			}
			points = append(points, p)
		}
		return MsgFindIntersect{Points: points}, nil
	case IDIntersectFound:
		p, tip, err := decodePointTip(items[1], items[2])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		return MsgIntersectFound{Point: p, Tip: tip}, nil
	case IDIntersectNotFound:
		tip, err := decodeTip(items[1])
		if err != nil {
			return nil, decodeErr(op, err)
		}
		return MsgIntersectNotFound{Tip: tip}, nil
	case IDDone:
		// Trailing elements are ignored.
		return MsgDone{}, nil
	default:
		return MsgUnknown{Code: code}, nil
	}
}

func decodeArray(data []byte) ([]cbor.RawMessage, error) {
	var items []cbor.RawMessage
	if err := cbor.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	return items, nil
}

func decodePoint(data []byte) (header.Point, error) {
	items, err := decodeArray(data)
	if err != nil {
		return header.Point{}, fmt.Errorf("point: %w", err)
	}
	switch len(items) {
	case 0:
		return header.Point{}, nil
	case 2:
		var p header.Point
		if err := cbor.Unmarshal(items[0], &p.Slot); err != nil {
			return header.Point{}, fmt.Errorf("point slot: %w", err)
		}
		if err := cbor.Unmarshal(items[1], &p.Hash); err != nil {
			return header.Point{}, fmt.Errorf("point hash: %w", err)
		}
		return p, nil
	default:
		return header.Point{}, fmt.Errorf("%w: point has %d elements", ErrPayloadShape, len(items))
	}
}

func decodeTip(data []byte) (Tip, error) {
	items, err := decodeArray(data)
	if err != nil {
		return Tip{}, fmt.Errorf("tip: %w", err)
	}
	if len(items) != 2 {
		return Tip{}, fmt.Errorf("%w: tip has %d elements", ErrPayloadShape, len(items))
	}
	p, err := decodePoint(items[0])
	if err != nil {
		return Tip{}, fmt.Errorf("tip: %w", err)
	}
	var blockNo uint64
	if err := cbor.Unmarshal(items[1], &blockNo); err != nil {
		return Tip{}, fmt.Errorf("tip block number: %w", err)
	}
	return Tip{Point: p, BlockNumber: blockNo}, nil
}

func decodePointTip(point, tip []byte) (header.Point, Tip, error) {
	p, err := decodePoint(point)
	if err != nil {
		return header.Point{}, Tip{}, err
	}
	t, err := decodeTip(tip)
	if err != nil {
		return header.Point{}, Tip{}, err
	}
	return p, t, nil
}
