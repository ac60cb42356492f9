package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

const (
	segmentHeaderSize = 8
	maxSegmentPayload = 0xffff
	responderFlag     = 0x8000
)

// Segment is one multiplexer frame.
type Segment struct {
	Timestamp  uint32
	ProtocolID uint16
	Responder  bool
	Payload    []byte
}

func writeSegment(w io.Writer, seg Segment) error {
	if len(seg.Payload) > maxSegmentPayload {
		return fmt.Errorf("mux: segment payload %d bytes exceeds %d", len(seg.Payload), maxSegmentPayload)
	}
	buf := make([]byte, segmentHeaderSize, segmentHeaderSize+len(seg.Payload))
	binary.BigEndian.PutUint32(buf[0:4], seg.Timestamp)
	id := seg.ProtocolID &^ responderFlag
	if seg.Responder {
		id |= responderFlag
	}
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(seg.Payload)))
	buf = append(buf, seg.Payload...)
	_, err := w.Write(buf)
	return err
}

func readSegment(r io.Reader) (Segment, error) {
	var hdr [segmentHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Segment{}, err
	}
	id := binary.BigEndian.Uint16(hdr[4:6])
	seg := Segment{
		Timestamp:  binary.BigEndian.Uint32(hdr[0:4]),
		ProtocolID: id &^ responderFlag,
		Responder:  id&responderFlag != 0,
		Payload:    make([]byte, binary.BigEndian.Uint16(hdr[6:8])),
	}
	if _, err := io.ReadFull(r, seg.Payload); err != nil {
		return Segment{}, fmt.Errorf("mux: short segment payload: %w", err)
	}
	return seg, nil
}

// Mux frames whole protocol messages onto a single connection as the
// initiator, and reassembles inbound messages per protocol.
type Mux struct {
	conn    io.ReadWriter
	start   time.Time
	log     zerolog.Logger
	pending map[uint16][]byte
}

func NewMux(conn io.ReadWriter, log zerolog.Logger) *Mux {
	return &Mux{
		conn:    conn,
		start:   time.Now(),
		log:     log,
		pending: make(map[uint16][]byte),
	}
}

func (m *Mux) timestamp() uint32 {
	return uint32(time.Since(m.start).Microseconds())
}

// Send writes msg on protocol, split across as many segments as needed.
func (m *Mux) Send(protocol uint16, msg []byte) error {
	for {
		n := min(len(msg), maxSegmentPayload)
		seg := Segment{Timestamp: m.timestamp(), ProtocolID: protocol, Payload: msg[:n]}
		if err := writeSegment(m.conn, seg); err != nil {
			return fmt.Errorf("mux: send %s: %w", protocolName(protocol), err)
		}
		msg = msg[n:]
		if len(msg) == 0 {
			return nil
		}
	}
}

// Receive returns the next complete message on protocol. Segments for other
// protocols are dropped.
func (m *Mux) Receive(protocol uint16) ([]byte, error) {
	for {
		if msg, ok := m.next(protocol); ok {
			return msg, nil
		}
		seg, err := readSegment(m.conn)
		if err != nil {
			return nil, err
		}
		if seg.ProtocolID != protocol {
			m.log.Debug().
				Uint16("protocol", seg.ProtocolID).
				Int("bytes", len(seg.Payload)).
				Msg("dropping segment")
			continue
		}
		m.pending[protocol] = append(m.pending[protocol], seg.Payload...)
	}
}

// next cuts one complete CBOR item off the protocol's buffer. Bytes that can
// never form a valid item are handed over whole so the protocol reports them.
func (m *Mux) next(protocol uint16) ([]byte, bool) {
	buf := m.pending[protocol]
	if len(buf) == 0 {
		return nil, false
	}
	var item cbor.RawMessage
	rest, err := cbor.UnmarshalFirst(buf, &item)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return nil, false
	}
	if err != nil {
		m.pending[protocol] = nil
		return buf, true
	}
	msg := append([]byte(nil), buf[:len(buf)-len(rest)]...)
	m.pending[protocol] = append([]byte(nil), rest...)
	return msg, true
}
