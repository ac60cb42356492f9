package chainsync

import (
	"time"

	"github.com/rs/zerolog"

	"epochsync/core/config"
	"epochsync/core/header"
	"epochsync/observability"
)

// progressInterval rate-limits the roll forward progress log.
const progressInterval = 5 * time.Second

// ChainIndex is the store the client feeds. *core.ChainIndex satisfies it.
type ChainIndex interface {
	Append(h *header.Header) error
	Rollback(slot uint64) error
	RecentPoints(limit int) ([]header.Point, error)
}

// Client drives one chain-sync session. It is not safe for concurrent use:
// the transport alternates Receive and Send from a single goroutine.
type Client struct {
	status  Status
	index   ChainIndex
	network config.Network
	log     zerolog.Logger
	now     func() time.Time
	lastLog time.Time
}

type ClientOption func(*Client)

func WithLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

func NewClient(index ChainIndex, network config.Network, opts ...ClientOption) *Client {
	c := &Client{
		index:   index,
		network: network,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The first roll forward always logs.
	c.lastLog = c.now().Add(-progressInterval - time.Second)
	return c
}

func (c *Client) Status() Status { return c.status }

func (c *Client) Agency() Agency { return c.status.State.Agency() }

func (c *Client) Done() bool { return c.status.State == StateDone }

// Result is nil until the session reaches Done.
func (c *Client) Result() *Result { return c.status.Result }

// Send returns the next outbound message, or nil when the client does not
// hold agency.
func (c *Client) Send() ([]byte, error) {
	if c.Agency() != AgencyClient {
		return nil, nil
	}

	if !c.status.IntersectFound {
		recent, err := c.index.RecentPoints(RecentPointsLimit)
		if err != nil {
			return nil, &StorageError{Op: "recent points", Err: err}
		}
		points := SelectIntersectPoints(recent, config.FallbackPoints())
		data, err := EncodeFindIntersect(points)
		if err != nil {
			return nil, err
		}
		c.log.Debug().
			Int("local", len(recent)).
			Int("points", len(points)).
			Msg("find intersect")
		c.status.State = StateIntersect
		return data, nil
	}

	data, err := EncodeRequestNext()
	if err != nil {
		return nil, err
	}
	c.status.State = StateCanAwait
	return data, nil
}

// Receive decodes and applies one inbound message. Decode and unexpected
// message errors leave the state unchanged; use IsFatal to tell them apart
// from storage failures.
func (c *Client) Receive(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		observability.RecordDecodeError()
		c.log.Warn().Err(err).Stringer("state", c.status.State).Msg("dropping malformed message")
		return err
	}
	observability.RecordMessage(msg.ID().String())

	next, err := Apply(c.status, msg)
	if err != nil {
		c.log.Error().Err(err).Msg("ignoring message")
		return err
	}

	switch m := msg.(type) {
	case MsgRollForward:
		c.logProgress(m)
		if err := c.index.Append(m.Header); err != nil {
			return &StorageError{Op: "append", Err: err}
		}
	case MsgRollBackward:
		c.log.Warn().Uint64("slot", m.Point.Slot).Stringer("point", m.Point).Msg("rollback")
		if err := c.index.Rollback(m.Point.Slot); err != nil {
			return &StorageError{Op: "rollback", Err: err}
		}
	case MsgIntersectFound:
		c.log.Info().Stringer("point", m.Point).Stringer("tip", m.Tip.Point).Msg("intersect found")
	case MsgIntersectNotFound:
		c.log.Error().
			Stringer("tip", m.Tip.Point).
			Str("network", c.network.Name).
			Msg("intersect not found, syncing from the peer's start point")
	case MsgDone:
		c.log.Warn().Msg("peer ended chain-sync")
	}

	c.status = next
	return nil
}

func (c *Client) logProgress(m MsgRollForward) {
	now := c.now()
	if now.Sub(c.lastLog) <= progressInterval {
		return
	}
	c.log.Info().
		Uint64("slot", m.Header.SlotNumber).
		Uint64("tip_slot", m.Tip.Point.Slot).
		Msgf("slot %d of %d", m.Header.SlotNumber, m.Tip.Point.Slot)
	c.lastLog = now
}
