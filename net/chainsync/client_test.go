package chainsync

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"epochsync/core"
	"epochsync/core/config"
	"epochsync/core/header"
	"epochsync/core/nonce"
)

type fakeIndex struct {
	appended  []*header.Header
	rollbacks []uint64
	recent    []header.Point
	err       error
}

func (f *fakeIndex) Append(h *header.Header) error {
	if f.err != nil {
		return f.err
	}
	f.appended = append(f.appended, h)
	return nil
}

func (f *fakeIndex) Rollback(slot uint64) error {
	if f.err != nil {
		return f.err
	}
	f.rollbacks = append(f.rollbacks, slot)
	return nil
}

func (f *fakeIndex) RecentPoints(limit int) ([]header.Point, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func mainnet(t *testing.T) config.Network {
	t.Helper()
	n, err := config.NetworkByMagic(config.MainnetMagic)
	require.NoError(t, err)
	return n
}

func encodeMsg(t *testing.T, msg Message) []byte {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	return data
}

// intersect drives c from Idle through FindIntersect and IntersectFound.
func intersect(t *testing.T, c *Client) {
	t.Helper()
	data, err := c.Send()
	require.NoError(t, err)
	require.NotNil(t, data)
	require.NoError(t, c.Receive(encodeMsg(t, MsgIntersectFound{})))
}

// rollForward requests and receives one header.
func rollForward(t *testing.T, c *Client, h *header.Header) {
	t.Helper()
	data, err := c.Send()
	require.NoError(t, err)
	require.Equal(t, []byte{0x81, 0x00}, data)
	require.Equal(t, StateCanAwait, c.Status().State)
	tip := Tip{Point: header.Point{Slot: h.SlotNumber + 1000, Hash: bytes.Repeat([]byte{1}, 32)}, BlockNumber: 1}
	require.NoError(t, c.Receive(encodeRollForward(t, h, tip, true)))
	require.Equal(t, StateIdle, c.Status().State)
}

func TestClientSendFindIntersect(t *testing.T) {
	index := &fakeIndex{recent: descendingPoints(40)}
	c := NewClient(index, mainnet(t))
	require.Equal(t, AgencyClient, c.Agency())

	data, err := c.Send()
	require.NoError(t, err)
	require.Equal(t, StateIntersect, c.Status().State)

	msg, err := Decode(data)
	require.NoError(t, err)
	fi, ok := msg.(MsgFindIntersect)
	require.True(t, ok)
	want := SelectIntersectPoints(index.recent[:RecentPointsLimit], config.FallbackPoints())
	require.Equal(t, want, fi.Points)

	// Server agency: nothing to send.
	data, err = c.Send()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestClientIntersectNotFoundThenRequestNext(t *testing.T) {
	c := NewClient(&fakeIndex{}, mainnet(t))
	_, err := c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgIntersectNotFound{})))
	require.True(t, c.Status().IntersectFound)

	data, err := c.Send()
	require.NoError(t, err)
	require.Equal(t, []byte{0x81, 0x00}, data)
}

func TestClientRollForwardAndBackward(t *testing.T) {
	index := &fakeIndex{}
	c := NewClient(index, mainnet(t))
	intersect(t, c)

	h := sampleHeader(100, bytes.Repeat([]byte{0x0b}, 64))
	rollForward(t, c, h)
	require.Len(t, index.appended, 1)
	require.Equal(t, uint64(100), index.appended[0].SlotNumber)

	_, err := c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgAwaitReply{})))
	require.Equal(t, StateMustReply, c.Status().State)
	require.NoError(t, c.Receive(encodeMsg(t, MsgRollBackward{Point: header.Point{Slot: 90, Hash: []byte{1}}})))
	require.Equal(t, []uint64{90}, index.rollbacks)
	require.Equal(t, StateIdle, c.Status().State)

	// Rollback to origin targets slot 0.
	_, err = c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgRollBackward{})))
	require.Equal(t, []uint64{90, 0}, index.rollbacks)
}

func TestClientDone(t *testing.T) {
	c := NewClient(&fakeIndex{}, mainnet(t))
	intersect(t, c)
	_, err := c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgAwaitReply{})))

	done := mustMarshal(t, []any{uint64(IDDone), []byte("trailing")})
	require.NoError(t, c.Receive(done))
	require.True(t, c.Done())
	require.Equal(t, AgencyNone, c.Agency())
	require.Equal(t, &Result{OK: true, Reason: "Done"}, c.Result())

	data, err := c.Send()
	require.NoError(t, err)
	require.Nil(t, data)
}

func TestClientReceiveErrorsKeepState(t *testing.T) {
	c := NewClient(&fakeIndex{}, mainnet(t))
	intersect(t, c)
	_, err := c.Send()
	require.NoError(t, err)
	before := c.Status()

	for _, data := range [][]byte{{0x05}, mustMarshal(t, []any{"x"}), {0x80}} {
		err := c.Receive(data)
		var decodeErr *DecodeError
		require.True(t, errors.As(err, &decodeErr))
		require.False(t, IsFatal(err))
		require.Equal(t, before, c.Status())
	}

	err = c.Receive(mustMarshal(t, []any{uint64(42)}))
	var unexpected *UnexpectedMessageError
	require.True(t, errors.As(err, &unexpected))
	require.Equal(t, uint64(42), unexpected.ID)
	require.False(t, IsFatal(err))
	require.Equal(t, before, c.Status())
}

func TestClientStorageErrorIsFatal(t *testing.T) {
	index := &fakeIndex{}
	c := NewClient(index, mainnet(t))
	intersect(t, c)
	_, err := c.Send()
	require.NoError(t, err)

	index.err = errors.New("disk full")
	err = c.Receive(encodeRollForward(t, sampleHeader(5, []byte{1}), Tip{}, true))
	require.True(t, IsFatal(err))
	require.ErrorContains(t, err, "disk full")

	c = NewClient(index, mainnet(t))
	_, err = c.Send()
	require.True(t, IsFatal(err))
	require.Equal(t, StateIdle, c.Status().State)
}

func TestClientProgressLogRateLimited(t *testing.T) {
	var buf bytes.Buffer
	now := time.Unix(1_600_000_000, 0)
	clock := func() time.Time { return now }
	c := NewClient(&fakeIndex{}, mainnet(t), WithLogger(zerolog.New(&buf)), WithClock(clock))
	intersect(t, c)

	progressLines := func() int {
		return strings.Count(buf.String(), `"tip_slot"`)
	}

	rollForward(t, c, sampleHeader(1, []byte{1}))
	require.Equal(t, 1, progressLines(), "first header always logs")

	now = now.Add(time.Second)
	rollForward(t, c, sampleHeader(2, []byte{2}))
	require.Equal(t, 1, progressLines())

	now = now.Add(5 * time.Second)
	rollForward(t, c, sampleHeader(3, []byte{3}))
	require.Equal(t, 2, progressLines())
}

func TestClientWithChainIndex(t *testing.T) {
	network := mainnet(t)
	index, err := core.Open(t.TempDir(), network, core.WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer index.Close()

	c := NewClient(index, network)
	_, err = c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgIntersectNotFound{})))

	etaVRF0 := bytes.Repeat([]byte{0xb0}, 64)
	h := sampleHeader(100, etaVRF0)
	rollForward(t, c, h)
	require.NoError(t, index.Flush())

	tip, err := index.Tip()
	require.NoError(t, err)
	require.Equal(t, uint64(100), tip.SlotNumber)
	require.False(t, tip.Orphaned)
	require.Equal(t, nonce.Next(network.GenesisNonce, etaVRF0), tip.EtaV)
	require.Equal(t, header.HashBytes(encodeHeader(t, h)), tip.Hash)
}

func TestClientRollBackwardWithChainIndex(t *testing.T) {
	network := mainnet(t)
	index, err := core.Open(t.TempDir(), network, core.WithFlushInterval(time.Hour))
	require.NoError(t, err)
	defer index.Close()

	c := NewClient(index, network)
	intersect(t, c)
	var hashes [][]byte
	for _, slot := range []uint64{10, 20, 30} {
		h := sampleHeader(slot, []byte{byte(slot)})
		rollForward(t, c, h)
		hashes = append(hashes, header.HashBytes(encodeHeader(t, h)))
	}
	require.NoError(t, index.Flush())

	_, err = c.Send()
	require.NoError(t, err)
	require.NoError(t, c.Receive(encodeMsg(t, MsgRollBackward{Point: header.Point{Slot: 20, Hash: hashes[1]}})))

	want := []core.Validity{core.Valid, core.Orphaned, core.Orphaned}
	for i, hash := range hashes {
		got, err := index.Validate(hash)
		require.NoError(t, err)
		require.Equal(t, want[i], got)
	}

	// The next FindIntersect offers only the surviving row plus fallbacks.
	c = NewClient(index, network)
	data, err := c.Send()
	require.NoError(t, err)
	msg, err := Decode(data)
	require.NoError(t, err)
	points := msg.(MsgFindIntersect).Points
	require.Len(t, points, 3)
	require.Equal(t, uint64(10), points[0].Slot)
}
